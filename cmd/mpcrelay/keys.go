package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

func keypairCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keypair",
		Short: "Manage the Noise identity keypair",
	}

	var out string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new keypair and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				path = a.cfg.KeypairPath()
			}
			if _, err := os.Stat(path); err == nil {
				return errors.Errorf("keypair already exists at %s", path)
			}
			kp, err := protocol.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := saveKeypair(path, kp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.Public)
			return nil
		},
	}
	generate.Flags().StringVar(&out, "out", "", "file to write (default: keypair file under --home)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the public key of the configured keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadKeypair(a.cfg.KeypairPath())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.Public)
			return nil
		},
	}

	cmd.AddCommand(generate, show)
	return cmd
}

func saveKeypair(path string, kp *protocol.Keypair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create keypair directory")
	}
	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode keypair")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "failed to write keypair")
}

func loadKeypair(path string) (*protocol.Keypair, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read keypair")
	}
	var kp protocol.Keypair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, errors.Wrapf(err, "failed to decode keypair %s", path)
	}
	if err := kp.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid keypair %s", path)
	}
	return &kp, nil
}
