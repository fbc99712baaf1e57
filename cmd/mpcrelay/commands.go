package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pushchain/mpc-relay/mpc/config"
	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/server"
	"github.com/pushchain/mpc-relay/mpc/session"
	"github.com/pushchain/mpc-relay/mpc/sessionstore"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

const sessionDBFile = "sessions.db"

func InitRootCmd(rootCmd *cobra.Command, a *app) {
	rootCmd.AddCommand(initCmd(a))
	rootCmd.AddCommand(keypairCmd(a))
	rootCmd.AddCommand(serverCmd(a))
	rootCmd.AddCommand(relayKeyCmd(a))
	rootCmd.AddCommand(keygenCmd(a))
	rootCmd.AddCommand(signCmd(a))
	rootCmd.AddCommand(sharesCmd(a))
	rootCmd.AddCommand(versionCmd())
}

func initCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config and a fresh keypair under --home",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := a.cfg.NodeHome
			if _, err := os.Stat(config.Path(home)); err == nil && !force {
				return errors.Errorf("config already exists at %s, use --force to overwrite", config.Path(home))
			}
			if err := config.Save(&a.cfg, home); err != nil {
				return err
			}

			path := a.cfg.KeypairPath()
			if _, err := os.Stat(path); os.IsNotExist(err) || force {
				kp, err := protocol.GenerateKeypair()
				if err != nil {
					return err
				}
				if err := saveKeypair(path, kp); err != nil {
					return err
				}
			}
			kp, err := loadKeypair(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config:     %s\n", config.Path(home))
			fmt.Fprintf(cmd.OutOrStdout(), "Keypair:    %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", kp.Public)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config and keypair")
	return cmd
}

func serverCmd(a *app) *cobra.Command {
	var (
		listenAddr string
		dbDir      string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen-addr") {
				a.cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("session-db-dir") {
				a.cfg.SessionDBDir = dbDir
			}

			kp, err := loadKeypair(a.cfg.KeypairPath())
			if err != nil {
				return errors.Wrap(err, "relay keypair not found, run `mpcrelay init` first")
			}

			var store *sessionstore.Store
			if a.cfg.SessionDBDir != "" {
				db, err := sessionstore.OpenFile(a.cfg.SessionDBDir, sessionDBFile)
				if err != nil {
					return err
				}
				defer func() {
					if err := sessionstore.Close(db); err != nil {
						a.logger.Warn().Err(err).Msg("failed to close session store")
					}
				}()
				store = sessionstore.NewStore(db, a.logger)
			}

			srv, err := server.New(server.Config{
				Keypair:    kp,
				ListenAddr: a.cfg.ListenAddr,
				Session: session.Config{
					JoinTimeout:   a.cfg.SessionTimeout(),
					CheckInterval: a.cfg.CheckInterval(),
					Retention:     a.cfg.Retention(),
				},
				Store: store,
			}, a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(); err != nil {
				return err
			}
			done := make(chan struct{})
			go func() {
				srv.Run(ctx)
				close(done)
			}()

			<-ctx.Done()
			a.logger.Info().Msg("shutting down relay server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err = srv.Stop(shutdownCtx)
			<-done
			return err
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "address to listen on (overrides config)")
	cmd.Flags().StringVar(&dbDir, "session-db-dir", "", "directory of the sqlite session log (overrides config)")
	return cmd
}

func relayKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relay-key",
		Short: "Fetch the relay's public key from --server-url",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := fetchServerKey(cmd.Context(), a.cfg.ServerURL, a.cfg.ConnectRetries)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.HexBytes(key))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print mpcrelay version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       %s\n", "mpcrelay")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Go:         %s\n", runtime.Version())
		},
	}
}
