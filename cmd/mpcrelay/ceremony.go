package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/pushchain/mpc-relay/mpc/ceremony"
	"github.com/pushchain/mpc-relay/mpc/driver/gg20"
	"github.com/pushchain/mpc-relay/mpc/keyshare"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

const (
	flagThreshold    = "threshold"
	flagParties      = "parties"
	flagSigners      = "signers"
	flagParticipants = "participants"
	flagSessionID    = "session-id"
	flagKeyID        = "key-id"
	flagDigest       = "digest"
	flagMessage      = "message"
	flagPreParams    = "preparams-timeout"
)

func keygenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Run distributed key generation and store the resulting key share",
		Long: `Creates a session for --participants (hex public keys, in party order) or
joins the session given by --session-id, then runs GG20 key generation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := cast.ToUint16E(a.v.Get(flagThreshold))
			if err != nil {
				return errors.Wrap(err, "invalid --threshold")
			}
			parties, err := cast.ToUint16E(a.v.Get(flagParties))
			if err != nil {
				return errors.Wrap(err, "invalid --parties")
			}
			keyID := a.v.GetString(flagKeyID)

			shares, err := a.keyshares()
			if err != nil {
				return err
			}
			if exists, err := shares.Exists(keyID); err != nil {
				return err
			} else if exists {
				return errors.Errorf("key share %q already exists", keyID)
			}

			opts, cfg, err := a.ceremonyOptions(cmd, protocol.Parameters{Threshold: threshold, Parties: parties})
			if err != nil {
				return err
			}
			if timeout := a.v.GetDuration(flagPreParams); timeout > 0 {
				a.logger.Info().Dur("timeout", timeout).Msg("generating pre-parameters")
				if cfg.PreParams, err = gg20.GeneratePreParams(timeout); err != nil {
					return err
				}
			}

			share, err := ceremony.Keygen(cmd.Context(), opts, cfg)
			if err != nil {
				return err
			}
			if err := shares.Store(keyID, share); err != nil {
				return err
			}
			a.logger.Info().Str("key_id", keyID).Str("address", share.Address).Msg("key share stored")
			return printJSON(cmd, map[string]string{
				"keyId":     keyID,
				"address":   share.Address,
				"publicKey": hex.EncodeToString(share.PublicKey),
			})
		},
	}

	flags := cmd.Flags()
	flags.Uint16(flagThreshold, 2, "minimum number of signers")
	flags.Uint16(flagParties, 3, "number of key share holders")
	flags.String(flagKeyID, "", "name the key share is stored under")
	flags.Duration(flagPreParams, time.Minute, "generate Paillier pre-parameters ahead of the session (0 defers to the ceremony)")
	addSessionFlags(cmd)
	_ = cmd.MarkFlagRequired(flagKeyID)
	return cmd
}

func signCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a digest with a stored key share",
		Long: `Creates a signing session for --participants or joins --session-id. The
digest is either given as 32 hex bytes or derived from --message with the
Ethereum personal message hash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := cast.ToUint16E(a.v.Get(flagThreshold))
			if err != nil {
				return errors.Wrap(err, "invalid --threshold")
			}
			signers, err := cast.ToUint16E(a.v.Get(flagSigners))
			if err != nil {
				return errors.Wrap(err, "invalid --signers")
			}
			digest, err := parseDigest(a.v.GetString(flagDigest), a.v.GetString(flagMessage), a.v.IsSet(flagMessage))
			if err != nil {
				return err
			}

			shares, err := a.keyshares()
			if err != nil {
				return err
			}
			share, err := shares.Get(a.v.GetString(flagKeyID))
			if err != nil {
				return err
			}

			opts, cfg, err := a.ceremonyOptions(cmd, protocol.Parameters{Threshold: threshold, Parties: signers})
			if err != nil {
				return err
			}
			sig, err := ceremony.Sign(cmd.Context(), opts, cfg, share, digest)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"signature": sig.Signature,
				"rsv":       hex.EncodeToString(sig.Signature.Bytes()),
				"publicKey": sig.PublicKey,
				"address":   sig.Address,
			})
		},
	}

	flags := cmd.Flags()
	flags.Uint16(flagThreshold, 2, "threshold the key was generated with")
	flags.Uint16(flagSigners, 2, "number of parties taking part in this signature")
	flags.String(flagKeyID, "", "stored key share to sign with")
	flags.String(flagDigest, "", "32 byte hex digest to sign")
	flags.String(flagMessage, "", "message hashed as an Ethereum personal message")
	addSessionFlags(cmd)
	_ = cmd.MarkFlagRequired(flagKeyID)
	cmd.MarkFlagsMutuallyExclusive(flagDigest, flagMessage)
	return cmd
}

func sharesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shares",
		Short: "List stored key shares",
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, err := a.keyshares()
			if err != nil {
				return err
			}
			ids, err := shares.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				share, err := shares.Get(id)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t<unreadable: %v>\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, share.Address)
			}
			return nil
		},
	}
	return cmd
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice(flagParticipants, nil, "hex public keys of every party, in party order (creates a session)")
	cmd.Flags().String(flagSessionID, "", "session to join instead of creating one")
	cmd.MarkFlagsMutuallyExclusive(flagParticipants, flagSessionID)
	cmd.MarkFlagsOneRequired(flagParticipants, flagSessionID)
}

func (a *app) keyshares() (*keyshare.Manager, error) {
	if a.cfg.KeysharePassword == "" {
		return nil, errors.New("a keyshare password is required, set --keyshare-password or MPCRELAY_KEYSHARE_PASSWORD")
	}
	return keyshare.NewManager(a.cfg.KeyshareDir, a.cfg.KeysharePassword)
}

// ceremonyOptions assembles the session options from the config and the
// session flags, and waits for the relay to come up.
func (a *app) ceremonyOptions(cmd *cobra.Command, params protocol.Parameters) (*protocol.SessionOptions, ceremony.Config, error) {
	kp, err := loadKeypair(a.cfg.KeypairPath())
	if err != nil {
		return nil, ceremony.Config{}, err
	}
	if a.cfg.ServerPublicKey == "" {
		return nil, ceremony.Config{}, errors.New("relay public key is not configured, see `mpcrelay relay-key`")
	}
	serverKey, err := protocol.ParseHexKey(a.cfg.ServerPublicKey)
	if err != nil {
		return nil, ceremony.Config{}, err
	}

	opts := &protocol.SessionOptions{
		Protocol:   protocol.ProtocolGG20,
		Keypair:    *kp,
		Server:     protocol.ServerOptions{URL: a.cfg.ServerURL, PublicKey: serverKey},
		Parameters: params,
	}
	cfg := ceremony.Config{
		RequestTimeout: a.cfg.RequestTimeout(),
		Logger:         a.logger,
	}

	if raw := a.v.GetString(flagSessionID); raw != "" {
		id, err := protocol.ParseSessionID(raw)
		if err != nil {
			return nil, ceremony.Config{}, err
		}
		opts.SessionID = &id
	} else {
		cfg.Participants, err = parseParticipants(a.v.GetStringSlice(flagParticipants))
		if err != nil {
			return nil, ceremony.Config{}, err
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, ceremony.Config{}, err
	}
	if err := waitForRelay(cmd.Context(), a.cfg.ServerURL, a.cfg.ConnectRetries); err != nil {
		return nil, ceremony.Config{}, err
	}
	return opts, cfg, nil
}

func parseParticipants(keys []string) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		pk, err := protocol.ParseHexKey(strings.TrimSpace(k))
		if err != nil {
			return nil, errors.Wrapf(err, "participant %q", k)
		}
		out = append(out, pk)
	}
	return out, nil
}

// parseDigest returns the 32 byte digest given as hex, or the Ethereum
// personal message hash of message when useMessage is set.
func parseDigest(digestHex, message string, useMessage bool) ([32]byte, error) {
	var digest [32]byte
	if useMessage {
		copy(digest[:], accounts.TextHash([]byte(message)))
		return digest, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil {
		return digest, errors.Wrap(err, "invalid digest")
	}
	if len(b) != len(digest) {
		return digest, errors.Errorf("digest must be %d bytes, got %d", len(digest), len(b))
	}
	copy(digest[:], b)
	return digest, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
