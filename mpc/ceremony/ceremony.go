// Package ceremony runs complete keygen and signing ceremonies over the relay:
// it opens the session, waits for every participant, connects the peer
// channels and drives the gg20 drivers to their result.
package ceremony

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/client"
	"github.com/pushchain/mpc-relay/mpc/driver"
	"github.com/pushchain/mpc-relay/mpc/driver/gg20"
	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/transport"
)

var (
	ErrSessionTimedOut     = mpcerrors.New(mpcerrors.CodeSession, "session timed out waiting for participants")
	ErrUnsupportedProtocol = mpcerrors.New(mpcerrors.CodeCeremony, "protocol not supported")
	ErrConnectionClosed    = mpcerrors.New(mpcerrors.CodeTransport, "relay connection closed during ceremony")
)

// Config carries what a ceremony needs besides its SessionOptions.
type Config struct {
	// Participants are the identities of a new session. Leave empty to join
	// the session named by SessionOptions.SessionID.
	Participants [][]byte
	// PreParams speeds up keygen; nil generates them during the ceremony.
	PreParams *keygen.LocalPreParams
	// RequestTimeout bounds each relay request; zero uses the client default.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// run is one open session.
type run struct {
	opts    *protocol.SessionOptions
	logger  zerolog.Logger
	client  *client.Client
	demux   *demux
	session *protocol.Session
	local   protocol.Participant
}

// open connects to the relay, creates or joins the session and returns once
// it is active and every peer channel is ready.
func open(ctx context.Context, opts *protocol.SessionOptions, cfg Config, stages ...string) (*run, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session options")
	}
	if opts.Protocol != protocol.ProtocolGG20 {
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "%s", opts.Protocol)
	}
	if opts.SessionID == nil && len(cfg.Participants) == 0 {
		return nil, errors.New("participants are required to create a session")
	}

	logger := cfg.Logger.With().Str("component", "ceremony").Logger()
	c, err := client.Connect(ctx, client.Options{
		URL:             opts.Server.URL,
		ServerPublicKey: opts.Server.PublicKey,
		Keypair:         &opts.Keypair,
		RequestTimeout:  cfg.RequestTimeout,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := &run{opts: opts, logger: logger, client: c, demux: newDemux(logger, stages...)}
	if err := c.RegisterHandler(r.demux.handle); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := r.join(ctx, cfg.Participants); err != nil {
		_ = c.Close()
		return nil, err
	}
	return r, nil
}

func (r *run) join(ctx context.Context, participants [][]byte) error {
	var id protocol.SessionID
	if r.opts.SessionID != nil {
		id = *r.opts.SessionID
	} else {
		created, err := r.client.NewSession(ctx, participants, r.opts.Parameters)
		if err != nil {
			return errors.Wrap(err, "failed to create session")
		}
		id = created.ID
		r.logger.Info().Str("session_id", id.String()).Msg("session created")
	}

	joined, err := r.client.JoinSession(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to join session %s", id)
	}
	if joined.Parameters != r.opts.Parameters {
		return errors.Wrapf(driver.ErrInvalidParameters, "session has %+v, expected %+v", joined.Parameters, r.opts.Parameters)
	}

	session, err := r.waitActive(ctx, id)
	if err != nil {
		return err
	}
	r.session = session
	r.local, err = driver.LocalParticipant(session, r.client.PublicKey())
	if err != nil {
		return err
	}
	r.demux.bind(ctx, session)

	for _, p := range session.Others(r.client.PublicKey()) {
		if err := r.transport().EnsurePeer(ctx, peerID(p)); err != nil {
			return errors.Wrapf(err, "failed to connect to party %d", p.Index)
		}
	}
	r.logger.Info().
		Str("session_id", id.String()).
		Uint16("party", r.local.Index).
		Msg("session active, peers connected")
	return nil
}

// waitActive consumes client events until the session is active. A timeout
// is reported as ErrSessionTimedOut.
func (r *run) waitActive(ctx context.Context, id protocol.SessionID) (*protocol.Session, error) {
	for {
		select {
		case ev, ok := <-r.client.Events():
			if !ok {
				return nil, ErrConnectionClosed.WithCause(r.client.Err())
			}
			if ev.Session == nil || ev.Session.ID != id {
				continue
			}
			switch ev.Kind {
			case client.EventSessionActive:
				return ev.Session, nil
			case client.EventSessionTimeout:
				return nil, errors.Wrapf(ErrSessionTimedOut, "session %s", id)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *run) transport() transport.Transport { return r.client }

// stage runs one driver over the session's peer channels.
func stage[B, T any](ctx context.Context, r *run, name string, d driver.Driver[B, T]) (T, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.client.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	return runStage(runCtx, r.transport(), r.session, r.demux.inbound(name), name, d, r.logger)
}

// runStage drives d with its traffic wrapped in envelopes for the stage.
func runStage[B, T any](
	ctx context.Context,
	tr transport.Transport,
	session *protocol.Session,
	inbound <-chan protocol.RoundMessage[json.RawMessage],
	name string,
	d driver.Driver[B, T],
	logger zerolog.Logger,
) (T, error) {
	local, err := hexKey(tr.ID())
	if err != nil {
		var zero T
		return zero, err
	}
	send := func(ctx context.Context, to protocol.Participant, msg protocol.RoundMessage[json.RawMessage]) error {
		payload, err := protocol.Encode(protocol.Envelope{SessionID: session.ID, Stage: name, Message: msg})
		if err != nil {
			return driver.ErrEncoding.WithCause(err)
		}
		return tr.Send(ctx, peerID(to), payload)
	}
	return driver.Run(ctx, d, driver.RunConfig{
		Session:        session,
		LocalPublicKey: local,
		Inbound:        inbound,
		Send:           send,
		Logger:         logger.With().Str("stage", name).Logger(),
	})
}

// close reports the ceremony as finished with its output and disconnects. An
// empty output means the ceremony failed and the session is left unfinished.
func (r *run) close(ctx context.Context, output string) {
	if output != "" {
		if err := r.client.FinishSession(ctx, r.session.ID, output); err != nil {
			r.logger.Warn().Err(err).Msg("failed to finish session")
		}
	}
	_ = r.client.Close()
}

// Keygen runs distributed key generation and returns the local key share.
func Keygen(ctx context.Context, opts *protocol.SessionOptions, cfg Config) (*protocol.KeyShare, error) {
	r, err := open(ctx, opts, cfg, stageKeygen)
	if err != nil {
		return nil, err
	}

	d, err := gg20.NewKeygen(r.session.Parameters, r.local, r.session.Participants, cfg.PreParams)
	if err != nil {
		r.close(ctx, "")
		return nil, err
	}
	share, err := stage(ctx, r, stageKeygen, driver.Driver[gg20.Payload, *protocol.KeyShare](d))
	if err != nil {
		r.close(ctx, "")
		return nil, errors.Wrap(err, "keygen failed")
	}
	r.close(ctx, share.Address)
	r.logger.Info().Str("address", share.Address).Msg("key generated")
	return share, nil
}

// Sign signs digest with share. The session's participants are the signers;
// opts.Parameters.Threshold must be the threshold the key was generated with
// and opts.Parameters.Parties the number of signers.
func Sign(ctx context.Context, opts *protocol.SessionOptions, cfg Config, share *protocol.KeyShare, digest [32]byte) (*protocol.Signature, error) {
	r, err := open(ctx, opts, cfg, stageSign, stagePartials)
	if err != nil {
		return nil, err
	}

	sig, err := r.sign(ctx, share, digest)
	if err != nil {
		r.close(ctx, "")
		return nil, errors.Wrap(err, "signing failed")
	}
	r.close(ctx, sig.Address)
	r.logger.Info().Str("address", sig.Address).Msg("message signed")
	return sig, nil
}

func (r *run) sign(ctx context.Context, share *protocol.KeyShare, digest [32]byte) (*protocol.Signature, error) {
	offlineDriver, err := gg20.NewSignOffline(share, r.session.Parameters.Threshold, digest, r.local, r.session.Participants)
	if err != nil {
		return nil, err
	}
	offline, err := stage(ctx, r, stageSign, driver.Driver[gg20.Payload, *gg20.OfflineResult](offlineDriver))
	if err != nil {
		return nil, errors.Wrap(err, "offline stage")
	}

	exchange := newPartialExchange(r.local.Index, offline.Partial)
	partials, err := stage(ctx, r, stagePartials, driver.Driver[gg20.PartialSignature, []gg20.PartialSignature](exchange))
	if err != nil {
		return nil, errors.Wrap(err, "partial exchange")
	}

	online, err := gg20.NewSignOnline(offline, partials)
	if err != nil {
		return nil, err
	}
	return online.Finish()
}
