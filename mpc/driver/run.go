package driver

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/router"
)

// SendFunc delivers an encoded round message to one participant.
type SendFunc func(ctx context.Context, to protocol.Participant, msg protocol.RoundMessage[json.RawMessage]) error

// RunConfig wires a driver to an active session.
type RunConfig struct {
	// Session is the Active session the ceremony runs in.
	Session *protocol.Session
	// LocalPublicKey is the local identity.
	LocalPublicKey []byte
	// Inbound is the single queue of messages received for this session.
	Inbound <-chan protocol.RoundMessage[json.RawMessage]
	// Send delivers outgoing messages.
	Send SendFunc
	Logger zerolog.Logger
}

// Run drives d to completion. It owns the driver and its router; every
// inbound message reaches the driver through cfg.Inbound, and a round's
// messages are only sent after that round's Proceed returned. Cancelling ctx
// abandons the ceremony and releases buffered messages.
func Run[B, T any](ctx context.Context, d Driver[B, T], cfg RunConfig) (T, error) {
	var zero T

	if cfg.Session == nil || cfg.Session.State != protocol.SessionActive {
		return zero, ErrSessionNotActive
	}
	local, err := LocalParticipant(cfg.Session, cfg.LocalPublicKey)
	if err != nil {
		return zero, err
	}

	logger := cfg.Logger.With().
		Str("session_id", cfg.Session.ID.String()).
		Uint16("party", local.Index).
		Logger()

	others := cfg.Session.Others(cfg.LocalPublicKey)
	r := router.New[json.RawMessage](local.Index, ParticipantIndices(cfg.Session.Participants))
	defer r.Close()

	send := func(round uint16, msgs []protocol.RoundMessage[B]) error {
		for _, m := range msgs {
			wire, err := protocol.EncodeRound(m)
			if err != nil {
				return ErrEncoding.WithCause(err)
			}
			wire.Sender = local.Index
			wire.Round = round

			if m.IsBroadcast() {
				for _, p := range others {
					if err := cfg.Send(ctx, p, wire); err != nil {
						return errors.Wrapf(err, "failed to send round %d to party %d", round, p.Index)
					}
				}
				continue
			}
			to, ok := cfg.Session.ParticipantByIndex(m.Receiver)
			if !ok || to.Index == local.Index {
				return errors.Errorf("round %d message addressed to unknown party %d", round, m.Receiver)
			}
			if err := cfg.Send(ctx, to, wire); err != nil {
				return errors.Wrapf(err, "failed to send round %d to party %d", round, to.Index)
			}
		}
		return nil
	}

	proceed := func() error {
		round, msgs, err := d.Proceed()
		if err != nil {
			return errors.Wrap(err, "failed to proceed")
		}
		logger.Debug().Uint16("round", round).Int("messages", len(msgs)).Msg("round proceeded")
		return send(round, msgs)
	}

	if err := proceed(); err != nil {
		return zero, err
	}

	for !d.Done() {
		select {
		case <-ctx.Done():
			logger.Warn().Err(ctx.Err()).Msg("ceremony cancelled")
			return zero, ctx.Err()

		case msg, ok := <-cfg.Inbound:
			if !ok {
				return zero, ErrInboundClosed
			}
			batches, err := r.Route(msg)
			if err != nil {
				return zero, errors.Wrapf(err, "failed to route message from party %d", msg.Sender)
			}
			for _, batch := range batches {
				for _, wire := range batch.Messages {
					typed, err := protocol.DecodeRound[B](wire)
					if err != nil {
						return zero, errors.Wrapf(ErrEncoding.WithCause(err), "party %d round %d", wire.Sender, wire.Round)
					}
					if err := d.HandleIncoming(typed); err != nil {
						return zero, errors.Wrapf(err, "failed to handle round %d message from party %d", wire.Round, wire.Sender)
					}
				}
				if err := proceed(); err != nil {
					return zero, err
				}
				if d.Done() {
					break
				}
			}
		}
	}

	if n := r.Dropped(); n > 0 {
		logger.Debug().Int("dropped", n).Msg("dropped late or duplicate messages")
	}
	out, err := d.Finish()
	if err != nil {
		return zero, errors.Wrap(err, "failed to finish")
	}
	logger.Info().Msg("ceremony finished")
	return out, nil
}
