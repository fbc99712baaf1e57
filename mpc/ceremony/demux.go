package ceremony

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

const (
	stageKeygen   = "keygen"
	stageSign     = "sign"
	stagePartials = "partials"

	stageBuffer = 1024
)

type early struct {
	sender  string
	payload []byte
}

// demux routes decrypted peer payloads of one session to the queue of their
// stage. Payloads that arrive before the session is known are held back.
type demux struct {
	logger zerolog.Logger
	stages map[string]chan protocol.RoundMessage[json.RawMessage]

	mu      sync.Mutex
	session *protocol.Session
	byKey   map[string]uint16
	pending []early
}

func newDemux(logger zerolog.Logger, stages ...string) *demux {
	d := &demux{
		logger: logger,
		stages: make(map[string]chan protocol.RoundMessage[json.RawMessage], len(stages)),
	}
	for _, s := range stages {
		d.stages[s] = make(chan protocol.RoundMessage[json.RawMessage], stageBuffer)
	}
	return d
}

// inbound returns the queue of a stage.
func (d *demux) inbound(stage string) <-chan protocol.RoundMessage[json.RawMessage] {
	return d.stages[stage]
}

// bind sets the session and replays anything that arrived early.
func (d *demux) bind(ctx context.Context, session *protocol.Session) {
	byKey := make(map[string]uint16, len(session.Participants))
	for _, p := range session.Participants {
		byKey[p.PublicKey.String()] = p.Index
	}

	d.mu.Lock()
	d.session = session
	d.byKey = byKey
	held := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, e := range held {
		if err := d.handle(ctx, e.sender, e.payload); err != nil {
			d.logger.Warn().Err(err).Str("peer", e.sender).Msg("dropping early peer message")
		}
	}
}

// handle is the transport handler. The sender is authenticated by its peer
// channel, so a message claiming another participant's index is rejected.
func (d *demux) handle(ctx context.Context, sender string, payload []byte) error {
	d.mu.Lock()
	if d.session == nil {
		d.pending = append(d.pending, early{sender: sender, payload: payload})
		d.mu.Unlock()
		return nil
	}
	session := d.session
	index, known := d.byKey[sender]
	d.mu.Unlock()

	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errors.Wrap(err, "failed to decode envelope")
	}
	if env.SessionID != session.ID {
		return errors.Errorf("message for session %s", env.SessionID)
	}
	if !known {
		return errors.Errorf("sender %s is not a participant", sender)
	}
	if env.Message.Sender != index {
		return errors.Errorf("party %d sent a message as party %d", index, env.Message.Sender)
	}
	ch, ok := d.stages[env.Stage]
	if !ok {
		return errors.Errorf("unknown stage %q", env.Stage)
	}

	select {
	case ch <- env.Message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// peerID returns the transport identity of a participant.
func peerID(p protocol.Participant) string {
	return hex.EncodeToString(p.PublicKey)
}
