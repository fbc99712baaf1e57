package session

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

type entry struct {
	session  protocol.Session
	joined   map[uint16]struct{}
	closedAt time.Time
}

func (e *entry) snapshot() *protocol.Session {
	s := e.session
	s.Participants = append([]protocol.Participant(nil), e.session.Participants...)
	s.Owner = append(protocol.HexBytes(nil), e.session.Owner...)
	s.Joined = make([]uint16, 0, len(e.joined))
	for _, p := range e.session.Participants {
		if _, ok := e.joined[p.Index]; ok {
			s.Joined = append(s.Joined, p.Index)
		}
	}
	return &s
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for creation times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDropHandler is called for every event a full subscriber missed. fn runs
// under the session lock and must not call back into the Manager.
func WithDropHandler(fn func(Event)) Option {
	return func(m *Manager) { m.onDrop = fn }
}

// Manager coordinates session membership and lifecycle. Events are emitted
// while the session lock is held, so the events of one session reach every
// subscriber in transition order.
type Manager struct {
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	onDrop  func(Event)
	dropped atomic.Uint64

	mu       sync.Mutex
	sessions map[protocol.SessionID]*entry

	subMu       sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewManager creates a session coordinator.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[protocol.SessionID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe returns a channel receiving every lifecycle event. Emission never
// waits on a subscriber: an event that does not fit the channel buffer is
// dropped for that subscriber.
func (m *Manager) Subscribe() <-chan Event {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan Event, m.cfg.EventBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Manager) emit(events ...Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	if m.closed {
		return
	}
	for _, ev := range events {
		for _, ch := range m.subscribers {
			select {
			case ch <- ev:
			default:
				m.dropped.Add(1)
				m.logger.Warn().
					Str("session_id", ev.Session.ID.String()).
					Str("event", string(ev.Kind)).
					Msg("subscriber full, dropping session event")
				if m.onDrop != nil {
					m.onDrop(ev)
				}
			}
		}
	}
}

// Dropped returns how many event deliveries were dropped.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Create registers a new Waiting session. The owner must be one of the
// participants and the participant count must match the parameters.
func (m *Manager) Create(owner []byte, publicKeys [][]byte, params protocol.Parameters) (*protocol.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid parameters")
	}
	participants, err := protocol.NewParticipants(publicKeys)
	if err != nil {
		return nil, errors.Wrap(err, "invalid participants")
	}
	if len(participants) != int(params.Parties) {
		return nil, errors.Errorf("expected %d participants, got %d", params.Parties, len(participants))
	}
	found := false
	for _, p := range participants {
		if bytes.Equal(p.PublicKey, owner) {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Wrap(ErrNotSessionParticipant, "session owner")
	}

	e := &entry{
		session: protocol.Session{
			ID:           protocol.NewSessionID(),
			Owner:        append(protocol.HexBytes(nil), owner...),
			Parameters:   params,
			Participants: participants,
			State:        protocol.SessionWaiting,
			CreatedAt:    m.now(),
		},
		joined: make(map[uint16]struct{}),
	}

	m.mu.Lock()
	m.sessions[e.session.ID] = e
	snap := e.snapshot()
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", snap.ID.String()).
		Uint16("threshold", params.Threshold).
		Uint16("parties", params.Parties).
		Msg("session created")
	return snap, nil
}

// Join records publicKey as joined. A duplicate join while Waiting is a
// no-op; any join once the session left Waiting is rejected without changing
// state.
func (m *Manager) Join(id protocol.SessionID, publicKey []byte) (*protocol.Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if e.session.State != protocol.SessionWaiting {
		state := e.session.State
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrJoinRejected, "session is %s", state)
	}

	participant, ok := e.session.Participant(publicKey)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotSessionParticipant
	}
	e.joined[participant.Index] = struct{}{}

	var events []Event
	if len(e.joined) == len(e.session.Participants) {
		e.session.State = protocol.SessionActive
		events = append(events, Event{Kind: EventActive, Session: *e.snapshot()})
	}
	snap := e.snapshot()
	m.emit(events...)
	m.mu.Unlock()

	m.logger.Debug().
		Str("session_id", id.String()).
		Uint16("participant", participant.Index).
		Int("joined", len(snap.Joined)).
		Msg("participant joined")
	if len(events) > 0 {
		m.logger.Info().Str("session_id", id.String()).Msg("session active")
	}
	return snap, nil
}

// Tick times out every Waiting session whose join deadline elapsed by now.
func (m *Manager) Tick(now time.Time) []protocol.SessionID {
	var (
		events   []Event
		timedOut []protocol.SessionID
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.State != protocol.SessionWaiting {
			continue
		}
		if now.Sub(e.session.CreatedAt) <= m.cfg.JoinTimeout {
			continue
		}
		e.session.State = protocol.SessionTimedOut
		e.closedAt = now
		timedOut = append(timedOut, id)
		events = append(events, Event{Kind: EventTimedOut, Session: *e.snapshot()})
	}
	m.emit(events...)
	m.mu.Unlock()

	for _, id := range timedOut {
		m.logger.Warn().Str("session_id", id.String()).Msg("session timed out waiting for participants")
	}
	return timedOut
}

// Complete marks an Active session as Completed and records output, a marker
// of what the ceremony produced such as the key address.
func (m *Manager) Complete(id protocol.SessionID, output string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if e.session.State != protocol.SessionActive {
		state := e.session.State
		m.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "cannot complete %s session", state)
	}
	e.session.State = protocol.SessionCompleted
	e.session.Output = output
	e.closedAt = m.now()
	m.emit(Event{Kind: EventCompleted, Session: *e.snapshot()})
	m.mu.Unlock()

	m.logger.Info().Str("session_id", id.String()).Str("output", output).Msg("session completed")
	return nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id protocol.SessionID) (*protocol.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.snapshot(), nil
}

// Remove forgets a session regardless of its state.
func (m *Manager) Remove(id protocol.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Prune removes terminal sessions closed before the given time.
func (m *Manager) Prune(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.sessions {
		if e.session.State.Terminal() && e.closedAt.Before(before) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run ticks the coordinator until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("join_timeout", m.cfg.JoinTimeout).
		Dur("check_interval", m.cfg.CheckInterval).
		Msg("session expiry loop started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("session expiry loop stopped")
			return
		case <-ticker.C:
			now := m.now()
			m.Tick(now)
			if n := m.Prune(now.Add(-m.cfg.Retention)); n > 0 {
				m.logger.Debug().Int("count", n).Msg("pruned closed sessions")
			}
		}
	}
}

// Close stops event delivery and closes every subscriber channel.
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}
