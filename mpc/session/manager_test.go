package session

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func setupTestManager(t *testing.T, parties int) (*Manager, *fakeClock, [][]byte) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(Config{JoinTimeout: time.Minute}, zerolog.Nop(), WithClock(clock.Now))
	t.Cleanup(m.Close)

	keys := make([][]byte, parties)
	for i := range keys {
		kp, err := protocol.GenerateKeypair()
		require.NoError(t, err)
		keys[i] = kp.Public
	}
	return m, clock, keys
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreate(t *testing.T) {
	m, clock, keys := setupTestManager(t, 3)

	s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 3})
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionWaiting, s.State)
	assert.Empty(t, s.Joined)
	assert.Len(t, s.Participants, 3)
	assert.Equal(t, clock.Now(), s.CreatedAt)

	outsider, err := protocol.GenerateKeypair()
	require.NoError(t, err)

	testCases := []struct {
		name   string
		owner  []byte
		keys   [][]byte
		params protocol.Parameters
	}{
		{name: "owner not a participant", owner: outsider.Public, keys: keys, params: protocol.Parameters{Threshold: 2, Parties: 3}},
		{name: "participant count mismatch", owner: keys[0], keys: keys[:2], params: protocol.Parameters{Threshold: 2, Parties: 3}},
		{name: "invalid threshold", owner: keys[0], keys: keys, params: protocol.Parameters{Threshold: 4, Parties: 3}},
		{name: "duplicate participant", owner: keys[0], keys: [][]byte{keys[0], keys[0], keys[1]}, params: protocol.Parameters{Threshold: 2, Parties: 3}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(tc.owner, tc.keys, tc.params)
			assert.Error(t, err)
		})
	}
}

func TestJoinActivatesExactlyOnce(t *testing.T) {
	m, _, keys := setupTestManager(t, 3)
	events := m.Subscribe()

	s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 3})
	require.NoError(t, err)

	_, err = m.Join(s.ID, keys[0])
	require.NoError(t, err)
	// duplicate delivery while waiting is harmless
	snap, err := m.Join(s.ID, keys[0])
	require.NoError(t, err)
	assert.Equal(t, []uint16{1}, snap.Joined)

	_, err = m.Join(s.ID, keys[1])
	require.NoError(t, err)
	assert.Empty(t, drain(events))

	snap, err = m.Join(s.ID, keys[2])
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionActive, snap.State)
	assert.Equal(t, []uint16{1, 2, 3}, snap.Joined)

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, EventActive, got[0].Kind)
	assert.Equal(t, s.ID, got[0].Session.ID)

	// joins after activation are rejected and leave the state alone
	_, err = m.Join(s.ID, keys[1])
	assert.ErrorIs(t, err, ErrJoinRejected)
	current, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionActive, current.State)
	assert.Empty(t, drain(events))
}

func TestJoinErrors(t *testing.T) {
	m, _, keys := setupTestManager(t, 2)
	s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
	require.NoError(t, err)

	outsider, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	_, err = m.Join(s.ID, outsider.Public)
	assert.ErrorIs(t, err, ErrNotSessionParticipant)

	_, err = m.Join(protocol.NewSessionID(), keys[0])
	assert.ErrorIs(t, err, ErrSessionNotFound)

	current, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, current.Joined)
}

func TestTickTimesOutOnce(t *testing.T) {
	m, clock, keys := setupTestManager(t, 2)
	events := m.Subscribe()

	s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
	require.NoError(t, err)
	_, err = m.Join(s.ID, keys[0])
	require.NoError(t, err)

	assert.Empty(t, m.Tick(clock.Advance(30*time.Second)))
	assert.Empty(t, m.Tick(clock.Advance(30*time.Second)), "deadline is exclusive")

	timedOut := m.Tick(clock.Advance(time.Second))
	assert.Equal(t, []protocol.SessionID{s.ID}, timedOut)
	assert.Empty(t, m.Tick(clock.Advance(time.Minute)))

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, EventTimedOut, got[0].Kind)
	assert.Equal(t, protocol.SessionTimedOut, got[0].Session.State)

	_, err = m.Join(s.ID, keys[1])
	assert.ErrorIs(t, err, ErrJoinRejected)
	current, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionTimedOut, current.State)
	assert.Equal(t, []uint16{1}, current.Joined)
}

func TestTickIgnoresActiveSessions(t *testing.T) {
	m, clock, keys := setupTestManager(t, 2)
	s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
	require.NoError(t, err)
	for _, k := range keys {
		_, err = m.Join(s.ID, k)
		require.NoError(t, err)
	}

	assert.Empty(t, m.Tick(clock.Advance(time.Hour)))
	current, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionActive, current.State)
}

func TestComplete(t *testing.T) {
	m, clock, keys := setupTestManager(t, 2)
	events := m.Subscribe()

	s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
	require.NoError(t, err)

	err = m.Complete(s.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, k := range keys {
		_, err = m.Join(s.ID, k)
		require.NoError(t, err)
	}
	const address = "0x52908400098527886E0F7030069857D2E4169EE7"
	require.NoError(t, m.Complete(s.ID, address))
	assert.ErrorIs(t, m.Complete(s.ID, "other"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Complete(protocol.NewSessionID(), ""), ErrSessionNotFound)

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, EventActive, got[0].Kind)
	assert.Empty(t, got[0].Session.Output)
	assert.Equal(t, EventCompleted, got[1].Kind)
	assert.Equal(t, address, got[1].Session.Output)

	current, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, address, current.Output, "a repeated completion keeps the first output")

	assert.Equal(t, 0, m.Prune(clock.Now()))
	assert.Equal(t, 1, m.Prune(clock.Advance(time.Second)))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRunTimesOutSessions(t *testing.T) {
	m := NewManager(Config{JoinTimeout: 20 * time.Millisecond, CheckInterval: 5 * time.Millisecond}, zerolog.Nop())
	defer m.Close()
	events := m.Subscribe()

	a, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	b, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	s, err := m.Create(a.Public, [][]byte{a.Public, b.Public}, protocol.Parameters{Threshold: 2, Parties: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case ev := <-events:
		assert.Equal(t, EventTimedOut, ev.Kind)
		assert.Equal(t, s.ID, ev.Session.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session timeout event")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	m := NewManager(Config{}, zerolog.Nop())
	events := m.Subscribe()
	m.Close()
	_, ok := <-events
	assert.False(t, ok)

	late := m.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestFullSubscriberDoesNotBlockOtherSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var droppedKinds []EventKind
	m := NewManager(
		Config{JoinTimeout: time.Minute, EventBuffer: 4},
		zerolog.Nop(),
		WithClock(clock.Now),
		WithDropHandler(func(ev Event) { droppedKinds = append(droppedKinds, ev.Kind) }),
	)

	// never drained
	stalled := m.Subscribe()
	_ = stalled

	keys := make([][]byte, 2)
	for i := range keys {
		kp, err := protocol.GenerateKeypair()
		require.NoError(t, err)
		keys[i] = kp.Public
	}
	activate := func() protocol.SessionID {
		s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
		require.NoError(t, err)
		for _, k := range keys {
			_, err = m.Join(s.ID, k)
			require.NoError(t, err)
		}
		return s.ID
	}
	for i := 0; i < 4; i++ {
		activate()
	}
	assert.Zero(t, m.Dropped())

	done := make(chan protocol.SessionID)
	go func() { done <- activate() }()
	var unrelated protocol.SessionID
	select {
	case unrelated = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("join of an unrelated session blocked on a full subscriber")
	}
	require.NoError(t, m.Complete(unrelated, ""))

	waiting, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
	require.NoError(t, err)
	assert.Equal(t, []protocol.SessionID{waiting.ID}, m.Tick(clock.Advance(2*time.Minute)))

	assert.Equal(t, uint64(3), m.Dropped())
	assert.Equal(t, []EventKind{EventActive, EventCompleted, EventTimedOut}, droppedKinds)

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a full subscriber")
	}
}

func TestEventsOrderedPerSession(t *testing.T) {
	m, _, keys := setupTestManager(t, 2)
	events := m.Subscribe()

	const rounds = 50
	for i := 0; i < rounds; i++ {
		s, err := m.Create(keys[0], keys, protocol.Parameters{Threshold: 2, Parties: 2})
		require.NoError(t, err)
		_, err = m.Join(s.ID, keys[0])
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Join(s.ID, keys[1])
		}()
		go func() {
			defer wg.Done()
			// completes as soon as the session turns active
			for m.Complete(s.ID, "done") != nil {
				runtime.Gosched()
			}
		}()
		wg.Wait()
	}

	got := drain(events)
	require.Len(t, got, 2*rounds)
	seen := make(map[protocol.SessionID]EventKind)
	for _, ev := range got {
		switch ev.Kind {
		case EventActive:
			assert.NotContains(t, seen, ev.Session.ID, "active must be the first event of a session")
		case EventCompleted:
			assert.Equal(t, EventActive, seen[ev.Session.ID], "completed must follow active")
		}
		seen[ev.Session.ID] = ev.Kind
	}
	assert.Zero(t, m.Dropped())
}
