package session

import (
	"time"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

var (
	ErrSessionNotFound       = mpcerrors.New(mpcerrors.CodeSession, "session not found")
	ErrNotSessionParticipant = mpcerrors.New(mpcerrors.CodeSession, "not a session participant")
	ErrJoinRejected          = mpcerrors.New(mpcerrors.CodeSession, "session no longer accepts joins")
	ErrInvalidTransition     = mpcerrors.New(mpcerrors.CodeSession, "invalid session state transition")
)

const (
	defaultJoinTimeout   = 5 * time.Minute
	defaultCheckInterval = 1 * time.Second
	defaultRetention     = 10 * time.Minute
	defaultEventBuffer   = 1024
)

// EventKind identifies a session lifecycle transition.
type EventKind string

const (
	EventActive    EventKind = "active"
	EventTimedOut  EventKind = "timed_out"
	EventCompleted EventKind = "completed"
)

// Event is emitted exactly once per transition.
type Event struct {
	Kind    EventKind
	Session protocol.Session
}

// Config holds the coordinator timing settings.
type Config struct {
	// JoinTimeout is how long a session may wait for all participants.
	JoinTimeout time.Duration
	// CheckInterval is how often Run ticks.
	CheckInterval time.Duration
	// Retention is how long terminal sessions are kept before pruning.
	Retention time.Duration
	// EventBuffer is the channel capacity of each subscriber.
	EventBuffer int
}

// WithDefaults returns c with zero fields replaced by the defaults.
func (c Config) WithDefaults() Config {
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
}
