// Package driver defines the round-based contract every MPC ceremony
// implements and the loop that drives one to completion over a session.
package driver

import (
	"fmt"

	"github.com/pkg/errors"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

var (
	ErrNotSessionParticipant  = mpcerrors.New(mpcerrors.CodeCeremony, "local identity is not a session participant")
	ErrLocalKeyNotParticipant = mpcerrors.New(mpcerrors.CodeCeremony, "local key share index is not a participant")
	ErrVerifySignature        = mpcerrors.New(mpcerrors.CodeCeremony, "failed to verify generated signature")
	ErrInvalidParameters      = mpcerrors.New(mpcerrors.CodeCeremony, "invalid ceremony parameters")
	ErrNotRunning             = mpcerrors.New(mpcerrors.CodeCeremony, "driver is not running")
	ErrNotFinished            = mpcerrors.New(mpcerrors.CodeCeremony, "driver has not finished")
	ErrNoProgress             = mpcerrors.New(mpcerrors.CodeCeremony, "driver made no progress")
	ErrSessionNotActive       = mpcerrors.New(mpcerrors.CodeSession, "session is not active")
	ErrInboundClosed          = mpcerrors.New(mpcerrors.CodeInfrastructure, "inbound message queue closed")
	ErrEncoding               = mpcerrors.New(mpcerrors.CodeInfrastructure, "failed to encode round message")
)

// Driver advances the local party of one ceremony. Calls are synchronous and
// must come from a single goroutine.
type Driver[B, T any] interface {
	// HandleIncoming absorbs a routed message from a peer.
	HandleIncoming(msg protocol.RoundMessage[B]) error
	// Proceed advances one round and returns the messages queued for peers,
	// tagged with the round number.
	Proceed() (uint16, []protocol.RoundMessage[B], error)
	// Done reports whether the ceremony needs no further rounds.
	Done() bool
	// Finish extracts the final artifact once Done.
	Finish() (T, error)
}

// State is the shared driver state machine.
type State int

const (
	StateInitialized State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status tracks Initialized -> Running(round) -> Finished for an implementation.
type Status struct {
	state State
	round uint16
}

func (s *Status) State() State  { return s.state }
func (s *Status) Round() uint16 { return s.round }

// Advance moves into the next round, starting the machine on first use.
func (s *Status) Advance() (uint16, error) {
	switch s.state {
	case StateInitialized:
		s.state = StateRunning
		s.round = 1
	case StateRunning:
		s.round++
	default:
		return 0, ErrNotRunning
	}
	return s.round, nil
}

// RequireRunning fails unless the machine is between its first and last round.
func (s *Status) RequireRunning() error {
	if s.state != StateRunning {
		return errors.Wrapf(ErrNotRunning, "driver is %s", s.state)
	}
	return nil
}

// RequireFinished fails unless the machine reached its final state.
func (s *Status) RequireFinished() error {
	if s.state != StateFinished {
		return errors.Wrapf(ErrNotFinished, "driver is %s", s.state)
	}
	return nil
}

// MarkFinished moves the machine to its final state.
func (s *Status) MarkFinished() {
	s.state = StateFinished
}
