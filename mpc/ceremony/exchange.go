package ceremony

import (
	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/driver"
	"github.com/pushchain/mpc-relay/mpc/driver/gg20"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// partialExchange broadcasts the local partial signature and collects one
// from every other signer in a single round.
type partialExchange struct {
	driver.Status

	local    uint16
	partial  gg20.PartialSignature
	received []gg20.PartialSignature
}

var _ driver.Driver[gg20.PartialSignature, []gg20.PartialSignature] = (*partialExchange)(nil)

func newPartialExchange(local uint16, partial gg20.PartialSignature) *partialExchange {
	return &partialExchange{local: local, partial: partial}
}

func (e *partialExchange) HandleIncoming(msg protocol.RoundMessage[gg20.PartialSignature]) error {
	if err := e.RequireRunning(); err != nil {
		return err
	}
	if msg.Body.Index == e.partial.Index {
		return errors.Wrapf(gg20.ErrDuplicateShare, "party %d sent share %d", msg.Sender, msg.Body.Index)
	}
	e.received = append(e.received, msg.Body)
	return nil
}

func (e *partialExchange) Proceed() (uint16, []protocol.RoundMessage[gg20.PartialSignature], error) {
	switch e.State() {
	case driver.StateInitialized:
		round, err := e.Advance()
		if err != nil {
			return 0, nil, err
		}
		return round, []protocol.RoundMessage[gg20.PartialSignature]{{
			Round:  round,
			Sender: e.local,
			Body:   e.partial,
		}}, nil
	case driver.StateRunning:
		e.MarkFinished()
		return e.Round(), nil, nil
	default:
		return 0, nil, driver.ErrNotRunning
	}
}

func (e *partialExchange) Done() bool {
	return e.State() == driver.StateFinished
}

func (e *partialExchange) Finish() ([]gg20.PartialSignature, error) {
	if err := e.RequireFinished(); err != nil {
		return nil, err
	}
	return e.received, nil
}
