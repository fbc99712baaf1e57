// Package router releases per-round message batches to a protocol driver once
// every expected sender has been heard from, independent of arrival order.
package router

import (
	"sort"

	"github.com/pkg/errors"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

var (
	ErrClosed           = mpcerrors.New(mpcerrors.CodeSession, "router closed")
	ErrUnexpectedSender = mpcerrors.New(mpcerrors.CodeCeremony, "message from unexpected sender")
	ErrInvalidRound     = mpcerrors.New(mpcerrors.CodeCeremony, "invalid round number")
)

// Batch is the complete set of messages for one round, ordered by sender.
type Batch[B any] struct {
	Round    uint16
	Messages []protocol.RoundMessage[B]
}

// Router buffers round messages until a round's expected sender set is
// complete. Rounds are released in order starting at round 1. A Router is
// owned by a single goroutine and is not safe for concurrent use.
type Router[B any] struct {
	expected map[uint16]struct{}
	next     uint16
	pending  map[uint16]map[uint16]protocol.RoundMessage[B]
	dropped  int
	closed   bool
}

// New creates a router expecting one message per round from every
// participant except local.
func New[B any](local uint16, participants []uint16) *Router[B] {
	expected := make(map[uint16]struct{}, len(participants))
	for _, p := range participants {
		if p != local {
			expected[p] = struct{}{}
		}
	}
	return &Router[B]{
		expected: expected,
		next:     1,
		pending:  make(map[uint16]map[uint16]protocol.RoundMessage[B]),
	}
}

// Route buffers msg and returns every round that became releasable. Late and
// duplicate messages are dropped silently.
func (r *Router[B]) Route(msg protocol.RoundMessage[B]) ([]Batch[B], error) {
	if r.closed {
		return nil, ErrClosed
	}
	if msg.Round == 0 {
		return nil, ErrInvalidRound
	}
	if _, ok := r.expected[msg.Sender]; !ok {
		return nil, errors.Wrapf(ErrUnexpectedSender, "sender %d", msg.Sender)
	}
	if msg.Round < r.next {
		r.dropped++
		return nil, nil
	}

	round, ok := r.pending[msg.Round]
	if !ok {
		round = make(map[uint16]protocol.RoundMessage[B], len(r.expected))
		r.pending[msg.Round] = round
	}
	if _, dup := round[msg.Sender]; dup {
		r.dropped++
		return nil, nil
	}
	round[msg.Sender] = msg

	var batches []Batch[B]
	for {
		buffered := r.pending[r.next]
		if len(buffered) < len(r.expected) {
			break
		}
		batch := Batch[B]{Round: r.next, Messages: make([]protocol.RoundMessage[B], 0, len(buffered))}
		for _, m := range buffered {
			batch.Messages = append(batch.Messages, m)
		}
		sort.Slice(batch.Messages, func(i, j int) bool {
			return batch.Messages[i].Sender < batch.Messages[j].Sender
		})
		batches = append(batches, batch)
		delete(r.pending, r.next)
		r.next++
	}
	return batches, nil
}

// NextRound is the lowest round not yet released.
func (r *Router[B]) NextRound() uint16 { return r.next }

// Dropped counts late and duplicate messages.
func (r *Router[B]) Dropped() int { return r.dropped }

// Buffered counts messages waiting for their round to complete.
func (r *Router[B]) Buffered() int {
	n := 0
	for _, round := range r.pending {
		n += len(round)
	}
	return n
}

// Expected returns the sender indices the router waits for, ascending.
func (r *Router[B]) Expected() []uint16 {
	out := make([]uint16, 0, len(r.expected))
	for p := range r.expected {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases all buffered state. Further routing fails with ErrClosed.
func (r *Router[B]) Close() {
	r.closed = true
	r.pending = nil
}
