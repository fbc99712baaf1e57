package gg20

import (
	"math/big"
	"sort"

	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/pkg/errors"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// engine adapts a tss-lib party to round messages. Every tss-lib message a
// party emits in a round is grouped into one payload per recipient, so each
// peer receives exactly one message per round.
type engine struct {
	kind      *mpcerrors.Error
	local     uint16
	others    []uint16
	party     tss.Party
	out       chan tss.Message
	bySession map[uint16]*tss.PartyID
	byTss     map[int]uint16
	observe   func(tss.Message)
}

// peerContext builds tss-lib party ids for a ceremony. keys maps a session
// participant index to the tss-lib key of that party, which is its key share
// index; tss-lib orders parties by key.
func peerContext(keys map[uint16]uint16, local uint16) (*tss.PeerContext, *tss.PartyID, map[uint16]*tss.PartyID, map[int]uint16) {
	unsorted := make(tss.UnSortedPartyIDs, 0, len(keys))
	bySession := make(map[uint16]*tss.PartyID, len(keys))
	for idx, key := range keys {
		id := tss.NewPartyID(
			big.NewInt(int64(key)).String(),
			"party-"+big.NewInt(int64(idx)).String(),
			big.NewInt(int64(key)),
		)
		unsorted = append(unsorted, id)
		bySession[idx] = id
	}
	sorted := tss.SortPartyIDs(unsorted)

	byTss := make(map[int]uint16, len(keys))
	for idx, id := range bySession {
		byTss[id.Index] = idx
	}
	return tss.NewPeerContext(sorted), bySession[local], bySession, byTss
}

func newEngine(kind *mpcerrors.Error, local uint16, bySession map[uint16]*tss.PartyID, byTss map[int]uint16, capacity int) *engine {
	others := make([]uint16, 0, len(bySession))
	for idx := range bySession {
		if idx != local {
			others = append(others, idx)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })

	return &engine{
		kind:      kind,
		local:     local,
		others:    others,
		out:       make(chan tss.Message, capacity),
		bySession: bySession,
		byTss:     byTss,
	}
}

func (e *engine) start() error {
	return wrapTss(e.kind, e.party.Start())
}

// update feeds every part of a peer's payload to the tss-lib party.
func (e *engine) update(from uint16, parts []Part) error {
	pid, ok := e.bySession[from]
	if !ok || from == e.local {
		return errors.Wrapf(ErrUnknownSender, "party %d", from)
	}
	for _, part := range parts {
		parsed, err := tss.ParseWireMessage(part.Wire, pid, part.Broadcast)
		if err != nil {
			return e.kind.WithCause(errors.Wrapf(err, "failed to parse message from party %d", from))
		}
		if _, terr := e.party.Update(parsed); terr != nil {
			return wrapTss(e.kind, terr)
		}
	}
	return nil
}

// drain collects everything the party queued since the last call.
func (e *engine) drain() ([]Message, error) {
	payloads := make(map[uint16]*Payload, len(e.others))
	add := func(to uint16, part Part) {
		p, ok := payloads[to]
		if !ok {
			p = &Payload{}
			payloads[to] = p
		}
		p.Parts = append(p.Parts, part)
	}

	for {
		var msg tss.Message
		select {
		case msg = <-e.out:
		default:
		}
		if msg == nil {
			break
		}
		if e.observe != nil {
			e.observe(msg)
		}

		wire, _, err := msg.WireBytes()
		if err != nil {
			return nil, e.kind.WithCause(errors.Wrap(err, "failed to encode outgoing message"))
		}
		part := Part{Wire: wire, Broadcast: msg.IsBroadcast()}

		if msg.IsBroadcast() || len(msg.GetTo()) == 0 {
			for _, to := range e.others {
				add(to, part)
			}
			continue
		}
		for _, to := range msg.GetTo() {
			idx, ok := e.byTss[to.Index]
			if !ok || idx == e.local {
				return nil, errors.Wrapf(ErrUnknownSender, "outgoing message addressed to %s", to.Id)
			}
			add(idx, part)
		}
	}

	msgs := make([]Message, 0, len(payloads))
	for _, to := range e.others {
		if p, ok := payloads[to]; ok {
			msgs = append(msgs, protocol.RoundMessage[Payload]{Sender: e.local, Receiver: to, Body: *p})
		}
	}
	return msgs, nil
}

func tag(round uint16, msgs []Message) []Message {
	for i := range msgs {
		msgs[i].Round = round
	}
	return msgs
}
