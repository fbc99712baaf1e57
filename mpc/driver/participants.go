package driver

import (
	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// LocalParticipant returns the participant entry of the local identity.
func LocalParticipant(session *protocol.Session, localPublicKey []byte) (protocol.Participant, error) {
	p, ok := session.Participant(localPublicKey)
	if !ok {
		return protocol.Participant{}, ErrNotSessionParticipant
	}
	return p, nil
}

// CheckShareIndex verifies that a key share's embedded index belongs to the
// participant set the share was generated for.
func CheckShareIndex(shareIndex uint16, keygenIndices []uint16) error {
	for _, idx := range keygenIndices {
		if idx == shareIndex {
			return nil
		}
	}
	return errors.Wrapf(ErrLocalKeyNotParticipant, "share index %d not in %v", shareIndex, keygenIndices)
}

// ParticipantIndices returns the indices of participants in order.
func ParticipantIndices(participants []protocol.Participant) []uint16 {
	out := make([]uint16, len(participants))
	for i, p := range participants {
		out[i] = p.Index
	}
	return out
}
