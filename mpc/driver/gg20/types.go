// Package gg20 implements the GG20 threshold ECDSA ceremonies on top of
// bnb-chain/tss-lib: distributed key generation, the interactive offline
// signing stage and the local online combine.
package gg20

import (
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// Part is one tss-lib wire message.
type Part struct {
	Wire      []byte `json:"wire"`
	Broadcast bool   `json:"broadcast"`
}

// Payload is everything one party sends another in a round. ShareIndex is
// only set on the announcement that opens a signing ceremony.
type Payload struct {
	ShareIndex uint16 `json:"shareIndex,omitempty"`
	Parts      []Part `json:"parts,omitempty"`
}

// Message is a routed gg20 round message.
type Message = protocol.RoundMessage[Payload]

// PartialSignature is a signer's share sᵢ of the final s value. Index is the
// signer's key share index.
type PartialSignature struct {
	Index uint16            `json:"index"`
	S     protocol.HexBytes `json:"s"`
}

// CompletedOfflineStage is what the offline stage leaves for the combine.
type CompletedOfflineStage struct {
	R         []byte
	RecID     byte
	PublicKey []byte
	Signers   []uint16
}

// OfflineResult is the local outcome of the offline stage. It stays with the
// party; only Partial is ever shared with other signers.
type OfflineResult struct {
	MessageDigest [32]byte
	Partial       PartialSignature
	Stage         CompletedOfflineStage
}
