package gg20

import (
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/driver"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// SignOnline combines partial signatures into the final signature. It needs
// no messages: every partial is collected before it runs.
type SignOnline struct {
	offline  *OfflineResult
	partials map[uint16][]byte
}

var _ driver.Driver[Payload, *protocol.Signature] = (*SignOnline)(nil)

// NewSignOnline prepares the combine. The local partial is always included;
// duplicates of an index are ignored and partials from parties outside the
// offline signer set are rejected.
func NewSignOnline(offline *OfflineResult, partials []PartialSignature) (*SignOnline, error) {
	if offline == nil {
		return nil, ErrMissingPartial
	}
	signers := make(map[uint16]struct{}, len(offline.Stage.Signers))
	for _, idx := range offline.Stage.Signers {
		signers[idx] = struct{}{}
	}

	collected := map[uint16][]byte{offline.Partial.Index: offline.Partial.S}
	for _, p := range partials {
		if _, ok := signers[p.Index]; !ok {
			return nil, errors.Wrapf(ErrUnknownSender, "partial from share %d", p.Index)
		}
		if len(p.S) == 0 || len(p.S) > 32 {
			return nil, errors.Wrapf(ErrMissingPartial, "malformed partial from share %d", p.Index)
		}
		if _, ok := collected[p.Index]; !ok {
			collected[p.Index] = p.S
		}
	}
	return &SignOnline{offline: offline, partials: collected}, nil
}

func (s *SignOnline) HandleIncoming(Message) error {
	panic("gg20: online signing takes no messages")
}

func (s *SignOnline) Proceed() (uint16, []Message, error) {
	panic("gg20: online signing has no rounds")
}

func (s *SignOnline) Done() bool { return true }

// Finish sums the partials, normalizes s to the lower half of the curve order
// and verifies the result against the group key.
func (s *SignOnline) Finish() (*protocol.Signature, error) {
	stage := s.offline.Stage

	modN := common.ModInt(tss.S256().Params().N)
	sum := big.NewInt(0)
	for _, partial := range s.partials {
		sum = modN.Add(sum, new(big.Int).SetBytes(partial))
	}

	var r, sv btcec.ModNScalar
	if len(stage.R) == 0 || len(stage.R) > 32 || r.SetByteSlice(stage.R) || r.IsZero() {
		return nil, errors.Wrap(driver.ErrVerifySignature, "invalid r")
	}
	if sv.SetByteSlice(sum.FillBytes(make([]byte, 32))) || sv.IsZero() {
		return nil, errors.Wrap(driver.ErrVerifySignature, "invalid s")
	}
	// the offline recovery id already refers to the low-s form
	if sv.IsOverHalfOrder() {
		sv.Negate()
	}

	pub, err := btcec.ParsePubKey(stage.PublicKey)
	if err != nil {
		return nil, driver.ErrVerifySignature.WithCause(err)
	}
	if !ecdsa.NewSignature(&r, &sv).Verify(s.offline.MessageDigest[:], pub) {
		return nil, driver.ErrVerifySignature
	}

	address, err := driver.Address(stage.PublicKey)
	if err != nil {
		return nil, driver.ErrVerifySignature.WithCause(err)
	}
	rb, sb := r.Bytes(), sv.Bytes()
	return &protocol.Signature{
		Signature: protocol.SignatureRecid{R: rb[:], S: sb[:], RecID: stage.RecID},
		PublicKey: stage.PublicKey,
		Address:   address,
	}, nil
}
