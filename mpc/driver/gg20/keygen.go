package gg20

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/driver"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// Keygen runs distributed key generation for the local participant. The key
// share index of every party is its session participant index.
type Keygen struct {
	driver.Status

	local  protocol.Participant
	engine *engine
	end    chan *keygen.LocalPartySaveData
	save   *keygen.LocalPartySaveData
}

var _ driver.Driver[Payload, *protocol.KeyShare] = (*Keygen)(nil)

// NewKeygen prepares key generation. preParams may be nil, in which case
// tss-lib generates them when the ceremony starts.
func NewKeygen(
	params protocol.Parameters,
	local protocol.Participant,
	participants []protocol.Participant,
	preParams *keygen.LocalPreParams,
) (*Keygen, error) {
	if err := validateThreshold(params); err != nil {
		return nil, err
	}
	if len(participants) != int(params.Parties) {
		return nil, errors.Wrapf(driver.ErrInvalidParameters, "expected %d participants, got %d", params.Parties, len(participants))
	}
	if !hasParticipant(participants, local) {
		return nil, driver.ErrNotSessionParticipant
	}

	keys := make(map[uint16]uint16, len(participants))
	for _, p := range participants {
		keys[p.Index] = p.Index
	}
	peerCtx, localID, bySession, byTss := peerContext(keys, local.Index)
	tp := tss.NewParameters(tss.S256(), peerCtx, localID, len(participants), int(params.Threshold)-1)

	k := &Keygen{
		local:  local,
		engine: newEngine(ErrKeygen, local.Index, bySession, byTss, 8*len(participants)),
		end:    make(chan *keygen.LocalPartySaveData, 1),
	}
	if preParams != nil {
		k.engine.party = keygen.NewLocalParty(tp, k.engine.out, k.end, *preParams)
	} else {
		k.engine.party = keygen.NewLocalParty(tp, k.engine.out, k.end)
	}
	return k, nil
}

func (k *Keygen) HandleIncoming(msg Message) error {
	if err := k.RequireRunning(); err != nil {
		return err
	}
	return k.engine.update(msg.Sender, msg.Body.Parts)
}

func (k *Keygen) Proceed() (uint16, []Message, error) {
	switch k.State() {
	case driver.StateFinished:
		return 0, nil, driver.ErrNotRunning
	case driver.StateInitialized:
		if err := k.engine.start(); err != nil {
			return 0, nil, err
		}
	}

	msgs, err := k.engine.drain()
	if err != nil {
		return 0, nil, err
	}
	if len(msgs) == 0 {
		select {
		case save := <-k.end:
			k.save = save
			k.MarkFinished()
			return k.Round(), nil, nil
		default:
			return 0, nil, driver.ErrNoProgress
		}
	}
	round, err := k.Advance()
	if err != nil {
		return 0, nil, err
	}
	return round, tag(round, msgs), nil
}

func (k *Keygen) Done() bool {
	return k.State() == driver.StateFinished
}

// Finish wraps the local share and derives the group public key and address.
func (k *Keygen) Finish() (*protocol.KeyShare, error) {
	if err := k.RequireFinished(); err != nil {
		return nil, err
	}
	if k.save.ShareID == nil || k.save.ShareID.Cmp(big.NewInt(int64(k.local.Index))) != 0 {
		return nil, errors.Wrap(driver.ErrLocalKeyNotParticipant, "generated share index does not match local participant")
	}
	return keyShareFromSave(k.save)
}

func keyShareFromSave(save *keygen.LocalPartySaveData) (*protocol.KeyShare, error) {
	if save.ECDSAPub == nil {
		return nil, errors.Wrap(ErrInvalidKeyShare, "missing public key")
	}
	publicKey, err := driver.UncompressedPublicKey(save.ECDSAPub.X(), save.ECDSAPub.Y())
	if err != nil {
		return nil, ErrInvalidKeyShare.WithCause(err)
	}
	address, err := driver.Address(publicKey)
	if err != nil {
		return nil, ErrInvalidKeyShare.WithCause(err)
	}
	data, err := json.Marshal(save)
	if err != nil {
		return nil, ErrInvalidKeyShare.WithCause(errors.Wrap(err, "failed to encode share"))
	}
	return &protocol.KeyShare{
		PrivateKey: protocol.PrivateKey{Protocol: protocol.ProtocolGG20, Data: data},
		PublicKey:  publicKey,
		Address:    address,
	}, nil
}

func validateThreshold(params protocol.Parameters) error {
	if err := params.Validate(); err != nil {
		return driver.ErrInvalidParameters.WithCause(err)
	}
	// tss-lib shares the secret with a polynomial of degree threshold-1, which
	// must be at least 1
	if params.Threshold < 2 {
		return errors.Wrap(driver.ErrInvalidParameters, "gg20 requires a threshold of at least 2")
	}
	return nil
}

func hasParticipant(participants []protocol.Participant, local protocol.Participant) bool {
	for _, p := range participants {
		if p.Index == local.Index && bytes.Equal(p.PublicKey, local.PublicKey) {
			return true
		}
	}
	return false
}
