package gg20

import (
	"bytes"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/signing"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/driver"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// SignOffline runs the interactive stage of signing a pre-agreed digest. The
// signer set is the session's participants; their session indices differ
// from their key share indices, so round 1 is an announcement of each
// signer's share index and the tss-lib rounds follow from round 2.
type SignOffline struct {
	driver.Status

	threshold    uint16
	local        protocol.Participant
	participants []protocol.Participant
	digest       [32]byte
	save         keygen.LocalPartySaveData
	publicKey    []byte
	shareIndex   uint16
	keygenIdx    []uint16
	announced    map[uint16]uint16

	engine  *engine
	end     chan *common.SignatureData
	partial *big.Int
	result  *common.SignatureData
}

var _ driver.Driver[Payload, *OfflineResult] = (*SignOffline)(nil)

// NewSignOffline prepares the offline stage. threshold is the threshold the
// key was generated with.
func NewSignOffline(
	share *protocol.KeyShare,
	threshold uint16,
	digest [32]byte,
	local protocol.Participant,
	participants []protocol.Participant,
) (*SignOffline, error) {
	save, keygenIdx, shareIndex, err := decodeShare(share)
	if err != nil {
		return nil, err
	}
	if err := driver.CheckShareIndex(shareIndex, keygenIdx); err != nil {
		return nil, err
	}

	params := protocol.Parameters{Threshold: threshold, Parties: uint16(len(keygenIdx))}
	if err := validateThreshold(params); err != nil {
		return nil, err
	}
	if len(participants) < int(threshold) || len(participants) > len(keygenIdx) {
		return nil, errors.Wrapf(driver.ErrInvalidParameters,
			"need between %d and %d signers, got %d", threshold, len(keygenIdx), len(participants))
	}
	if !hasParticipant(participants, local) {
		return nil, driver.ErrNotSessionParticipant
	}

	return &SignOffline{
		threshold:    threshold,
		local:        local,
		participants: participants,
		digest:       digest,
		save:         *save,
		publicKey:    bytes.Clone(share.PublicKey),
		shareIndex:   shareIndex,
		keygenIdx:    keygenIdx,
		announced:    map[uint16]uint16{local.Index: shareIndex},
	}, nil
}

// decodeShare unpacks a gg20 key share and checks it against its public key.
func decodeShare(share *protocol.KeyShare) (*keygen.LocalPartySaveData, []uint16, uint16, error) {
	if share == nil {
		return nil, nil, 0, errors.Wrap(ErrInvalidKeyShare, "missing key share")
	}
	if share.PrivateKey.Protocol != protocol.ProtocolGG20 {
		return nil, nil, 0, ErrUnexpectedProtocol
	}
	var save keygen.LocalPartySaveData
	if err := json.Unmarshal(share.PrivateKey.Data, &save); err != nil {
		return nil, nil, 0, ErrInvalidKeyShare.WithCause(err)
	}
	if save.ShareID == nil || save.ECDSAPub == nil || len(save.Ks) == 0 {
		return nil, nil, 0, errors.Wrap(ErrInvalidKeyShare, "incomplete save data")
	}

	keygenIdx := make([]uint16, 0, len(save.Ks))
	for _, k := range save.Ks {
		if k == nil || !k.IsUint64() || k.Uint64() == 0 || k.Uint64() > 0xffff {
			return nil, nil, 0, errors.Wrap(ErrInvalidKeyShare, "share index out of range")
		}
		keygenIdx = append(keygenIdx, uint16(k.Uint64()))
	}
	if !save.ShareID.IsUint64() || save.ShareID.Uint64() > 0xffff {
		return nil, nil, 0, errors.Wrap(ErrInvalidKeyShare, "share index out of range")
	}

	publicKey, err := driver.UncompressedPublicKey(save.ECDSAPub.X(), save.ECDSAPub.Y())
	if err != nil {
		return nil, nil, 0, ErrInvalidKeyShare.WithCause(err)
	}
	if !bytes.Equal(publicKey, share.PublicKey) {
		return nil, nil, 0, errors.Wrap(ErrInvalidKeyShare, "public key does not match share")
	}
	return &save, keygenIdx, uint16(save.ShareID.Uint64()), nil
}

func (s *SignOffline) HandleIncoming(msg Message) error {
	if err := s.RequireRunning(); err != nil {
		return err
	}
	if s.engine != nil {
		return s.engine.update(msg.Sender, msg.Body.Parts)
	}

	if !hasIndex(s.participants, msg.Sender) || msg.Sender == s.local.Index {
		return errors.Wrapf(ErrUnknownSender, "party %d", msg.Sender)
	}
	idx := msg.Body.ShareIndex
	if err := driver.CheckShareIndex(idx, s.keygenIdx); err != nil {
		return errors.Wrapf(err, "party %d announced share", msg.Sender)
	}
	for sender, announced := range s.announced {
		if announced == idx && sender != msg.Sender {
			return errors.Wrapf(ErrDuplicateShare, "parties %d and %d both hold share %d", sender, msg.Sender, idx)
		}
	}
	s.announced[msg.Sender] = idx
	return nil
}

func (s *SignOffline) Proceed() (uint16, []Message, error) {
	switch {
	case s.State() == driver.StateFinished:
		return 0, nil, driver.ErrNotRunning

	case s.State() == driver.StateInitialized:
		round, err := s.Advance()
		if err != nil {
			return 0, nil, err
		}
		return round, []Message{{
			Round:  round,
			Sender: s.local.Index,
			Body:   Payload{ShareIndex: s.shareIndex},
		}}, nil

	case s.engine == nil:
		if len(s.announced) != len(s.participants) {
			return 0, nil, errors.Wrapf(driver.ErrNoProgress, "%d of %d signers announced", len(s.announced), len(s.participants))
		}
		if err := s.startSigning(); err != nil {
			return 0, nil, err
		}
	}

	msgs, err := s.engine.drain()
	if err != nil {
		return 0, nil, err
	}
	if len(msgs) == 0 {
		select {
		case result := <-s.end:
			s.result = result
			s.MarkFinished()
			return s.Round(), nil, nil
		default:
			return 0, nil, driver.ErrNoProgress
		}
	}
	round, err := s.Advance()
	if err != nil {
		return 0, nil, err
	}
	return round, tag(round, msgs), nil
}

// startSigning creates the tss-lib party over the announced signer set.
func (s *SignOffline) startSigning() error {
	peerCtx, localID, bySession, byTss := peerContext(s.announced, s.local.Index)
	tp := tss.NewParameters(tss.S256(), peerCtx, localID, len(s.announced), int(s.threshold)-1)

	s.engine = newEngine(ErrSign, s.local.Index, bySession, byTss, 8*len(s.announced))
	// tss-lib keeps R and the recovery id inside the party until it finalizes,
	// and finalizing needs every signer's round 9 s_i. The offline stage
	// therefore runs round 9 as well and the partials stage repeats s_i.
	s.engine.observe = func(msg tss.Message) {
		parsed, ok := msg.(tss.ParsedMessage)
		if !ok {
			return
		}
		if r9, ok := parsed.Content().(*signing.SignRound9Message); ok {
			s.partial = new(big.Int).SetBytes(r9.GetS())
		}
	}
	s.end = make(chan *common.SignatureData, 1)
	m := new(big.Int).SetBytes(s.digest[:])
	subset := keygen.BuildLocalSaveDataSubset(s.save, peerCtx.IDs())
	s.engine.party = signing.NewLocalParty(m, tp, subset, s.engine.out, s.end)
	return s.engine.start()
}

func (s *SignOffline) Done() bool {
	return s.State() == driver.StateFinished
}

// Finish returns the local partial signature and the data needed to combine.
func (s *SignOffline) Finish() (*OfflineResult, error) {
	if err := s.RequireFinished(); err != nil {
		return nil, err
	}
	if s.partial == nil || s.result == nil || len(s.result.SignatureRecovery) == 0 {
		return nil, ErrMissingPartial
	}

	signers := make([]uint16, 0, len(s.announced))
	for _, idx := range s.announced {
		signers = append(signers, idx)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })

	return &OfflineResult{
		MessageDigest: s.digest,
		Partial: PartialSignature{
			Index: s.shareIndex,
			S:     s.partial.FillBytes(make([]byte, 32)),
		},
		Stage: CompletedOfflineStage{
			R:         bytes.Clone(s.result.R),
			RecID:     s.result.SignatureRecovery[0],
			PublicKey: bytes.Clone(s.publicKey),
			Signers:   signers,
		},
	}, nil
}

func hasIndex(participants []protocol.Participant, index uint16) bool {
	for _, p := range participants {
		if p.Index == index {
			return true
		}
	}
	return false
}
