package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a Curve25519 public or private key.
const KeySize = 32

// HexBytes is a byte slice that encodes as a hex string in JSON.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "invalid hex")
	}
	*h = b
	return nil
}

func (h HexBytes) String() string { return hex.EncodeToString(h) }

// Keypair is the static Noise keypair identifying a party. The public half is
// the wire identity used in session membership and peer handshakes.
type Keypair struct {
	Private HexBytes `json:"private"`
	Public  HexBytes `json:"public"`
}

// GenerateKeypair creates a new random Curve25519 identity.
func GenerateKeypair() (*Keypair, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate keypair")
	}
	return &Keypair{Private: kp.Private, Public: kp.Public}, nil
}

// KeypairFromPrivate rebuilds an identity from its private half.
func KeypairFromPrivate(private []byte) (*Keypair, error) {
	if len(private) != KeySize {
		return nil, errors.Errorf("private key must be %d bytes, got %d", KeySize, len(private))
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive public key")
	}
	return &Keypair{Private: bytes.Clone(private), Public: public}, nil
}

// Validate checks that the public half matches the private half.
func (k *Keypair) Validate() error {
	derived, err := KeypairFromPrivate(k.Private)
	if err != nil {
		return err
	}
	if !bytes.Equal(derived.Public, k.Public) {
		return errors.New("public key does not match private key")
	}
	return nil
}

// DHKey returns the keypair in the form the Noise handshake expects.
func (k *Keypair) DHKey() noise.DHKey {
	return noise.DHKey{Private: k.Private, Public: k.Public}
}

// SessionID identifies a session for its whole lifetime.
type SessionID = uuid.UUID

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID {
	return uuid.New()
}

// ParseSessionID parses the canonical textual form of a session identifier.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "invalid session id")
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.New("session id cannot be nil uuid")
	}
	return id, nil
}

// Parameters are the threshold settings of a ceremony. Threshold is the
// minimum number of signers able to produce a signature; Parties is the
// number of key share holders.
type Parameters struct {
	Threshold uint16 `json:"threshold"`
	Parties   uint16 `json:"parties"`
}

// Validate checks 1 <= threshold <= parties and parties >= 2.
func (p Parameters) Validate() error {
	if p.Parties < 2 {
		return errors.Errorf("parties must be at least 2, got %d", p.Parties)
	}
	if p.Threshold < 1 || p.Threshold > p.Parties {
		return errors.Errorf("threshold must be between 1 and %d, got %d", p.Parties, p.Threshold)
	}
	return nil
}

// Participant is a member of a session. Index is 1-based and stable for the
// whole ceremony.
type Participant struct {
	Index     uint16   `json:"index"`
	PublicKey HexBytes `json:"publicKey"`
}

// NewParticipants assigns contiguous indices to the given identities in order.
func NewParticipants(publicKeys [][]byte) ([]Participant, error) {
	if len(publicKeys) == 0 {
		return nil, errors.New("participants cannot be empty")
	}
	if len(publicKeys) > 0xffff {
		return nil, errors.Errorf("too many participants: %d", len(publicKeys))
	}

	seen := make(map[string]struct{}, len(publicKeys))
	participants := make([]Participant, 0, len(publicKeys))
	for i, pk := range publicKeys {
		if len(pk) != KeySize {
			return nil, errors.Errorf("participant %d: public key must be %d bytes", i+1, KeySize)
		}
		key := string(pk)
		if _, dup := seen[key]; dup {
			return nil, errors.Errorf("duplicate participant %s", hex.EncodeToString(pk))
		}
		seen[key] = struct{}{}
		participants = append(participants, Participant{
			Index:     uint16(i + 1),
			PublicKey: bytes.Clone(pk),
		})
	}
	return participants, nil
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionWaiting   SessionState = "waiting"
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionTimedOut  SessionState = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionTimedOut
}

// Session is a snapshot of a session's membership and state.
type Session struct {
	ID           SessionID     `json:"id"`
	Owner        HexBytes      `json:"owner"`
	Parameters   Parameters    `json:"parameters"`
	Participants []Participant `json:"participants"`
	Joined       []uint16      `json:"joined"`
	State        SessionState  `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	// Output marks what a completed session produced, such as an address.
	Output string `json:"output,omitempty"`
}

// Participant returns the participant owning publicKey.
func (s *Session) Participant(publicKey []byte) (Participant, bool) {
	for _, p := range s.Participants {
		if bytes.Equal(p.PublicKey, publicKey) {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantByIndex returns the participant with the given index.
func (s *Session) ParticipantByIndex(index uint16) (Participant, bool) {
	for _, p := range s.Participants {
		if p.Index == index {
			return p, true
		}
	}
	return Participant{}, false
}

// Others returns every participant except the one owning publicKey.
func (s *Session) Others(publicKey []byte) []Participant {
	others := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if !bytes.Equal(p.PublicKey, publicKey) {
			others = append(others, p)
		}
	}
	return others
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s, %d/%d joined)", s.ID, s.State, len(s.Joined), len(s.Participants))
}
