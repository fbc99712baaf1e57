package protocol

import (
	"encoding/hex"
	"encoding/json"
	"net/url"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Protocol selects the threshold signature scheme of a ceremony.
type Protocol string

const (
	ProtocolGG20  Protocol = "gg20"
	ProtocolCGGMP Protocol = "cggmp"
)

// ErrUnknownProtocol is returned when a value cannot be attributed to a protocol.
var ErrUnknownProtocol = errors.New("unknown protocol")

func (p Protocol) MarshalJSON() ([]byte, error) {
	if p != ProtocolGG20 && p != ProtocolCGGMP {
		return nil, errors.Wrapf(ErrUnknownProtocol, "%q", string(p))
	}
	return json.Marshal(string(p))
}

func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch Protocol(s) {
	case ProtocolGG20, ProtocolCGGMP:
		*p = Protocol(s)
		return nil
	default:
		return errors.Wrapf(ErrUnknownProtocol, "%q", s)
	}
}

// PrivateKey is the protocol specific key material of a share. It encodes
// without a tag; the protocol is recognised from the shape of the content.
type PrivateKey struct {
	Protocol Protocol
	Data     json.RawMessage
}

// gg20Fields are the keys every tss-lib ECDSA save data object carries.
var gg20Fields = []string{"Ks", "BigXj", "ECDSAPub", "Xi", "ShareID"}

func (k PrivateKey) MarshalJSON() ([]byte, error) {
	if len(k.Data) == 0 {
		return []byte("null"), nil
	}
	return k.Data, nil
}

func (k *PrivateKey) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Wrap(err, "private key must be an object")
	}
	for _, f := range gg20Fields {
		if _, ok := fields[f]; !ok {
			return errors.Wrapf(ErrUnknownProtocol, "private key missing field %s", f)
		}
	}
	k.Protocol = ProtocolGG20
	k.Data = append(json.RawMessage(nil), data...)
	return nil
}

// KeyShare is the output of key generation. PublicKey is the uncompressed
// group public key and Address is derived from it alone.
type KeyShare struct {
	PrivateKey PrivateKey `json:"privateKey"`
	PublicKey  HexBytes   `json:"publicKey"`
	Address    string     `json:"address"`
}

// SignatureRecid is an ECDSA signature with its recovery id.
type SignatureRecid struct {
	R     HexBytes `json:"r"`
	S     HexBytes `json:"s"`
	RecID byte     `json:"recid"`
}

// Bytes returns the 65-byte r || s || v encoding.
func (s SignatureRecid) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[32-len(s.R):32], s.R)
	copy(out[64-len(s.S):64], s.S)
	out[64] = s.RecID
	return out
}

// Signature is the verified output of signing.
type Signature struct {
	Signature SignatureRecid `json:"signature"`
	PublicKey HexBytes       `json:"publicKey"`
	Address   string         `json:"address"`
}

// ServerOptions locate the relay server.
type ServerOptions struct {
	URL       string   `json:"serverUrl"`
	PublicKey HexBytes `json:"serverPublicKey"`
}

// SessionOptions is everything needed to start a keygen or signing ceremony.
// A nil SessionID means the party creates the session.
type SessionOptions struct {
	Protocol   Protocol      `json:"protocol"`
	Keypair    Keypair       `json:"keypair"`
	SessionID  *SessionID    `json:"sessionId,omitempty"`
	Server     ServerOptions `json:"server"`
	Parameters Parameters    `json:"parameters"`
}

// Validate checks the options before any connection is attempted.
func (o *SessionOptions) Validate() error {
	if o.Protocol != ProtocolGG20 && o.Protocol != ProtocolCGGMP {
		return errors.Wrapf(ErrUnknownProtocol, "%q", string(o.Protocol))
	}
	if err := o.Keypair.Validate(); err != nil {
		return errors.Wrap(err, "invalid keypair")
	}
	if o.SessionID != nil && *o.SessionID == uuid.Nil {
		return errors.New("session id cannot be nil uuid")
	}
	u, err := url.Parse(o.Server.URL)
	if err != nil {
		return errors.Wrap(err, "invalid server url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	if len(o.Server.PublicKey) != KeySize {
		return errors.Errorf("server public key must be %d bytes", KeySize)
	}
	return errors.Wrap(o.Parameters.Validate(), "invalid parameters")
}

// ParseHexKey decodes a hex encoded 32-byte key, tolerating a 0x prefix.
func ParseHexKey(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex key")
	}
	if len(b) != KeySize {
		return nil, errors.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	return b, nil
}
