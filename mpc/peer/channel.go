package peer

import (
	"crypto/rand"
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
)

// State is the state of a peer channel. Transitions are one way.
type State int

const (
	StateHandshake State = iota
	StateTransport
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateTransport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	prologue    = []byte("mpc-relay peer v1")
)

// channel is the Noise state for one remote identity. mu is held for the
// whole of any mutating operation on the channel; transport mirrors state so
// membership checks never wait behind a handshake step.
type channel struct {
	mu        sync.Mutex
	transport atomic.Bool
	remote    []byte
	initiator bool
	state     State
	hs        *noise.HandshakeState
	send      *noise.CipherState
	recv      *noise.CipherState
}

// newChannel prepares a KK handshake; both sides know each other's static key
// from session membership so the handshake is two messages long.
func newChannel(local noise.DHKey, remote []byte, initiator bool) (*channel, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeKK,
		Initiator:     initiator,
		Prologue:      prologue,
		StaticKeypair: local,
		PeerStatic:    remote,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create handshake state")
	}
	return &channel{
		remote:    append([]byte(nil), remote...),
		initiator: initiator,
		state:     StateHandshake,
		hs:        hs,
	}, nil
}

// write produces the next handshake message, switching to transport when the
// handshake completes.
func (c *channel) write() ([]byte, error) {
	msg, cs1, cs2, err := c.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write handshake message")
	}
	c.maybeSplit(cs1, cs2)
	return msg, nil
}

// read absorbs a handshake message from the remote.
func (c *channel) read(msg []byte) error {
	_, cs1, cs2, err := c.hs.ReadMessage(nil, msg)
	if err != nil {
		return ErrInvalidPeerHandshakeMessage.WithCause(err)
	}
	c.maybeSplit(cs1, cs2)
	return nil
}

// maybeSplit installs the transport keys. The first cipher state always
// encrypts initiator to responder traffic.
func (c *channel) maybeSplit(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if c.initiator {
		c.send, c.recv = cs1, cs2
	} else {
		c.send, c.recv = cs2, cs1
	}
	c.state = StateTransport
	c.transport.Store(true)
	c.hs = nil
}
