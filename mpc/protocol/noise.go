package protocol

import (
	"crypto/rand"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
)

var (
	serverCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	serverPrologue    = []byte("mpc-relay server v1")
)

// ServerHandshake prepares the IK handshake between a client and the relay.
// The client must know the relay's public key; the relay learns the client
// identity from the first message. serverPublic is ignored by the relay side.
func ServerHandshake(local *Keypair, serverPublic []byte, initiator bool) (*noise.HandshakeState, error) {
	cfg := noise.Config{
		CipherSuite:   serverCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		Prologue:      serverPrologue,
		StaticKeypair: local.DHKey(),
	}
	if initiator {
		if len(serverPublic) != KeySize {
			return nil, errors.Errorf("server public key must be %d bytes", KeySize)
		}
		cfg.PeerStatic = serverPublic
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server handshake")
	}
	return hs, nil
}
