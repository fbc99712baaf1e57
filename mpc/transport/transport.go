// Package transport defines how ceremonies reach their peers. Peers are
// identified by the hex encoding of their static public key.
package transport

import "context"

// Handler receives decrypted payloads from an authenticated peer.
type Handler func(ctx context.Context, sender string, payload []byte) error

// Transport abstracts encrypted message delivery between parties.
type Transport interface {
	// ID returns the local peer identifier.
	ID() string
	// RegisterHandler installs the callback for inbound payloads (must be called once).
	RegisterHandler(Handler) error
	// EnsurePeer blocks until a channel to the peer is ready for Send.
	EnsurePeer(ctx context.Context, peerID string) error
	// Send delivers a payload to the given peer.
	Send(ctx context.Context, peerID string, payload []byte) error
	// Close releases any underlying resources.
	Close() error
}
