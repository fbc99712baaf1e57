package peer

import (
	"bytes"
	"encoding/hex"
	"sync"

	"github.com/flynn/noise"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// ShouldYield reports whether the local party abandons its own initiation when
// both sides initiated a handshake concurrently. The party with the
// lexicographically lower public key wins and keeps initiating.
func ShouldYield(local, remote []byte) bool {
	return bytes.Compare(local, remote) > 0
}

// Registry holds at most one channel per remote identity. The map lock only
// guards membership; each channel has its own lock so handshakes with
// different peers proceed independently.
type Registry struct {
	local noise.DHKey

	mu       sync.RWMutex
	channels map[string]*channel
}

// NewRegistry creates a registry for the local identity.
func NewRegistry(local *protocol.Keypair) *Registry {
	return &Registry{
		local:    local.DHKey(),
		channels: make(map[string]*channel),
	}
}

func peerKey(remote []byte) string {
	return hex.EncodeToString(remote)
}

// insert registers a fresh locked channel. The caller must unlock it.
func (r *Registry) insert(remote []byte, initiator bool) (*channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.channels[peerKey(remote)]; ok {
		if !initiator && !existing.transport.Load() {
			return nil, ErrPeerAlreadyExistsMaybeRace
		}
		return nil, ErrPeerAlreadyExists
	}

	ch, err := newChannel(r.local, remote, initiator)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	r.channels[peerKey(remote)] = ch
	return ch, nil
}

// discard removes ch if it is still the registered channel for its identity.
func (r *Registry) discard(ch *channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[peerKey(ch.remote)]; ok && cur == ch {
		delete(r.channels, peerKey(ch.remote))
	}
}

func (r *Registry) get(remote []byte) (*channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[peerKey(remote)]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return ch, nil
}

// Initiate starts a handshake with remote and returns the first message.
func (r *Registry) Initiate(remote []byte) ([]byte, error) {
	ch, err := r.insert(remote, true)
	if err != nil {
		return nil, err
	}
	defer ch.mu.Unlock()

	msg, err := ch.write()
	if err != nil {
		r.discard(ch)
		return nil, err
	}
	return msg, nil
}

// Respond answers a handshake initiated by remote and returns the reply. The
// responder's channel is in transport state once Respond returns.
func (r *Registry) Respond(remote, msg []byte) ([]byte, error) {
	ch, err := r.insert(remote, false)
	if err != nil {
		return nil, err
	}
	defer ch.mu.Unlock()

	if err := ch.read(msg); err != nil {
		r.discard(ch)
		return nil, err
	}
	reply, err := ch.write()
	if err != nil {
		r.discard(ch)
		return nil, err
	}
	return reply, nil
}

// ResolveRace handles a Respond that failed with ErrPeerAlreadyExistsMaybeRace.
// When the local party yields it drops its own initiation and responds, and
// the reply is returned with yielded set. Otherwise the rival initiation is
// ignored and the local initiation continues.
func (r *Registry) ResolveRace(remote, msg []byte) (reply []byte, yielded bool, err error) {
	if !ShouldYield(r.local.Public, remote) {
		return nil, false, nil
	}
	ch, err := r.get(remote)
	if err != nil {
		return nil, false, err
	}
	if ch.transport.Load() {
		return nil, false, ErrPeerAlreadyExists
	}
	r.discard(ch)

	reply, err = r.Respond(remote, msg)
	if err != nil {
		return nil, false, err
	}
	return reply, true, nil
}

// Replace answers a new initiation from remote whose channel already reached
// transport state, as happens when remote reconnects with a fresh registry.
// The new handshake completes before the old channel is torn down, so an
// initiation that fails leaves the existing channel in place.
func (r *Registry) Replace(remote, msg []byte) ([]byte, error) {
	ch, err := newChannel(r.local, remote, false)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.read(msg); err != nil {
		return nil, err
	}
	reply, err := ch.write()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[peerKey(remote)]; ok && !cur.transport.Load() {
		return nil, ErrPeerAlreadyExistsMaybeRace
	}
	r.channels[peerKey(remote)] = ch
	return reply, nil
}

// AdvanceHandshake absorbs the next handshake message from remote. When the
// handshake is not yet complete the next message to send is returned.
func (r *Registry) AdvanceHandshake(remote, msg []byte) ([]byte, error) {
	ch, err := r.get(remote)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != StateHandshake {
		return nil, ErrNotHandshakeState
	}
	if err := ch.read(msg); err != nil {
		r.discard(ch)
		return nil, err
	}
	if ch.state == StateTransport {
		return nil, nil
	}
	return ch.write()
}

// Encrypt seals plaintext for remote.
func (r *Registry) Encrypt(remote, plaintext []byte) ([]byte, error) {
	ch, err := r.get(remote)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != StateTransport {
		return nil, ErrNotTransportState
	}
	ct, err := ch.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, ErrNotTransportState.WithCause(err)
	}
	return ct, nil
}

// Decrypt opens ciphertext received from remote.
func (r *Registry) Decrypt(remote, ciphertext []byte) ([]byte, error) {
	ch, err := r.get(remote)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != StateTransport {
		return nil, ErrNotTransportState
	}
	pt, err := ch.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed.WithCause(err)
	}
	return pt, nil
}

// State returns the state of the channel for remote.
func (r *Registry) State(remote []byte) (State, error) {
	ch, err := r.get(remote)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state, nil
}

// Exists reports whether a channel is registered for remote.
func (r *Registry) Exists(remote []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[peerKey(remote)]
	return ok
}

// Remove tears down the channel for remote. A removed channel is never reused.
func (r *Registry) Remove(remote []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[peerKey(remote)]; !ok {
		return false
	}
	delete(r.channels, peerKey(remote))
	return true
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Peers returns the identities of every registered channel.
func (r *Registry) Peers() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][]byte, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, bytes.Clone(ch.remote))
	}
	return out
}
