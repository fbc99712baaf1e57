package peer

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, *protocol.Keypair) {
	t.Helper()
	kp, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	return NewRegistry(kp), kp
}

// connect runs a full handshake from a to b.
func connect(t *testing.T, a *Registry, aKey *protocol.Keypair, b *Registry, bKey *protocol.Keypair) {
	t.Helper()
	msg1, err := a.Initiate(bKey.Public)
	require.NoError(t, err)
	msg2, err := b.Respond(aKey.Public, msg1)
	require.NoError(t, err)
	next, err := a.AdvanceHandshake(bKey.Public, msg2)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestHandshakeAndTransport(t *testing.T) {
	alice, aliceKey := newTestRegistry(t)
	bob, bobKey := newTestRegistry(t)

	msg1, err := alice.Initiate(bobKey.Public)
	require.NoError(t, err)
	state, err := alice.State(bobKey.Public)
	require.NoError(t, err)
	assert.Equal(t, StateHandshake, state)

	_, err = alice.Encrypt(bobKey.Public, []byte("too early"))
	assert.ErrorIs(t, err, ErrNotTransportState)

	msg2, err := bob.Respond(aliceKey.Public, msg1)
	require.NoError(t, err)
	state, err = bob.State(aliceKey.Public)
	require.NoError(t, err)
	assert.Equal(t, StateTransport, state)

	_, err = alice.AdvanceHandshake(bobKey.Public, msg2)
	require.NoError(t, err)
	state, err = alice.State(bobKey.Public)
	require.NoError(t, err)
	assert.Equal(t, StateTransport, state)

	ping, err := alice.Encrypt(bobKey.Public, []byte("ping"))
	require.NoError(t, err)
	assert.NotContains(t, string(ping), "ping")
	pt, err := bob.Decrypt(aliceKey.Public, ping)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pt)

	pong, err := bob.Encrypt(aliceKey.Public, []byte("pong"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(bobKey.Public, pong)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), pt)

	_, err = alice.AdvanceHandshake(bobKey.Public, msg2)
	assert.ErrorIs(t, err, ErrNotHandshakeState)
}

func TestRegistryErrors(t *testing.T) {
	alice, aliceKey := newTestRegistry(t)
	bob, bobKey := newTestRegistry(t)
	_, carolKey := newTestRegistry(t)

	t.Run("peer not found", func(t *testing.T) {
		_, err := alice.Encrypt(carolKey.Public, []byte("x"))
		assert.ErrorIs(t, err, ErrPeerNotFound)
		_, err = alice.Decrypt(carolKey.Public, []byte("x"))
		assert.ErrorIs(t, err, ErrPeerNotFound)
		_, err = alice.AdvanceHandshake(carolKey.Public, []byte("x"))
		assert.ErrorIs(t, err, ErrPeerNotFound)
		_, err = alice.State(carolKey.Public)
		assert.ErrorIs(t, err, ErrPeerNotFound)
	})

	t.Run("initiate twice", func(t *testing.T) {
		_, err := alice.Initiate(bobKey.Public)
		require.NoError(t, err)
		_, err = alice.Initiate(bobKey.Public)
		assert.ErrorIs(t, err, ErrPeerAlreadyExists)
		assert.True(t, alice.Remove(bobKey.Public))
		assert.False(t, alice.Remove(bobKey.Public))
	})

	t.Run("malformed handshake message", func(t *testing.T) {
		_, err := bob.Respond(aliceKey.Public, []byte("garbage"))
		assert.ErrorIs(t, err, ErrInvalidPeerHandshakeMessage)
		assert.False(t, bob.Exists(aliceKey.Public))
	})

	t.Run("respond to connected peer", func(t *testing.T) {
		connect(t, alice, aliceKey, bob, bobKey)
		msg1, err := NewRegistry(aliceKey).Initiate(bobKey.Public)
		require.NoError(t, err)
		_, err = bob.Respond(aliceKey.Public, msg1)
		assert.ErrorIs(t, err, ErrPeerAlreadyExists)
		assert.NotErrorIs(t, err, ErrPeerAlreadyExistsMaybeRace)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		ct, err := alice.Encrypt(bobKey.Public, []byte("payload"))
		require.NoError(t, err)
		ct[0] ^= 0xff
		_, err = bob.Decrypt(aliceKey.Public, ct)
		assert.ErrorIs(t, err, ErrDecryptFailed)
	})
}

func TestReplaceAfterReconnect(t *testing.T) {
	alice, aliceKey := newTestRegistry(t)
	bob, bobKey := newTestRegistry(t)
	connect(t, alice, aliceKey, bob, bobKey)

	// alice restarts with an empty registry and initiates again
	fresh := NewRegistry(aliceKey)
	msg1, err := fresh.Initiate(bobKey.Public)
	require.NoError(t, err)
	_, err = bob.Respond(aliceKey.Public, msg1)
	require.ErrorIs(t, err, ErrPeerAlreadyExists)

	t.Run("bad initiation keeps the existing channel", func(t *testing.T) {
		_, err := bob.Replace(aliceKey.Public, []byte("garbage"))
		assert.ErrorIs(t, err, ErrInvalidPeerHandshakeMessage)
		ct, err := alice.Encrypt(bobKey.Public, []byte("still here"))
		require.NoError(t, err)
		plain, err := bob.Decrypt(aliceKey.Public, ct)
		require.NoError(t, err)
		assert.Equal(t, "still here", string(plain))
	})

	msg2, err := bob.Replace(aliceKey.Public, msg1)
	require.NoError(t, err)
	_, err = fresh.AdvanceHandshake(bobKey.Public, msg2)
	require.NoError(t, err)
	assert.Equal(t, 1, bob.Len())

	ct, err := fresh.Encrypt(bobKey.Public, []byte("hello again"))
	require.NoError(t, err)
	plain, err := bob.Decrypt(aliceKey.Public, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello again", string(plain))

	// the old channel's keys are gone
	stale, err := alice.Encrypt(bobKey.Public, []byte("stale"))
	require.NoError(t, err)
	_, err = bob.Decrypt(aliceKey.Public, stale)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	t.Run("pending handshake is not replaced", func(t *testing.T) {
		carol, carolKey := newTestRegistry(t)
		_, err := bob.Initiate(carolKey.Public)
		require.NoError(t, err)
		msg, err := carol.Initiate(bobKey.Public)
		require.NoError(t, err)
		_, err = bob.Replace(carolKey.Public, msg)
		assert.ErrorIs(t, err, ErrPeerAlreadyExistsMaybeRace)
	})
}

func TestHandshakeRejectsWrongIdentity(t *testing.T) {
	alice, _ := newTestRegistry(t)
	bob, _ := newTestRegistry(t)
	_, mallory := newTestRegistry(t)

	// bob believes the message comes from mallory, so the static keys disagree
	msg1, err := alice.Initiate(bob.local.Public)
	require.NoError(t, err)
	_, err = bob.Respond(mallory.Public, msg1)
	assert.ErrorIs(t, err, ErrInvalidPeerHandshakeMessage)
	assert.False(t, bob.Exists(mallory.Public))
}

func TestShouldYield(t *testing.T) {
	low := []byte{0x01, 0xff}
	high := []byte{0x02, 0x00}
	assert.False(t, ShouldYield(low, high))
	assert.True(t, ShouldYield(high, low))
	assert.False(t, ShouldYield(low, low))
}

func TestSimultaneousInitiation(t *testing.T) {
	for i := 0; i < 10; i++ {
		alice, aliceKey := newTestRegistry(t)
		bob, bobKey := newTestRegistry(t)

		fromAlice, err := alice.Initiate(bobKey.Public)
		require.NoError(t, err)
		fromBob, err := bob.Initiate(aliceKey.Public)
		require.NoError(t, err)

		// both initiations cross on the wire
		_, errAlice := alice.Respond(bobKey.Public, fromBob)
		_, errBob := bob.Respond(aliceKey.Public, fromAlice)
		require.ErrorIs(t, errAlice, ErrPeerAlreadyExistsMaybeRace)
		require.ErrorIs(t, errBob, ErrPeerAlreadyExistsMaybeRace)

		replyAlice, yieldedAlice, err := alice.ResolveRace(bobKey.Public, fromBob)
		require.NoError(t, err)
		replyBob, yieldedBob, err := bob.ResolveRace(aliceKey.Public, fromAlice)
		require.NoError(t, err)

		// exactly one side yields, decided by key order
		require.NotEqual(t, yieldedAlice, yieldedBob)
		assert.Equal(t, bytes.Compare(aliceKey.Public, bobKey.Public) > 0, yieldedAlice)

		if yieldedAlice {
			require.NotNil(t, replyAlice)
			_, err = bob.AdvanceHandshake(aliceKey.Public, replyAlice)
		} else {
			require.NotNil(t, replyBob)
			_, err = alice.AdvanceHandshake(bobKey.Public, replyBob)
		}
		require.NoError(t, err)

		for _, pair := range []struct {
			r      *Registry
			remote []byte
		}{{alice, bobKey.Public}, {bob, aliceKey.Public}} {
			assert.Equal(t, 1, pair.r.Len())
			state, err := pair.r.State(pair.remote)
			require.NoError(t, err)
			assert.Equal(t, StateTransport, state)
		}

		ct, err := alice.Encrypt(bobKey.Public, []byte("after race"))
		require.NoError(t, err)
		pt, err := bob.Decrypt(aliceKey.Public, ct)
		require.NoError(t, err)
		assert.Equal(t, []byte("after race"), pt)
	}
}

func TestConcurrentPeers(t *testing.T) {
	hub, hubKey := newTestRegistry(t)

	const peers = 8
	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remote, remoteKey := newTestRegistry(t)
			msg1, err := remote.Initiate(hubKey.Public)
			if !assert.NoError(t, err) {
				return
			}
			msg2, err := hub.Respond(remoteKey.Public, msg1)
			if !assert.NoError(t, err) {
				return
			}
			_, err = remote.AdvanceHandshake(hubKey.Public, msg2)
			assert.NoError(t, err)

			ct, err := remote.Encrypt(hubKey.Public, remoteKey.Public)
			if !assert.NoError(t, err) {
				return
			}
			pt, err := hub.Decrypt(remoteKey.Public, ct)
			assert.NoError(t, err)
			assert.Equal(t, []byte(remoteKey.Public), pt)
		}()
	}
	wg.Wait()
	assert.Equal(t, peers, hub.Len())
	assert.Len(t, hub.Peers(), peers)
}
