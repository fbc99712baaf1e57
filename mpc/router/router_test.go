package router

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

func msg(round, sender uint16, body string) protocol.RoundMessage[string] {
	return protocol.RoundMessage[string]{Round: round, Sender: sender, Body: body}
}

func TestRouteReleasesCompleteRound(t *testing.T) {
	r := New[string](1, []uint16{1, 2, 3})
	assert.Equal(t, []uint16{2, 3}, r.Expected())

	batches, err := r.Route(msg(1, 3, "c"))
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 1, r.Buffered())

	batches, err = r.Route(msg(1, 2, "b"))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, uint16(1), batches[0].Round)
	require.Len(t, batches[0].Messages, 2)
	assert.Equal(t, uint16(2), batches[0].Messages[0].Sender)
	assert.Equal(t, uint16(3), batches[0].Messages[1].Sender)
	assert.Equal(t, uint16(2), r.NextRound())
	assert.Equal(t, 0, r.Buffered())
}

func TestRouteDropsLateAndDuplicate(t *testing.T) {
	r := New[string](2, []uint16{1, 2, 3})

	_, err := r.Route(msg(1, 1, "m"))
	require.NoError(t, err)
	batches, err := r.Route(msg(1, 1, "m"))
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 1, r.Dropped())

	batches, err = r.Route(msg(1, 3, "m"))
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// retransmission after release
	batches, err = r.Route(msg(1, 3, "m"))
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 2, r.Dropped())
}

func TestRouteHoldsLaterRounds(t *testing.T) {
	r := New[string](1, []uint16{1, 2, 3})

	// round 2 completes before round 1
	for _, m := range []protocol.RoundMessage[string]{msg(2, 2, "b2"), msg(2, 3, "c2"), msg(1, 2, "b1")} {
		batches, err := r.Route(m)
		require.NoError(t, err)
		assert.Empty(t, batches)
	}

	batches, err := r.Route(msg(1, 3, "c1"))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, uint16(1), batches[0].Round)
	assert.Equal(t, uint16(2), batches[1].Round)
	assert.Equal(t, "c2", batches[1].Messages[1].Body)
	assert.Equal(t, uint16(3), r.NextRound())
}

func TestRouteRejectsInvalidInput(t *testing.T) {
	r := New[string](1, []uint16{1, 2})

	_, err := r.Route(msg(1, 1, "self"))
	assert.ErrorIs(t, err, ErrUnexpectedSender)

	_, err = r.Route(msg(1, 9, "stranger"))
	assert.ErrorIs(t, err, ErrUnexpectedSender)

	_, err = r.Route(msg(0, 2, "zero"))
	assert.ErrorIs(t, err, ErrInvalidRound)
}

func TestCloseReleasesState(t *testing.T) {
	r := New[string](1, []uint16{1, 2, 3})
	_, err := r.Route(msg(1, 2, "b"))
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Buffered())
	_, err = r.Route(msg(1, 3, "c"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRouteAnyArrivalOrder(t *testing.T) {
	const (
		parties = 5
		rounds  = 4
	)
	participants := []uint16{1, 2, 3, 4, 5}

	var all []protocol.RoundMessage[string]
	for round := uint16(1); round <= rounds; round++ {
		for sender := uint16(2); sender <= parties; sender++ {
			all = append(all, msg(round, sender, "x"))
			all = append(all, msg(round, sender, "x"))
		}
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

		r := New[string](1, participants)
		var released []Batch[string]
		for _, m := range all {
			batches, err := r.Route(m)
			require.NoError(t, err)
			released = append(released, batches...)
		}

		require.Len(t, released, rounds)
		for i, b := range released {
			assert.Equal(t, uint16(i+1), b.Round)
			assert.Len(t, b.Messages, parties-1)
		}
		assert.Equal(t, rounds*(parties-1), r.Dropped())
	}
}
