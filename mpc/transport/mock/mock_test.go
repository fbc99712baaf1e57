package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTransportSend(t *testing.T) {
	a := New("alice")
	b := New("bob")
	defer a.Close()
	defer b.Close()
	Link(a, b)

	received := make(chan string, 4)
	require.NoError(t, b.RegisterHandler(func(ctx context.Context, sender string, payload []byte) error {
		assert.Equal(t, "alice", sender)
		received <- string(payload)
		return nil
	}))
	require.Error(t, b.RegisterHandler(func(context.Context, string, []byte) error { return nil }))

	ctx := context.Background()
	require.NoError(t, a.EnsurePeer(ctx, "bob"))
	require.Error(t, a.EnsurePeer(ctx, "carol"))

	require.NoError(t, a.Send(ctx, "bob", []byte("one")))
	require.NoError(t, a.Send(ctx, "bob", []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message delivery")
		}
	}
}

func TestMockTransportUnlinked(t *testing.T) {
	a := New("alice")
	defer a.Close()
	assert.Error(t, a.Send(context.Background(), "bob", []byte("x")))
}
