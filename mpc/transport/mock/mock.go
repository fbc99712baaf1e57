package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/transport"
)

// Transport is an in-memory implementation used by tests. Delivery to each
// peer preserves send order.
type Transport struct {
	id        string
	handler   transport.Handler
	handlerMu sync.RWMutex

	peersMu sync.RWMutex
	peers   map[string]*Transport

	inbox  chan delivery
	once   sync.Once
	closed chan struct{}
}

type delivery struct {
	ctx     context.Context
	sender  string
	payload []byte
}

var _ transport.Transport = (*Transport)(nil)

// New creates a mock transport with the given ID.
func New(id string) *Transport {
	t := &Transport{
		id:     id,
		peers:  make(map[string]*Transport),
		inbox:  make(chan delivery, 1024),
		closed: make(chan struct{}),
	}
	go t.deliver()
	return t
}

// Link connects every pair of the given transports.
func Link(ts ...*Transport) {
	for _, a := range ts {
		for _, b := range ts {
			if a == b {
				continue
			}
			a.peersMu.Lock()
			a.peers[b.id] = b
			a.peersMu.Unlock()
		}
	}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) RegisterHandler(handler transport.Handler) error {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	if t.handler != nil {
		return errors.New("mock transport: handler already registered")
	}
	t.handler = handler
	return nil
}

func (t *Transport) EnsurePeer(_ context.Context, peerID string) error {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	if _, ok := t.peers[peerID]; !ok {
		return errors.Errorf("mock transport: unknown peer %s", peerID)
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	t.peersMu.RLock()
	target, ok := t.peers[peerID]
	t.peersMu.RUnlock()
	if !ok {
		return errors.Errorf("mock transport: peer %s not linked", peerID)
	}

	select {
	case target.inbox <- delivery{ctx: ctx, sender: t.id, payload: append([]byte(nil), payload...)}:
		return nil
	case <-target.closed:
		return errors.Errorf("mock transport: peer %s closed", peerID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) deliver() {
	for {
		select {
		case <-t.closed:
			return
		case d := <-t.inbox:
			t.handlerMu.RLock()
			handler := t.handler
			t.handlerMu.RUnlock()
			if handler != nil {
				_ = handler(d.ctx, d.sender, d.payload)
			}
		}
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
