// Package client connects a party to the relay server. It owns the websocket,
// the encrypted channel to the server and one Noise channel per peer, and it
// implements transport.Transport for ceremonies.
package client

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/peer"
	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/transport"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	eventBuffer             = 256
	maxErrorBody            = 4096
)

// Options configure a relay connection.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the relay.
	URL string
	// ServerPublicKey is the relay's static Noise key.
	ServerPublicKey []byte
	// Keypair is the local identity.
	Keypair *protocol.Keypair
	// RequestTimeout bounds the wait for a reply; zero uses 30s.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the upgrade and the server handshake; zero uses 10s.
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Client is a connection to the relay.
type Client struct {
	opts   Options
	logger zerolog.Logger
	conn   *websocket.Conn
	peers  *peer.Registry

	writeMu sync.Mutex
	send    *noise.CipherState
	recv    *noise.CipherState

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan protocol.ServerMessage

	handlerMu sync.RWMutex
	handler   transport.Handler

	readyMu sync.Mutex
	ready   map[string]chan struct{}

	events chan Event

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closeErr error
}

var _ transport.Transport = (*Client)(nil)

// Connect dials the relay, completes the server handshake and starts the
// read loop. A non-101 upgrade response is returned as *ConnectError.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()
	if opts.Keypair == nil {
		return nil, errors.New("keypair is required")
	}
	if err := opts.Keypair.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid keypair")
	}

	logger := opts.Logger.With().
		Str("component", "relay_client").
		Str("identity", hex.EncodeToString(opts.Keypair.Public)).
		Logger()

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &ConnectError{Status: resp.StatusCode, Body: string(body)}
		}
		return nil, ErrConnect.WithCause(err)
	}

	c := &Client{
		opts:    opts,
		logger:  logger,
		conn:    conn,
		peers:   peer.NewRegistry(opts.Keypair),
		pending: make(map[uint64]chan protocol.ServerMessage),
		ready:   make(map[string]chan struct{}),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.events <- Event{Kind: EventServerConnected}
	logger.Info().Str("url", opts.URL).Msg("connected to relay")

	go c.readLoop()
	return c, nil
}

// handshake runs the IK handshake with the relay before the read loop starts.
func (c *Client) handshake() error {
	hs, err := protocol.ServerHandshake(c.opts.Keypair, c.opts.ServerPublicKey, true)
	if err != nil {
		return ErrServerHandshake.WithCause(err)
	}
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return ErrServerHandshake.WithCause(err)
	}
	if err := c.writeFrame(protocol.Frame{Kind: protocol.FrameHandshake, Payload: msg1}); err != nil {
		return err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return ErrServerHandshake.WithCause(errors.Wrap(err, "failed to read handshake reply"))
	}
	var frame protocol.Frame
	if err := protocol.Decode(data, &frame); err != nil {
		return ErrServerHandshake.WithCause(err)
	}
	if frame.Kind != protocol.FrameHandshake {
		return errors.Wrapf(ErrServerHandshake, "expected handshake frame, got %s", frame.Kind)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, frame.Payload)
	if err != nil {
		return ErrServerHandshake.WithCause(err)
	}
	if cs1 == nil || cs2 == nil {
		return errors.Wrap(ErrServerHandshake, "handshake did not complete")
	}
	c.send, c.recv = cs1, cs2
	return nil
}

// ID returns the hex encoded local public key.
func (c *Client) ID() string { return hex.EncodeToString(c.opts.Keypair.Public) }

// PublicKey returns the local identity.
func (c *Client) PublicKey() []byte { return c.opts.Keypair.Public }

// Events returns the notification stream. It is closed after EventClose;
// callers must keep draining it.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the read loop stopped, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) writeFrame(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (c *Client) writeServer(msg protocol.ServerMessage) error {
	plain, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ct, err := c.send.Encrypt(nil, nil, plain)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt server message")
	}
	data, err := protocol.Encode(protocol.Frame{Kind: protocol.FrameServer, Payload: ct})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (c *Client) readLoop() {
	var loopErr error
	defer func() { c.shutdown(loopErr) }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				loopErr = errors.Wrap(err, "failed to read frame")
			}
			return
		}
		var frame protocol.Frame
		if err := protocol.Decode(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Kind {
		case protocol.FrameServer:
			if err := c.handleServer(frame.Payload); err != nil {
				loopErr = err
				return
			}
		case protocol.FrameRelay:
			c.handleRelay(frame.Peer, frame.Payload)
		default:
			c.logger.Warn().Str("kind", string(frame.Kind)).Msg("dropping unexpected frame")
		}
	}
}

// handleServer decrypts a server message. A decryption failure desynchronizes
// the channel, so it ends the connection.
func (c *Client) handleServer(payload []byte) error {
	plain, err := c.recv.Decrypt(nil, nil, payload)
	if err != nil {
		return errors.Wrap(err, "failed to decrypt server message")
	}
	var msg protocol.ServerMessage
	if err := protocol.Decode(plain, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed server message")
		return nil
	}

	if kind, ok := sessionEventKind(msg.Kind); ok {
		c.emit(Event{Kind: kind, Session: msg.Session})
	}
	if msg.RequestID == 0 {
		return nil
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug().Uint64("request_id", msg.RequestID).Msg("reply for unknown request")
		return nil
	}
	ch <- msg
	return nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) shutdown(err error) {
	c.closeErr = err
	if err != nil {
		c.logger.Warn().Err(err).Msg("relay connection lost")
	}
	c.cancel()
	_ = c.conn.Close()

	select {
	case c.events <- Event{Kind: EventClose, Err: err}:
	default:
	}
	close(c.events)
	close(c.done)
}

// Close disconnects from the relay and waits for the read loop to stop.
func (c *Client) Close() error {
	c.cancel()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	<-c.done
	return nil
}
