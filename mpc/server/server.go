// Package server implements the relay: it authenticates clients over a Noise
// IK channel, coordinates session membership and forwards peer frames it
// cannot read.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/session"
	"github.com/pushchain/mpc-relay/mpc/sessionstore"
)

// Config holds the relay settings.
type Config struct {
	// Keypair is the relay's static Noise identity.
	Keypair *protocol.Keypair
	// ListenAddr is the address Start binds, for example ":8008".
	ListenAddr string
	// Session configures join timeouts and retention.
	Session session.Config
	// Store records session lifecycle when set.
	Store *sessionstore.Store
	// HandshakeTimeout bounds the client handshake; zero uses 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every websocket write; zero uses 10s.
	WriteTimeout time.Duration
}

// Server is the relay.
type Server struct {
	cfg      Config
	keypair  *protocol.Keypair
	logger   zerolog.Logger
	sessions *session.Manager
	store    *sessionstore.Store
	metrics  *Metrics
	upgrader websocket.Upgrader
	router   http.Handler

	connsMu sync.RWMutex
	conns   map[string]*conn

	httpServer *http.Server
}

// New creates a relay server.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("server keypair is required")
	}
	if err := cfg.Keypair.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server keypair")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	cfg.Session = cfg.Session.WithDefaults()

	logger = logger.With().Str("component", "relay_server").Logger()
	metrics := NewMetrics()
	dropped := func(ev session.Event) {
		metrics.DroppedEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	s := &Server{
		cfg:      cfg,
		keypair:  cfg.Keypair,
		logger:   logger,
		sessions: session.NewManager(cfg.Session, logger, session.WithDropHandler(dropped)),
		store:    cfg.Store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
	s.router = s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Metrics returns the server collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Sessions returns the session coordinator.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Run drives session expiry, event fan-out and the session store until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) {
	events := s.sessions.Subscribe()
	var wg sync.WaitGroup

	if s.store != nil {
		stored := s.sessions.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.store.Observe(ctx, stored)
		}()
		go func() {
			defer wg.Done()
			s.store.Prune(ctx, s.cfg.Session.CheckInterval, s.cfg.Session.Retention)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sessions.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.fanOut(ctx, events)
	}()

	<-ctx.Done()
	s.sessions.Close()
	wg.Wait()
}

// fanOut notifies the participants of each session about its transitions.
func (s *Server) fanOut(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.metrics.SessionEvents.WithLabelValues(string(ev.Kind)).Inc()

			var kind protocol.ServerMessageKind
			switch ev.Kind {
			case session.EventActive:
				kind = protocol.ServerSessionActive
			case session.EventTimedOut:
				kind = protocol.ServerSessionTimeout
			case session.EventCompleted:
				kind = protocol.ServerSessionFinished
			default:
				continue
			}
			sess := ev.Session
			for _, idx := range sess.Joined {
				p, ok := sess.ParticipantByIndex(idx)
				if !ok {
					continue
				}
				c := s.lookup(p.PublicKey)
				if c == nil {
					continue
				}
				msg := protocol.ServerMessage{Kind: kind, SessionID: &sess.ID, Session: &sess}
				if err := c.writeServer(msg); err != nil {
					c.logger.Warn().Err(err).Str("event", string(kind)).Msg("failed to notify participant")
				}
			}
		}
	}
}

func (s *Server) lookup(publicKey []byte) *conn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return s.conns[protocol.HexBytes(publicKey).String()]
}

// register adds an authenticated connection, replacing any previous
// connection of the same identity.
func (s *Server) register(c *conn) {
	s.connsMu.Lock()
	old := s.conns[c.id]
	s.conns[c.id] = c
	s.connsMu.Unlock()

	if old != nil {
		old.logger.Info().Msg("replaced by a new connection")
		old.close()
	} else {
		s.metrics.Connections.Inc()
	}
}

func (s *Server) unregister(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if cur, ok := s.conns[c.id]; ok && cur == c {
		delete(s.conns, c.id)
		s.metrics.Connections.Dec()
	}
}

// Start binds ListenAddr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind to address %s", s.cfg.ListenAddr)
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := s.httpServer.Serve(ln)
		switch err {
		case nil, http.ErrServerClosed:
			s.logger.Info().Msg("relay server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("relay server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("public_key", s.keypair.Public.String()).Msg("relay server listening")
	return nil
}

// Stop shuts the HTTP server down and closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.connsMu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.RUnlock()
	for _, c := range conns {
		c.close()
	}
	return err
}
