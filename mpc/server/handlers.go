package server

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/session"
)

// handleRequest answers one server channel request from c.
func (s *Server) handleRequest(c *conn, req protocol.ServerMessage) {
	var (
		reply protocol.ServerMessage
		err   error
	)
	switch req.Kind {
	case protocol.ServerNewSession:
		reply, err = s.newSession(c, req)
	case protocol.ServerJoinSession:
		reply, err = s.joinSession(c, req)
	case protocol.ServerFinishSession:
		reply, err = s.finishSession(c, req)
	default:
		err = errors.Errorf("unknown request %q", req.Kind)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		status := statusOf(err)
		c.logger.Debug().Err(err).Str("request", string(req.Kind)).Int("status", status).Msg("request failed")
		reply = protocol.ServerMessage{
			Kind:  protocol.ServerError,
			Error: &protocol.ErrorReply{Status: status, Message: err.Error()},
		}
	}
	s.metrics.Requests.WithLabelValues(string(req.Kind), outcome).Inc()

	reply.RequestID = req.RequestID
	if err := c.writeServer(reply); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send reply")
	}
}

func (s *Server) newSession(c *conn, req protocol.ServerMessage) (protocol.ServerMessage, error) {
	if req.Parameters == nil {
		return protocol.ServerMessage{}, errors.New("parameters are required")
	}
	keys := make([][]byte, len(req.Participants))
	for i, k := range req.Participants {
		keys[i] = k
	}
	sess, err := s.sessions.Create(c.publicKey, keys, *req.Parameters)
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	if s.store != nil {
		if err := s.store.Create(sess); err != nil {
			c.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("failed to record session")
		}
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	return protocol.ServerMessage{Kind: protocol.ServerSessionCreated, SessionID: &sess.ID, Session: sess}, nil
}

func (s *Server) joinSession(c *conn, req protocol.ServerMessage) (protocol.ServerMessage, error) {
	if req.SessionID == nil {
		return protocol.ServerMessage{}, errors.New("session id is required")
	}
	sess, err := s.sessions.Join(*req.SessionID, c.publicKey)
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	return protocol.ServerMessage{Kind: protocol.ServerOK, SessionID: &sess.ID, Session: sess}, nil
}

// finishSession completes an Active session with the output the client
// reports. Finishing an already completed session succeeds so every
// participant can report the end of the ceremony; the first output is kept.
func (s *Server) finishSession(c *conn, req protocol.ServerMessage) (protocol.ServerMessage, error) {
	if req.SessionID == nil {
		return protocol.ServerMessage{}, errors.New("session id is required")
	}
	sess, err := s.sessions.Get(*req.SessionID)
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	if _, ok := sess.Participant(c.publicKey); !ok {
		return protocol.ServerMessage{}, session.ErrNotSessionParticipant
	}
	if err := s.sessions.Complete(sess.ID, req.Output); err != nil {
		if !errors.Is(err, session.ErrInvalidTransition) {
			return protocol.ServerMessage{}, err
		}
		cur, gerr := s.sessions.Get(sess.ID)
		if gerr != nil || cur.State != protocol.SessionCompleted {
			return protocol.ServerMessage{}, err
		}
	}
	return protocol.ServerMessage{Kind: protocol.ServerOK, SessionID: &sess.ID}, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotSessionParticipant):
		return http.StatusForbidden
	case errors.Is(err, session.ErrJoinRejected), errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
