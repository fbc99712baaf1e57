package sessionstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/session"
)

// Store provides database access for session records.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a new session store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "session_store").Logger(),
	}
}

func recordFor(s *protocol.Session) SessionRecord {
	keys := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		keys[i] = p.PublicKey.String()
	}
	return SessionRecord{
		SessionID:    s.ID.String(),
		Owner:        s.Owner.String(),
		Threshold:    s.Parameters.Threshold,
		Parties:      s.Parameters.Parties,
		Participants: strings.Join(keys, ","),
		Joined:       uint16(len(s.Joined)),
		State:        string(s.State),
		Output:       s.Output,
	}
}

// Create records a newly created session.
func (s *Store) Create(sess *protocol.Session) error {
	rec := recordFor(sess)
	if err := s.db.Create(&rec).Error; err != nil {
		return errors.Wrapf(err, "failed to record session %s", sess.ID)
	}
	return nil
}

// Update stores the current state and membership of a session.
func (s *Store) Update(sess *protocol.Session, at time.Time) error {
	update := map[string]any{
		"state":  string(sess.State),
		"joined": uint16(len(sess.Joined)),
	}
	if sess.State.Terminal() {
		update["closed_at"] = at
	}
	if sess.Output != "" {
		update["output"] = sess.Output
	}
	result := s.db.Model(&SessionRecord{}).
		Where("session_id = ?", sess.ID.String()).
		Updates(update)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update session %s", sess.ID)
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("session %s not found", sess.ID)
	}
	return nil
}

// Get retrieves a session record by ID.
func (s *Store) Get(id protocol.SessionID) (*SessionRecord, error) {
	var rec SessionRecord
	if err := s.db.Where("session_id = ?", id.String()).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByState returns the most recent sessions in the given state.
func (s *Store) ListByState(state protocol.SessionState, limit int) ([]SessionRecord, error) {
	var recs []SessionRecord
	query := s.db.Where("state = ?", string(state)).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query sessions with state %s", state)
	}
	return recs, nil
}

// DeleteClosedBefore removes terminal sessions closed before the given time.
func (s *Store) DeleteClosedBefore(before time.Time) (int64, error) {
	result := s.db.Where("closed_at IS NOT NULL AND closed_at < ?", before).Delete(&SessionRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete closed sessions")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().Int64("deleted_count", result.RowsAffected).Msg("deleted closed sessions")
	}
	return result.RowsAffected, nil
}

// Observe records every lifecycle event until events is closed or ctx is
// cancelled. Failures are logged; the relay keeps running without its log.
func (s *Store) Observe(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sess := ev.Session
			if err := s.Update(&sess, time.Now()); err != nil {
				s.logger.Warn().Err(err).
					Str("session_id", sess.ID.String()).
					Str("event", string(ev.Kind)).
					Msg("failed to record session event")
			}
		}
	}
}

// Prune deletes sessions closed longer than retention ago, every interval,
// until ctx is cancelled.
func (s *Store) Prune(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.DeleteClosedBefore(now.Add(-retention)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to prune closed sessions")
			}
		}
	}
}
