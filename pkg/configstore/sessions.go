package configstore

import (
	"fmt"
	"time"

	"github.com/reporthub/reporthub/pkg/types"
)

type sessionRow struct {
	ID         string `db:"id"`
	Username   string `db:"username"`
	IssuedAt   int64  `db:"issued_at"`
	LastUsedAt int64  `db:"last_used_at"`
	ExpiresAt  int64  `db:"expires_at"`
}

func (r *sessionRow) session() types.Session {
	return types.Session{
		ID:         r.ID,
		Username:   r.Username,
		IssuedAt:   fromEpoch(r.IssuedAt),
		LastUsedAt: fromEpoch(r.LastUsedAt),
		ExpiresAt:  fromEpoch(r.ExpiresAt),
	}
}

// CreateSession stores a new authorization session
func (s *Store) CreateSession(sess types.Session) error {
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO sessions (id, username, issued_at, last_used_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`),
		sess.ID, sess.Username, epoch(sess.IssuedAt), epoch(sess.LastUsedAt), epoch(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("%w: failed to create session: %v", types.ErrTransient, err)
	}
	return nil
}

// GetSession loads a session by id
func (s *Store) GetSession(id string) (types.Session, error) {
	var row sessionRow
	if err := s.db.Get(&row, s.rebind(`SELECT * FROM sessions WHERE id = ?`), id); err != nil {
		return types.Session{}, notFound(err, "session", id)
	}
	return row.session(), nil
}

// TouchSession refreshes a session's last-used time and sliding expiry
func (s *Store) TouchSession(id string, lastUsed, expires time.Time) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE sessions SET last_used_at = ?, expires_at = ? WHERE id = ?`),
		epoch(lastUsed), epoch(expires), id)
	if err != nil {
		return fmt.Errorf("%w: failed to touch session: %v", types.ErrTransient, err)
	}
	return nil
}

// DeleteSession removes a session; deleting an absent session is a no-op
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete session: %v", types.ErrTransient, err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions whose expiry passed before now
func (s *Store) PurgeExpiredSessions(now time.Time) (int, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM sessions WHERE expires_at < ?`), epoch(now))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to purge sessions: %v", types.ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
