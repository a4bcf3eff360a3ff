package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kassa.app/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, ip, user_agent, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, sess.TokenHash, nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent), sess.ExpiresAt, sess.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (auth.Session, error) {
	var (
		sess      auth.Session
		ip, agent sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, ip, user_agent, expires_at, created_at
		from sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &ip, &agent, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.IP = ip.String
	sess.UserAgent = agent.String
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountActiveSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `select count(*) from sessions where expires_at > $1`, now).Scan(&n)
	return n, err
}
