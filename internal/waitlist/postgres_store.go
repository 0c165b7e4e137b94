package waitlist

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists signups in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed waitlist store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, s *Signup) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO waitlist (email, segment, source, status, confirm_token_hash, confirm_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		s.Email, string(s.Segment), s.Source, string(s.Status),
		nullString(s.ConfirmTokenHash), nullTime(s.ConfirmExpiresAt), s.CreatedAt,
	).Scan(&s.ID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "waitlist_email_key" {
		return ErrDuplicateEmail
	}
	return err
}

func (p *PostgresStore) FindByTokenHash(ctx context.Context, hash string) (*Signup, error) {
	var (
		s         Signup
		segment   string
		status    string
		tokenHash sql.NullString
		expires   sql.NullTime
		confirmed sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, segment, source, status, confirm_token_hash, confirm_expires_at, confirmed_at, created_at
		FROM waitlist WHERE confirm_token_hash = $1`, hash,
	).Scan(&s.ID, &s.Email, &segment, &s.Source, &status, &tokenHash, &expires, &confirmed, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Segment = Segment(segment)
	s.Status = Status(status)
	s.ConfirmTokenHash = tokenHash.String
	if expires.Valid {
		s.ConfirmExpiresAt = &expires.Time
	}
	if confirmed.Valid {
		s.ConfirmedAt = &confirmed.Time
	}
	return &s, nil
}

func (p *PostgresStore) MarkConfirmed(ctx context.Context, id int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE waitlist
		SET status = 'confirmed', confirmed_at = $2, confirm_token_hash = NULL, confirm_expires_at = NULL
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
