package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresNonceStore persists used nonces in PostgreSQL. The primary key on
// nonce makes Insert the atomic replay check.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore creates a new PostgreSQL-backed nonce store
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

// Insert records a nonce or returns ErrNonceReused
func (p *PostgresNonceStore) Insert(ctx context.Context, nonce, wallet string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_auth_nonces (nonce, wallet, expires_at)
		VALUES ($1, $2, $3)
	`, nonce, wallet, expiresAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrNonceReused
	}
	return err
}

// DeleteExpired removes nonces that expired before the given time
func (p *PostgresNonceStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM wallet_auth_nonces WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ NonceStore = (*PostgresNonceStore)(nil)
