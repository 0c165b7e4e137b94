package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/program"
)

// PostgresStore persists escrow mirrors in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed mirror store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_mirrors (
			escrow_address, renter_wallet, operator_wallet, robot_id,
			amount_lamports, amount_usd, status, bump, network, last_signature,
			cancel_status, cancel_requested_by, cancel_requested_at,
			cancel_resolved_by, cancel_resolved_at,
			closed_at, closed_by, close_signature,
			created_at, expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15,
			$16, $17, $18,
			$19, $20, $21
		)
		ON CONFLICT (escrow_address) DO UPDATE SET
			renter_wallet = EXCLUDED.renter_wallet,
			operator_wallet = EXCLUDED.operator_wallet,
			robot_id = EXCLUDED.robot_id,
			amount_lamports = EXCLUDED.amount_lamports,
			amount_usd = COALESCE(EXCLUDED.amount_usd, escrow_mirrors.amount_usd),
			status = EXCLUDED.status,
			bump = EXCLUDED.bump,
			network = EXCLUDED.network,
			last_signature = COALESCE(EXCLUDED.last_signature, escrow_mirrors.last_signature),
			cancel_status = EXCLUDED.cancel_status,
			cancel_requested_by = EXCLUDED.cancel_requested_by,
			cancel_requested_at = EXCLUDED.cancel_requested_at,
			cancel_resolved_by = EXCLUDED.cancel_resolved_by,
			cancel_resolved_at = EXCLUDED.cancel_resolved_at,
			closed_at = EXCLUDED.closed_at,
			closed_by = EXCLUDED.closed_by,
			close_signature = EXCLUDED.close_signature,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		e.Address.String(), e.Renter.String(), e.Operator.String(), e.RobotID,
		int64(e.Amount), nullFloat(e.AmountUSD), e.Status.String(), int16(e.Bump), string(e.Network), nullString(e.LastSignature),
		string(e.CancelStatus), nullString(e.CancelRequestedBy), nullTime(e.CancelRequestedAt),
		nullString(e.CancelResolvedBy), nullTime(e.CancelResolvedAt),
		nullTime(e.ClosedAt), nullString(e.ClosedBy), nullString(e.CloseSignature),
		e.CreatedAt, e.ExpiresAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `escrow_address, renter_wallet, operator_wallet, robot_id,
		       amount_lamports, amount_usd, status, bump, network, last_signature,
		       cancel_status, cancel_requested_by, cancel_requested_at,
		       cancel_resolved_by, cancel_resolved_at,
		       closed_at, closed_by, close_signature,
		       created_at, expires_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, address solana.PublicKey) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_mirrors WHERE escrow_address = $1`, address.String())

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet solana.PublicKey, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_mirrors
		WHERE renter_wallet = $1 OR operator_wallet = $1
		ORDER BY created_at DESC
		LIMIT $2`, wallet.String(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var (
		address, renter, operator string
		robotID, status, network  string
		cancelStatus              string
		amount                    int64
		bump                      int16
		amountUSD                 sql.NullFloat64
		lastSig                   sql.NullString
		requestedBy, resolvedBy   sql.NullString
		requestedAt, resolvedAt   sql.NullTime
		closedAt                  sql.NullTime
		closedBy, closeSig        sql.NullString
		createdAt, expiresAt      time.Time
		updatedAt                 time.Time
	)

	err := s.Scan(
		&address, &renter, &operator, &robotID,
		&amount, &amountUSD, &status, &bump, &network, &lastSig,
		&cancelStatus, &requestedBy, &requestedAt,
		&resolvedBy, &resolvedAt,
		&closedAt, &closedBy, &closeSig,
		&createdAt, &expiresAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	row := &mirrorRow{
		EscrowAddress:     address,
		RenterWallet:      renter,
		OperatorWallet:    operator,
		RobotID:           robotID,
		AmountLamports:    amount,
		Status:            status,
		Bump:              int(bump),
		Network:           network,
		CancelStatus:      cancelStatus,
		CancelRequestedBy: requestedBy.String,
		CancelResolvedBy:  resolvedBy.String,
		ClosedBy:          closedBy.String,
		CloseSignature:    closeSig.String,
		LastSignature:     lastSig.String,
		CreatedAt:         createdAt,
		ExpiresAt:         expiresAt,
		UpdatedAt:         updatedAt,
	}
	if amountUSD.Valid {
		row.AmountUSD = &amountUSD.Float64
	}
	if requestedAt.Valid {
		row.CancelRequestedAt = &requestedAt.Time
	}
	if resolvedAt.Valid {
		row.CancelResolvedAt = &resolvedAt.Time
	}
	if closedAt.Valid {
		row.ClosedAt = &closedAt.Time
	}
	return row.toEscrow()
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// mirrorRow is the persisted shape of a mirror, shared by the SQL and REST
// stores. Conversion back to an Escrow validates every field.
type mirrorRow struct {
	EscrowAddress     string     `json:"escrow_address"`
	RenterWallet      string     `json:"renter_wallet"`
	OperatorWallet    string     `json:"operator_wallet"`
	RobotID           string     `json:"robot_id"`
	AmountLamports    int64      `json:"amount_lamports"`
	AmountUSD         *float64   `json:"amount_usd"`
	Status            string     `json:"status"`
	Bump              int        `json:"bump"`
	Network           string     `json:"network"`
	LastSignature     string     `json:"last_signature,omitempty"`
	CancelStatus      string     `json:"cancel_status"`
	CancelRequestedBy string     `json:"cancel_requested_by,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at"`
	CancelResolvedBy  string     `json:"cancel_resolved_by,omitempty"`
	CancelResolvedAt  *time.Time `json:"cancel_resolved_at"`
	ClosedAt          *time.Time `json:"closed_at"`
	ClosedBy          string     `json:"closed_by,omitempty"`
	CloseSignature    string     `json:"close_signature,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newMirrorRow(e *Escrow) *mirrorRow {
	r := &mirrorRow{
		EscrowAddress:     e.Address.String(),
		RenterWallet:      e.Renter.String(),
		OperatorWallet:    e.Operator.String(),
		RobotID:           e.RobotID,
		AmountLamports:    int64(e.Amount),
		Status:            e.Status.String(),
		Bump:              int(e.Bump),
		Network:           string(e.Network),
		LastSignature:     e.LastSignature,
		CancelStatus:      string(e.CancelStatus),
		CancelRequestedBy: e.CancelRequestedBy,
		CancelRequestedAt: e.CancelRequestedAt,
		CancelResolvedBy:  e.CancelResolvedBy,
		CancelResolvedAt:  e.CancelResolvedAt,
		ClosedAt:          e.ClosedAt,
		ClosedBy:          e.ClosedBy,
		CloseSignature:    e.CloseSignature,
		CreatedAt:         e.CreatedAt,
		ExpiresAt:         e.ExpiresAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.AmountUSD > 0 {
		usd := e.AmountUSD
		r.AmountUSD = &usd
	}
	return r
}

func (r *mirrorRow) toEscrow() (*Escrow, error) {
	fail := func(field string, err error) (*Escrow, error) {
		return nil, fmt.Errorf("escrow mirror %s: invalid %s: %w", r.EscrowAddress, field, err)
	}
	address, err := solana.PublicKeyFromBase58(r.EscrowAddress)
	if err != nil {
		return fail("escrow_address", err)
	}
	renter, err := solana.PublicKeyFromBase58(r.RenterWallet)
	if err != nil {
		return fail("renter_wallet", err)
	}
	operator, err := solana.PublicKeyFromBase58(r.OperatorWallet)
	if err != nil {
		return fail("operator_wallet", err)
	}
	status, err := program.ParseStatus(r.Status)
	if err != nil {
		return fail("status", err)
	}
	if r.AmountLamports < 0 {
		return fail("amount_lamports", fmt.Errorf("negative value %d", r.AmountLamports))
	}
	if r.Bump < 0 || r.Bump > 255 {
		return fail("bump", fmt.Errorf("out of range %d", r.Bump))
	}
	cancel := CancelStatus(r.CancelStatus)
	if cancel == "" {
		cancel = CancelNone
	}
	if !cancel.Valid() {
		return fail("cancel_status", fmt.Errorf("unknown value %q", r.CancelStatus))
	}
	network, err := ledger.ParseCluster(r.Network)
	if err != nil {
		return fail("network", err)
	}

	e := &Escrow{
		Address:           address,
		Renter:            renter,
		Operator:          operator,
		RobotID:           r.RobotID,
		Amount:            uint64(r.AmountLamports),
		CreatedAt:         r.CreatedAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		Status:            status,
		Bump:              uint8(r.Bump),
		Network:           network,
		LastSignature:     r.LastSignature,
		CancelStatus:      cancel,
		CancelRequestedBy: r.CancelRequestedBy,
		CancelRequestedAt: cloneTime(r.CancelRequestedAt),
		CancelResolvedBy:  r.CancelResolvedBy,
		CancelResolvedAt:  cloneTime(r.CancelResolvedAt),
		ClosedAt:          cloneTime(r.ClosedAt),
		ClosedBy:          r.ClosedBy,
		CloseSignature:    r.CloseSignature,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.AmountUSD != nil {
		e.AmountUSD = *r.AmountUSD
	}
	return e, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f float64) sql.NullFloat64 {
	if f <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
