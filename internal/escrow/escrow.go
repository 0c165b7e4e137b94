// Package escrow keeps an off-chain mirror of each robot rental escrow in
// step with the on-chain escrow program.
//
// Lifecycle:
//  1. Renter creates the escrow; funds lock in a program-derived account
//  2. Renter completes it, releasing funds to the operator minus the fee
//  3. Or the renter requests cancellation and the operator approves
//     (or disputes) it; approval refunds the renter on-chain
//  4. Or the rental lapses and the operator claims the funds
//  5. Renter closes the terminal account to recover its rent
//
// Every action re-reads the account from the ledger before checking who may
// perform it. The chain is the final word; the mirror only follows.
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/program"
	"github.com/roborio/roborio/internal/syncutil"
	"github.com/roborio/roborio/internal/wallet"
)

// CancelStatus is the off-chain cancellation negotiation state.
type CancelStatus string

const (
	CancelNone      CancelStatus = "none"
	CancelRequested CancelStatus = "requested"
	CancelDisputed  CancelStatus = "disputed"
	CancelApproved  CancelStatus = "approved"
)

// Valid reports whether c is a known negotiation state.
func (c CancelStatus) Valid() bool {
	switch c {
	case CancelNone, CancelRequested, CancelDisputed, CancelApproved:
		return true
	}
	return false
}

// Amounts in lamports.
const (
	LamportsPerSOL    = 1_000_000_000
	CreationBuffer    = 10_000_000 // 0.01 SOL for account rent
	MinimumFeeReserve = 10_000
)

// DefaultRentalHours applies when create is called without a duration.
const DefaultRentalHours = 24

// Escrow is the off-chain mirror of one escrow account.
type Escrow struct {
	Address   solana.PublicKey `json:"escrowAddress"`
	Renter    solana.PublicKey `json:"renterWallet"`
	Operator  solana.PublicKey `json:"operatorWallet"`
	RobotID   string           `json:"robotId"`
	Amount    uint64           `json:"amountLamports"`
	AmountUSD float64          `json:"amountUsd,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Status    program.Status   `json:"status"`
	Bump      uint8            `json:"bump"`
	Network   ledger.Cluster   `json:"network"`

	LastSignature string `json:"lastSignature,omitempty"`

	CancelStatus      CancelStatus `json:"cancelStatus"`
	CancelRequestedBy string       `json:"cancelRequestedBy,omitempty"`
	CancelRequestedAt *time.Time   `json:"cancelRequestedAt,omitempty"`
	CancelResolvedBy  string       `json:"cancelResolvedBy,omitempty"`
	CancelResolvedAt  *time.Time   `json:"cancelResolvedAt,omitempty"`

	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	ClosedBy       string     `json:"closedBy,omitempty"`
	CloseSignature string     `json:"closeSignature,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// IsClosed reports whether the account has been closed on-chain.
func (e *Escrow) IsClosed() bool {
	return e.ClosedAt != nil
}

// IsParty reports whether key is the renter or the operator.
func (e *Escrow) IsParty(key solana.PublicKey) bool {
	return e.Renter.Equals(key) || e.Operator.Equals(key)
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	c := *e
	c.CancelRequestedAt = cloneTime(e.CancelRequestedAt)
	c.CancelResolvedAt = cloneTime(e.CancelResolvedAt)
	c.ClosedAt = cloneTime(e.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// applyAccount overwrites the on-chain fields with acct.
func (e *Escrow) applyAccount(acct *program.EscrowAccount) {
	e.Renter = acct.Renter
	e.Operator = acct.Operator
	e.RobotID = acct.RobotID
	e.Amount = acct.Amount
	e.CreatedAt = time.Unix(acct.CreatedAt, 0).UTC()
	e.ExpiresAt = time.Unix(acct.ExpiresAt, 0).UTC()
	e.Status = acct.Status
	e.Bump = acct.Bump
}

// Store persists escrow mirrors. Writes are idempotent upserts keyed by
// escrow address; concurrent writers resolve last-write-wins.
type Store interface {
	Upsert(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, address solana.PublicKey) (*Escrow, error)
	ListByWallet(ctx context.Context, wallet solana.PublicKey, limit int) ([]*Escrow, error)
}

// Ledger is what the service needs from the RPC gateway.
type Ledger interface {
	GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error)
	GetBalance(ctx context.Context, key solana.PublicKey) (uint64, error)
	Submit(ctx context.Context, signer wallet.Provider, ixs ...solana.Instruction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature, opts ledger.ConfirmOptions) (rpc.ConfirmationStatusType, error)
}

var _ Ledger = (*ledger.Gateway)(nil)

// NetworkDetector reports which cluster a wallet is on.
type NetworkDetector interface {
	Detect(ctx context.Context, p wallet.Provider) (ledger.Cluster, bool)
}

// Notifier is told about every mirror change.
type Notifier interface {
	EscrowUpdated(e *Escrow)
}

// Config holds the deployment parameters of the escrow service.
type Config struct {
	ProgramID         solana.PublicKey
	Cluster           ledger.Cluster
	SolPriceUSD       float64
	PlatformFeeWallet string
	AutoClose         bool
	ConfirmTimeout    time.Duration
	Commitment        rpc.CommitmentType
	RefreshInterval   time.Duration
}

// DefaultRefreshInterval is how often a watched escrow is refreshed.
const DefaultRefreshInterval = 20 * time.Second

// CreateRequest describes a new rental.
type CreateRequest struct {
	Operator      solana.PublicKey
	RobotSeed     string // raw robot identifier; compacted before use
	AmountUSD     float64
	DurationHours uint64 // 0 means DefaultRentalHours
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Escrow    *Escrow
	Existing  bool // an active escrow was already on-chain; nothing submitted
	Signature solana.Signature
}

// FollowUpResult records a best-effort action run after a primary action.
// Its failure never undoes the primary action.
type FollowUpResult struct {
	Action    string
	Signature solana.Signature
	Err       error
}

// ActionResult is the outcome of a lifecycle action.
type ActionResult struct {
	Escrow    *Escrow
	Signature solana.Signature // zero when nothing was submitted
	Submitted bool
	Noop      bool // the call changed nothing; Escrow shows the current state
	FollowUp  *FollowUpResult
}

// Service runs the escrow lifecycle for the wallet in its session.
type Service struct {
	cfg      Config
	prog     program.Program
	ledger   Ledger
	detector NetworkDetector
	session  *wallet.Session
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	watchers *watchSet
	locks    *syncutil.KeyedMutex
}

// NewService creates an escrow service.
func NewService(cfg Config, l Ledger, detector NetworkDetector, session *wallet.Session, store Store, logger *slog.Logger) *Service {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = ledger.DefaultConfirmTimeout
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		prog:     program.New(cfg.ProgramID),
		ledger:   l,
		detector: detector,
		session:  session,
		store:    store,
		logger:   logger,
		now:      time.Now,
		watchers: newWatchSet(),
		locks:    syncutil.NewKeyedMutex(0),
	}
}

// WithNotifier adds a change listener (e.g. the realtime hub).
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithRefreshInterval changes how often Watch refreshes. Non-positive
// values are ignored.
func (s *Service) WithRefreshInterval(d time.Duration) *Service {
	if d > 0 {
		s.cfg.RefreshInterval = d
	}
	return s
}

// WithClock sets the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }
