package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/metrics"
	"github.com/roborio/roborio/internal/program"
	"github.com/roborio/roborio/internal/retry"
	"github.com/roborio/roborio/internal/traces"
	"github.com/roborio/roborio/internal/wallet"
)

// Create opens a rental escrow from the connected wallet (the renter).
// If an active escrow already exists for the same renter, operator and robot,
// it is returned with Existing set and nothing is submitted.
func (s *Service) Create(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Action("create"))
	defer func() { s.finish(span, "create", err) }()

	if s.cfg.ProgramID.IsZero() {
		return nil, ErrNotConfigured
	}
	p, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	renter := p.PublicKey()
	if req.Operator.IsZero() {
		return nil, ErrInvalidParty
	}

	robotID := program.CompactRobotID(req.RobotSeed)
	address, _, err := s.prog.DeriveEscrowAddress(renter, req.Operator, robotID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EscrowAddress(address.String()), traces.Wallet(renter.String()))

	unlock, err := s.lock(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.fetch(ctx, address)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		if acct.Status.IsTerminal() {
			return nil, ErrPriorEscrowNotClosed
		}
		e := s.current(ctx, &Escrow{Address: address, Network: s.cfg.Cluster, CancelStatus: CancelNone})
		e.applyAccount(acct)
		if err := s.save(ctx, e); err != nil {
			return nil, err
		}
		s.logger.Info("escrow already active, reusing", "escrow", address.String())
		return &CreateResult{Escrow: e, Existing: true}, nil
	}

	lamports := UsdToLamports(req.AmountUSD, s.cfg.SolPriceUSD)
	if lamports == 0 {
		return nil, ErrInvalidAmount
	}
	hours := req.DurationHours
	if hours == 0 {
		hours = DefaultRentalHours
	}
	if hours > uint64(math.MaxInt64/int64(time.Hour)) {
		return nil, fmt.Errorf("rental duration of %d hours is out of range", hours)
	}

	if err := s.requireBalance(ctx, renter, lamports+CreationBuffer+MinimumFeeReserve); err != nil {
		return nil, err
	}

	ix, _, err := s.prog.CreateRental(renter, req.Operator, robotID, lamports, hours)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	e := &Escrow{
		Address:      address,
		Renter:       renter,
		Operator:     req.Operator,
		RobotID:      robotID,
		Amount:       lamports,
		AmountUSD:    req.AmountUSD,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(hours) * time.Hour),
		Status:       program.StatusActive,
		Network:      s.cfg.Cluster,
		CancelStatus: CancelNone,
	}

	sig, err := s.execute(ctx, p, "create", ix)
	if err != nil {
		r, err := s.afterFailure(ctx, e, sig, err)
		if r == nil {
			return nil, err
		}
		return &CreateResult{Escrow: r.Escrow, Signature: sig}, err
	}
	e.LastSignature = sig.String()

	// Pick up the program's own timestamps and bump.
	if acct, ferr := s.fetch(ctx, address); ferr == nil && acct != nil {
		e.applyAccount(acct)
	}
	if err := s.save(ctx, e); err != nil {
		return &CreateResult{Escrow: e, Signature: sig}, err
	}
	s.logger.Info("escrow created", "escrow", address.String(), "operator", req.Operator.String(),
		"robot", robotID, "lamports", lamports, "signature", sig.String())
	return &CreateResult{Escrow: e, Signature: sig}, nil
}

// Complete releases the escrowed funds to the operator. Renter only.
func (s *Service) Complete(ctx context.Context, e *Escrow) (res *ActionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Complete", traces.Action("complete"), traces.EscrowAddress(e.Address.String()))
	defer func() { s.finish(span, "complete", err) }()

	unlock, err := s.lock(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	e, err = s.fresh(ctx, e, "complete", program.StatusActive)
	if err != nil {
		return nil, err
	}
	caller := p.PublicKey()
	if !caller.Equals(e.Renter) {
		return nil, ErrUnauthorized
	}

	platform := s.feeRecipient(e.Renter)
	balance, err := s.ledger.GetBalance(ctx, platform)
	if err != nil {
		return nil, err
	}
	if balance == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFeeRecipientUnfunded, platform)
	}
	if err := s.requireBalance(ctx, caller, MinimumFeeReserve); err != nil {
		return nil, err
	}

	ix, err := s.prog.CompleteRental(e.Renter, e.Operator, e.Address, platform)
	if err != nil {
		return nil, err
	}
	sig, err := s.execute(ctx, p, "complete", ix)
	if err != nil {
		return s.afterFailure(ctx, e, sig, err)
	}

	e.Status = program.StatusCompleted
	e.LastSignature = sig.String()
	res = &ActionResult{Escrow: e, Signature: sig, Submitted: true}
	if err := s.save(ctx, e); err != nil {
		return res, err
	}
	s.logger.Info("escrow completed", "escrow", e.Address.String(), "signature", sig.String())

	if s.cfg.AutoClose {
		res.FollowUp = s.autoClose(ctx, p, e)
	}
	return res, nil
}

// Cancel negotiates cancellation.
//
// A wallet that is both renter and operator cancels on-chain at once. The
// renter alone only raises a request, which submits nothing; asking again
// while a request is open or disputed changes nothing. The operator
// approves an open request by cancelling on-chain.
func (s *Service) Cancel(ctx context.Context, e *Escrow) (res *ActionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.Action("cancel"), traces.EscrowAddress(e.Address.String()))
	defer func() { s.finish(span, "cancel", err) }()

	unlock, err := s.lock(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	e, err = s.fresh(ctx, e, "cancel", program.StatusActive)
	if err != nil {
		return nil, err
	}
	caller := p.PublicKey()
	isRenter, isOperator := caller.Equals(e.Renter), caller.Equals(e.Operator)

	switch {
	case isRenter && isOperator:
		return s.cancelOnChain(ctx, p, e)

	case isRenter:
		if e.CancelStatus == CancelRequested || e.CancelStatus == CancelDisputed {
			return &ActionResult{Escrow: e, Noop: true}, nil
		}
		now := s.now().UTC()
		e.CancelStatus = CancelRequested
		e.CancelRequestedBy = caller.String()
		e.CancelRequestedAt = &now
		if err := s.save(ctx, e); err != nil {
			return nil, err
		}
		s.logger.Info("escrow cancellation requested", "escrow", e.Address.String())
		return &ActionResult{Escrow: e}, nil

	case isOperator:
		switch e.CancelStatus {
		case CancelRequested:
			return s.cancelOnChain(ctx, p, e)
		case CancelDisputed:
			return nil, ErrCancelDisputed
		default:
			return nil, ErrCancelNotRequested
		}
	}
	return nil, ErrUnauthorized
}

func (s *Service) cancelOnChain(ctx context.Context, p wallet.Provider, e *Escrow) (*ActionResult, error) {
	caller := p.PublicKey()
	if err := s.requireBalance(ctx, caller, MinimumFeeReserve); err != nil {
		return nil, err
	}
	ix, err := s.prog.CancelRental(caller, e.Renter, e.Address)
	if err != nil {
		return nil, err
	}
	sig, err := s.execute(ctx, p, "cancel", ix)
	if err != nil {
		return s.afterFailure(ctx, e, sig, err)
	}

	now := s.now().UTC()
	e.Status = program.StatusCancelled
	e.LastSignature = sig.String()
	e.CancelStatus = CancelApproved
	e.CancelResolvedBy = caller.String()
	e.CancelResolvedAt = &now
	res := &ActionResult{Escrow: e, Signature: sig, Submitted: true}
	if err := s.save(ctx, e); err != nil {
		return res, err
	}
	s.logger.Info("escrow cancelled", "escrow", e.Address.String(), "signature", sig.String())
	return res, nil
}

// Dispute lets the operator refuse an open cancellation request. Nothing is
// submitted; resolution happens outside this service.
func (s *Service) Dispute(ctx context.Context, e *Escrow) (res *ActionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.Action("dispute"), traces.EscrowAddress(e.Address.String()))
	defer func() { s.finish(span, "dispute", err) }()

	unlock, err := s.lock(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	e, err = s.fresh(ctx, e, "dispute", program.StatusActive)
	if err != nil {
		return nil, err
	}
	caller := p.PublicKey()
	if !caller.Equals(e.Operator) {
		return nil, ErrUnauthorized
	}

	switch e.CancelStatus {
	case CancelDisputed:
		return &ActionResult{Escrow: e, Noop: true}, nil
	case CancelRequested:
	default:
		return nil, ErrCancelNotRequested
	}

	now := s.now().UTC()
	e.CancelStatus = CancelDisputed
	e.CancelResolvedBy = caller.String()
	e.CancelResolvedAt = &now
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("escrow cancellation disputed", "escrow", e.Address.String())
	return &ActionResult{Escrow: e}, nil
}

// Claim pays a lapsed rental out to the operator.
func (s *Service) Claim(ctx context.Context, e *Escrow) (res *ActionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Claim", traces.Action("claim"), traces.EscrowAddress(e.Address.String()))
	defer func() { s.finish(span, "claim", err) }()

	unlock, err := s.lock(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	e, err = s.fresh(ctx, e, "claim", program.StatusActive)
	if err != nil {
		return nil, err
	}
	// Expiry is checked before identity so every caller gets the same answer.
	if !s.now().After(e.ExpiresAt) {
		return nil, fmt.Errorf("%w: expires at %s", ErrNotExpired, e.ExpiresAt.Format(time.RFC3339))
	}
	caller := p.PublicKey()
	if !caller.Equals(e.Operator) {
		return nil, ErrUnauthorized
	}
	if err := s.requireBalance(ctx, caller, MinimumFeeReserve); err != nil {
		return nil, err
	}

	ix, err := s.prog.ClaimExpired(e.Operator, e.Address)
	if err != nil {
		return nil, err
	}
	sig, err := s.execute(ctx, p, "claim", ix)
	if err != nil {
		return s.afterFailure(ctx, e, sig, err)
	}

	e.Status = program.StatusExpired
	e.LastSignature = sig.String()
	res = &ActionResult{Escrow: e, Signature: sig, Submitted: true}
	if err := s.save(ctx, e); err != nil {
		return res, err
	}
	s.logger.Info("expired escrow claimed", "escrow", e.Address.String(), "signature", sig.String())
	return res, nil
}

// Close reclaims the account rent of a finished escrow. Renter only.
func (s *Service) Close(ctx context.Context, e *Escrow) (res *ActionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Close", traces.Action("close"), traces.EscrowAddress(e.Address.String()))
	defer func() { s.finish(span, "close", err) }()

	unlock, err := s.lock(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	e, err = s.fresh(ctx, e, "close", program.StatusCompleted, program.StatusCancelled, program.StatusExpired)
	if err != nil {
		return nil, err
	}
	if !p.PublicKey().Equals(e.Renter) {
		return nil, ErrUnauthorized
	}
	if err := s.requireBalance(ctx, p.PublicKey(), MinimumFeeReserve); err != nil {
		return nil, err
	}
	return s.closeOnChain(ctx, p, e)
}

func (s *Service) closeOnChain(ctx context.Context, p wallet.Provider, e *Escrow) (*ActionResult, error) {
	ix, err := s.prog.CloseEscrow(e.Renter, e.Address)
	if err != nil {
		return nil, err
	}
	sig, err := s.execute(ctx, p, "close", ix)
	if err != nil {
		return s.afterFailure(ctx, e, sig, err)
	}

	now := s.now().UTC()
	e.ClosedAt = &now
	e.ClosedBy = p.PublicKey().String()
	e.CloseSignature = sig.String()
	e.LastSignature = sig.String()
	res := &ActionResult{Escrow: e, Signature: sig, Submitted: true}
	if err := s.save(ctx, e); err != nil {
		return res, err
	}
	s.logger.Info("escrow closed", "escrow", e.Address.String(), "signature", sig.String())
	return res, nil
}

func (s *Service) autoClose(ctx context.Context, p wallet.Provider, e *Escrow) *FollowUpResult {
	res, err := s.closeOnChain(ctx, p, e.Clone())
	fu := &FollowUpResult{Action: "close", Err: err}
	if res != nil {
		fu.Signature = res.Signature
		if err == nil {
			*e = *res.Escrow
		}
	}
	if err != nil {
		s.logger.Warn("auto-close after completion failed; close manually", "escrow", e.Address.String(), "error", err)
		metrics.EscrowFollowUpsTotal.WithLabelValues("close", "failed").Inc()
	} else {
		metrics.EscrowFollowUpsTotal.WithLabelValues("close", "ok").Inc()
	}
	return fu
}

// Refresh re-reads the on-chain account and mirrors it. A missing account is
// not an error: it returns nil and leaves the mirror as it was. No wallet is
// needed.
func (s *Service) Refresh(ctx context.Context, e *Escrow) (out *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refresh", traces.Action("refresh"), traces.EscrowAddress(e.Address.String()))
	defer func() { s.finish(span, "refresh", err) }()

	unlock, err := s.lock(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.fetch(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}
	cur := s.current(ctx, e)
	s.reconcile(cur, acct)
	if err := s.save(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Load returns the mirror for address, building it from the chain when no
// mirror exists yet.
func (s *Service) Load(ctx context.Context, address solana.PublicKey) (*Escrow, error) {
	e, err := s.store.Get(ctx, address)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}
	acct, err := s.fetch(ctx, address)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrEscrowNotFound
	}
	e = &Escrow{Address: address, Network: s.cfg.Cluster, CancelStatus: CancelNone}
	e.applyAccount(acct)
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns the mirrors where w is renter or operator.
func (s *Service) List(ctx context.Context, w solana.PublicKey, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByWallet(ctx, w, limit)
}

// DeriveAddress computes the escrow address for a would-be rental.
func (s *Service) DeriveAddress(renter, operator solana.PublicKey, robotSeed string) (solana.PublicKey, error) {
	if s.cfg.ProgramID.IsZero() {
		return solana.PublicKey{}, ErrNotConfigured
	}
	addr, _, err := s.prog.DeriveEscrowAddress(renter, operator, program.CompactRobotID(robotSeed))
	return addr, err
}

// UsdToLamports converts at a fixed price, rounding down.
func UsdToLamports(usd, priceUSD float64) uint64 {
	if !(usd > 0) || !(priceUSD > 0) || math.IsInf(usd, 0) {
		return 0
	}
	v := math.Floor(usd / priceUSD * LamportsPerSOL)
	if v >= math.MaxUint64 {
		return 0
	}
	return uint64(v)
}

// actor returns the connected wallet once it is known to be on the
// configured cluster. An undetectable network blocks.
func (s *Service) actor(ctx context.Context) (wallet.Provider, error) {
	if s.session == nil {
		return nil, wallet.ErrNotConnected
	}
	p, err := s.session.Provider()
	if err != nil {
		return nil, err
	}

	cluster, ok := s.session.CachedNetwork()
	if !ok {
		if c, detected := s.detector.Detect(ctx, p); detected {
			cluster = string(c)
			s.session.StoreNetwork(cluster)
		}
	}
	if cluster == "" {
		return nil, ErrNetworkUnknown
	}
	if ledger.Cluster(cluster) != s.cfg.Cluster {
		return nil, fmt.Errorf("%w: wallet is on %s, escrow program is on %s", ErrNetworkMismatch, cluster, s.cfg.Cluster)
	}
	return p, nil
}

func (s *Service) requireBalance(ctx context.Context, key solana.PublicKey, required uint64) error {
	balance, err := s.ledger.GetBalance(ctx, key)
	if err != nil {
		return err
	}
	if balance < required {
		return &InsufficientBalanceError{Required: required, Available: balance}
	}
	return nil
}

// feeRecipient is the configured platform wallet, or the renter when that is
// unset or unparsable.
func (s *Service) feeRecipient(renter solana.PublicKey) solana.PublicKey {
	if s.cfg.PlatformFeeWallet == "" {
		return renter
	}
	pk, err := solana.PublicKeyFromBase58(s.cfg.PlatformFeeWallet)
	if err != nil {
		s.logger.Warn("platform fee wallet is invalid, using renter", "value", s.cfg.PlatformFeeWallet)
		return renter
	}
	return pk
}

func (s *Service) fetch(ctx context.Context, address solana.PublicKey) (*program.EscrowAccount, error) {
	data, err := s.ledger.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	acct, err := program.DecodeEscrowAccount(data)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", address, err)
	}
	return acct, nil
}

// current picks the newer of the caller's copy and the stored mirror, so
// negotiation state written by the other party is not lost.
func (s *Service) current(ctx context.Context, e *Escrow) *Escrow {
	stored, err := s.store.Get(ctx, e.Address)
	if err != nil {
		if !errors.Is(err, ErrEscrowNotFound) {
			s.logger.Warn("failed to read escrow mirror", "escrow", e.Address.String(), "error", err)
		}
		return e.Clone()
	}
	if stored.UpdatedAt.After(e.UpdatedAt) {
		return stored.Clone()
	}
	return e.Clone()
}

// fresh re-reads the account right before an authorization-sensitive action
// and fails if it has left the expected statuses.
func (s *Service) fresh(ctx context.Context, e *Escrow, action string, expected ...program.Status) (*Escrow, error) {
	acct, err := s.fetch(ctx, e.Address)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, &StaleStatusError{Action: action, Expected: expected}
	}
	cur := s.current(ctx, e)
	before := cur.Status
	s.reconcile(cur, acct)
	if !slices.Contains(expected, acct.Status) {
		if before != acct.Status {
			if err := s.save(ctx, cur); err != nil {
				s.logger.Warn("failed to mirror reconciled escrow", "escrow", cur.Address.String(), "error", err)
			}
		}
		actual := acct.Status
		return nil, &StaleStatusError{Action: action, Expected: expected, Actual: &actual}
	}
	return cur, nil
}

// reconcile applies on-chain truth. An open cancellation request on an
// account that is now cancelled was approved from another client.
func (s *Service) reconcile(e *Escrow, acct *program.EscrowAccount) {
	e.applyAccount(acct)
	if e.Network == "" {
		e.Network = s.cfg.Cluster
	}
	if e.CancelStatus == "" {
		e.CancelStatus = CancelNone
	}
	if acct.Status == program.StatusCancelled && e.CancelStatus == CancelRequested {
		now := s.now().UTC()
		e.CancelStatus = CancelApproved
		e.CancelResolvedBy = e.Operator.String()
		e.CancelResolvedAt = &now
	}
}

// execute submits ixs and waits for confirmation. The signature is returned
// whenever the transaction was sent, even if confirmation failed.
func (s *Service) execute(ctx context.Context, p wallet.Provider, action string, ixs ...solana.Instruction) (solana.Signature, error) {
	sig, err := s.ledger.Submit(ctx, p, ixs...)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%s: %w", action, err)
	}
	if _, err := s.ledger.Confirm(ctx, sig, ledger.ConfirmOptions{
		Commitment: s.cfg.Commitment,
		Timeout:    s.cfg.ConfirmTimeout,
	}); err != nil {
		return sig, fmt.Errorf("%s: %w", action, err)
	}
	return sig, nil
}

// afterFailure records a sent-but-unconfirmed signature so a later refresh
// can reconcile it. Transactions the ledger rejected leave the mirror alone.
func (s *Service) afterFailure(ctx context.Context, e *Escrow, sig solana.Signature, err error) (*ActionResult, error) {
	if sig.IsZero() {
		return nil, err
	}
	var failed *ledger.TransactionFailedError
	if errors.As(err, &failed) {
		return &ActionResult{Escrow: e, Signature: sig, Submitted: true}, err
	}
	e.LastSignature = sig.String()
	if _, serr := s.store.Get(ctx, e.Address); serr == nil || e.Status == program.StatusActive {
		if serr := s.save(ctx, e); serr != nil {
			s.logger.Warn("failed to record pending signature", "escrow", e.Address.String(), "error", serr)
		}
	}
	return &ActionResult{Escrow: e, Signature: sig, Submitted: true}, err
}

// save upserts the mirror with a short retry and notifies listeners.
func (s *Service) save(ctx context.Context, e *Escrow) error {
	e.UpdatedAt = s.now().UTC()
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return s.store.Upsert(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("escrow %s: mirror write failed: %w", e.Address, err)
	}
	if s.notifier != nil {
		s.notifier.EscrowUpdated(e.Clone())
	}
	return nil
}

func (s *Service) finish(span trace.Span, action string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsPrecondition(err):
		outcome = "precondition"
	case IsRetryable(err):
		outcome = "retryable"
	default:
		outcome = "failed"
	}
	metrics.EscrowActionsTotal.WithLabelValues(action, outcome).Inc()
	traces.End(span, err)
}

// lock serializes lifecycle calls on one escrow within this process.
func (s *Service) lock(ctx context.Context, address solana.PublicKey) (func(), error) {
	return s.locks.Lock(ctx, address.String())
}
