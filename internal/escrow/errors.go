package escrow

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/program"
	"github.com/roborio/roborio/internal/wallet"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrNotConfigured        = errors.New("escrow program id is not configured")
	ErrNetworkMismatch      = errors.New("wallet is connected to a different network")
	ErrNetworkUnknown       = errors.New("could not determine the wallet's network; switch networks and retry")
	ErrUnauthorized         = errors.New("wallet is not allowed to perform this escrow action")
	ErrNotExpired           = errors.New("escrow has not expired yet")
	ErrPriorEscrowNotClosed = errors.New("a finished escrow for this robot must be closed before renting it again")
	ErrNoOnChainRecord      = errors.New("escrow account not found on-chain; refresh or check your wallet network")
	ErrCancelNotRequested   = errors.New("the renter has not requested cancellation")
	ErrCancelDisputed       = errors.New("cancellation is disputed and must be resolved out of band")
	ErrFeeRecipientUnfunded = errors.New("platform fee recipient has no balance on this network")
	ErrInvalidAmount        = errors.New("rental amount must convert to at least one lamport")
	ErrInvalidParty         = errors.New("renter and operator must be valid wallet addresses")
)

// InsufficientBalanceError reports a signer that cannot fund an action.
type InsufficientBalanceError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient SOL: need %s SOL, wallet holds %s SOL",
		formatSOL(e.Required), formatSOL(e.Available))
}

// StaleStatusError means the on-chain account moved on since the caller
// last looked (another party completed or cancelled it, or it was closed).
type StaleStatusError struct {
	Action   string
	Expected []program.Status
	Actual   *program.Status // nil when the account no longer exists
}

func (e *StaleStatusError) Error() string {
	want := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		want[i] = s.String()
	}
	got := "closed"
	if e.Actual != nil {
		got = e.Actual.String()
	}
	return fmt.Sprintf("cannot %s: escrow is %s on-chain (expected %s); refresh to see the latest state",
		e.Action, got, strings.Join(want, " or "))
}

// Is lets a stale escrow that vanished match ErrNoOnChainRecord.
func (e *StaleStatusError) Is(target error) bool {
	return target == ErrNoOnChainRecord && e.Actual == nil
}

var preconditionErrors = []error{
	ErrNotConfigured,
	ErrNetworkMismatch,
	ErrNetworkUnknown,
	ErrUnauthorized,
	ErrNotExpired,
	ErrPriorEscrowNotClosed,
	ErrNoOnChainRecord,
	ErrCancelNotRequested,
	ErrCancelDisputed,
	ErrFeeRecipientUnfunded,
	ErrInvalidAmount,
	ErrInvalidParty,
	program.ErrInvalidRobotID,
	wallet.ErrNotConnected,
}

// IsPrecondition reports whether err was raised before anything was
// submitted. Such errors are never retried automatically.
func IsPrecondition(err error) bool {
	if err == nil {
		return false
	}
	var ib *InsufficientBalanceError
	var stale *StaleStatusError
	if errors.As(err, &ib) || errors.As(err, &stale) {
		return true
	}
	for _, p := range preconditionErrors {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is transient. A timed-out confirmation
// may still land; the next refresh reconciles it.
func IsRetryable(err error) bool {
	if err == nil || IsPrecondition(err) {
		return false
	}
	if errors.Is(err, ledger.ErrConfirmationTimeout) || errors.Is(err, ledger.ErrCircuitOpen) {
		return true
	}
	var failed *ledger.TransactionFailedError
	if errors.As(err, &failed) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func formatSOL(lamports uint64) string {
	whole := lamports / LamportsPerSOL
	frac := lamports % LamportsPerSOL
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", whole, frac), "0")
}
