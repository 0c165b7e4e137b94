package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/roborio/roborio/internal/circuitbreaker"
	"github.com/roborio/roborio/internal/program"
	"github.com/roborio/roborio/internal/traces"
	"github.com/roborio/roborio/internal/wallet"
)

var (
	ErrConfirmationTimeout = errors.New("ledger: transaction not confirmed before timeout")
	ErrCircuitOpen         = errors.New("ledger: rpc endpoint unavailable, retry shortly")
)

// TransactionFailedError is returned when the ledger executed a transaction
// and reported an error for it.
type TransactionFailedError struct {
	Signature solana.Signature
	Reason    string
	Code      int // program error code, 0 if none was recognized
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("ledger: transaction %s failed: %s", e.Signature, program.DescribeError(e.Reason))
}

// Defaults for Confirm.
const (
	DefaultConfirmTimeout  = 60 * time.Second
	DefaultConfirmInterval = time.Second
)

// RPC is the subset of *rpc.Client the gateway uses.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetGenesisHash(ctx context.Context) (solana.Hash, error)
}

var _ RPC = (*rpc.Client)(nil)

// Gateway wraps one RPC endpoint.
type Gateway struct {
	client     RPC
	conn       Connection
	commitment rpc.CommitmentType
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
	interval   time.Duration
}

// NewGateway returns a gateway for conn using client.
func NewGateway(conn Connection, client RPC, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:     client,
		conn:       conn,
		commitment: rpc.CommitmentConfirmed,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     logger,
		interval:   DefaultConfirmInterval,
	}
}

// WithCommitment sets the commitment used for reads and blockhashes.
func (g *Gateway) WithCommitment(c rpc.CommitmentType) *Gateway {
	g.commitment = c
	return g
}

// WithPollInterval overrides the confirmation polling interval.
func (g *Gateway) WithPollInterval(d time.Duration) *Gateway {
	g.interval = d
	return g
}

// Connection returns the resolved endpoint.
func (g *Gateway) Connection() Connection { return g.conn }

// Client exposes the underlying RPC client.
func (g *Gateway) Client() RPC { return g.client }

func (g *Gateway) call(method string, fn func() error) error {
	key := g.conn.Endpoint
	if !g.breaker.Allow(key) {
		rpcCalls.WithLabelValues(method, "rejected").Inc()
		return ErrCircuitOpen
	}
	done := observeCall(method)
	err := fn()
	done(err)
	if err != nil && !errors.Is(err, rpc.ErrNotFound) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		g.breaker.RecordFailure(key)
		return err
	}
	g.breaker.RecordSuccess(key)
	return err
}

// GetAccount returns raw account data, or nil with no error when the account
// does not exist.
func (g *Gateway) GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	var out *rpc.GetAccountInfoResult
	err := g.call("getAccountInfo", func() error {
		var err error
		out, err = g.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: g.commitment,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get account %s: %w", address, err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, nil
	}
	return out.Value.Data.GetBinary(), nil
}

// GetBalance returns the lamport balance of key.
func (g *Gateway) GetBalance(ctx context.Context, key solana.PublicKey) (uint64, error) {
	var out *rpc.GetBalanceResult
	err := g.call("getBalance", func() error {
		var err error
		out, err = g.client.GetBalance(ctx, key, g.commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: get balance %s: %w", key, err)
	}
	return out.Value, nil
}

// Submit builds a transaction from ixs with a fresh blockhash, makes signer
// the fee payer, asks the wallet to sign and sends it. It returns as soon as
// the RPC node accepts the transaction.
func (g *Gateway) Submit(ctx context.Context, signer wallet.Provider, ixs ...solana.Instruction) (sig solana.Signature, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Submit",
		traces.Cluster(string(g.conn.Cluster)), traces.Wallet(signer.PublicKey().String()), traces.Instructions(len(ixs)))
	defer func() { traces.End(span, err) }()

	var bh *rpc.GetLatestBlockhashResult
	err = g.call("getLatestBlockhash", func() error {
		var err error
		bh, err = g.client.GetLatestBlockhash(ctx, g.commitment)
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("ledger: latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(ixs, bh.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("ledger: build transaction: %w", err)
	}
	if err := signer.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, err
	}

	err = g.call("sendTransaction", func() error {
		var err error
		sig, err = g.client.SendTransaction(ctx, tx)
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("ledger: send transaction: %w", describeRPCError(err))
	}
	span.SetAttributes(traces.Signature(sig.String()))
	g.logger.Debug("transaction submitted", "signature", sig.String(), "endpoint", g.conn.Endpoint)
	return sig, nil
}

// ConfirmOptions tune Confirm. Zero values take the defaults.
type ConfirmOptions struct {
	Commitment rpc.CommitmentType
	Timeout    time.Duration
}

// Confirm polls the signature until it reaches the requested commitment,
// fails on-chain, or the timeout passes. A timeout does not mean the
// transaction failed; it may still land.
func (g *Gateway) Confirm(ctx context.Context, sig solana.Signature, opts ConfirmOptions) (_ rpc.ConfirmationStatusType, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Confirm", traces.Signature(sig.String()))
	defer func() { traces.End(span, err) }()

	if opts.Commitment == "" {
		opts.Commitment = g.commitment
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		status, err := g.signatureStatus(ctx, sig)
		if err != nil && ctx.Err() == nil {
			g.logger.Warn("signature status poll failed", "signature", sig.String(), "error", err)
		}
		if status != nil {
			if status.Err != nil {
				reason := encodeTxErr(status.Err)
				code, _ := program.ParseErrorCode(reason)
				return status.ConfirmationStatus, &TransactionFailedError{Signature: sig, Reason: reason, Code: code}
			}
			if reached(status.ConfirmationStatus, opts.Commitment) {
				return status.ConfirmationStatus, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s", ErrConfirmationTimeout, sig)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := g.call("getSignatureStatuses", func() error {
		var err error
		out, err = g.client.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func reached(got rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return got == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return got != ""
	default:
		return got == rpc.ConfirmationStatusConfirmed || got == rpc.ConfirmationStatusFinalized
	}
}

func encodeTxErr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// describeRPCError keeps the original error but appends the program message
// when preflight simulation reported a known program code.
func describeRPCError(err error) error {
	msg := err.Error()
	if code, ok := program.ParseErrorCode(msg); ok {
		if text, ok := program.ErrorMessage(code); ok {
			return fmt.Errorf("%s: %w", text, err)
		}
	}
	return err
}
