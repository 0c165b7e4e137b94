package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/program"
	"github.com/roborio/roborio/internal/wallet"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeLedger holds account data and balances in memory. onSubmit lets a
// test play the program's part when a transaction lands.
type fakeLedger struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey][]byte
	balances   map[solana.PublicKey]uint64
	submits    int
	submitErr  error
	confirmErr error
	onSubmit   func(n int)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[solana.PublicKey][]byte),
		balances: make(map[solana.PublicKey]uint64),
	}
}

func (f *fakeLedger) GetAccount(_ context.Context, address solana.PublicKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[address], nil
}

func (f *fakeLedger) GetBalance(_ context.Context, key solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[key], nil
}

func (f *fakeLedger) Submit(_ context.Context, _ wallet.Provider, _ ...solana.Instruction) (solana.Signature, error) {
	f.mu.Lock()
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return solana.Signature{}, err
	}
	f.submits++
	n := f.submits
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	var sig solana.Signature
	sig[0] = byte(n)
	sig[63] = 0xee
	return sig, nil
}

func (f *fakeLedger) Confirm(_ context.Context, _ solana.Signature, _ ledger.ConfirmOptions) (rpc.ConfirmationStatusType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	return rpc.ConfirmationStatusConfirmed, nil
}

func (f *fakeLedger) put(t *testing.T, address solana.PublicKey, acct *program.EscrowAccount) {
	t.Helper()
	data, err := program.EncodeEscrowAccount(acct)
	require.NoError(t, err)
	f.mu.Lock()
	f.accounts[address] = data
	f.mu.Unlock()
}

func (f *fakeLedger) setStatus(t *testing.T, address solana.PublicKey, status program.Status) {
	t.Helper()
	f.mu.Lock()
	data := f.accounts[address]
	f.mu.Unlock()
	require.NotNil(t, data)
	acct, err := program.DecodeEscrowAccount(data)
	require.NoError(t, err)
	acct.Status = status
	f.put(t, address, acct)
}

func (f *fakeLedger) remove(address solana.PublicKey) {
	f.mu.Lock()
	delete(f.accounts, address)
	f.mu.Unlock()
}

func (f *fakeLedger) fund(key solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	f.balances[key] = lamports
	f.mu.Unlock()
}

func (f *fakeLedger) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type fixedDetector struct {
	mu      sync.Mutex
	cluster ledger.Cluster
	ok      bool
	calls   int
}

func (d *fixedDetector) Detect(context.Context, wallet.Provider) (ledger.Cluster, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.cluster, d.ok
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []*Escrow
}

func (r *recordingNotifier) EscrowUpdated(e *Escrow) {
	r.mu.Lock()
	r.updates = append(r.updates, e)
	r.mu.Unlock()
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type testEnv struct {
	svc      *Service
	ledger   *fakeLedger
	detector *fixedDetector
	session  *wallet.Session
	store    *MemoryStore
	notifier *recordingNotifier
	renter   *wallet.KeypairProvider
	operator *wallet.KeypairProvider
	stranger *wallet.KeypairProvider
	programID solana.PublicKey
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:    newFakeLedger(),
		detector:  &fixedDetector{cluster: ledger.Devnet, ok: true},
		session:   wallet.NewSession(),
		store:     NewMemoryStore(),
		notifier:  &recordingNotifier{},
		renter:    wallet.NewKeypairProvider(solana.NewWallet().PrivateKey, "", ""),
		operator:  wallet.NewKeypairProvider(solana.NewWallet().PrivateKey, "", ""),
		stranger:  wallet.NewKeypairProvider(solana.NewWallet().PrivateKey, "", ""),
		programID: solana.NewWallet().PublicKey(),
	}
	cfg := Config{
		ProgramID:       env.programID,
		Cluster:         ledger.Devnet,
		SolPriceUSD:     100,
		ConfirmTimeout:  time.Second,
		RefreshInterval: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.svc = NewService(cfg, env.ledger, env.detector, env.session, env.store, nil).
		WithNotifier(env.notifier).
		WithClock(func() time.Time { return fixedNow })

	for _, p := range []*wallet.KeypairProvider{env.renter, env.operator, env.stranger} {
		env.ledger.fund(p.PublicKey(), 5*LamportsPerSOL)
	}
	env.session.Connect(env.renter)
	return env
}

func (env *testEnv) connect(p wallet.Provider) {
	env.session.Disconnect()
	env.session.Connect(p)
}

// seed puts an active escrow on-chain and in the mirror.
func (env *testEnv) seed(t *testing.T, robot string, expiresIn time.Duration) *Escrow {
	t.Helper()
	robotID := program.CompactRobotID(robot)
	address, bump, err := program.DeriveEscrowAddress(env.programID, env.renter.PublicKey(), env.operator.PublicKey(), robotID)
	require.NoError(t, err)
	acct := &program.EscrowAccount{
		Renter:    env.renter.PublicKey(),
		Operator:  env.operator.PublicKey(),
		RobotID:   robotID,
		Amount:    LamportsPerSOL,
		CreatedAt: fixedNow.Add(-time.Hour).Unix(),
		ExpiresAt: fixedNow.Add(expiresIn).Unix(),
		Status:    program.StatusActive,
		Bump:      bump,
	}
	env.ledger.put(t, address, acct)

	e := &Escrow{Address: address, Network: ledger.Devnet, CancelStatus: CancelNone, UpdatedAt: fixedNow.Add(-time.Minute)}
	e.applyAccount(acct)
	require.NoError(t, env.store.Upsert(context.Background(), e))
	return e
}

func TestCreate_SubmitsAndMirrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	robotID := program.CompactRobotID("robot-42")
	address, bump, err := program.DeriveEscrowAddress(env.programID, env.renter.PublicKey(), env.operator.PublicKey(), robotID)
	require.NoError(t, err)
	env.ledger.onSubmit = func(int) {
		env.ledger.put(t, address, &program.EscrowAccount{
			Renter:    env.renter.PublicKey(),
			Operator:  env.operator.PublicKey(),
			RobotID:   robotID,
			Amount:    250_000_000,
			CreatedAt: fixedNow.Unix(),
			ExpiresAt: fixedNow.Add(2 * time.Hour).Unix(),
			Status:    program.StatusActive,
			Bump:      bump,
		})
	}

	res, err := env.svc.Create(ctx, CreateRequest{
		Operator:      env.operator.PublicKey(),
		RobotSeed:     "robot-42",
		AmountUSD:     25,
		DurationHours: 2,
	})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.False(t, res.Signature.IsZero())
	assert.Equal(t, address, res.Escrow.Address)
	assert.Equal(t, uint64(250_000_000), res.Escrow.Amount)
	assert.Equal(t, program.StatusActive, res.Escrow.Status)
	assert.Equal(t, bump, res.Escrow.Bump)
	assert.Equal(t, res.Signature.String(), res.Escrow.LastSignature)
	assert.Equal(t, 1, env.ledger.submitted())

	stored, err := env.store.Get(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, CancelNone, stored.CancelStatus)
	assert.Equal(t, ledger.Devnet, stored.Network)
	assert.GreaterOrEqual(t, env.notifier.count(), 1)
}

func TestCreate_ExistingActiveIsReused(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seed(t, "robot-42", time.Hour)

	res, err := env.svc.Create(context.Background(), CreateRequest{
		Operator:  env.operator.PublicKey(),
		RobotSeed: "robot-42",
		AmountUSD: 25,
	})
	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.True(t, res.Signature.IsZero())
	assert.Equal(t, seeded.Address, res.Escrow.Address)
	assert.Equal(t, 0, env.ledger.submitted())
}

func TestCreate_PriorTerminalEscrowBlocks(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seed(t, "robot-42", time.Hour)
	env.ledger.setStatus(t, seeded.Address, program.StatusCompleted)

	_, err := env.svc.Create(context.Background(), CreateRequest{
		Operator:  env.operator.PublicKey(),
		RobotSeed: "robot-42",
		AmountUSD: 25,
	})
	assert.ErrorIs(t, err, ErrPriorEscrowNotClosed)
	assert.True(t, IsPrecondition(err))
	assert.Equal(t, 0, env.ledger.submitted())
}

func TestCreate_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.fund(env.renter.PublicKey(), LamportsPerSOL/10)

	_, err := env.svc.Create(context.Background(), CreateRequest{
		Operator:  env.operator.PublicKey(),
		RobotSeed: "robot-42",
		AmountUSD: 25,
	})
	var ib *InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, uint64(250_000_000+CreationBuffer+MinimumFeeReserve), ib.Required)
	assert.Equal(t, uint64(LamportsPerSOL/10), ib.Available)
	assert.Contains(t, err.Error(), "0.1 SOL")
	assert.Equal(t, 0, env.ledger.submitted())
}

func TestCreate_Preconditions(t *testing.T) {
	t.Run("no program id", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.ProgramID = solana.PublicKey{} })
		_, err := env.svc.Create(context.Background(), CreateRequest{Operator: env.operator.PublicKey(), RobotSeed: "r", AmountUSD: 1})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
	t.Run("zero operator", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Create(context.Background(), CreateRequest{RobotSeed: "r", AmountUSD: 1})
		assert.ErrorIs(t, err, ErrInvalidParty)
	})
	t.Run("amount rounds to zero", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Create(context.Background(), CreateRequest{Operator: env.operator.PublicKey(), RobotSeed: "r", AmountUSD: 1e-12})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
	t.Run("not connected", func(t *testing.T) {
		env := newTestEnv(t)
		env.session.Disconnect()
		_, err := env.svc.Create(context.Background(), CreateRequest{Operator: env.operator.PublicKey(), RobotSeed: "r", AmountUSD: 1})
		assert.ErrorIs(t, err, wallet.ErrNotConnected)
	})
}

func TestActor_NetworkChecks(t *testing.T) {
	t.Run("mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		env.detector.cluster = ledger.MainnetBeta
		_, err := env.svc.Create(context.Background(), CreateRequest{Operator: env.operator.PublicKey(), RobotSeed: "r", AmountUSD: 1})
		assert.ErrorIs(t, err, ErrNetworkMismatch)
		assert.Contains(t, err.Error(), "mainnet-beta")
	})
	t.Run("unknown", func(t *testing.T) {
		env := newTestEnv(t)
		env.detector.cluster, env.detector.ok = "", false
		_, err := env.svc.Create(context.Background(), CreateRequest{Operator: env.operator.PublicKey(), RobotSeed: "r", AmountUSD: 1})
		assert.ErrorIs(t, err, ErrNetworkUnknown)
		assert.Equal(t, 0, env.ledger.submitted())
	})
	t.Run("detected once then cached", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-1", time.Hour)
		_, err := env.svc.Cancel(context.Background(), e)
		require.NoError(t, err)
		_, err = env.svc.Cancel(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, 1, env.detector.calls)
	})
}

func TestCancel_RenterRequestThenOperatorApproves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.seed(t, "robot-7", time.Hour)

	res, err := env.svc.Cancel(ctx, e)
	require.NoError(t, err)
	assert.False(t, res.Submitted)
	assert.False(t, res.Noop)
	assert.Equal(t, CancelRequested, res.Escrow.CancelStatus)
	assert.Equal(t, env.renter.PublicKey().String(), res.Escrow.CancelRequestedBy)
	require.NotNil(t, res.Escrow.CancelRequestedAt)
	assert.Equal(t, 0, env.ledger.submitted())

	again, err := env.svc.Cancel(ctx, res.Escrow)
	require.NoError(t, err)
	assert.True(t, again.Noop)
	assert.Equal(t, CancelRequested, again.Escrow.CancelStatus)
	assert.Equal(t, 0, env.ledger.submitted())

	env.connect(env.operator)
	env.ledger.onSubmit = func(int) { env.ledger.setStatus(t, e.Address, program.StatusCancelled) }

	// The operator acts from its own stale copy; the stored request is found.
	approved, err := env.svc.Cancel(ctx, e)
	require.NoError(t, err)
	assert.True(t, approved.Submitted)
	assert.Equal(t, program.StatusCancelled, approved.Escrow.Status)
	assert.Equal(t, CancelApproved, approved.Escrow.CancelStatus)
	assert.Equal(t, env.operator.PublicKey().String(), approved.Escrow.CancelResolvedBy)
	assert.Equal(t, 1, env.ledger.submitted())
}

func TestCancel_OperatorWithoutRequest(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-7", time.Hour)
	env.connect(env.operator)

	_, err := env.svc.Cancel(context.Background(), e)
	assert.ErrorIs(t, err, ErrCancelNotRequested)
	assert.Equal(t, 0, env.ledger.submitted())
}

func TestCancel_Stranger(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-7", time.Hour)
	env.connect(env.stranger)

	_, err := env.svc.Cancel(context.Background(), e)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCancel_SelfDealingCancelsImmediately(t *testing.T) {
	env := newTestEnv(t)
	robotID := program.CompactRobotID("robot-9")
	self := env.renter.PublicKey()
	address, bump, err := program.DeriveEscrowAddress(env.programID, self, self, robotID)
	require.NoError(t, err)
	env.ledger.put(t, address, &program.EscrowAccount{
		Renter: self, Operator: self, RobotID: robotID, Amount: 1,
		CreatedAt: fixedNow.Unix(), ExpiresAt: fixedNow.Add(time.Hour).Unix(),
		Status: program.StatusActive, Bump: bump,
	})
	env.ledger.onSubmit = func(int) { env.ledger.setStatus(t, address, program.StatusCancelled) }

	res, err := env.svc.Cancel(context.Background(), &Escrow{Address: address})
	require.NoError(t, err)
	assert.True(t, res.Submitted)
	assert.Equal(t, CancelApproved, res.Escrow.CancelStatus)
	assert.Equal(t, program.StatusCancelled, res.Escrow.Status)
}

func TestDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.seed(t, "robot-3", time.Hour)

	env.connect(env.operator)
	_, err := env.svc.Dispute(ctx, e)
	assert.ErrorIs(t, err, ErrCancelNotRequested)

	env.connect(env.renter)
	_, err = env.svc.Cancel(ctx, e)
	require.NoError(t, err)

	_, err = env.svc.Dispute(ctx, e)
	assert.ErrorIs(t, err, ErrUnauthorized, "renter cannot dispute")

	env.connect(env.operator)
	res, err := env.svc.Dispute(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, CancelDisputed, res.Escrow.CancelStatus)
	assert.Equal(t, 0, env.ledger.submitted())

	again, err := env.svc.Dispute(ctx, res.Escrow)
	require.NoError(t, err)
	assert.True(t, again.Noop)

	_, err = env.svc.Cancel(ctx, res.Escrow)
	assert.ErrorIs(t, err, ErrCancelDisputed)

	env.connect(env.renter)
	noop, err := env.svc.Cancel(ctx, res.Escrow)
	require.NoError(t, err)
	assert.True(t, noop.Noop, "renter asking again while disputed changes nothing")
}

func TestComplete(t *testing.T) {
	t.Run("renter completes", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-5", time.Hour)
		env.ledger.onSubmit = func(int) { env.ledger.setStatus(t, e.Address, program.StatusCompleted) }

		res, err := env.svc.Complete(context.Background(), e)
		require.NoError(t, err)
		assert.True(t, res.Submitted)
		assert.Equal(t, program.StatusCompleted, res.Escrow.Status)
		assert.Nil(t, res.FollowUp)
	})

	t.Run("operator is not allowed", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-5", time.Hour)
		env.connect(env.operator)

		_, err := env.svc.Complete(context.Background(), e)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, 0, env.ledger.submitted())
	})

	t.Run("stale status", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-5", time.Hour)
		env.ledger.setStatus(t, e.Address, program.StatusCancelled)

		_, err := env.svc.Complete(context.Background(), e)
		var stale *StaleStatusError
		require.ErrorAs(t, err, &stale)
		require.NotNil(t, stale.Actual)
		assert.Equal(t, program.StatusCancelled, *stale.Actual)

		stored, err := env.store.Get(context.Background(), e.Address)
		require.NoError(t, err)
		assert.Equal(t, program.StatusCancelled, stored.Status, "mirror picks up the on-chain status")
	})

	t.Run("account gone", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-5", time.Hour)
		env.ledger.remove(e.Address)

		_, err := env.svc.Complete(context.Background(), e)
		assert.ErrorIs(t, err, ErrNoOnChainRecord)
	})

	t.Run("unfunded fee recipient", func(t *testing.T) {
		platform := solana.NewWallet().PublicKey()
		env := newTestEnv(t, func(c *Config) { c.PlatformFeeWallet = platform.String() })
		e := env.seed(t, "robot-5", time.Hour)

		_, err := env.svc.Complete(context.Background(), e)
		assert.ErrorIs(t, err, ErrFeeRecipientUnfunded)
		assert.Equal(t, 0, env.ledger.submitted())
	})

	t.Run("auto close follows", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.AutoClose = true })
		e := env.seed(t, "robot-5", time.Hour)
		env.ledger.onSubmit = func(n int) {
			if n == 1 {
				env.ledger.setStatus(t, e.Address, program.StatusCompleted)
				return
			}
			env.ledger.remove(e.Address)
		}

		res, err := env.svc.Complete(context.Background(), e)
		require.NoError(t, err)
		require.NotNil(t, res.FollowUp)
		assert.NoError(t, res.FollowUp.Err)
		assert.Equal(t, "close", res.FollowUp.Action)
		assert.True(t, res.Escrow.IsClosed())
		assert.Equal(t, 2, env.ledger.submitted())
	})

	t.Run("auto close failure keeps completion", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.AutoClose = true })
		e := env.seed(t, "robot-5", time.Hour)
		env.ledger.onSubmit = func(n int) {
			if n == 1 {
				env.ledger.setStatus(t, e.Address, program.StatusCompleted)
				env.ledger.mu.Lock()
				env.ledger.submitErr = errors.New("rpc unavailable")
				env.ledger.mu.Unlock()
			}
		}

		res, err := env.svc.Complete(context.Background(), e)
		require.NoError(t, err)
		require.NotNil(t, res.FollowUp)
		assert.Error(t, res.FollowUp.Err)
		assert.Equal(t, program.StatusCompleted, res.Escrow.Status)
		assert.False(t, res.Escrow.IsClosed())
	})
}

func TestComplete_ConfirmTimeoutRecordsSignature(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-5", time.Hour)
	env.ledger.confirmErr = ledger.ErrConfirmationTimeout

	res, err := env.svc.Complete(context.Background(), e)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NotNil(t, res)
	assert.True(t, res.Submitted)

	stored, err := env.store.Get(context.Background(), e.Address)
	require.NoError(t, err)
	assert.Equal(t, res.Signature.String(), stored.LastSignature)
	assert.Equal(t, program.StatusActive, stored.Status, "status waits for the chain")
}

func TestComplete_TransactionFailedLeavesMirror(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-5", time.Hour)
	env.ledger.confirmErr = &ledger.TransactionFailedError{Reason: "custom program error", Code: program.CodeUnauthorized}

	_, err := env.svc.Complete(context.Background(), e)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	stored, err := env.store.Get(context.Background(), e.Address)
	require.NoError(t, err)
	assert.Empty(t, stored.LastSignature)
}

func TestClaim(t *testing.T) {
	t.Run("before expiry", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-8", time.Hour)
		env.connect(env.operator)

		_, err := env.svc.Claim(context.Background(), e)
		assert.ErrorIs(t, err, ErrNotExpired)
	})

	t.Run("expiry is checked before identity", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-8", time.Hour)
		env.connect(env.stranger)

		_, err := env.svc.Claim(context.Background(), e)
		assert.ErrorIs(t, err, ErrNotExpired)
	})

	t.Run("renter cannot claim", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-8", -time.Hour)

		_, err := env.svc.Claim(context.Background(), e)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("operator claims expired", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-8", -time.Hour)
		env.connect(env.operator)
		env.ledger.onSubmit = func(int) { env.ledger.setStatus(t, e.Address, program.StatusExpired) }

		res, err := env.svc.Claim(context.Background(), e)
		require.NoError(t, err)
		assert.True(t, res.Submitted)
		assert.Equal(t, program.StatusExpired, res.Escrow.Status)
	})

	t.Run("operator short on fees", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.seed(t, "robot-8", -time.Hour)
		env.connect(env.operator)
		env.ledger.fund(env.operator.PublicKey(), MinimumFeeReserve-1)

		_, err := env.svc.Claim(context.Background(), e)
		var ib *InsufficientBalanceError
		assert.ErrorAs(t, err, &ib)
		assert.Equal(t, 0, env.ledger.submitted())
	})
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.seed(t, "robot-2", time.Hour)

	_, err := env.svc.Close(ctx, e)
	var stale *StaleStatusError
	require.ErrorAs(t, err, &stale, "active escrows cannot be closed")

	env.ledger.setStatus(t, e.Address, program.StatusCompleted)
	env.connect(env.operator)
	_, err = env.svc.Close(ctx, e)
	assert.ErrorIs(t, err, ErrUnauthorized)

	env.connect(env.renter)
	env.ledger.onSubmit = func(int) { env.ledger.remove(e.Address) }
	res, err := env.svc.Close(ctx, e)
	require.NoError(t, err)
	assert.True(t, res.Escrow.IsClosed())
	assert.Equal(t, env.renter.PublicKey().String(), res.Escrow.ClosedBy)
	assert.Equal(t, res.Signature.String(), res.Escrow.CloseSignature)
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.seed(t, "robot-4", time.Hour)

	// A renter's open request becomes approved once the chain shows the cancel.
	requested, err := env.svc.Cancel(ctx, e)
	require.NoError(t, err)
	env.ledger.setStatus(t, e.Address, program.StatusCancelled)

	env.session.Disconnect()
	got, err := env.svc.Refresh(ctx, requested.Escrow)
	require.NoError(t, err, "refresh needs no wallet")
	require.NotNil(t, got)
	assert.Equal(t, program.StatusCancelled, got.Status)
	assert.Equal(t, CancelApproved, got.CancelStatus)

	env.ledger.remove(e.Address)
	gone, err := env.svc.Refresh(ctx, got)
	require.NoError(t, err)
	assert.Nil(t, gone)

	stored, err := env.store.Get(ctx, e.Address)
	require.NoError(t, err)
	assert.Equal(t, program.StatusCancelled, stored.Status, "missing account leaves the mirror alone")
}

func TestActions_SerializePerEscrow(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-7", time.Hour)

	unlock, err := env.svc.locks.Lock(context.Background(), e.Address.String())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = env.svc.Complete(ctx, e)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, env.ledger.submitted(), "nothing submitted while another action holds the escrow")

	unlock()
	got, err := env.svc.Refresh(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, program.StatusActive, got.Status)
}

func TestLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.seed(t, "robot-4", time.Hour)

	got, err := env.svc.Load(ctx, e.Address)
	require.NoError(t, err)
	assert.Equal(t, e.Renter, got.Renter)

	// Not mirrored yet, but on-chain.
	fresh := newTestEnv(t)
	fresh.ledger.accounts = env.ledger.accounts
	fresh.svc.cfg.ProgramID = env.programID
	got, err = fresh.svc.Load(ctx, e.Address)
	require.NoError(t, err)
	assert.Equal(t, CancelNone, got.CancelStatus)
	assert.Equal(t, ledger.Devnet, got.Network)

	_, err = env.svc.Load(ctx, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "robot-a", time.Hour)
	env.seed(t, "robot-b", time.Hour)

	mine, err := env.svc.List(context.Background(), env.operator.PublicKey(), 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := env.svc.List(context.Background(), env.stranger.PublicKey(), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeriveAddress(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.svc.DeriveAddress(env.renter.PublicKey(), env.operator.PublicKey(), "Robot #42")
	require.NoError(t, err)
	b, err := env.svc.DeriveAddress(env.renter.PublicKey(), env.operator.PublicKey(), "Robot42")
	require.NoError(t, err)
	assert.Equal(t, a, b, "robot ids are compacted before derivation")
}

func TestUsdToLamports(t *testing.T) {
	tests := []struct {
		usd, price float64
		want       uint64
	}{
		{25, 100, 250_000_000},
		{1, 150, 6_666_666},
		{0, 100, 0},
		{-5, 100, 0},
		{10, 0, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, UsdToLamports(tc.usd, tc.price), "usd=%v price=%v", tc.usd, tc.price)
	}
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsPrecondition(ErrUnauthorized))
	assert.True(t, IsPrecondition(&InsufficientBalanceError{Required: 2, Available: 1}))
	assert.False(t, IsPrecondition(nil))
	assert.False(t, IsRetryable(ErrUnauthorized))
	assert.True(t, IsRetryable(ledger.ErrCircuitOpen))
	assert.Equal(t, "1.5", formatSOL(1_500_000_000))
	assert.Equal(t, "2", formatSOL(2*LamportsPerSOL))
}
