package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go/rpc"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/spf13/cobra"

	"github.com/roborio/roborio/internal/auth"
	"github.com/roborio/roborio/internal/config"
	"github.com/roborio/roborio/internal/escrow"
	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/logging"
	"github.com/roborio/roborio/internal/wallet"
)

// options are the persistent flags shared by every command.
type options struct {
	keypair   string
	network   string
	rpcURL    string
	programID string
	origin    string
	jsonOut   bool
	verbose   bool
}

// app is everything a command needs, built once per invocation.
type app struct {
	opts     *options
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	session  *wallet.Session
	provider *wallet.KeypairProvider
	tokens   *auth.Client
	service  *escrow.Service
	db       *sql.DB
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "solana", "id.json")
}

// newApp loads configuration, applies flag overrides and wires the escrow
// service. The keypair is only loaded when needWallet is set.
func newApp(cmd *cobra.Command, opts *options, needWallet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("network") {
		cfg.SolanaNetwork = opts.network
	}
	if opts.rpcURL != "" {
		cfg.SolanaRPCURL = opts.rpcURL
	}
	if opts.programID != "" {
		cfg.EscrowProgramID = opts.programID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	a := &app{
		opts:    opts,
		cfg:     cfg,
		logger:  logging.NewWithWriter(level, "text", cmd.ErrOrStderr()),
		out:     cmd.OutOrStdout(),
		session: wallet.NewSession(),
	}

	conn, err := cfg.Connection()
	if err != nil {
		return nil, err
	}

	if needWallet {
		path := opts.keypair
		if path == "" {
			path = cfg.KeypairPath
		}
		if path == "" {
			path = defaultKeypairPath()
		}
		p, err := wallet.LoadKeypairFile(path, string(conn.Cluster), conn.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("load keypair %s: %w", path, err)
		}
		a.provider = p
		a.session.Connect(p)
	}

	a.tokens = auth.NewClient(cfg.WalletAuthURL, opts.origin, a.session)

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	gateway := ledger.NewGateway(conn, conn.Client(), a.logger)
	detector := ledger.DefaultDetector(a.logger, func(endpoint string) ledger.RPC { return rpc.New(endpoint) })
	a.service = escrow.NewService(escrow.Config{
		ProgramID:         cfg.ProgramID(),
		Cluster:           conn.Cluster,
		SolPriceUSD:       cfg.SolPriceUSD,
		PlatformFeeWallet: cfg.PlatformFeeWallet,
		AutoClose:         cfg.EscrowAutoClose,
		ConfirmTimeout:    cfg.ConfirmTimeout,
		RefreshInterval:   cfg.AutoRefreshInterval,
	}, gateway, detector, a.session, store, a.logger)

	return a, nil
}

// openStore picks the hosted mirror, then Postgres, then memory.
func (a *app) openStore() (escrow.Store, error) {
	switch {
	case a.cfg.MirrorRESTURL != "":
		var tokens escrow.TokenSource
		if a.cfg.WalletAuthURL != "" && a.provider != nil {
			tokens = a.tokens
		}
		return escrow.NewRESTStore(a.cfg.MirrorRESTURL, a.cfg.MirrorAPIKey, tokens, a.logger), nil
	case a.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		return escrow.NewPostgresStore(db), nil
	}
	a.logger.Debug("no mirror configured, using in-memory store")
	return escrow.NewMemoryStore(), nil
}

func (a *app) Close() {
	a.session.Disconnect()
	if a.db != nil {
		_ = a.db.Close()
	}
}

// load fetches the mirror for a base58 address argument.
func (a *app) load(ctx context.Context, arg string) (*escrow.Escrow, error) {
	addr, err := parseKey("escrow address", arg)
	if err != nil {
		return nil, err
	}
	e, err := a.service.Load(ctx, addr)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, fmt.Errorf("no escrow at %s on %s", addr, a.cfg.SolanaNetwork)
	}
	return e, err
}
