package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/roborio/roborio/internal/retry"
	"github.com/roborio/roborio/internal/wallet"
)

// ErrInconclusive is returned by a strategy that could not tell.
var ErrInconclusive = errors.New("ledger: network detection inconclusive")

// Strategy is one named way of finding out which cluster a wallet uses.
type Strategy struct {
	Name   string
	Detect func(ctx context.Context, p wallet.Provider) (Cluster, error)
}

// Detection attempt defaults. Inconclusive passes are retried a fixed number
// of times and never indefinitely.
const (
	DefaultDetectAttempts  = 3
	DefaultDetectBaseDelay = 250 * time.Millisecond
)

// Detector runs strategies in rank order; the first conclusive answer wins.
type Detector struct {
	strategies []Strategy
	attempts   int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// NewDetector returns a detector with the given strategies in rank order.
func NewDetector(logger *slog.Logger, strategies ...Strategy) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		strategies: strategies,
		attempts:   DefaultDetectAttempts,
		baseDelay:  DefaultDetectBaseDelay,
		logger:     logger,
	}
}

// DefaultDetector ranks metadata, endpoint matching, genesis hash and method
// probing, in that order. dial opens an RPC client for a wallet-reported endpoint.
func DefaultDetector(logger *slog.Logger, dial func(endpoint string) RPC) *Detector {
	genesis := NewGenesisCache(0)
	return NewDetector(logger,
		MetadataStrategy(),
		EndpointStrategy(),
		GenesisStrategy(genesis, dial),
		RequestStrategy("getNetwork", "getCluster"),
	)
}

// WithAttempts sets how many full passes Detect makes before giving up.
func (d *Detector) WithAttempts(n int, baseDelay time.Duration) *Detector {
	d.attempts = n
	d.baseDelay = baseDelay
	return d
}

// Detect returns the wallet's cluster. ok is false when every strategy was
// inconclusive on every pass; callers must treat that as unknown, never as
// a match.
func (d *Detector) Detect(ctx context.Context, p wallet.Provider) (cluster Cluster, ok bool) {
	err := retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		for _, s := range d.strategies {
			c, err := s.Detect(ctx, p)
			if err == nil && c != "" {
				cluster = c
				detections.WithLabelValues(s.Name).Inc()
				d.logger.Debug("wallet network detected", "strategy", s.Name, "cluster", c)
				return nil
			}
			if err != nil && !errors.Is(err, ErrInconclusive) {
				d.logger.Debug("network detection strategy failed", "strategy", s.Name, "error", err)
			}
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
		}
		return ErrInconclusive
	})
	if err != nil {
		detections.WithLabelValues("none").Inc()
		return "", false
	}
	return cluster, true
}

// MetadataStrategy trusts a wallet that reports its network by name.
func MetadataStrategy() Strategy {
	return Strategy{
		Name: "metadata",
		Detect: func(_ context.Context, p wallet.Provider) (Cluster, error) {
			r, ok := p.(wallet.NetworkReporter)
			if !ok || r.ReportedNetwork() == "" {
				return "", ErrInconclusive
			}
			return ParseCluster(r.ReportedNetwork())
		},
	}
}

// EndpointStrategy matches well-known substrings of the wallet's RPC URL.
func EndpointStrategy() Strategy {
	return Strategy{
		Name: "endpoint",
		Detect: func(_ context.Context, p wallet.Provider) (Cluster, error) {
			r, ok := p.(wallet.EndpointReporter)
			if !ok {
				return "", ErrInconclusive
			}
			return ClusterFromEndpoint(r.RPCEndpoint())
		},
	}
}

// ClusterFromEndpoint guesses the cluster from an RPC URL.
func ClusterFromEndpoint(endpoint string) (Cluster, error) {
	e := strings.ToLower(endpoint)
	switch {
	case e == "":
		return "", ErrInconclusive
	case strings.Contains(e, "devnet"):
		return Devnet, nil
	case strings.Contains(e, "testnet"):
		return Testnet, nil
	case strings.Contains(e, "mainnet"):
		return MainnetBeta, nil
	case strings.Contains(e, "localhost"), strings.Contains(e, "127.0.0.1"):
		return Localnet, nil
	}
	return "", ErrInconclusive
}

// GenesisStrategy asks the wallet's RPC endpoint for its genesis hash and
// compares it against the known clusters.
func GenesisStrategy(cache *GenesisCache, dial func(endpoint string) RPC) Strategy {
	return Strategy{
		Name: "genesis",
		Detect: func(ctx context.Context, p wallet.Provider) (Cluster, error) {
			r, ok := p.(wallet.EndpointReporter)
			if !ok || r.RPCEndpoint() == "" || dial == nil {
				return "", ErrInconclusive
			}
			endpoint := r.RPCEndpoint()
			h, err := cache.Get(ctx, endpoint, func(ctx context.Context) (solana.Hash, error) {
				return dial(endpoint).GetGenesisHash(ctx)
			})
			if err != nil {
				return "", err
			}
			if c, ok := ClusterForGenesis(h); ok {
				return c, nil
			}
			return "", ErrInconclusive
		},
	}
}

// RequestStrategy calls wallet-RPC methods in order and parses the first
// answer that names a cluster.
func RequestStrategy(methods ...string) Strategy {
	return Strategy{
		Name: "request",
		Detect: func(ctx context.Context, p wallet.Provider) (Cluster, error) {
			requester, ok := p.(wallet.MethodRequester)
			if !ok {
				return "", ErrInconclusive
			}
			for _, m := range methods {
				out, err := requester.Request(ctx, m)
				if err != nil || out == "" {
					continue
				}
				if c, err := ParseCluster(out); err == nil {
					return c, nil
				}
				if c, err := ClusterFromEndpoint(out); err == nil {
					return c, nil
				}
			}
			return "", ErrInconclusive
		},
	}
}

type genesisEntry struct {
	hash      solana.Hash
	fetchedAt time.Time
}

// GenesisCache remembers genesis hashes per endpoint. A zero ttl keeps
// entries for the life of the process; genesis hashes never change.
type GenesisCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]genesisEntry
	now     func() time.Time
}

// NewGenesisCache returns an empty cache.
func NewGenesisCache(ttl time.Duration) *GenesisCache {
	return &GenesisCache{ttl: ttl, entries: make(map[string]genesisEntry), now: time.Now}
}

// Get returns the cached hash for endpoint or fetches and stores it.
func (c *GenesisCache) Get(ctx context.Context, endpoint string, fetch func(context.Context) (solana.Hash, error)) (solana.Hash, error) {
	c.mu.Lock()
	e, ok := c.entries[endpoint]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || c.now().Sub(e.fetchedAt) < c.ttl) {
		return e.hash, nil
	}

	h, err := fetch(ctx)
	if err != nil {
		return solana.Hash{}, err
	}
	c.mu.Lock()
	c.entries[endpoint] = genesisEntry{hash: h, fetchedAt: c.now()}
	c.mu.Unlock()
	return h, nil
}
