// Package ledger is the single point of contact with the Solana RPC network:
// account reads, balance reads, transaction submission and confirmation, and
// working out which cluster a wallet is pointed at.
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Cluster names one independent ledger environment.
type Cluster string

const (
	MainnetBeta Cluster = "mainnet-beta"
	Testnet     Cluster = "testnet"
	Devnet      Cluster = "devnet"
	Localnet    Cluster = "localnet"
)

var ErrUnknownCluster = errors.New("ledger: unknown cluster")

// ParseCluster accepts cluster names and the deployment aliases
// production, staging and development.
func ParseCluster(name string) (Cluster, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet-beta", "mainnet", "mainnetbeta", "production":
		return MainnetBeta, nil
	case "testnet", "staging":
		return Testnet, nil
	case "devnet", "development":
		return Devnet, nil
	case "localnet", "localhost", "local":
		return Localnet, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCluster, name)
}

// Endpoint is the public RPC URL for the cluster.
func (c Cluster) Endpoint() string {
	switch c {
	case MainnetBeta:
		return rpc.MainNetBeta_RPC
	case Testnet:
		return rpc.TestNet_RPC
	case Devnet:
		return rpc.DevNet_RPC
	case Localnet:
		return rpc.LocalNet_RPC
	}
	return ""
}

// Known genesis hashes. Localnet has none: every local validator mints its own.
var genesisHashes = map[solana.Hash]Cluster{
	solana.MustHashFromBase58("5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d"): MainnetBeta,
	solana.MustHashFromBase58("4uhcVJyU9pJkvQyS88uRDiswHXSCkY3zQawwpjk2NsNY"): Testnet,
	solana.MustHashFromBase58("EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG"): Devnet,
}

// ClusterForGenesis maps a genesis hash to its well-known cluster.
func ClusterForGenesis(h solana.Hash) (Cluster, bool) {
	c, ok := genesisHashes[h]
	return c, ok
}

// ConnectionConfig selects an RPC endpoint.
type ConnectionConfig struct {
	Network string // cluster name or alias
	RPCURL  string // explicit endpoint, wins when set
}

// Connection is a resolved endpoint and the cluster it is expected to serve.
type Connection struct {
	Cluster  Cluster
	Endpoint string
}

// ResolveConnection picks the explicit RPC URL if configured, otherwise the
// public endpoint of the named cluster.
func ResolveConnection(cfg ConnectionConfig) (Connection, error) {
	cluster, err := ParseCluster(cfg.Network)
	if err != nil {
		return Connection{}, err
	}
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		endpoint = cluster.Endpoint()
	}
	return Connection{Cluster: cluster, Endpoint: endpoint}, nil
}

// Client dials the connection's endpoint.
func (c Connection) Client() *rpc.Client {
	return rpc.New(c.Endpoint)
}
