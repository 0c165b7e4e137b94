// Package wallet models the connected signing wallet the escrow client acts
// through: its public key, message and transaction signing, and whatever it
// can report about the network it is pointed at.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotConnected     = errors.New("wallet: not connected")
	ErrSignatureRefused = errors.New("wallet: signature request refused")
	ErrUnsupported      = errors.New("wallet: capability not supported")
)

// Provider is the narrow capability surface of a connected wallet.
type Provider interface {
	PublicKey() solana.PublicKey
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// NetworkReporter is implemented by wallets that expose the cluster name
// they are connected to.
type NetworkReporter interface {
	ReportedNetwork() string
}

// EndpointReporter is implemented by wallets that expose their RPC endpoint.
type EndpointReporter interface {
	RPCEndpoint() string
}

// MethodRequester is implemented by wallets that answer wallet-RPC requests
// such as "getNetwork" or "getCluster".
type MethodRequester interface {
	Request(ctx context.Context, method string) (string, error)
}

// KeypairProvider signs with a local ed25519 keypair. Used by the CLI and tests.
type KeypairProvider struct {
	key      solana.PrivateKey
	network  string
	endpoint string
}

var (
	_ Provider         = (*KeypairProvider)(nil)
	_ NetworkReporter  = (*KeypairProvider)(nil)
	_ EndpointReporter = (*KeypairProvider)(nil)
)

// NewKeypairProvider wraps key. network and endpoint may be empty.
func NewKeypairProvider(key solana.PrivateKey, network, endpoint string) *KeypairProvider {
	return &KeypairProvider{key: key, network: network, endpoint: endpoint}
}

// LoadKeypairFile reads a solana-keygen JSON keypair.
func LoadKeypairFile(path, network, endpoint string) (*KeypairProvider, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: load keypair %s: %w", path, err)
	}
	return NewKeypairProvider(key, network, endpoint), nil
}

func (k *KeypairProvider) PublicKey() solana.PublicKey { return k.key.PublicKey() }

func (k *KeypairProvider) ReportedNetwork() string { return k.network }

func (k *KeypairProvider) RPCEndpoint() string { return k.endpoint }

func (k *KeypairProvider) SignMessage(_ context.Context, message []byte) (solana.Signature, error) {
	return k.key.Sign(message)
}

// SignTransaction adds this key's signature. The transaction must already
// carry its recent blockhash and fee payer.
func (k *KeypairProvider) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	pub := k.key.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &k.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureRefused, err)
	}
	return nil
}
