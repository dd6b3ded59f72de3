package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrInvalidPrivateKey = errors.New("chain: invalid private key")

// DefaultGasLimit is used when gas estimation fails.
const DefaultGasLimit = uint64(300000)

// EthClient abstracts go-ethereum's client for testing.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Keyring holds the delegated signing keys the service may send from.
type Keyring struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeyring parses hex private keys (with or without 0x).
func NewKeyring(hexKeys []string) (*Keyring, error) {
	kr := &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for i, k := range hexKeys {
		k = strings.TrimPrefix(strings.TrimSpace(k), "0x")
		if len(k) != 64 {
			return nil, fmt.Errorf("%w: key %d must be 64 hex characters", ErrInvalidPrivateKey, i)
		}
		pk, err := crypto.HexToECDSA(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %d: %v", ErrInvalidPrivateKey, i, err)
		}
		kr.keys[crypto.PubkeyToAddress(pk.PublicKey)] = pk
	}
	return kr, nil
}

// Has reports whether the keyring can sign for addr.
func (k *Keyring) Has(addr common.Address) bool {
	_, ok := k.keys[addr]
	return ok
}

// Addresses lists the addresses the keyring signs for.
func (k *Keyring) Addresses() []common.Address {
	out := make([]common.Address, 0, len(k.keys))
	for a := range k.keys {
		out = append(out, a)
	}
	return out
}

// EthBackend implements Backend over a JSON-RPC node.
type EthBackend struct {
	client  EthClient
	keyring *Keyring

	mu      sync.Mutex // serializes nonce allocation
	chainID *big.Int
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, keyring *Keyring) (*EthBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewEthBackend(client, keyring), nil
}

// NewEthBackend wraps an existing client.
func NewEthBackend(client EthClient, keyring *Keyring) *EthBackend {
	if keyring == nil {
		keyring = &Keyring{keys: map[common.Address]*ecdsa.PrivateKey{}}
	}
	return &EthBackend{client: client, keyring: keyring}
}

// Client exposes the raw client (used by the log watcher).
func (b *EthBackend) Client() EthClient { return b.client }

func (b *EthBackend) ChainID(ctx context.Context) (int64, error) {
	id, err := b.client.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.chainID = id
	b.mu.Unlock()
	return id.Int64(), nil
}

func (b *EthBackend) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return b.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (b *EthBackend) Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	key, ok := b.keyring.keys[from]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrNoSigner, from.Hex())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chainID == nil {
		id, err := b.client.ChainID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain id: %w", err)
		}
		b.chainID = id
	}

	nonce, err := b.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation reverts surface the contract's reason; report them
		// instead of sending a transaction that will fail.
		if strings.Contains(err.Error(), "revert") {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrTxFailed, err)
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", signed.Hash().Hex(), err)
	}
	return signed.Hash(), nil
}

func (b *EthBackend) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := b.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	return r, err
}

func (b *EthBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.client.BlockNumber(ctx)
}

func (b *EthBackend) BlockTime(ctx context.Context) (time.Time, error) {
	h, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

// Close closes the RPC connection.
func (b *EthBackend) Close() {
	b.client.Close()
}

var _ Backend = (*EthBackend)(nil)
