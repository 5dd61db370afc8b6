package clients

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// Wallet is the buyer's signing device: a browser extension bridge, a
// hardware signer or a local key.
type Wallet interface {
	Kind() types.ChainKind
	// Connect requests account access and returns the active address
	Connect(ctx context.Context) (string, error)
	SignTransfer(ctx context.Context, transfer *types.Transfer) (*types.SignedTransfer, error)
}

// ChainSwitcher is implemented by wallets that can hold several EVM networks
type ChainSwitcher interface {
	ChainID(ctx context.Context) (int64, error)
	SwitchChain(ctx context.Context, chainID int64) error
	AddChain(ctx context.Context, params types.NetworkParams) error
}

// ApproveFunc is asked before a local wallet signs. Returning an error
// declines the request.
type ApproveFunc func(ctx context.Context, transfer *types.Transfer) error

// AutoApprove signs every request
func AutoApprove(context.Context, *types.Transfer) error { return nil }

// EVMKeyWallet signs EVM transfers with a local secp256k1 key and mimics an
// injected wallet's network handling.
type EVMKeyWallet struct {
	key     *ecdsa.PrivateKey
	approve ApproveFunc

	mu      sync.Mutex
	chainID int64
	known   map[int64]types.NetworkParams
}

var (
	_ Wallet        = (*EVMKeyWallet)(nil)
	_ ChainSwitcher = (*EVMKeyWallet)(nil)
)

// NewEVMKeyWallet creates a wallet currently on chainID
func NewEVMKeyWallet(hexKey string, chainID int64, approve ApproveFunc) (*EVMKeyWallet, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, types.WrapError(types.ReasonWalletUnavailable, "invalid EVM private key", err)
	}
	if approve == nil {
		approve = AutoApprove
	}
	w := &EVMKeyWallet{
		key:     key,
		approve: approve,
		chainID: chainID,
		known:   map[int64]types.NetworkParams{},
	}
	if p, ok := evmParamsByChainID(chainID); ok {
		w.known[chainID] = p
	} else {
		w.known[chainID] = types.NetworkParams{ChainID: chainID, Kind: types.ChainEVM}
	}
	return w, nil
}

func evmParamsByChainID(id int64) (types.NetworkParams, bool) {
	n, ok := types.NetworkFor(types.ChainEVM, types.ChainID(fmt.Sprint(id)))
	if !ok {
		return types.NetworkParams{}, false
	}
	return types.LookupNetwork(n)
}

func (w *EVMKeyWallet) Kind() types.ChainKind { return types.ChainEVM }

func (w *EVMKeyWallet) Address() string {
	return utils.AddressFromPrivateKey(w.key).Hex()
}

func (w *EVMKeyWallet) Connect(context.Context) (string, error) {
	return w.Address(), nil
}

func (w *EVMKeyWallet) ChainID(context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *EVMKeyWallet) SwitchChain(_ context.Context, chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.known[chainID]; !ok {
		return fmt.Errorf("chain 0x%x: %w", chainID, ErrUnrecognizedChain)
	}
	w.chainID = chainID
	return nil
}

// AddChain registers the network and, like injected wallets, switches to it
func (w *EVMKeyWallet) AddChain(_ context.Context, params types.NetworkParams) error {
	if params.ChainID <= 0 || len(params.RPCURLs) == 0 {
		return fmt.Errorf("invalid chain parameters for %q", params.ChainName)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[params.ChainID] = params
	w.chainID = params.ChainID
	return nil
}

func (w *EVMKeyWallet) SignTransfer(ctx context.Context, transfer *types.Transfer) (*types.SignedTransfer, error) {
	tx, ok := transfer.Payload.(*ethtypes.Transaction)
	if !ok {
		return nil, types.Errorf(types.ReasonInvalidRequest, "EVM wallet cannot sign %T", transfer.Payload)
	}
	if err := w.approve(ctx, transfer); err != nil {
		return nil, walletError(fmt.Errorf("%w: %v", ErrUserRejected, err))
	}

	chainID, _ := w.ChainID(ctx)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(big.NewInt(chainID)), w.key)
	if err != nil {
		return nil, walletError(err)
	}
	return &types.SignedTransfer{Transfer: transfer, Payload: signed}, nil
}

// SolanaKeyWallet signs Solana transfers with a local ed25519 key
type SolanaKeyWallet struct {
	key     solana.PrivateKey
	approve ApproveFunc
}

var _ Wallet = (*SolanaKeyWallet)(nil)

// NewSolanaKeyWallet accepts a base58 encoded 64-byte secret key
func NewSolanaKeyWallet(base58Key string, approve ApproveFunc) (*SolanaKeyWallet, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(base58Key))
	if err != nil {
		return nil, types.WrapError(types.ReasonWalletUnavailable, "invalid Solana private key", err)
	}
	if approve == nil {
		approve = AutoApprove
	}
	return &SolanaKeyWallet{key: key, approve: approve}, nil
}

func (w *SolanaKeyWallet) Kind() types.ChainKind { return types.ChainSolana }

func (w *SolanaKeyWallet) Address() string { return w.key.PublicKey().String() }

func (w *SolanaKeyWallet) Connect(context.Context) (string, error) {
	return w.Address(), nil
}

func (w *SolanaKeyWallet) SignTransfer(ctx context.Context, transfer *types.Transfer) (*types.SignedTransfer, error) {
	tx, ok := transfer.Payload.(*solana.Transaction)
	if !ok {
		return nil, types.Errorf(types.ReasonInvalidRequest, "Solana wallet cannot sign %T", transfer.Payload)
	}
	if err := w.approve(ctx, transfer); err != nil {
		return nil, walletError(fmt.Errorf("%w: %v", ErrUserRejected, err))
	}

	pub := w.key.PublicKey()
	_, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(pub) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return nil, walletError(err)
	}
	return &types.SignedTransfer{Transfer: transfer, Payload: tx}, nil
}

// TronKeyWallet signs Tron transfers with a local secp256k1 key
type TronKeyWallet struct {
	key     *ecdsa.PrivateKey
	approve ApproveFunc
}

var _ Wallet = (*TronKeyWallet)(nil)

// NewTronKeyWallet accepts a hex encoded secp256k1 key
func NewTronKeyWallet(hexKey string, approve ApproveFunc) (*TronKeyWallet, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, types.WrapError(types.ReasonWalletUnavailable, "invalid Tron private key", err)
	}
	if approve == nil {
		approve = AutoApprove
	}
	return &TronKeyWallet{key: key, approve: approve}, nil
}

func (w *TronKeyWallet) Kind() types.ChainKind { return types.ChainTron }

func (w *TronKeyWallet) Address() string {
	return TronAddressFromEVM(crypto.PubkeyToAddress(w.key.PublicKey))
}

func (w *TronKeyWallet) Connect(context.Context) (string, error) {
	return w.Address(), nil
}

func (w *TronKeyWallet) SignTransfer(ctx context.Context, transfer *types.Transfer) (*types.SignedTransfer, error) {
	tx, ok := transfer.Payload.(*TronTransaction)
	if !ok {
		return nil, types.Errorf(types.ReasonInvalidRequest, "Tron wallet cannot sign %T", transfer.Payload)
	}
	if err := w.approve(ctx, transfer); err != nil {
		return nil, walletError(fmt.Errorf("%w: %v", ErrUserRejected, err))
	}

	txID, err := hex.DecodeString(tx.TxID)
	if err != nil || len(txID) != 32 {
		return nil, types.Errorf(types.ReasonInvalidRequest, "malformed Tron txID %q", tx.TxID)
	}
	sig, err := crypto.Sign(txID, w.key)
	if err != nil {
		return nil, walletError(err)
	}

	signed := *tx
	signed.Signature = []string{hex.EncodeToString(sig)}
	return &types.SignedTransfer{Transfer: transfer, Payload: &signed}, nil
}
