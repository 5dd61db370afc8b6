// Package clientstest provides in-memory chain adapters and wallets for tests.
package clientstest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/vitwit/nanopix/clients"
	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// Adapter is a ChainAdapter over an in-memory ledger. Submitted transfers
// land in the ledger as successful transactions; tests may edit or inject
// entries with Put.
type Adapter struct {
	params types.NetworkParams

	mu            sync.Mutex
	ledger        map[string]*types.ObservedTransaction
	seq           uint64
	fetches       int
	closed        bool
	confirmations uint64

	// Errors returned by the matching operation when set
	EnsureErr  error
	BuildErr   error
	SubmitErr  error
	ConfirmErr error
	FetchErr   error

	// ConfirmHook runs before AwaitConfirmation reads the ledger
	ConfirmHook func(ctx context.Context) error
}

var _ clients.ChainAdapter = (*Adapter)(nil)

// NewAdapter creates a fake adapter for a known network
func NewAdapter(network types.Network) *Adapter {
	params, ok := types.LookupNetwork(network)
	if !ok {
		panic(fmt.Sprintf("clientstest: unknown network %s", network))
	}
	return &Adapter{
		params:        params,
		ledger:        make(map[string]*types.ObservedTransaction),
		confirmations: 12,
	}
}

func (a *Adapter) Kind() types.ChainKind       { return a.params.Kind }
func (a *Adapter) Network() types.Network      { return a.params.Network }
func (a *Adapter) Params() types.NetworkParams { return a.params }

// SetConfirmations sets the depth reported for successful transactions
func (a *Adapter) SetConfirmations(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmations = n
}

func (a *Adapter) NormalizeAddress(address string) (string, error) {
	if err := utils.ValidateAddress(address, a.params.Kind); err != nil {
		return "", err
	}
	if a.params.Kind == types.ChainEVM {
		return utils.NormalizeEVMAddress(address), nil
	}
	if a.params.Kind == types.ChainTron {
		return clients.NormalizeTronAddress(address)
	}
	return address, nil
}

func (a *Adapter) NormalizeTxHash(hash string) (string, error) {
	if err := utils.ValidateTransactionHash(hash, a.params.Kind); err != nil {
		return "", err
	}
	switch a.params.Kind {
	case types.ChainEVM:
		return strings.ToLower(hash), nil
	case types.ChainTron:
		return strings.ToLower(strings.TrimPrefix(hash, "0x")), nil
	}
	return hash, nil
}

func (a *Adapter) EnsureNetwork(ctx context.Context, wallet clients.Wallet) error {
	if a.EnsureErr != nil {
		return a.EnsureErr
	}
	if wallet.Kind() != a.params.Kind {
		return types.Errorf(types.ReasonWrongNetwork, "wallet cannot pay on %s", a.params.ChainName)
	}
	return nil
}

func (a *Adapter) BuildTransfer(ctx context.Context, intent *types.TransferIntent) (*types.Transfer, error) {
	if a.BuildErr != nil {
		return nil, a.BuildErr
	}
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return nil, types.NewError(types.ReasonInvalidAmount, "")
	}
	if intent.MerchantAddress == "" || (a.params.Kind == types.ChainEVM && utils.IsZeroEVMAddress(intent.MerchantAddress)) {
		return nil, types.NewError(types.ReasonUnconfiguredMerchant, "")
	}
	return &types.Transfer{Intent: intent, Network: a.params.Network, Payload: intent}, nil
}

func (a *Adapter) Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error) {
	if a.SubmitErr != nil {
		return nil, a.SubmitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ReasonBroadcastFailed, "", err)
	}
	intent := signed.Transfer.Intent

	a.mu.Lock()
	a.seq++
	hash := a.hashFor(a.seq)
	a.ledger[hash] = &types.ObservedTransaction{
		TxHash:    hash,
		Payer:     intent.PayerAddress,
		Recipient: intent.MerchantAddress,
		Amount:    new(big.Int).Set(intent.Amount),
		Status:    types.TxStatusSuccess,
	}
	a.mu.Unlock()

	return &types.TransactionReference{
		ChainKind:   a.params.Kind,
		Network:     a.params.Network,
		TxHash:      hash,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) AwaitConfirmation(ctx context.Context, ref *types.TransactionReference, minConfirmations uint64) (*types.ObservedTransaction, error) {
	if a.ConfirmHook != nil {
		if err := a.ConfirmHook(ctx); err != nil {
			return nil, err
		}
	}
	if a.ConfirmErr != nil {
		return nil, a.ConfirmErr
	}
	tx, err := a.FetchTransaction(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch {
	case tx.Status == types.TxStatusFailed:
		return nil, types.Errorf(types.ReasonConfirmationFailed, "transaction %s reverted", ref.TxHash)
	case tx.Status != types.TxStatusSuccess || tx.Confirmations < minConfirmations:
		return tx, types.Errorf(types.ReasonConfirmationTimeout, "transaction %s not confirmed in time", ref.TxHash)
	}
	return tx, nil
}

func (a *Adapter) FetchTransaction(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++

	if a.FetchErr != nil {
		return nil, a.FetchErr
	}
	tx, ok := a.ledger[ref.TxHash]
	if !ok {
		return &types.ObservedTransaction{TxHash: ref.TxHash, Status: types.TxStatusPending}, nil
	}
	out := *tx
	if tx.Amount != nil {
		out.Amount = new(big.Int).Set(tx.Amount)
	}
	if out.Status == types.TxStatusSuccess {
		out.Confirmations = a.confirmations
	}
	return &out, nil
}

func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// Put injects or replaces a ledger entry
func (a *Adapter) Put(tx *types.ObservedTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *tx
	a.ledger[tx.TxHash] = &cp
}

// NextHash returns a well-formed transaction hash not yet in the ledger
func (a *Adapter) NextHash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.hashFor(a.seq)
}

// Fetches counts FetchTransaction calls
func (a *Adapter) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) hashFor(n uint64) string {
	switch a.params.Kind {
	case types.ChainSolana:
		sig := make([]byte, 64)
		copy(sig, "clientstest")
		binary.BigEndian.PutUint64(sig[56:], n)
		return base58.Encode(sig)
	case types.ChainTron:
		return fmt.Sprintf("%064x", n)
	default:
		return fmt.Sprintf("0x%064x", n)
	}
}

// Wallet is a scriptable buyer wallet
type Wallet struct {
	kind    types.ChainKind
	address string

	mu    sync.Mutex
	signs int

	ConnectErr error
	SignErr    error
	// SignHook runs before signing, e.g. to block until a test releases it
	SignHook func(ctx context.Context) error
}

var _ clients.Wallet = (*Wallet)(nil)

func NewWallet(kind types.ChainKind, address string) *Wallet {
	return &Wallet{kind: kind, address: address}
}

func (w *Wallet) Kind() types.ChainKind { return w.kind }

func (w *Wallet) Connect(context.Context) (string, error) {
	if w.ConnectErr != nil {
		return "", w.ConnectErr
	}
	return w.address, nil
}

func (w *Wallet) SignTransfer(ctx context.Context, transfer *types.Transfer) (*types.SignedTransfer, error) {
	if w.SignHook != nil {
		if err := w.SignHook(ctx); err != nil {
			return nil, err
		}
	}
	w.mu.Lock()
	w.signs++
	w.mu.Unlock()
	if w.SignErr != nil {
		return nil, w.SignErr
	}
	return &types.SignedTransfer{Transfer: transfer, Payload: transfer.Payload}, nil
}

// Signs counts signing requests
func (w *Wallet) Signs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signs
}
