package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// nativeTransferGas is the fixed gas cost of a plain value transfer
const nativeTransferGas = 21000

// EVMBackend is the subset of the JSON-RPC API the adapter needs.
// *ethclient.Client satisfies it.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	Close()
}

// EVMAdapter moves native currency on an EVM network
type EVMAdapter struct {
	adapterBase
	backend EVMBackend
	chainID *big.Int
}

var _ ChainAdapter = (*EVMAdapter)(nil)

// NewEVMAdapter dials rpcURL and creates an adapter for network
func NewEVMAdapter(network types.Network, rpcURL string, opts ...AdapterOption) (*EVMAdapter, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, rpcError(fmt.Sprintf("ethereum rpc dial %s", network), err)
	}
	a, err := NewEVMAdapterWithBackend(network, eth, opts...)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return a, nil
}

// NewEVMAdapterWithBackend creates an adapter over an existing backend
func NewEVMAdapterWithBackend(network types.Network, backend EVMBackend, opts ...AdapterOption) (*EVMAdapter, error) {
	base, err := newAdapterBase(network, types.ChainEVM, opts)
	if err != nil {
		return nil, err
	}
	return &EVMAdapter{
		adapterBase: base,
		backend:     backend,
		chainID:     big.NewInt(base.params.ChainID),
	}, nil
}

func (a *EVMAdapter) NormalizeAddress(address string) (string, error) {
	if err := utils.ValidateAddress(address, types.ChainEVM); err != nil {
		return "", err
	}
	return utils.NormalizeEVMAddress(address), nil
}

func (a *EVMAdapter) NormalizeTxHash(hash string) (string, error) {
	if err := utils.ValidateTransactionHash(hash, types.ChainEVM); err != nil {
		return "", err
	}
	return strings.ToLower(hash), nil
}

// EnsureNetwork switches the wallet to this network, adding it first when the
// wallet does not know it.
func (a *EVMAdapter) EnsureNetwork(ctx context.Context, wallet Wallet) error {
	switcher, ok := wallet.(ChainSwitcher)
	if !ok {
		return types.Errorf(types.ReasonWrongNetwork, "wallet cannot report or switch its network")
	}

	current, err := switcher.ChainID(ctx)
	if err != nil {
		return types.WrapError(types.ReasonWrongNetwork, "could not read wallet network", err)
	}
	if current == a.params.ChainID {
		return nil
	}

	a.logger.Info("switching wallet network", map[string]any{
		"from": current,
		"to":   a.params.ChainIDHex(),
	})

	err = switcher.SwitchChain(ctx, a.params.ChainID)
	if errors.Is(err, ErrUnrecognizedChain) {
		if addErr := switcher.AddChain(ctx, a.params); addErr != nil {
			return types.WrapError(types.ReasonWrongNetwork, fmt.Sprintf("Wrong network. Please switch to %s.", a.params.ChainName), addErr)
		}
		err = nil
	}
	if err != nil {
		return types.WrapError(types.ReasonWrongNetwork, fmt.Sprintf("Wrong network. Please switch to %s.", a.params.ChainName), err)
	}

	current, err = switcher.ChainID(ctx)
	if err != nil || current != a.params.ChainID {
		return types.WrapError(types.ReasonWrongNetwork, fmt.Sprintf("Wrong network. Please switch to %s.", a.params.ChainName), err)
	}
	return nil
}

// BuildTransfer prepares an unsigned legacy value transfer
func (a *EVMAdapter) BuildTransfer(ctx context.Context, intent *types.TransferIntent) (*types.Transfer, error) {
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return nil, types.NewError(types.ReasonInvalidAmount, "")
	}
	if intent.MerchantAddress == "" || !common.IsHexAddress(intent.MerchantAddress) || utils.IsZeroEVMAddress(intent.MerchantAddress) {
		return nil, types.NewError(types.ReasonUnconfiguredMerchant, "")
	}
	if !common.IsHexAddress(intent.PayerAddress) {
		return nil, types.Errorf(types.ReasonWalletUnavailable, "invalid payer address %q", intent.PayerAddress)
	}

	from := common.HexToAddress(intent.PayerAddress)
	to := common.HexToAddress(intent.MerchantAddress)

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, rpcError("pending nonce failed", err)
	}

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, rpcError("suggest gas price failed", err)
	}

	balance, err := a.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, rpcError("balance lookup failed", err)
	}
	cost := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	cost.Add(cost, intent.Amount)
	if balance.Cmp(cost) < 0 {
		return nil, types.Errorf(types.ReasonInsufficientFunds,
			"balance %s is below price plus fee %s", utils.FormatAmountFromBigInt(balance, a.params.Currency.Decimals),
			utils.FormatAmountFromBigInt(cost, a.params.Currency.Decimals))
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(intent.Amount),
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})

	return &types.Transfer{Intent: intent, Network: a.params.Network, Payload: tx}, nil
}

func (a *EVMAdapter) Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error) {
	tx, ok := signed.Payload.(*ethtypes.Transaction)
	if !ok {
		return nil, types.Errorf(types.ReasonBroadcastFailed, "unexpected signed payload %T", signed.Payload)
	}

	if err := a.backend.SendTransaction(ctx, tx); err != nil {
		a.logger.Warn("send transaction failed", map[string]any{"tx": tx.Hash().Hex(), "err": err})
		return nil, broadcastError(err)
	}

	a.logger.Info("transaction broadcast", map[string]any{"tx": tx.Hash().Hex()})
	return a.reference(strings.ToLower(tx.Hash().Hex()), time.Now().UTC()), nil
}

func (a *EVMAdapter) AwaitConfirmation(ctx context.Context, ref *types.TransactionReference, minConfirmations uint64) (*types.ObservedTransaction, error) {
	return awaitFinal(ctx, a.logger, a.pollInterval, ref, minConfirmations, func(ctx context.Context) (*types.ObservedTransaction, error) {
		return a.FetchTransaction(ctx, ref)
	})
}

// FetchTransaction reads sender, recipient, value and receipt status from the node
func (a *EVMAdapter) FetchTransaction(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error) {
	hashHex, err := a.NormalizeTxHash(ref.TxHash)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "invalid transaction hash", err)
	}
	hash := common.HexToHash(hashHex)

	tx, isPending, err := a.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &types.ObservedTransaction{TxHash: hashHex, Status: types.TxStatusPending}, nil
	}
	if err != nil {
		return nil, rpcError("transaction lookup failed", err)
	}

	observed := &types.ObservedTransaction{
		TxHash: hashHex,
		Amount: new(big.Int).Set(tx.Value()),
		Status: types.TxStatusPending,
	}
	if to := tx.To(); to != nil {
		observed.Recipient = to.Hex()
	}

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(a.chainID), tx)
	if err != nil {
		return nil, types.WrapError(types.ReasonTransactionFailed, "cannot recover transaction sender", err)
	}
	observed.Payer = sender.Hex()

	if isPending {
		return observed, nil
	}

	receipt, err := a.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return observed, nil
	}
	if err != nil {
		return nil, rpcError("receipt lookup failed", err)
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		observed.Status = types.TxStatusFailed
		return observed, nil
	}
	observed.Status = types.TxStatusSuccess

	if receipt.BlockNumber != nil {
		observed.BlockNumber = receipt.BlockNumber.Uint64()
		head, err := a.backend.BlockNumber(ctx)
		if err != nil {
			return nil, rpcError("block number lookup failed", err)
		}
		if head >= observed.BlockNumber {
			observed.Confirmations = head - observed.BlockNumber + 1
		}
	}

	return observed, nil
}

func (a *EVMAdapter) Close() {
	a.backend.Close()
}
