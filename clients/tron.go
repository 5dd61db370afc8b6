package clients

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// tronFeeAllowance covers the bandwidth burn of a transfer from an account
// without free bandwidth left (0.1 TRX at 1000 sun per byte, rounded up).
const tronFeeAllowance = 1_100_000

// TronTransaction is the JSON transaction object exchanged with a TronGrid node
type TronTransaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Signature  []string        `json:"signature,omitempty"`
}

type tronContract struct {
	Type      string `json:"type"`
	Parameter struct {
		Value struct {
			OwnerAddress string `json:"owner_address"`
			ToAddress    string `json:"to_address"`
			Amount       int64  `json:"amount"`
		} `json:"value"`
	} `json:"parameter"`
}

type tronRawData struct {
	Contract []tronContract `json:"contract"`
}

type tronTxByID struct {
	TronTransaction
	Ret []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
}

type tronTxInfo struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"blockNumber"`
	Result      string `json:"result"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

type tronBroadcastResult struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TronAdapter moves TRX through a TronGrid compatible HTTP API
type TronAdapter struct {
	adapterBase
	baseURL string
	http    *http.Client
}

var _ ChainAdapter = (*TronAdapter)(nil)

// NewTronAdapter creates an adapter for a TronGrid endpoint
func NewTronAdapter(network types.Network, baseURL string, opts ...AdapterOption) (*TronAdapter, error) {
	return NewTronAdapterWithClient(network, baseURL, &http.Client{Timeout: types.DefaultTimeout}, opts...)
}

// NewTronAdapterWithClient creates an adapter using the given HTTP client
func NewTronAdapterWithClient(network types.Network, baseURL string, hc *http.Client, opts ...AdapterOption) (*TronAdapter, error) {
	base, err := newAdapterBase(network, types.ChainTron, opts)
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &TronAdapter{
		adapterBase: base,
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        hc,
	}, nil
}

func (a *TronAdapter) NormalizeAddress(address string) (string, error) {
	return NormalizeTronAddress(address)
}

func (a *TronAdapter) NormalizeTxHash(hash string) (string, error) {
	if err := utils.ValidateTransactionHash(hash, types.ChainTron); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimPrefix(hash, "0x")), nil
}

// EnsureNetwork is a no-op: the node chooses the network, not the wallet
func (a *TronAdapter) EnsureNetwork(context.Context, Wallet) error {
	return nil
}

func (a *TronAdapter) BuildTransfer(ctx context.Context, intent *types.TransferIntent) (*types.Transfer, error) {
	if intent.Amount == nil || intent.Amount.Sign() <= 0 || !intent.Amount.IsInt64() {
		return nil, types.NewError(types.ReasonInvalidAmount, "")
	}
	to, err := NormalizeTronAddress(intent.MerchantAddress)
	if err != nil {
		return nil, types.NewError(types.ReasonUnconfiguredMerchant, "")
	}
	from, err := NormalizeTronAddress(intent.PayerAddress)
	if err != nil {
		return nil, types.Errorf(types.ReasonWalletUnavailable, "invalid payer address %q", intent.PayerAddress)
	}

	var account struct {
		Balance int64 `json:"balance"`
	}
	if err := a.call(ctx, "/wallet/getaccount", map[string]any{"address": from, "visible": true}, &account); err != nil {
		return nil, err
	}
	need := new(big.Int).Add(intent.Amount, big.NewInt(tronFeeAllowance))
	if big.NewInt(account.Balance).Cmp(need) < 0 {
		return nil, types.Errorf(types.ReasonInsufficientFunds, "balance %s TRX is below price plus fee",
			utils.FormatAmountFromBigInt(big.NewInt(account.Balance), a.params.Currency.Decimals))
	}

	var tx struct {
		TronTransaction
		Error string `json:"Error"`
	}
	err = a.call(ctx, "/wallet/createtransaction", map[string]any{
		"owner_address": from,
		"to_address":    to,
		"amount":        intent.Amount.Int64(),
		"visible":       true,
	}, &tx)
	if err != nil {
		return nil, err
	}
	if tx.Error != "" || tx.TxID == "" {
		if isInsufficientFunds(fmt.Errorf("%s", tx.Error)) {
			return nil, types.Errorf(types.ReasonInsufficientFunds, "%s", tx.Error)
		}
		return nil, types.Errorf(types.ReasonBackendUnavailable, "node refused to build transfer: %s", tx.Error)
	}

	return &types.Transfer{Intent: intent, Network: a.params.Network, Payload: &tx.TronTransaction}, nil
}

func (a *TronAdapter) Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error) {
	tx, ok := signed.Payload.(*TronTransaction)
	if !ok {
		return nil, types.Errorf(types.ReasonBroadcastFailed, "unexpected signed payload %T", signed.Payload)
	}
	if len(tx.Signature) == 0 {
		return nil, types.Errorf(types.ReasonBroadcastFailed, "transaction %s is not signed", tx.TxID)
	}

	var out tronBroadcastResult
	if err := a.call(ctx, "/wallet/broadcasttransaction", tx, &out); err != nil {
		return nil, err
	}
	if !out.Result {
		cause := fmt.Errorf("%s: %s", out.Code, decodeTronMessage(out.Message))
		a.logger.Warn("broadcast rejected", map[string]any{"tx": tx.TxID, "err": cause})
		return nil, broadcastError(cause)
	}

	a.logger.Info("transaction broadcast", map[string]any{"tx": tx.TxID})
	return a.reference(strings.ToLower(tx.TxID), time.Now().UTC()), nil
}

func (a *TronAdapter) AwaitConfirmation(ctx context.Context, ref *types.TransactionReference, minConfirmations uint64) (*types.ObservedTransaction, error) {
	return awaitFinal(ctx, a.logger, a.pollInterval, ref, minConfirmations, func(ctx context.Context) (*types.ObservedTransaction, error) {
		return a.FetchTransaction(ctx, ref)
	})
}

// FetchTransaction combines the full node's transaction body with the
// solidity node's execution info. Until solidified the transfer is pending.
func (a *TronAdapter) FetchTransaction(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error) {
	txID, err := a.NormalizeTxHash(ref.TxHash)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "invalid transaction id", err)
	}

	var tx tronTxByID
	if err := a.call(ctx, "/wallet/gettransactionbyid", map[string]any{"value": txID, "visible": true}, &tx); err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return &types.ObservedTransaction{TxHash: txID, Status: types.TxStatusPending}, nil
	}

	var raw tronRawData
	if err := json.Unmarshal(tx.RawData, &raw); err != nil {
		return nil, types.WrapError(types.ReasonBackendUnavailable, "malformed transaction body", err)
	}
	if len(raw.Contract) != 1 || raw.Contract[0].Type != "TransferContract" {
		return nil, types.Errorf(types.ReasonWrongRecipient, "transaction %s is not a single TRX transfer", txID)
	}
	value := raw.Contract[0].Parameter.Value

	observed := &types.ObservedTransaction{
		TxHash: txID,
		Amount: big.NewInt(value.Amount),
		Status: types.TxStatusPending,
	}
	if payer, err := NormalizeTronAddress(value.OwnerAddress); err == nil {
		observed.Payer = payer
	}
	if recipient, err := NormalizeTronAddress(value.ToAddress); err == nil {
		observed.Recipient = recipient
	}

	var info tronTxInfo
	if err := a.call(ctx, "/walletsolidity/gettransactioninfobyid", map[string]any{"value": txID}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return observed, nil
	}

	observed.BlockNumber = info.BlockNumber
	if info.Result == "FAILED" || (len(tx.Ret) > 0 && tx.Ret[0].ContractRet != "" && tx.Ret[0].ContractRet != "SUCCESS") {
		observed.Status = types.TxStatusFailed
		return observed, nil
	}
	observed.Status = types.TxStatusSuccess

	var block struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := a.call(ctx, "/wallet/getnowblock", map[string]any{}, &block); err != nil {
		return nil, err
	}
	if head := block.BlockHeader.RawData.Number; head >= info.BlockNumber {
		observed.Confirmations = head - info.BlockNumber + 1
	} else {
		observed.Confirmations = 1
	}
	return observed, nil
}

func (a *TronAdapter) Close() {
	a.http.CloseIdleConnections()
}

func (a *TronAdapter) call(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return types.WrapError(types.ReasonInternal, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return types.WrapError(types.ReasonInternal, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return rpcError(path+" failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return rpcError(path+" read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.Errorf(types.ReasonBackendUnavailable, "%s returned status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.WrapError(types.ReasonBackendUnavailable, path+" returned malformed JSON", err)
	}
	return nil
}

// decodeTronMessage turns the hex encoded error text of a broadcast response into plain text
func decodeTronMessage(msg string) string {
	raw, err := hex.DecodeString(msg)
	if err != nil {
		return msg
	}
	return string(raw)
}
