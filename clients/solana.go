package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/vitwit/nanopix/types"
	"github.com/vitwit/nanopix/utils"
)

// lamportsPerSignature is the base fee of a single-signature transaction
const lamportsPerSignature = 5000

// SolanaRPC is the subset of the Solana JSON-RPC API the adapter needs.
// *rpc.Client satisfies it.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	Close() error
}

// SolanaAdapter moves SOL with a single system transfer instruction
type SolanaAdapter struct {
	adapterBase
	client SolanaRPC
}

var _ ChainAdapter = (*SolanaAdapter)(nil)

// NewSolanaAdapter creates an adapter talking to rpcURL
func NewSolanaAdapter(network types.Network, rpcURL string, opts ...AdapterOption) (*SolanaAdapter, error) {
	return NewSolanaAdapterWithClient(network, rpc.New(rpcURL), opts...)
}

// NewSolanaAdapterWithClient creates an adapter over an existing RPC client
func NewSolanaAdapterWithClient(network types.Network, client SolanaRPC, opts ...AdapterOption) (*SolanaAdapter, error) {
	base, err := newAdapterBase(network, types.ChainSolana, opts)
	if err != nil {
		return nil, err
	}
	return &SolanaAdapter{adapterBase: base, client: client}, nil
}

func (a *SolanaAdapter) NormalizeAddress(address string) (string, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return "", fmt.Errorf("invalid Solana address: %w", err)
	}
	return pk.String(), nil
}

func (a *SolanaAdapter) NormalizeTxHash(hash string) (string, error) {
	if err := utils.ValidateTransactionHash(hash, types.ChainSolana); err != nil {
		return "", err
	}
	return hash, nil
}

// EnsureNetwork is a no-op: Solana wallets sign for whichever cluster the
// transaction's blockhash came from.
func (a *SolanaAdapter) EnsureNetwork(context.Context, Wallet) error {
	return nil
}

func (a *SolanaAdapter) BuildTransfer(ctx context.Context, intent *types.TransferIntent) (*types.Transfer, error) {
	if intent.Amount == nil || intent.Amount.Sign() <= 0 || !intent.Amount.IsUint64() {
		return nil, types.NewError(types.ReasonInvalidAmount, "")
	}
	to, err := solana.PublicKeyFromBase58(intent.MerchantAddress)
	if err != nil || to.IsZero() || to.Equals(solana.SystemProgramID) {
		return nil, types.NewError(types.ReasonUnconfiguredMerchant, "")
	}
	from, err := solana.PublicKeyFromBase58(intent.PayerAddress)
	if err != nil {
		return nil, types.Errorf(types.ReasonWalletUnavailable, "invalid payer address %q", intent.PayerAddress)
	}
	lamports := intent.Amount.Uint64()

	balance, err := a.client.GetBalance(ctx, from, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, rpcError("balance lookup failed", err)
	}
	if balance.Value < lamports+lamportsPerSignature {
		return nil, types.Errorf(types.ReasonInsufficientFunds,
			"balance %s SOL is below price plus fee", utils.FormatAmountFromBigInt(new(big.Int).SetUint64(balance.Value), a.params.Currency.Decimals))
	}

	recent, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, rpcError("latest blockhash failed", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, from, to).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidAmount, "failed to build transfer", err)
	}

	return &types.Transfer{Intent: intent, Network: a.params.Network, Payload: tx}, nil
}

func (a *SolanaAdapter) Submit(ctx context.Context, signed *types.SignedTransfer) (*types.TransactionReference, error) {
	tx, ok := signed.Payload.(*solana.Transaction)
	if !ok {
		return nil, types.Errorf(types.ReasonBroadcastFailed, "unexpected signed payload %T", signed.Payload)
	}

	sig, err := a.client.SendTransaction(ctx, tx)
	if err != nil {
		a.logger.Warn("send transaction failed", map[string]any{"err": err})
		return nil, broadcastError(err)
	}

	a.logger.Info("transaction broadcast", map[string]any{"tx": sig.String()})
	return a.reference(sig.String(), time.Now().UTC()), nil
}

// AwaitConfirmation waits for the signature to reach finalized commitment
func (a *SolanaAdapter) AwaitConfirmation(ctx context.Context, ref *types.TransactionReference, minConfirmations uint64) (*types.ObservedTransaction, error) {
	sig, err := solana.SignatureFromBase58(ref.TxHash)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "invalid transaction signature", err)
	}

	return awaitFinal(ctx, a.logger, a.pollInterval, ref, minConfirmations, func(ctx context.Context) (*types.ObservedTransaction, error) {
		out, err := a.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return nil, rpcError("signature status failed", err)
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return &types.ObservedTransaction{TxHash: ref.TxHash, Status: types.TxStatusPending}, nil
		}
		status := out.Value[0]
		if status.Err != nil {
			return &types.ObservedTransaction{TxHash: ref.TxHash, Status: types.TxStatusFailed}, nil
		}
		if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
			return &types.ObservedTransaction{TxHash: ref.TxHash, Status: types.TxStatusPending}, nil
		}
		return a.FetchTransaction(ctx, ref)
	})
}

// FetchTransaction reads a finalized transaction and decodes its native transfer
func (a *SolanaAdapter) FetchTransaction(ctx context.Context, ref *types.TransactionReference) (*types.ObservedTransaction, error) {
	sig, err := solana.SignatureFromBase58(ref.TxHash)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "invalid transaction signature", err)
	}

	maxVersion := uint64(0)
	out, err := a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Transaction == nil)) {
		return &types.ObservedTransaction{TxHash: ref.TxHash, Status: types.TxStatusPending}, nil
	}
	if err != nil {
		return nil, rpcError("transaction lookup failed", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(out.Transaction.GetBinary()))
	if err != nil {
		return nil, rpcError("transaction decode failed", err)
	}

	transfer, err := parseNativeTransfer(tx)
	if err != nil {
		return nil, types.WrapError(types.ReasonWrongRecipient, "transaction is not a single native transfer", err)
	}

	observed := &types.ObservedTransaction{
		TxHash:        ref.TxHash,
		Payer:         transfer.from.String(),
		Recipient:     transfer.to.String(),
		Amount:        new(big.Int).SetUint64(transfer.lamports),
		Status:        types.TxStatusSuccess,
		Confirmations: 1,
		BlockNumber:   out.Slot,
	}
	if out.Meta != nil && out.Meta.Err != nil {
		observed.Status = types.TxStatusFailed
	}
	return observed, nil
}

func (a *SolanaAdapter) Close() {
	_ = a.client.Close()
}

type nativeTransfer struct {
	from     solana.PublicKey
	to       solana.PublicKey
	lamports uint64
}

// parseNativeTransfer finds the one system transfer in tx. Compute budget and
// memo instructions are ignored; more than one transfer is ambiguous.
func parseNativeTransfer(tx *solana.Transaction) (*nativeTransfer, error) {
	var found *nativeTransfer

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil {
			return nil, err
		}
		if !prog.Equals(solana.SystemProgramID) {
			continue
		}

		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			return nil, err
		}
		decoded, err := system.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			return nil, err
		}
		transfer, ok := decoded.Impl.(*system.Transfer)
		if !ok || transfer.Lamports == nil {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("transaction contains more than one native transfer")
		}
		found = &nativeTransfer{
			from:     transfer.GetFundingAccount().PublicKey,
			to:       transfer.GetRecipientAccount().PublicKey,
			lamports: *transfer.Lamports,
		}
	}

	if found == nil {
		return nil, fmt.Errorf("no native transfer found")
	}
	return found, nil
}
