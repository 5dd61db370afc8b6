package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChainKind represents the blockchain family a payment settles on
type ChainKind string

const (
	ChainEVM    ChainKind = "evm"
	ChainSolana ChainKind = "solana"
	ChainTron   ChainKind = "tron"
)

// ParseChainKind maps user input onto a known chain kind
func ParseChainKind(s string) (ChainKind, error) {
	switch ChainKind(strings.ToLower(strings.TrimSpace(s))) {
	case ChainEVM, "ethereum", "polygon":
		return ChainEVM, nil
	case ChainSolana, "sol":
		return ChainSolana, nil
	case ChainTron, "trx", "tronlike":
		return ChainTron, nil
	}
	return "", fmt.Errorf("unknown chain kind %q", s)
}

func (k ChainKind) String() string {
	return string(k)
}

// ChainID identifies a network inside a chain kind. EVM wallets report it as a
// number, other chains use a cluster name, so both JSON forms are accepted.
type ChainID string

func (c *ChainID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChainID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chainId must be a string or a number: %w", err)
	}
	*c = ChainID(n.String())
	return nil
}

// Int64 parses decimal and 0x-prefixed hex chain IDs
func (c ChainID) Int64() (int64, bool) {
	s := strings.TrimSpace(string(c))
	if s == "" {
		return 0, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Asset is a purchasable digital good. Prices are in native units per chain kind.
type Asset struct {
	ID          string                        `json:"id"`
	Title       string                        `json:"title"`
	Description string                        `json:"description,omitempty"`
	ThumbURL    string                        `json:"thumbUrl,omitempty"`
	PreviewURL  string                        `json:"previewUrl,omitempty"`
	ContentRef  string                        `json:"contentRef"`
	Prices      map[ChainKind]decimal.Decimal `json:"prices"`
	FiatPrice   *decimal.Decimal              `json:"fiatPrice,omitempty"`
}

// Price returns the native price of the asset on the given chain kind
func (a *Asset) Price(kind ChainKind) (decimal.Decimal, bool) {
	p, ok := a.Prices[kind]
	return p, ok
}

// TransferIntent describes the native transfer a buyer is about to sign
type TransferIntent struct {
	AssetID         string    `json:"assetId"`
	ChainKind       ChainKind `json:"chainKind"`
	Network         Network   `json:"network"`
	PayerAddress    string    `json:"payerAddress"`
	MerchantAddress string    `json:"merchantAddress"`
	Amount          *big.Int  `json:"amount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Transfer is an unsigned chain transaction built from an intent.
// Payload holds the chain-specific transaction object.
type Transfer struct {
	Intent  *TransferIntent
	Network Network
	Payload any
}

// SignedTransfer is a transfer after the wallet signed it
type SignedTransfer struct {
	Transfer *Transfer
	Payload  any
}

// TransactionReference identifies a broadcast transaction. It is the only
// artifact that crosses from the buyer to the server.
type TransactionReference struct {
	ChainKind   ChainKind `json:"chainKind"`
	Network     Network   `json:"network"`
	TxHash      string    `json:"txHash"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// TxStatus is the observed on-chain status of a transaction
type TxStatus string

const (
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
)

// ObservedTransaction is the ground truth read back from the chain
type ObservedTransaction struct {
	TxHash        string   `json:"txHash"`
	Payer         string   `json:"payer"`
	Recipient     string   `json:"recipient"`
	Amount        *big.Int `json:"amount"`
	Status        TxStatus `json:"status"`
	Confirmations uint64   `json:"confirmations"`
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
}

// VerifyRequest is the body of POST /api/verify
type VerifyRequest struct {
	TxHash        string    `json:"txHash" validate:"required"`
	AssetID       string    `json:"assetId" validate:"required"`
	WalletAddress string    `json:"walletAddress" validate:"required"`
	ChainKind     ChainKind `json:"chainKind" validate:"omitempty,chainkind"`
	ChainID       ChainID   `json:"chainId,omitempty"`
}

// VerifyResponse is returned to the buyer when a payment is accepted
type VerifyResponse struct {
	DownloadToken string    `json:"downloadToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ErrorBody is the JSON body of every non-200 API response
type ErrorBody struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Err turns a decoded error body back into a VendingError
func (b ErrorBody) Err() error {
	return NewError(b.Reason, b.Message)
}

// VerificationResult contains the result of server-side payment verification
type VerificationResult struct {
	IsValid           bool         `json:"isValid"`
	InvalidReason     Reason       `json:"invalidReason,omitempty"`
	Message           string       `json:"message,omitempty"`
	Network           Network      `json:"network,omitempty"`
	ObservedPayer     string       `json:"observedPayer,omitempty"`
	ObservedRecipient string       `json:"observedRecipient,omitempty"`
	ObservedAmount    *big.Int     `json:"observedAmount,omitempty"`
	ExpectedAmount    *big.Int     `json:"expectedAmount,omitempty"`
	ObservedStatus    TxStatus     `json:"observedStatus,omitempty"`
	Confirmations     uint64       `json:"confirmations,omitempty"`
	Entitlement       *Entitlement `json:"entitlement,omitempty"`
}

// Reject builds an invalid result with the given reason
func Reject(reason Reason, format string, args ...any) *VerificationResult {
	return &VerificationResult{
		IsValid:       false,
		InvalidReason: reason,
		Message:       fmt.Sprintf(format, args...),
	}
}

// Err converts an invalid result into a VendingError
func (r *VerificationResult) Err() error {
	if r == nil || r.IsValid {
		return nil
	}
	return NewError(r.InvalidReason, r.Message)
}

// Entitlement grants download access to one asset for one subject until ExpiresAt
type Entitlement struct {
	AssetID   string    `json:"assetId"`
	Subject   string    `json:"subject"`
	Token     string    `json:"token"`
	TxHash    string    `json:"txHash"`
	ChainKind ChainKind `json:"chainKind"`
	Network   Network   `json:"network"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked,omitempty"`
}

// ExpiredAt reports whether the entitlement is past its expiry at now
func (e *Entitlement) ExpiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// LiveAt reports whether the entitlement still grants access at now
func (e *Entitlement) LiveAt(now time.Time) bool {
	return !e.Revoked && !e.ExpiredAt(now)
}

// ClientConfig contains configuration for one chain network
type ClientConfig struct {
	Network          Network           `json:"network" yaml:"network" validate:"required,network"`
	RPCUrl           string            `json:"rpcUrl" yaml:"rpcUrl"`
	Merchant         string            `json:"merchant" yaml:"merchant"`
	Timeout          time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	MinConfirmations uint64            `json:"minConfirmations,omitempty" yaml:"minConfirmations"`
	Headers          map[string]string `json:"headers,omitempty" yaml:"headers"`
}

// VendingConfig contains global configuration for the vending engine
type VendingConfig struct {
	DefaultTimeout      time.Duration  `json:"defaultTimeout,omitempty" yaml:"defaultTimeout"`
	ConfirmationTimeout time.Duration  `json:"confirmationTimeout,omitempty" yaml:"confirmationTimeout"`
	VerifyTimeout       time.Duration  `json:"verifyTimeout,omitempty" yaml:"verifyTimeout"`
	RetryCount          int            `json:"retryCount,omitempty" yaml:"retryCount" validate:"gte=0,lte=10"`
	LogLevel            string         `json:"logLevel,omitempty" yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics       bool           `json:"enableMetrics,omitempty" yaml:"enableMetrics"`
	EntitlementTTL      time.Duration  `json:"entitlementTTL,omitempty" yaml:"entitlementTTL"`
	SingleUse           bool           `json:"singleUse,omitempty" yaml:"singleUse"`
	Networks            []ClientConfig `json:"networks,omitempty" yaml:"networks" validate:"dive"`
	Catalog             string         `json:"catalog,omitempty" yaml:"catalog"`
	ContentRoot         string         `json:"contentRoot,omitempty" yaml:"contentRoot"`
	Datastore           string         `json:"datastore,omitempty" yaml:"datastore"`
	Listen              string         `json:"listen,omitempty" yaml:"listen"`
	PriceAPI            string         `json:"priceApi,omitempty" yaml:"priceApi" validate:"omitempty,url"`
}

const (
	DefaultTimeout             = 30 * time.Second
	DefaultConfirmationTimeout = 3 * time.Minute
	DefaultVerifyTimeout       = 20 * time.Second
	DefaultEntitlementTTL      = 24 * time.Hour
	DefaultRetryCount          = 3
	DefaultListen              = ":8080"
)

// ApplyDefaults fills unset fields with their defaults
func (c *VendingConfig) ApplyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.EntitlementTTL <= 0 {
		c.EntitlementTTL = DefaultEntitlementTTL
	}
	if c.RetryCount == 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}
