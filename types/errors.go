package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is a stable failure category. Callers should branch on the reason,
// never on error text.
type Reason string

const (
	// Wallet and network selection
	ReasonWalletUnavailable  Reason = "WalletUnavailable"
	ReasonConnectionRejected Reason = "ConnectionRejected"
	ReasonWrongNetwork       Reason = "WrongNetwork"

	// Transfer construction and signing
	ReasonUnconfiguredMerchant Reason = "UnconfiguredMerchant"
	ReasonInvalidAmount        Reason = "InvalidAmount"
	ReasonUserRejected         Reason = "UserRejected"
	ReasonInsufficientFunds    Reason = "InsufficientFunds"

	// Broadcast and confirmation
	ReasonBroadcastFailed     Reason = "BroadcastFailed"
	ReasonConfirmationTimeout Reason = "ConfirmationTimeout"
	ReasonConfirmationFailed  Reason = "ConfirmationFailed"

	// Server verification
	ReasonBackendUnavailable   Reason = "BackendUnavailable"
	ReasonVerificationRejected Reason = "VerificationRejected"
	ReasonAssetUnknown         Reason = "AssetUnknown"
	ReasonAmountMismatch       Reason = "AmountMismatch"
	ReasonWrongRecipient       Reason = "WrongRecipient"
	ReasonTransactionFailed    Reason = "TransactionFailed"
	ReasonTransactionPending   Reason = "TransactionPending"
	ReasonPayerMismatch        Reason = "PayerMismatch"
	ReasonTransactionReused    Reason = "TransactionReused"
	ReasonChainUnsupported     Reason = "ChainUnsupported"
	ReasonInvalidRequest       Reason = "InvalidRequest"

	// Entitlements and downloads
	ReasonTokenExpired Reason = "TokenExpired"
	ReasonTokenUnknown Reason = "TokenUnknown"
	ReasonTokenRevoked Reason = "TokenRevoked"
	ReasonForbidden    Reason = "Forbidden"

	// Buyer side
	ReasonPurchaseInFlight Reason = "PurchaseInFlight"
	ReasonPriceUnavailable Reason = "PriceUnavailable"
	ReasonInternal         Reason = "Internal"
)

type reasonInfo struct {
	status      int
	retryable   bool
	remediation string
}

var reasons = map[Reason]reasonInfo{
	ReasonWalletUnavailable:    {http.StatusServiceUnavailable, true, "No wallet found. Install or unlock a wallet and try again."},
	ReasonConnectionRejected:   {http.StatusForbidden, true, "Wallet connection was declined. Approve the connection request to continue."},
	ReasonWrongNetwork:         {http.StatusConflict, true, "Wrong network. Switch your wallet to the required network."},
	ReasonUnconfiguredMerchant: {http.StatusInternalServerError, false, "Merchant address not configured."},
	ReasonInvalidAmount:        {http.StatusBadRequest, false, "This item has no valid price on the selected chain."},
	ReasonUserRejected:         {http.StatusBadRequest, true, "Transaction rejected in the wallet. Start the purchase again to retry."},
	ReasonInsufficientFunds:    {http.StatusPaymentRequired, true, "Insufficient funds to cover the price and network fee."},
	ReasonBroadcastFailed:      {http.StatusBadGateway, true, "The network did not accept the transaction. Please try again."},
	ReasonConfirmationTimeout:  {http.StatusGatewayTimeout, true, "Confirmation is taking longer than expected. Your payment can still be verified later."},
	ReasonConfirmationFailed:   {http.StatusPaymentRequired, false, "The transaction failed on chain. No payment was taken."},
	ReasonBackendUnavailable:   {http.StatusServiceUnavailable, true, "Backend unavailable. Please try again later."},
	ReasonVerificationRejected: {http.StatusPaymentRequired, false, "The server rejected this payment."},
	ReasonAssetUnknown:         {http.StatusNotFound, false, "This item is not in the catalog."},
	ReasonAmountMismatch:       {http.StatusPaymentRequired, false, "The amount paid does not match the price of this item."},
	ReasonWrongRecipient:       {http.StatusPaymentRequired, false, "The payment was not sent to the merchant address."},
	ReasonTransactionFailed:    {http.StatusPaymentRequired, false, "The transaction did not succeed on chain."},
	ReasonTransactionPending:   {http.StatusAccepted, true, "The transaction is not final yet. Try verifying again shortly."},
	ReasonPayerMismatch:        {http.StatusForbidden, false, "The transaction was not sent from the connected wallet."},
	ReasonTransactionReused:    {http.StatusConflict, false, "This transaction already paid for a different item."},
	ReasonChainUnsupported:     {http.StatusBadRequest, false, "Payments on this chain are not accepted."},
	ReasonInvalidRequest:       {http.StatusBadRequest, false, "The request is malformed."},
	ReasonTokenExpired:         {http.StatusForbidden, false, "Download link expired. Please purchase again."},
	ReasonTokenUnknown:         {http.StatusForbidden, false, "Download link invalid. Please purchase again."},
	ReasonTokenRevoked:         {http.StatusForbidden, false, "Download link was replaced by a newer purchase."},
	ReasonForbidden:            {http.StatusForbidden, false, "Download not authorized."},
	ReasonPurchaseInFlight:     {http.StatusConflict, true, "A purchase of this item is already in progress."},
	ReasonPriceUnavailable:     {http.StatusServiceUnavailable, true, "Price feed unavailable."},
	ReasonInternal:             {http.StatusInternalServerError, false, "Unexpected error."},
}

// Remediation returns the user-facing message for a reason
func (r Reason) Remediation() string {
	if info, ok := reasons[r]; ok {
		return info.remediation
	}
	return reasons[ReasonInternal].remediation
}

// HTTPStatus returns the response status used for the reason
func (r Reason) HTTPStatus() int {
	if info, ok := reasons[r]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether repeating the same step may succeed
func (r Reason) Retryable() bool {
	return reasons[r].retryable
}

// Known reports whether r is part of the taxonomy
func (r Reason) Known() bool {
	_, ok := reasons[r]
	return ok
}

func (r Reason) String() string {
	return string(r)
}

// VendingError is the structured error returned across the module.
// Message is for humans; match on Code.
type VendingError struct {
	Code    Reason `json:"reason"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *VendingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *VendingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *VendingError by reason, so sentinel values work with errors.Is
func (e *VendingError) Is(target error) bool {
	t, ok := target.(*VendingError)
	if !ok || e == nil {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a VendingError, falling back to the reason's remediation text
func NewError(code Reason, msg string) error {
	if msg == "" {
		msg = code.Remediation()
	}
	return &VendingError{Code: code, Message: msg}
}

// Errorf creates a VendingError with a formatted message
func Errorf(code Reason, format string, args ...any) error {
	return &VendingError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a reason to an underlying cause
func WrapError(code Reason, msg string, cause error) error {
	if msg == "" {
		msg = code.Remediation()
	}
	return &VendingError{Code: code, Message: msg, Cause: cause}
}

// ReasonOf returns the reason carried by err, or "" when err is not structured
func ReasonOf(err error) Reason {
	var e *VendingError
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// IsReason reports whether err is (or wraps) a VendingError with the given reason
func IsReason(err error, code Reason) bool {
	return err != nil && ReasonOf(err) == code
}

// Sentinels for errors.Is comparisons
var (
	ErrTokenExpired = &VendingError{Code: ReasonTokenExpired, Message: ReasonTokenExpired.Remediation()}
	ErrTokenUnknown = &VendingError{Code: ReasonTokenUnknown, Message: ReasonTokenUnknown.Remediation()}
	ErrTokenRevoked = &VendingError{Code: ReasonTokenRevoked, Message: ReasonTokenRevoked.Remediation()}
	ErrForbidden    = &VendingError{Code: ReasonForbidden, Message: ReasonForbidden.Remediation()}
	ErrAssetUnknown = &VendingError{Code: ReasonAssetUnknown, Message: ReasonAssetUnknown.Remediation()}
)
