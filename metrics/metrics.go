package metrics

import "time"

// Recorder receives operational counters and latencies
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names shared by the services
const (
	EventVerifyAccepted   = "verify_accepted"
	EventVerifyRejected   = "verify_rejected"
	EventVerifyError      = "verify_error"
	EventEntitlementIssue = "entitlement_issued"
	EventEntitlementDedup = "entitlement_deduplicated"
	EventDownloadGranted  = "download_granted"
	EventDownloadDenied   = "download_denied"
	EventTxSubmitted      = "tx_submitted"
	EventTxSubmitFailed   = "tx_submit_failed"
	EventTxConfirmed      = "tx_confirmed"
	EventTxConfirmFailed  = "tx_confirm_failed"
	EventSessionFailed    = "session_failed"
	EventSessionEntitled  = "session_entitled"

	OpVerify  = "verify"
	OpConfirm = "confirm"
	OpSubmit  = "submit"
)

// OrNoop returns r, or a NoopRecorder when r is nil
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
