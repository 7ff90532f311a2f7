// Package reason defines the shared reason-code and outcome vocabulary
// (spec §7) that every pipeline stage and the receipt engine speak.
package reason

// Code is a reason code attached to a receipt.
type Code string

const (
	OK                         Code = "OK"
	RouteNotFound              Code = "ROUTE_NOT_FOUND"
	RateLimited                Code = "RATE_LIMITED"
	ReplayDetected             Code = "REPLAY_DETECTED"
	InvalidSignature           Code = "INVALID_SIGNATURE"
	MandateExpired             Code = "MANDATE_EXPIRED"
	EndpointNotAllowlisted     Code = "ENDPOINT_NOT_ALLOWLISTED"
	MandateBudgetExceeded      Code = "MANDATE_BUDGET_EXCEEDED"
	MandateConfirmRequired     Code = "MANDATE_CONFIRM_REQUIRED"
	IntentBudgetExceeded       Code = "INTENT_BUDGET_EXCEEDED"
	MerchantNotMatched         Code = "MERCHANT_NOT_MATCHED"
	InvalidPayment             Code = "INVALID_PAYMENT"
	AgentBlocked               Code = "AGENT_BLOCKED"
	ReputationTooLow           Code = "REPUTATION_TOO_LOW"
	SSRFBlocked                Code = "SSRF_BLOCKED"
	X402UpstreamBlocked        Code = "X402_UPSTREAM_BLOCKED"
	UpstreamErrorNoCharge      Code = "UPSTREAM_ERROR_NO_CHARGE"
)

// Outcome is the terminal classification of a receipt.
type Outcome string

const (
	Success  Outcome = "SUCCESS"
	Denied   Outcome = "DENIED"
	Error    Outcome = "ERROR"
	Refunded Outcome = "REFUNDED"
)

// MandateVerdict classifies how the mandate stage resolved.
type MandateVerdict string

const (
	MandateApproved MandateVerdict = "APPROVED"
	MandateDenied   MandateVerdict = "DENIED"
	MandateSkipped  MandateVerdict = "SKIPPED"
)
