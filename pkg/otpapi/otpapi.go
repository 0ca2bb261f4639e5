// Package otpapi defines the JSON bodies of the OTP HTTP API. The gRPC
// transport carries the same fields inside google.protobuf.Struct messages.
//
// Verification outcomes travel in-band: a failed verify is a normal
// response with Success false and Error set to a stable code.
package otpapi

import "time"

// Purpose values accepted on the wire.
const (
	PurposeOrderTracking = "ORDER_TRACKING"
	PurposeReturnRequest = "RETURN_REQUEST"
)

// IssueRequest asks for a code to be sent to Mobile for one guest flow.
type IssueRequest struct {
	Purpose  string `json:"purpose" validate:"required,oneof=ORDER_TRACKING RETURN_REQUEST"`
	EntityID string `json:"entity_id" validate:"required,max=128"`
	Mobile   string `json:"mobile" validate:"required,max=32"`
}

// IssueResponse never carries the code.
type IssueResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// RetryAfter is set with RATE_LIMITED, in whole seconds.
	RetryAfter int `json:"retry_after,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// ResendAfter is the suggested wait before asking again, in seconds.
	ResendAfter int `json:"resend_after,omitempty"`
}

// VerifyRequest submits a code for the challenge identified by the key
// fields.
type VerifyRequest struct {
	Purpose  string `json:"purpose" validate:"required,oneof=ORDER_TRACKING RETURN_REQUEST"`
	EntityID string `json:"entity_id" validate:"required,max=128"`
	Mobile   string `json:"mobile" validate:"required,max=32"`
	OTP      string `json:"otp" validate:"required,len=6,numeric"`
}

// VerifyResponse carries the scoped token on success, or the attempt
// bookkeeping on a failed verification.
type VerifyResponse struct {
	Success   bool       `json:"success"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Error             string     `json:"error,omitempty"`
	AttemptsRemaining *int       `json:"attempts_remaining,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
}

// IntrospectRequest asks whether Token grants Purpose on EntityID.
type IntrospectRequest struct {
	Token    string `json:"token" validate:"required"`
	Purpose  string `json:"purpose" validate:"required,oneof=ORDER_TRACKING RETURN_REQUEST"`
	EntityID string `json:"entity_id" validate:"required,max=128"`
}

// IntrospectResponse reports token validity. ExpiresAt is set only when
// Valid is true.
type IntrospectResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ErrorResponse is the body of transport-level failures (malformed JSON,
// unknown route, internal errors).
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
