// Package errmap provides wire protocol mappers for domain errors.
// Every domain error has an explicit wire code plus gRPC and HTTP mappings.
package errmap

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// Stable wire codes returned in the "error" field of responses.
const (
	CodeInvalidPhoneFormat     = "INVALID_PHONE_FORMAT"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeRateLimited            = "RATE_LIMITED"
	CodeLocked                 = "LOCKED"
	CodeExpired                = "EXPIRED"
	CodeAlreadyUsed            = "ALREADY_USED"
	CodeCodeMismatch           = "CODE_MISMATCH"
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeTryAgain               = "TRY_AGAIN"
	CodeTemporarilyUnavailable = "TEMPORARILY_UNAVAILABLE"
	CodeInternal               = "INTERNAL"
)

// grpcMappings maps domain errors to gRPC status codes.
// Order matters: first match wins (via errors.Is).
//
// Mapping follows gRPC status codes reference:
// https://grpc.github.io/grpc/core/md_doc_statuscodes.html
var grpcMappings = []struct {
	err  error
	code codes.Code
}{
	// Validation errors
	{domain.ErrInvalidPhoneFormat, codes.InvalidArgument},
	{domain.ErrInvalidInput, codes.InvalidArgument},
	{domain.ErrEmptyID, codes.InvalidArgument},
	{domain.ErrInvalidID, codes.InvalidArgument},

	// Verification outcomes
	{domain.ErrCodeMismatch, codes.InvalidArgument},
	{domain.ErrLocked, codes.FailedPrecondition},
	{domain.ErrExpired, codes.FailedPrecondition},
	{domain.ErrAlreadyUsed, codes.FailedPrecondition},
	{domain.ErrNotFound, codes.NotFound},

	// Token errors
	{domain.ErrInvalidToken, codes.Unauthenticated},
	{domain.ErrTokenScopeMismatch, codes.Unauthenticated},

	// Rate limiting
	{domain.ErrIssuanceRateLimited, codes.ResourceExhausted},

	// Availability
	{domain.ErrFeatureDisabled, codes.Unavailable},
	{domain.ErrStorageUnavailable, codes.Unavailable},
}

// ToGRPCStatus converts a domain error to a gRPC status. The message is the
// wire code; internal detail never reaches the client.
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	for _, m := range grpcMappings {
		if errors.Is(err, m.err) {
			return status.New(m.code, WireCode(err))
		}
	}
	return status.New(codes.Internal, CodeInternal)
}

// ToGRPCError converts a domain error to a gRPC error (implements error interface).
func ToGRPCError(err error) error {
	return ToGRPCStatus(err).Err()
}

// FromGRPCError extracts the gRPC status code from an error.
// Returns codes.Unknown if the error is not a gRPC status error.
func FromGRPCError(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}
