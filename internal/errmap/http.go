package errmap

import (
	"errors"
	"net/http"

	"github.com/aelexs/storefront-otp/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and wire codes.
// Order matters: first match wins (via errors.Is).
//
// Verification outcomes are 400s carrying the richer payload, so a client
// tells them apart by code, not status.
var httpMappings = []httpMapping{
	// Validation errors
	{domain.ErrInvalidPhoneFormat, http.StatusBadRequest, CodeInvalidPhoneFormat},
	{domain.ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
	{domain.ErrEmptyID, http.StatusBadRequest, CodeInvalidInput},
	{domain.ErrInvalidID, http.StatusBadRequest, CodeInvalidInput},

	// Verification outcomes
	{domain.ErrLocked, http.StatusBadRequest, CodeLocked},
	{domain.ErrExpired, http.StatusBadRequest, CodeExpired},
	{domain.ErrAlreadyUsed, http.StatusBadRequest, CodeAlreadyUsed},
	{domain.ErrCodeMismatch, http.StatusBadRequest, CodeCodeMismatch},
	{domain.ErrNotFound, http.StatusBadRequest, CodeNotFound},

	// Token errors
	{domain.ErrInvalidToken, http.StatusUnauthorized, CodeInvalidToken},
	{domain.ErrTokenScopeMismatch, http.StatusUnauthorized, CodeInvalidToken},

	// Rate limiting
	{domain.ErrIssuanceRateLimited, http.StatusTooManyRequests, CodeRateLimited},

	// Availability
	{domain.ErrFeatureDisabled, http.StatusServiceUnavailable, CodeTemporarilyUnavailable},
	{domain.ErrStorageUnavailable, http.StatusServiceUnavailable, CodeTryAgain},
}

// ToHTTPError converts a domain error to an HTTP error. Message is the
// sentinel's text, never the wrapped chain.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: m.err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// WireCode returns the stable code for err, or "" for nil.
func WireCode(err error) string {
	return ToHTTPError(err).Code
}
