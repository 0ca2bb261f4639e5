package port

import (
	"context"
	"errors"
	"math"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/errmap"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
	"github.com/aelexs/storefront-otp/pkg/otpapi"
)

// otpService is a narrow, consumer-defined interface for the service
// operations the transports require. The *app.Service satisfies this.
type otpService interface {
	Issue(ctx context.Context, req app.IssueRequest) (*app.IssueResult, error)
	Verify(ctx context.Context, req app.VerifyRequest) (*app.VerifyResult, error)
	IntrospectToken(ctx context.Context, token, purpose, entityID string) (*app.TokenInfo, error)
}

var _ otpService = (*app.Service)(nil)

// newValidator returns the boundary validator. Field names in errors use
// the json tag so messages match the wire.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// inBand reports whether err is a domain outcome the caller acts on, as
// opposed to a transport-level failure.
func inBand(err error) bool {
	return errors.Is(err, domain.ErrIssuanceRateLimited) ||
		errors.Is(err, domain.ErrCodeMismatch) ||
		errors.Is(err, domain.ErrLocked) ||
		errors.Is(err, domain.ErrExpired) ||
		errors.Is(err, domain.ErrAlreadyUsed) ||
		errors.Is(err, domain.ErrNotFound)
}

// issueResponse builds the wire body for an Issue call.
func issueResponse(res *app.IssueResult, err error) otpapi.IssueResponse {
	if err != nil {
		resp := otpapi.IssueResponse{Error: errmap.WireCode(err)}
		if rl, ok := domain.AsRateLimitError(err); ok {
			resp.RetryAfter = ceilSeconds(rl.RetryAfter)
		}
		return resp
	}
	expiresAt := res.ExpiresAt.UTC()
	return otpapi.IssueResponse{
		Success:     true,
		ExpiresAt:   &expiresAt,
		ResendAfter: ceilSeconds(res.ResendAfter),
	}
}

// verifyResponse builds the wire body for a Verify call.
func verifyResponse(res *app.VerifyResult, err error) otpapi.VerifyResponse {
	if err != nil {
		resp := otpapi.VerifyResponse{Error: errmap.WireCode(err)}
		if ve, ok := domain.AsVerifyError(err); ok {
			remaining := ve.AttemptsRemaining
			resp.AttemptsRemaining = &remaining
			if !ve.LockedUntil.IsZero() {
				lockedUntil := ve.LockedUntil.UTC()
				resp.LockedUntil = &lockedUntil
			}
		}
		return resp
	}
	expiresAt := res.TokenExpiresAt.UTC()
	return otpapi.VerifyResponse{
		Success:   true,
		Token:     res.Token,
		ExpiresAt: &expiresAt,
	}
}

// introspectResponse builds the wire body for an IntrospectToken call.
func introspectResponse(info *app.TokenInfo, err error) otpapi.IntrospectResponse {
	if err != nil {
		return otpapi.IntrospectResponse{Error: errmap.WireCode(err)}
	}
	if !info.Valid {
		return otpapi.IntrospectResponse{}
	}
	expiresAt := info.ExpiresAt.UTC()
	return otpapi.IntrospectResponse{Valid: true, ExpiresAt: &expiresAt}
}

// ceilSeconds rounds d up to whole seconds, clamped to the int32 range.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := math.Ceil(d.Seconds())
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(secs)
}

// firstForwardedHop returns the left-most address of an X-Forwarded-For
// value, or "" when the header is empty.
func firstForwardedHop(xff string) string {
	if idx := strings.IndexByte(xff, ','); idx >= 0 {
		xff = xff[:idx]
	}
	return strings.TrimSpace(xff)
}

// hostOnly strips the port from a host:port address.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// grpcClientIP extracts the client IP from "x-forwarded-for" metadata
// or falls back to the gRPC peer address.
func grpcClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if ip := firstForwardedHop(vals[0]); ip != "" {
				return ip
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return hostOnly(p.Addr.String())
	}
	return ""
}
