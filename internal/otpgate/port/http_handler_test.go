package port

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
	"github.com/aelexs/storefront-otp/pkg/otpapi"
)

func newTestHTTP(t *testing.T, svc otpService) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	h := &HTTPHandler{
		svc:      svc,
		validate: newValidator(),
		logger:   slog.New(slog.NewJSONHandler(&logs, nil)),
	}
	mux, err := h.NewServeMux()
	require.NoError(t, err)
	return mux, &logs
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequestWithContext(context.Background(), method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:53011"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const issueBody = `{"purpose":"ORDER_TRACKING","entity_id":"ORD-1001","mobile":"+919876543210"}`

// ---------------------------------------------------------------------------
// Tests: Issue
// ---------------------------------------------------------------------------

func TestHTTPHandler_Issue(t *testing.T) {
	t.Run("success - returns expiry and resend hint", func(t *testing.T) {
		stub := &stubOTPService{
			issueFn: func(_ context.Context, req app.IssueRequest) (*app.IssueResult, error) {
				assert.Equal(t, "ORDER_TRACKING", req.Purpose)
				assert.Equal(t, testEntity, req.EntityID)
				assert.Equal(t, testMobile, req.Mobile)
				assert.Equal(t, "203.0.113.7", req.ClientIP)
				return &app.IssueResult{
					ChallengeID: "c-1",
					ExpiresAt:   fixedTime.Add(5 * time.Minute),
					ResendAfter: 30 * time.Second,
				}, nil
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteIssue, issueBody,
			map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		resp := decodeBody[otpapi.IssueResponse](t, rec)
		assert.True(t, resp.Success)
		assert.Empty(t, resp.Error)
		require.NotNil(t, resp.ExpiresAt)
		assert.True(t, fixedTime.Add(5*time.Minute).Equal(*resp.ExpiresAt))
		assert.Equal(t, 30, resp.ResendAfter)
		assert.NotContains(t, rec.Body.String(), "c-1")
	})

	t.Run("rate limited - 429 with Retry-After rounded up", func(t *testing.T) {
		stub := &stubOTPService{
			issueFn: func(context.Context, app.IssueRequest) (*app.IssueResult, error) {
				return nil, &domain.RateLimitError{Scope: "mobile", RetryAfter: 119*time.Second + 200*time.Millisecond}
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteIssue, issueBody, nil)

		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "120", rec.Header().Get("Retry-After"))
		resp := decodeBody[otpapi.IssueResponse](t, rec)
		assert.False(t, resp.Success)
		assert.Equal(t, "RATE_LIMITED", resp.Error)
		assert.Equal(t, 120, resp.RetryAfter)
	})

	t.Run("invalid phone - 400 INVALID_PHONE_FORMAT", func(t *testing.T) {
		stub := &stubOTPService{
			issueFn: func(context.Context, app.IssueRequest) (*app.IssueResult, error) {
				return nil, domain.ErrInvalidPhoneFormat
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteIssue,
			`{"purpose":"ORDER_TRACKING","entity_id":"ORD-1001","mobile":"12345"}`, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_PHONE_FORMAT", decodeBody[otpapi.IssueResponse](t, rec).Error)
	})

	t.Run("feature disabled - 503 TEMPORARILY_UNAVAILABLE without error log", func(t *testing.T) {
		stub := &stubOTPService{
			issueFn: func(context.Context, app.IssueRequest) (*app.IssueResult, error) {
				return nil, domain.ErrFeatureDisabled
			},
		}
		mux, logs := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteIssue, issueBody, nil)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decodeBody[otpapi.IssueResponse](t, rec)
		assert.False(t, resp.Success)
		assert.Equal(t, "TEMPORARILY_UNAVAILABLE", resp.Error)
		assert.Empty(t, logs.String())
	})

	t.Run("rejected at the boundary before reaching the service", func(t *testing.T) {
		bodies := map[string]string{
			"malformed json":  `{"purpose":`,
			"unknown purpose": `{"purpose":"LOGIN","entity_id":"ORD-1001","mobile":"+919876543210"}`,
			"missing entity":  `{"purpose":"RETURN_REQUEST","mobile":"+919876543210"}`,
			"missing mobile":  `{"purpose":"RETURN_REQUEST","entity_id":"RET-9"}`,
			"entity too long": `{"purpose":"RETURN_REQUEST","entity_id":"` + strings.Repeat("x", 129) + `","mobile":"+919876543210"}`,
		}
		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				mux, _ := newTestHTTP(t, mustNotCall(t))

				rec := doJSON(t, mux, http.MethodPost, RouteIssue, body, nil)

				require.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, "INVALID_INPUT", decodeBody[otpapi.IssueResponse](t, rec).Error)
			})
		}
	})
}

// ---------------------------------------------------------------------------
// Tests: Verify
// ---------------------------------------------------------------------------

const verifyBody = `{"purpose":"ORDER_TRACKING","entity_id":"ORD-1001","mobile":"+919876543210","otp":"482913"}`

func TestHTTPHandler_Verify(t *testing.T) {
	t.Run("success - returns token and expiry", func(t *testing.T) {
		stub := &stubOTPService{
			verifyFn: func(_ context.Context, req app.VerifyRequest) (*app.VerifyResult, error) {
				assert.Equal(t, "482913", req.OTP)
				assert.Equal(t, "192.0.2.10", req.ClientIP)
				return &app.VerifyResult{
					ChallengeID:    "c-1",
					Token:          "signed.jwt.token",
					TokenExpiresAt: fixedTime.Add(15 * time.Minute),
				}, nil
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteVerify, verifyBody, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[otpapi.VerifyResponse](t, rec)
		assert.True(t, resp.Success)
		assert.Equal(t, "signed.jwt.token", resp.Token)
		require.NotNil(t, resp.ExpiresAt)
		assert.True(t, fixedTime.Add(15*time.Minute).Equal(*resp.ExpiresAt))
		assert.Nil(t, resp.AttemptsRemaining)
	})

	t.Run("mismatch - 400 with attempts remaining", func(t *testing.T) {
		stub := &stubOTPService{
			verifyFn: func(context.Context, app.VerifyRequest) (*app.VerifyResult, error) {
				return nil, &domain.VerifyError{Err: domain.ErrCodeMismatch, AttemptsRemaining: 2}
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteVerify, verifyBody, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody[otpapi.VerifyResponse](t, rec)
		assert.False(t, resp.Success)
		assert.Equal(t, "CODE_MISMATCH", resp.Error)
		require.NotNil(t, resp.AttemptsRemaining)
		assert.Equal(t, 2, *resp.AttemptsRemaining)
		assert.Nil(t, resp.LockedUntil)
		assert.Empty(t, resp.Token)
	})

	t.Run("last attempt - zero remaining with lock time", func(t *testing.T) {
		lockedUntil := fixedTime.Add(15 * time.Minute)
		stub := &stubOTPService{
			verifyFn: func(context.Context, app.VerifyRequest) (*app.VerifyResult, error) {
				return nil, &domain.VerifyError{Err: domain.ErrCodeMismatch, LockedUntil: lockedUntil}
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteVerify, verifyBody, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody[otpapi.VerifyResponse](t, rec)
		require.NotNil(t, resp.AttemptsRemaining)
		assert.Equal(t, 0, *resp.AttemptsRemaining)
		require.NotNil(t, resp.LockedUntil)
		assert.True(t, lockedUntil.Equal(*resp.LockedUntil))
		assert.Contains(t, rec.Body.String(), `"attempts_remaining":0`)
	})

	t.Run("terminal outcomes map to stable codes", func(t *testing.T) {
		tests := []struct {
			err  error
			code string
		}{
			{&domain.VerifyError{Err: domain.ErrLocked, LockedUntil: fixedTime}, "LOCKED"},
			{&domain.VerifyError{Err: domain.ErrExpired, AttemptsRemaining: 5}, "EXPIRED"},
			{&domain.VerifyError{Err: domain.ErrAlreadyUsed}, "ALREADY_USED"},
			{domain.ErrNotFound, "NOT_FOUND"},
		}
		for _, tt := range tests {
			t.Run(tt.code, func(t *testing.T) {
				stub := &stubOTPService{
					verifyFn: func(context.Context, app.VerifyRequest) (*app.VerifyResult, error) {
						return nil, tt.err
					},
				}
				mux, _ := newTestHTTP(t, stub)

				rec := doJSON(t, mux, http.MethodPost, RouteVerify, verifyBody, nil)

				require.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, tt.code, decodeBody[otpapi.VerifyResponse](t, rec).Error)
			})
		}
	})

	t.Run("storage unavailable - 503 TRY_AGAIN and logged", func(t *testing.T) {
		stub := &stubOTPService{
			verifyFn: func(context.Context, app.VerifyRequest) (*app.VerifyResult, error) {
				return nil, domain.ErrStorageUnavailable
			},
		}
		mux, logs := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteVerify, verifyBody, nil)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "TRY_AGAIN", decodeBody[otpapi.VerifyResponse](t, rec).Error)
		assert.Contains(t, logs.String(), "otp request failed")
	})

	t.Run("signing failure - 500 INTERNAL", func(t *testing.T) {
		stub := &stubOTPService{
			verifyFn: func(context.Context, app.VerifyRequest) (*app.VerifyResult, error) {
				return nil, domain.ErrSigningFailure
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteVerify, verifyBody, nil)

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "INTERNAL", decodeBody[otpapi.VerifyResponse](t, rec).Error)
	})

	t.Run("malformed otp rejected before the service", func(t *testing.T) {
		for _, otp := range []string{"12345", "1234567", "12ab56", ""} {
			t.Run(otp, func(t *testing.T) {
				mux, _ := newTestHTTP(t, mustNotCall(t))
				body := `{"purpose":"ORDER_TRACKING","entity_id":"ORD-1001","mobile":"+919876543210","otp":"` + otp + `"}`

				rec := doJSON(t, mux, http.MethodPost, RouteVerify, body, nil)

				require.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Equal(t, "INVALID_INPUT", decodeBody[otpapi.VerifyResponse](t, rec).Error)
			})
		}
	})
}

// ---------------------------------------------------------------------------
// Tests: Introspect, OpenAPI, routing
// ---------------------------------------------------------------------------

func TestHTTPHandler_Introspect(t *testing.T) {
	body := `{"token":"signed.jwt.token","purpose":"RETURN_REQUEST","entity_id":"RET-9"}`

	t.Run("valid token", func(t *testing.T) {
		stub := &stubOTPService{
			introspectFn: func(_ context.Context, token, purpose, entityID string) (*app.TokenInfo, error) {
				assert.Equal(t, "signed.jwt.token", token)
				assert.Equal(t, "RETURN_REQUEST", purpose)
				assert.Equal(t, "RET-9", entityID)
				return &app.TokenInfo{Valid: true, Purpose: domain.PurposeReturnRequest, EntityID: entityID, ExpiresAt: fixedTime}, nil
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteIntrospect, body, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[otpapi.IntrospectResponse](t, rec)
		assert.True(t, resp.Valid)
		require.NotNil(t, resp.ExpiresAt)
		assert.True(t, fixedTime.Equal(*resp.ExpiresAt))
	})

	t.Run("foreign token - 200 not valid", func(t *testing.T) {
		stub := &stubOTPService{
			introspectFn: func(context.Context, string, string, string) (*app.TokenInfo, error) {
				return &app.TokenInfo{Valid: false}, nil
			},
		}
		mux, _ := newTestHTTP(t, stub)

		rec := doJSON(t, mux, http.MethodPost, RouteIntrospect, body, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"valid":false}`, rec.Body.String())
	})

	t.Run("missing token - 400", func(t *testing.T) {
		mux, _ := newTestHTTP(t, mustNotCall(t))

		rec := doJSON(t, mux, http.MethodPost, RouteIntrospect, `{"purpose":"RETURN_REQUEST","entity_id":"RET-9"}`, nil)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_INPUT", decodeBody[otpapi.IntrospectResponse](t, rec).Error)
	})
}

func TestHTTPHandler_OpenAPI(t *testing.T) {
	mux, _ := newTestHTTP(t, mustNotCall(t))

	rec := doJSON(t, mux, http.MethodGet, RouteOpenAPI, "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, RouteIssue)
	assert.Contains(t, paths, RouteVerify)
	assert.Contains(t, paths, RouteIntrospect)
}

func TestHTTPHandler_UnknownRoute(t *testing.T) {
	mux, _ := newTestHTTP(t, mustNotCall(t))

	rec := doJSON(t, mux, http.MethodPost, "/v1/otp/resend", "{}", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"first forwarded hop", "203.0.113.7, 10.0.0.1", "192.0.2.10:1234", "203.0.113.7"},
		{"single forwarded hop", " 198.51.100.4 ", "192.0.2.10:1234", "198.51.100.4"},
		{"remote addr ipv4", "", "192.0.2.10:1234", "192.0.2.10"},
		{"remote addr ipv6", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"remote addr without port", "", "192.0.2.10", "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, RouteIssue, nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, httpClientIP(req))
		})
	}
}
