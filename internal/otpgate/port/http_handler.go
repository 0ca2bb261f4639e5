package port

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	apiv1 "github.com/aelexs/storefront-otp/api/v1"
	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/errmap"
	"github.com/aelexs/storefront-otp/internal/observability"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
	"github.com/aelexs/storefront-otp/pkg/otpapi"
)

// maxRequestBody bounds every JSON request body.
const maxRequestBody = 16 << 10

// HTTP routes served by HTTPHandler.
const (
	RouteIssue      = "/v1/otp/issue"
	RouteVerify     = "/v1/otp/verify"
	RouteIntrospect = "/v1/otp/token/introspect"
	RouteOpenAPI    = "/openapi.json"
)

// HTTPHandler serves the JSON API.
type HTTPHandler struct {
	svc      otpService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHTTPHandler creates an HTTPHandler backed by the given service.
func NewHTTPHandler(svc *app.Service, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, validate: newValidator(), logger: logger}
}

// NewServeMux registers the API routes on a fresh grpc-gateway mux.
func (h *HTTPHandler) NewServeMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodPost, RouteIssue, h.issue},
		{http.MethodPost, RouteVerify, h.verify},
		{http.MethodPost, RouteIntrospect, h.introspect},
		{http.MethodGet, RouteOpenAPI, serveOpenAPI},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.fn); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return mux, nil
}

func (h *HTTPHandler) issue(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req otpapi.IssueRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeJSON(r, w, http.StatusBadRequest, otpapi.IssueResponse{Error: errmap.WireCode(err)})
		return
	}

	res, err := h.svc.Issue(r.Context(), app.IssueRequest{
		Purpose:  req.Purpose,
		EntityID: req.EntityID,
		Mobile:   req.Mobile,
		ClientIP: httpClientIP(r),
	})
	resp := issueResponse(res, err)
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	h.respond(r, w, err, resp)
}

func (h *HTTPHandler) verify(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req otpapi.VerifyRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeJSON(r, w, http.StatusBadRequest, otpapi.VerifyResponse{Error: errmap.WireCode(err)})
		return
	}

	res, err := h.svc.Verify(r.Context(), app.VerifyRequest{
		Purpose:  req.Purpose,
		EntityID: req.EntityID,
		Mobile:   req.Mobile,
		OTP:      req.OTP,
		ClientIP: httpClientIP(r),
	})
	h.respond(r, w, err, verifyResponse(res, err))
}

func (h *HTTPHandler) introspect(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req otpapi.IntrospectRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeJSON(r, w, http.StatusBadRequest, otpapi.IntrospectResponse{Error: errmap.WireCode(err)})
		return
	}

	info, err := h.svc.IntrospectToken(r.Context(), req.Token, req.Purpose, req.EntityID)
	h.respond(r, w, err, introspectResponse(info, err))
}

// decode reads and validates a JSON body. Every failure wraps
// ErrInvalidInput.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", errors.Join(domain.ErrInvalidInput, err))
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("validate body: %w", errors.Join(domain.ErrInvalidInput, err))
	}
	return nil
}

// respond writes body with the status errmap assigns to err.
func (h *HTTPHandler) respond(r *http.Request, w http.ResponseWriter, err error, body any) {
	status := errmap.ToHTTPStatusCode(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, domain.ErrFeatureDisabled) {
		observability.WithTraceID(r.Context(), h.logger).ErrorContext(r.Context(), "otp request failed",
			slog.String("route", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	h.writeJSON(r, w, status, body)
}

func (h *HTTPHandler) writeJSON(r *http.Request, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.DebugContext(r.Context(), "write response failed", slog.String("error", err.Error()))
	}
}

func serveOpenAPI(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apiv1.Spec)
}

// httpClientIP takes the first X-Forwarded-For hop, else the peer address.
func httpClientIP(r *http.Request) string {
	if ip := firstForwardedHop(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	return hostOnly(r.RemoteAddr)
}
