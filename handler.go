package trustcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skylens/trustcore/security"
	"github.com/skylens/trustcore/storage"
)

// contextKey is a private type for request context values.
type contextKey string

const principalContextKey contextKey = "trustcore.principal"

// PrincipalFromContext returns the principal attached by the validation
// middleware, or nil when the request was not authenticated.
func PrincipalFromContext(ctx context.Context) *storage.Principal {
	p, _ := ctx.Value(principalContextKey).(*storage.Principal)
	return p
}

// Handler exposes the trust core over HTTP. All endpoints speak JSON and
// carry the strict security header set; bearer secrets travel only in the
// Authorization header.
type Handler struct {
	server    *Server
	ipLimiter *security.IPLimiter
	serverURL string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewHandler creates an HTTP handler for the given server. serverURL is the
// externally visible base URL; an https scheme turns on HSTS.
func NewHandler(server *Server, serverURL string, logger *slog.Logger) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := server.Config()
	return &Handler{
		server: server,
		ipLimiter: security.NewIPLimiter(
			cfg.RateLimit.IPRate, cfg.RateLimit.IPBurst, 0, logger),
		serverURL: serverURL,
		logger:    logger,
		tracer:    otel.Tracer("github.com/skylens/trustcore"),
	}, nil
}

// Close stops the IP limiter's background cleanup.
func (h *Handler) Close() {
	h.ipLimiter.Stop()
}

// RegisterRoutes registers all endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
}

// Middleware validates the bearer token on incoming requests, charges the
// call against the principal's api-class budget and attaches the owning
// principal to the request context. Use it to guard resource endpoints
// living outside this package.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := h.admitRequest(w, r)
		if !ok {
			return
		}

		principal, err := h.server.Validate(r.Context(), extractBearerToken(r), client)
		if err != nil {
			h.writeError(w, err)
			return
		}

		if err := h.server.CheckAPIBudget(r.Context(), principal.ID); err != nil {
			h.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.register")
	defer span.End()

	if _, ok := h.admitRequest(w, r); !ok {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewAuthError(ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest))
		return
	}

	principal, err := h.server.Register(ctx, req.Ref, req.Credential)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, RegisterResponse{PrincipalID: principal.ID})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.login")
	defer span.End()

	client, ok := h.admitRequest(w, r)
	if !ok {
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewAuthError(ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest))
		return
	}

	token, err := h.server.Authenticate(ctx, req.Ref, req.Credential, client)
	if err != nil {
		span.SetAttributes(attribute.Bool("auth.success", false))
		h.writeError(w, err)
		return
	}

	span.SetAttributes(attribute.Bool("auth.success", true))
	h.writeJSON(w, http.StatusOK, tokenResponse(token, h.server.now()))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.refresh")
	defer span.End()

	client, ok := h.admitRequest(w, r)
	if !ok {
		return
	}

	token, err := h.server.Refresh(ctx, extractBearerToken(r), client)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tokenResponse(token, h.server.now()))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.logout")
	defer span.End()

	if _, ok := h.admitRequest(w, r); !ok {
		return
	}

	revoked, err := h.server.Logout(ctx, extractBearerToken(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, LogoutResponse{Revoked: revoked})
}

// admitRequest applies the per-request transport checks shared by every
// endpoint: security headers, client IP resolution, and the in-process IP
// rate limit. It reports false after writing a response.
func (h *Handler) admitRequest(w http.ResponseWriter, r *http.Request) (ClientInfo, bool) {
	security.SetSecurityHeaders(w, h.serverURL)

	cfg := h.server.Config()
	client := ClientInfo{
		IP:        security.GetClientIP(r, cfg.RateLimit.TrustProxy, cfg.RateLimit.TrustedProxyCount),
		UserAgent: r.UserAgent(),
	}

	if !h.ipLimiter.Allow(client.IP) {
		w.Header().Set("Retry-After", "60")
		h.writeError(w, ErrRateLimitExceeded)
		return ClientInfo{}, false
	}
	return client, true
}

// extractBearerToken pulls the bearer secret from the Authorization header.
// Returns an empty string when the header is missing or not a bearer scheme;
// the server treats that the same as an unknown token.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func tokenResponse(token *IssuedToken, now time.Time) TokenResponse {
	return TokenResponse{
		AccessToken: token.Secret,
		TokenType:   "Bearer",
		ExpiresIn:   int64(token.ExpiresAt.Sub(now).Seconds()),
	}
}

// writeError maps an error to its HTTP shape. Anything that is not an
// AuthError is treated as an internal failure so storage and crypto detail
// never leaks to the client.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		h.logger.Error("Unclassified handler error", "error", err)
		authErr = ErrServerError
	}

	if authErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", authErr.Code))
	}
	if authErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(authErr.RetryAfter.Seconds())+1))
	}

	h.writeJSON(w, authErr.Status, ErrorResponse{
		Error:            authErr.Code,
		ErrorDescription: authErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
