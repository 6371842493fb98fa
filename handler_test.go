package trustcore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testUserAgent = "handler-test/1.0"

func newTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *http.ServeMux, *testEnv) {
	t.Helper()

	env := newTestEnv(t, mutate)
	handler, err := NewHandler(env.server, "https://auth.example.com", env.server.Config().Logger)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(handler.Close)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return handler, mux, env
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", testUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func registerAndLogin(t *testing.T, mux *http.ServeMux) TokenResponse {
	t.Helper()

	rec := doJSON(t, mux, http.MethodPost, "/auth/register",
		RegisterRequest{Ref: testRef, Credential: testCredential}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/login",
		LoginRequest{Ref: testRef, Credential: testCredential}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}

	var token TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return token
}

func TestHandler_LoginFlow(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)

	token := registerAndLogin(t, mux)
	if token.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", token.TokenType)
	}
	if token.ExpiresIn <= 0 || token.ExpiresIn > 1800 {
		t.Errorf("expires_in = %d, want (0, 1800]", token.ExpiresIn)
	}
}

func TestHandler_LoginRejections(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)
	registerAndLogin(t, mux)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "wrong credential",
			body:       LoginRequest{Ref: testRef, Credential: "wrong credential 99"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidCredentials,
		},
		{
			name:       "unknown ref",
			body:       LoginRequest{Ref: "nobody@example.com", Credential: testCredential},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidCredentials,
		},
		{
			name:       "malformed body",
			body:       nil, // empty body fails decoding
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, mux, http.MethodPost, "/auth/login", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("error code = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestHandler_SecurityHeaders(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login",
		LoginRequest{Ref: testRef, Credential: testCredential}, nil)

	headers := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Referrer-Policy":           "no-referrer",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
	for name, want := range headers {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestHandler_UnauthorizedSetsWWWAuthenticate(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)
	registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login",
		LoginRequest{Ref: testRef, Credential: "wrong credential 99"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q, want Bearer challenge", got)
	}
}

func TestHandler_RefreshAndLogout(t *testing.T) {
	_, mux, _ := newTestHandler(t, nil)
	token := registerAndLogin(t, mux)

	bearer := map[string]string{"Authorization": "Bearer " + token.AccessToken}

	rec := doJSON(t, mux, http.MethodPost, "/auth/refresh", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body)
	}
	var fresh TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.AccessToken == token.AccessToken {
		t.Error("refresh did not rotate the access token")
	}

	// The pre-rotation token is dead.
	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", nil, bearer)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh with stale token status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", nil,
		map[string]string{"Authorization": "Bearer " + fresh.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body %s", rec.Code, rec.Body)
	}
	var out LogoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Revoked {
		t.Error("logout revoked = false, want true")
	}

	// Logging out again finds nothing live; still a 200.
	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", nil,
		map[string]string{"Authorization": "Bearer " + fresh.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("second logout status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Revoked {
		t.Error("second logout revoked = true, want false")
	}
}

func TestHandler_Middleware(t *testing.T) {
	handler, mux, _ := newTestHandler(t, nil)
	token := registerAndLogin(t, mux)

	var seen *string
	protected := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := PrincipalFromContext(r.Context()); p != nil {
			seen = &p.ID
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	protectedMux := http.NewServeMux()
	protectedMux.Handle("GET /whoami", protected)

	t.Run("valid token", func(t *testing.T) {
		rec := doJSON(t, protectedMux, http.MethodGet, "/whoami", nil,
			map[string]string{"Authorization": "Bearer " + token.AccessToken})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		if seen == nil || *seen == "" {
			t.Error("principal not attached to request context")
		}
	})

	t.Run("missing header", func(t *testing.T) {
		rec := doJSON(t, protectedMux, http.MethodGet, "/whoami", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := doJSON(t, protectedMux, http.MethodGet, "/whoami", nil,
			map[string]string{"Authorization": "Bearer garbage"})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong scheme", func(t *testing.T) {
		rec := doJSON(t, protectedMux, http.MethodGet, "/whoami", nil,
			map[string]string{"Authorization": "Basic dXNlcjpwYXNz"})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestHandler_MiddlewareEnforcesAPICeiling(t *testing.T) {
	handler, mux, _ := newTestHandler(t, func(cfg *Config) {
		cfg.RateLimit.APICeiling = 2
	})
	token := registerAndLogin(t, mux)

	protected := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	protectedMux := http.NewServeMux()
	protectedMux.Handle("GET /whoami", protected)
	auth := map[string]string{"Authorization": "Bearer " + token.AccessToken}

	for i := 0; i < 2; i++ {
		rec := doJSON(t, protectedMux, http.MethodGet, "/whoami", nil, auth)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d, want 204", i+1, rec.Code)
		}
	}

	rec := doJSON(t, protectedMux, http.MethodGet, "/whoami", nil, auth)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("ceiling+1 status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestHandler_WindowedThrottleSetsRetryAfter(t *testing.T) {
	_, mux, _ := newTestHandler(t, func(cfg *Config) {
		cfg.RateLimit.LoginCeiling = 2
	})

	for i := 0; i < 2; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/auth/login",
			LoginRequest{Ref: testRef, Credential: "wrong credential 99"}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := doJSON(t, mux, http.MethodPost, "/auth/login",
		LoginRequest{Ref: testRef, Credential: "wrong credential 99"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("ceiling+1 status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestHandler_IPRateLimit(t *testing.T) {
	_, mux, _ := newTestHandler(t, func(cfg *Config) {
		cfg.RateLimit.IPRate = 1
		cfg.RateLimit.IPBurst = 2
	})

	var throttled bool
	for i := 0; i < 5; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/auth/login",
			LoginRequest{Ref: testRef, Credential: testCredential}, nil)
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 response missing Retry-After header")
			}
			break
		}
	}
	if !throttled {
		t.Error("burst of 5 requests never hit the IP token bucket")
	}
}

func TestHandler_ExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "standard", header: "Bearer abc123", want: "abc123"},
		{name: "lowercase scheme", header: "bearer abc123", want: "abc123"},
		{name: "missing", header: "", want: ""},
		{name: "wrong scheme", header: "Basic abc123", want: ""},
		{name: "scheme only", header: "Bearer", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := extractBearerToken(req); got != tt.want {
				t.Errorf("extractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandler_TrustedProxyClientIP(t *testing.T) {
	_, mux, _ := newTestHandler(t, func(cfg *Config) {
		cfg.RateLimit.TrustProxy = true
		cfg.RateLimit.LoginCeiling = 1
	})

	// Two requests from distinct forwarded IPs each get their own budget.
	for i := 0; i < 2; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/auth/login",
			LoginRequest{Ref: testRef, Credential: "wrong credential 99"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("request %d status = %d, want 401 (own budget)", i+1, rec.Code)
		}
	}

	// A repeat from the first IP is over its ceiling.
	rec := doJSON(t, mux, http.MethodPost, "/auth/login",
		LoginRequest{Ref: testRef, Credential: "wrong credential 99"},
		map[string]string{"X-Forwarded-For": "198.51.100.1"})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("repeat status = %d, want 429", rec.Code)
	}
}
