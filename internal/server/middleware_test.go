package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/auth"
	"github.com/loreline-ai/loreline/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	// Caller-supplied ID passes through.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	requestIDMiddleware(next).ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	// Absent ID gets generated.
	rec = httptest.NewRecorder()
	requestIDMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestAuthMiddlewarePublicPaths(t *testing.T) {
	mgr := auth.NewManager("secret", time.Hour)
	handler := authMiddleware(mgr, "internal-key", okHandler())

	for _, path := range []string{"/healthz", "/readyz", "/livez", "/auth/token"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuthMiddlewareRuntimePlane(t *testing.T) {
	mgr := auth.NewManager("secret", time.Hour)
	handler := authMiddleware(mgr, "internal-key", okHandler())

	for _, path := range []string{"/chat", "/tools/call", "/tools/list", "/mcp"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Internal-API-Key", "internal-key")
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)

		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Internal-API-Key", "wrong")
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	// A management JWT does not open the runtime plane.
	token, _, err := mgr.IssueToken("ops", "", auth.RoleAdmin)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareManagementPlane(t *testing.T) {
	mgr := auth.NewManager("secret", time.Hour)

	var claims *auth.Claims
	handler := authMiddleware(mgr, "internal-key", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ClaimsFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/releases", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing header")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/releases", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "non-bearer scheme")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/releases", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "garbage token")

	token, _, err := mgr.IssueToken("ops@example.com", "tenant-1", auth.RoleOperator)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/releases", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "ops@example.com", claims.Actor)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims))
}

func TestRequireWrite(t *testing.T) {
	handler := requireWrite(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/releases", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no claims")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/releases", nil),
		&auth.Claims{Actor: "viewer", Role: auth.RoleViewer}))
	assert.Equal(t, http.StatusForbidden, rec.Code, "viewer role")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/releases", nil),
		&auth.Claims{Actor: "ops", Role: auth.RoleOperator}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(slog.New(slog.DiscardHandler), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}

func TestScope(t *testing.T) {
	h := NewHandlers(HandlersDeps{Logger: slog.New(slog.DiscardHandler)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	_, ok := h.scope(rec, req)
	assert.False(t, ok, "missing headers")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-Site-ID", "s1")
	scope, ok := h.scope(rec, req)
	require.True(t, ok)
	assert.Equal(t, model.Scope{TenantID: "t1", SiteID: "s1"}, scope)

	// A token pinned to another tenant is rejected.
	rec = httptest.NewRecorder()
	req = withClaims(req, &auth.Claims{Actor: "ops", TenantID: "t2", Role: auth.RoleAdmin})
	_, ok = h.scope(rec, req)
	assert.False(t, ok)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An unpinned token acts on any tenant.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-Site-ID", "s1")
	req = withClaims(req, &auth.Claims{Actor: "ops", Role: auth.RoleAdmin})
	_, ok = h.scope(rec, req)
	assert.True(t, ok)
}
