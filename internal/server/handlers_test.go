package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/auth"
)

func authHandlers(internalKey string) (*Handlers, *auth.Manager) {
	mgr := auth.NewManager("test-secret", time.Hour)
	h := NewHandlers(HandlersDeps{
		JWTMgr:      mgr,
		InternalKey: internalKey,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return h, mgr
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandleAuthTokenRequiresInternalKey(t *testing.T) {
	h, _ := authHandlers("internal-key")

	rec := httptest.NewRecorder()
	req := postJSON(t, "/auth/token", map[string]any{"actor": "ops", "role": "admin"})
	h.HandleAuthToken(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAuthTokenValidation(t *testing.T) {
	h, _ := authHandlers("internal-key")

	rec := httptest.NewRecorder()
	req := postJSON(t, "/auth/token", map[string]any{"role": "admin"})
	req.Header.Set("X-Internal-API-Key", "internal-key")
	h.HandleAuthToken(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "actor required")

	rec = httptest.NewRecorder()
	req = postJSON(t, "/auth/token", map[string]any{"actor": "ops", "role": "superuser"})
	req.Header.Set("X-Internal-API-Key", "internal-key")
	h.HandleAuthToken(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown role")

	rec = httptest.NewRecorder()
	req = postJSON(t, "/auth/token", map[string]any{"actor": "ops", "role": "admin", "surprise": true})
	req.Header.Set("X-Internal-API-Key", "internal-key")
	h.HandleAuthToken(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields rejected")
}

func TestHandleAuthTokenRoundTrip(t *testing.T) {
	h, mgr := authHandlers("internal-key")

	rec := httptest.NewRecorder()
	req := postJSON(t, "/auth/token", map[string]any{
		"actor":     "ops@example.com",
		"tenant_id": "tenant-1",
		"role":      "operator",
	})
	req.Header.Set("X-Internal-API-Key", "internal-key")
	h.HandleAuthToken(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envelope struct {
		Data struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Data.Token)
	assert.True(t, envelope.Data.ExpiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(envelope.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Actor)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}
