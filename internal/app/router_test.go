package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/api/handlers"
	"vmconductor.io/conductor/internal/api/middleware"
	"vmconductor.io/conductor/internal/config"
)

func testRouter(signingKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Security: config.SecurityConfig{JWTSigningKey: signingKey, JWTIssuer: "conductor"}}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "conductor_test_total"}))
	return newRouter(cfg, handlers.NewServer(handlers.ServerDeps{}), nil, reg)
}

func get(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicRoutes(t *testing.T) {
	r := testRouter("0123456789abcdef0123456789abcdef")

	require.Equal(t, http.StatusOK, get(r, "/api/v1/health/live", "").Code)
	require.Equal(t, http.StatusOK, get(r, "/api/v1/health/ready", "").Code)

	w := get(r, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "conductor_test_total")
}

func TestRouter_RequiresTokenWhenKeySet(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"
	r := testRouter(key)

	w := get(r, "/api/v1/vms/abc", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	cfg := middleware.JWTConfig{SigningKey: []byte(key), Issuer: "other", ExpiresIn: time.Minute}
	token, _, err := middleware.GenerateToken(cfg, "u", "", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/vms/abc", token).Code)
}

func TestRouter_LogLevelRequiresAdmin(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"
	r := testRouter(key)
	cfg := middleware.JWTConfig{SigningKey: []byte(key), Issuer: "conductor", ExpiresIn: time.Minute}

	operator, _, err := middleware.GenerateToken(cfg, "op", "", []string{middleware.PermissionVMWrite})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, get(r, "/api/v1/admin/log-level", operator).Code)

	admin, _, err := middleware.GenerateToken(cfg, "root", "", []string{middleware.PermissionAdmin})
	require.NoError(t, err)
	w := get(r, "/api/v1/admin/log-level", admin)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"level"`)
}

func TestBuildCORSConfig(t *testing.T) {
	_, ok := buildCORSConfig(nil)
	require.False(t, ok)

	got, ok := buildCORSConfig([]string{"https://example.com"})
	require.True(t, ok)
	require.False(t, got.AllowAllOrigins)
	require.Equal(t, []string{"https://example.com"}, got.AllowOrigins)

	got, ok = buildCORSConfig([]string{"*", "https://example.com"})
	require.True(t, ok)
	require.True(t, got.AllowAllOrigins)
	require.Empty(t, got.AllowOrigins)
	require.NoError(t, got.Validate())
}
