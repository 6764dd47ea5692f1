package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.BaseURL = "http://gateway.test"
	cfg.Auth.SigningSecret = "test-secret"
	cfg.Auth.LoginURL = "https://idp.example.com/login"
	cfg.Auth.TokenTTL = config.Duration(time.Hour)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	srv, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.close)

	return srv
}

func doJSON(t *testing.T, handler http.Handler, req *http.Request, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)

	var body map[string]string
	rec := doJSON(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil), &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestDiscoveryMetadata(t *testing.T) {
	srv := newTestServer(t, nil)

	var meta map[string]any
	rec := doJSON(t, srv.Handler(),
		httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil), &meta)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://gateway.test", meta["issuer"])
	assert.Equal(t, "http://gateway.test/oauth/token", meta["token_endpoint"])
	assert.Equal(t, []any{"S256"}, meta["code_challenge_methods_supported"])
}

func TestFullOAuthFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.Handler()

	// Register
	var registered map[string]any
	rec := doJSON(t, handler, httptest.NewRequest(http.MethodPost, "/oauth/register",
		strings.NewReader(`{"client_name":"cli","redirect_uris":["http://localhost:9/cb"]}`)), &registered)
	require.Equal(t, http.StatusCreated, rec.Code)
	clientID := registered["client_id"].(string)
	require.NotEmpty(t, clientID)

	// Authorize redirects through the external login
	authorizeURL := "/oauth/authorize?client_id=" + clientID +
		"&response_type=code&state=st&redirect_uri=" + url.QueryEscape("http://localhost:9/cb")
	rec = doJSON(t, handler, httptest.NewRequest(http.MethodGet, authorizeURL, nil), nil)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", location.Host)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "http://gateway.test/authorized", location.Query().Get("callback"))

	// Exchange before the login callback fails
	form := url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {clientID},
		"code":       {code},
	}
	tokenReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var tokenErr TokenErrorResponse
	rec = doJSON(t, handler, tokenReq, &tokenErr)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", tokenErr.Error)

	// Login callback attaches the identity and redirects to the client
	callback := "/authorized?client_id=" + clientID + "&code=" + code +
		"&subject=user-1&state=st&redirect_uri=" + url.QueryEscape("http://localhost:9/cb")
	rec = doJSON(t, handler, httptest.NewRequest(http.MethodGet, callback, nil), nil)
	require.Equal(t, http.StatusFound, rec.Code)
	redirected, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, code, redirected.Query().Get("code"))
	assert.Equal(t, "st", redirected.Query().Get("state"))

	// Exchange now succeeds
	tokenReq = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var token TokenResponse
	rec = doJSON(t, handler, tokenReq, &token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Positive(t, token.ExpiresIn)

	// The bearer opens the direct tool surface
	toolsReq := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	toolsReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec = doJSON(t, handler, toolsReq, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Refresh mints a new access token, same refresh token
	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
	}
	refreshReq := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(refreshForm.Encode()))
	refreshReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var refreshed TokenResponse
	rec = doJSON(t, handler, refreshReq, &refreshed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)
	assert.Equal(t, token.RefreshToken, refreshed.RefreshToken)
}

func TestBearerRequiredOnCredentialedSurface(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.Handler()

	for _, target := range []string{"/api/v1/tools", "/api/v1/sessions", "/mcp"} {
		rec := doJSON(t, handler, httptest.NewRequest(http.MethodGet, target, nil), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := doJSON(t, handler, req, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnonymousAccessWhenAuthDisabled(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = false
	})

	var body map[string]any
	rec := doJSON(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil), &body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthorizeRejectsUnknownChallengeMethod(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), httptest.NewRequest(http.MethodGet,
		"/oauth/authorize?client_id=x&code_challenge=y&code_challenge_method=plain", nil), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsupportedGrantType(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/oauth/token",
		strings.NewReader("grant_type=password"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var tokenErr TokenErrorResponse
	rec := doJSON(t, srv.Handler(), req, &tokenErr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", tokenErr.Error)
}

func TestBootstrapAuthURLAndCallback(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.Handler()

	var body map[string]string
	rec := doJSON(t, handler,
		httptest.NewRequest(http.MethodGet, "/auth/url?key=user-1:tok-1", nil), &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, body["url"], "http://gateway.test/authorized?token=")

	// The signed callback verifies and serves the confirmation page.
	callbackPath := strings.TrimPrefix(body["url"], "http://gateway.test")
	rec = doJSON(t, handler, httptest.NewRequest(http.MethodGet, callbackPath, nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization complete")

	// A tampered blob is rejected.
	rec = doJSON(t, handler,
		httptest.NewRequest(http.MethodGet, callbackPath+"x", nil), nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestBootstrapAuthURLMalformedKey(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(),
		httptest.NewRequest(http.MethodGet, "/auth/url?key=no-separator", nil), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizedCallbackRequiresTokenOrCode(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(),
		httptest.NewRequest(http.MethodGet, "/authorized", nil), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
