package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/auth"
)

// TokenResponse is the OAuth token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenErrorResponse is the RFC 6749 error payload.
type TokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// handleRegister implements dynamic client registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.tokenError(w, http.StatusBadRequest, "invalid_request", "failed to parse registration body")
		return
	}

	record, err := s.provider.RegisterClient(&req)
	if err != nil {
		if errors.Is(err, auth.ErrBadRequest) {
			s.tokenError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
			return
		}
		s.logger.Error("client registration failed", zap.Error(err))
		s.tokenError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":      record.ID,
		"client_name":    record.Name,
		"redirect_uris":  record.RedirectURIs,
		"grant_types":    record.GrantTypes,
		"response_types": record.ResponseTypes,
	})
}

// handleAuthorize stages an authorization code and bounces the caller
// through the external identity provider's login.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if rt := query.Get("response_type"); rt != "" && rt != "code" {
		s.tokenError(w, http.StatusBadRequest, "unsupported_response_type", "only 'code' is supported")
		return
	}
	if method := query.Get("code_challenge_method"); method != "" && method != "S256" {
		s.tokenError(w, http.StatusBadRequest, "invalid_request", "only S256 code_challenge_method is supported")
		return
	}

	result, err := s.provider.Authorize(&auth.AuthorizeRequest{
		ClientID:      query.Get("client_id"),
		CodeChallenge: query.Get("code_challenge"),
		RedirectURI:   query.Get("redirect_uri"),
		State:         query.Get("state"),
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			s.tokenError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		case errors.Is(err, auth.ErrBadRequest):
			s.tokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			s.logger.Error("authorize failed", zap.Error(err))
			s.tokenError(w, http.StatusInternalServerError, "server_error", "authorization failed")
		}
		return
	}

	w.Header().Set("Location", result.LoginURL)
	w.WriteHeader(http.StatusFound)
}

// handleToken issues and refreshes credentials.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.tokenError(w, http.StatusBadRequest, "invalid_request", "failed to parse form")
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		s.handleAuthCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		s.tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type: "+grantType)
	}
}

func (s *Server) handleAuthCodeGrant(w http.ResponseWriter, r *http.Request) {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		if basicID, _, ok := r.BasicAuth(); ok {
			clientID = basicID
		}
	}
	if clientID == "" {
		s.tokenError(w, http.StatusUnauthorized, "invalid_client", "missing client credentials")
		return
	}

	creds, err := s.provider.ExchangeAuthorizationCode(clientID, r.FormValue("code"), r.FormValue("code_verifier"))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.tokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		s.logger.Error("code exchange failed", zap.Error(err))
		s.tokenError(w, http.StatusInternalServerError, "server_error", "token issuance failed")
		return
	}

	tokensIssuedTotal.WithLabelValues("authorization_code").Inc()
	s.sendTokenResponse(w, creds.AccessToken, creds.RefreshToken, creds.Scope, creds.ExpiresAt)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	var scopes []string
	if scope := r.FormValue("scope"); scope != "" {
		scopes = strings.Fields(scope)
	}

	creds, err := s.provider.ExchangeRefreshToken(r.FormValue("refresh_token"), scopes)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			s.tokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		s.logger.Error("refresh exchange failed", zap.Error(err))
		s.tokenError(w, http.StatusInternalServerError, "server_error", "token refresh failed")
		return
	}

	tokensIssuedTotal.WithLabelValues("refresh_token").Inc()
	s.sendTokenResponse(w, creds.AccessToken, creds.RefreshToken, creds.Scope, creds.ExpiresAt)
}

// handleDiscovery serves authorization server metadata.
func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	basePath := s.cfg.Auth.BasePath

	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"registration_endpoint":                 base + basePath + "/register",
		"authorization_endpoint":                base + basePath + "/authorize",
		"token_endpoint":                        base + basePath + "/token",
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic"},
	})
}

func (s *Server) sendTokenResponse(w http.ResponseWriter, accessToken, refreshToken, scope string, expiresAt time.Time) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(expiresAt).Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// tokenError sends an OAuth error response.
func (s *Server) tokenError(w http.ResponseWriter, status int, errorCode, description string) {
	writeJSON(w, status, TokenErrorResponse{
		Error:            errorCode,
		ErrorDescription: description,
	})
}
