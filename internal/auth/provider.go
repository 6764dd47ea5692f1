package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/storage"
)

// Provider implements the authorization protocol on top of the credential
// store. Per-client progression: registration issues a client_id, authorize
// stages a code+challenge, the external login callback attaches an identity,
// code exchange mints credentials, refresh re-mints the access token.
type Provider struct {
	store   *storage.BoltDB
	cfg     *config.AuthConfig
	baseURL string
	logger  *zap.Logger
}

// NewProvider creates the authorization provider
func NewProvider(store *storage.BoltDB, cfg *config.AuthConfig, baseURL string, logger *zap.Logger) *Provider {
	return &Provider{
		store:   store,
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// RegisterRequest carries dynamic client registration metadata.
type RegisterRequest struct {
	ClientID      string   `json:"client_id,omitempty"`
	ClientName    string   `json:"client_name,omitempty"`
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
}

// RegisterClient persists a new client, minting a ULID client_id when the
// caller supplies none. A duplicate client_id is rejected.
func (p *Provider) RegisterClient(req *RegisterRequest) (*storage.ClientRecord, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	record := &storage.ClientRecord{
		ID:            clientID,
		Name:          req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    req.GrantTypes,
		ResponseTypes: req.ResponseTypes,
	}
	if len(record.GrantTypes) == 0 {
		record.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(record.ResponseTypes) == 0 {
		record.ResponseTypes = []string{"code"}
	}

	if err := p.store.RegisterClient(record); err != nil {
		if errors.Is(err, storage.ErrClientExists) {
			return nil, fmt.Errorf("%w: client %s already registered", ErrBadRequest, clientID)
		}
		return nil, err
	}

	p.logger.Info("registered client",
		zap.String("client_id", record.ID),
		zap.String("client_name", record.Name))

	return record, nil
}

// AuthorizeRequest is the inbound authorize call.
type AuthorizeRequest struct {
	ClientID      string
	CodeChallenge string
	RedirectURI   string
	State         string
}

// AuthorizeResult carries the staged code and the external login redirect.
type AuthorizeResult struct {
	Code     string
	LoginURL string
}

// Authorize mints a random authorization code, stages it with the PKCE
// challenge on the client row, and builds the external identity provider
// login URL. The login page returns control to the gateway's /authorized
// callback, which attaches the authenticated identity to (clientID, code).
func (p *Provider) Authorize(req *AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: missing client_id", ErrBadRequest)
	}
	if _, err := p.store.GetClient(req.ClientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client %s", ErrUnauthorized, req.ClientID)
		}
		return nil, err
	}

	code, err := newToken()
	if err != nil {
		return nil, err
	}

	if err := p.store.SetAuthorizationRequest(req.ClientID, code, req.CodeChallenge); err != nil {
		return nil, err
	}

	loginURL, err := p.loginRedirect(req, code)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("authorization code issued",
		zap.String("client_id", req.ClientID),
		zap.Bool("pkce", req.CodeChallenge != ""))

	return &AuthorizeResult{Code: code, LoginURL: loginURL}, nil
}

// loginRedirect builds the IdP login URL carrying the code, state, the
// client's final redirect target, and the gateway callback.
func (p *Provider) loginRedirect(req *AuthorizeRequest, code string) (string, error) {
	if p.cfg.LoginURL == "" {
		return "", fmt.Errorf("%w: no login_url configured", ErrBadRequest)
	}

	u, err := url.Parse(p.cfg.LoginURL)
	if err != nil {
		return "", fmt.Errorf("invalid login_url: %w", err)
	}

	q := u.Query()
	q.Set("client_id", req.ClientID)
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	if req.RedirectURI != "" {
		q.Set("redirect_uri", req.RedirectURI)
	}
	q.Set("callback", p.baseURL+"/authorized")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ChallengeForCode returns the stored PKCE challenge for (clientID, code),
// or empty if absent. Full verification may be delegated to the caller when
// skip_pkce_validation is configured.
func (p *Provider) ChallengeForCode(clientID, code string) string {
	record, err := p.store.FindByAuthorizationCode(clientID, code)
	if err != nil {
		return ""
	}
	return record.CodeChallenge
}

// AttachIdentity links the post-login identity to a pending code.
func (p *Provider) AttachIdentity(clientID, code string, identity *storage.Identity) error {
	if err := p.store.AttachIdentity(clientID, code, identity); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: unknown client or code", ErrUnauthorized)
		}
		return err
	}
	p.logger.Info("identity attached",
		zap.String("client_id", clientID),
		zap.String("subject", identity.Subject))
	return nil
}

// ExchangeAuthorizationCode redeems a code for a credential tuple. The code
// must be known and must already carry an identity from the login callback.
// PKCE S256 verification runs locally unless skip_pkce_validation is set.
// The code itself is left in place after a successful exchange, matching
// the documented issuance semantics.
func (p *Provider) ExchangeAuthorizationCode(clientID, code, verifier string) (*storage.Credentials, error) {
	record, err := p.store.FindByAuthorizationCode(clientID, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown authorization code", ErrUnauthorized)
		}
		return nil, err
	}

	if record.Identity == nil {
		return nil, fmt.Errorf("%w: no identity attached to authorization code", ErrUnauthorized)
	}

	if record.CodeChallenge != "" && !p.cfg.SkipPKCEValidation {
		if !verifyPKCE(verifier, record.CodeChallenge) {
			return nil, fmt.Errorf("%w: PKCE verification failed", ErrUnauthorized)
		}
	}

	creds, err := p.mintCredentials(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := p.store.ReplaceCredentials(clientID, creds); err != nil {
		return nil, err
	}

	p.logger.Info("credentials issued",
		zap.String("client_id", clientID),
		zap.Time("expires_at", creds.ExpiresAt))

	return creds, nil
}

// ExchangeRefreshToken mints a fresh access token for a known refresh token.
// The refresh token is reused as-is, never rotated; clients keep presenting
// the one issued at code exchange.
func (p *Provider) ExchangeRefreshToken(refreshToken string, scopes []string) (*storage.Credentials, error) {
	record, err := p.store.FindByRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown refresh token", ErrUnauthorized)
		}
		return nil, err
	}

	creds, err := p.mintCredentials(&refreshToken, scopes)
	if err != nil {
		return nil, err
	}
	if err := p.store.ReplaceCredentials(record.ID, creds); err != nil {
		return nil, err
	}

	p.logger.Debug("access token refreshed", zap.String("client_id", record.ID))

	return creds, nil
}

// TokenInfo is the result of a successful access token verification.
type TokenInfo struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// VerifyAccessToken resolves a bearer token via the access token index.
// Unknown and expired tokens both fail Unauthorized.
func (p *Provider) VerifyAccessToken(token string) (*TokenInfo, error) {
	record, err := p.store.FindByAccessToken(token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown access token", ErrUnauthorized)
		}
		return nil, err
	}

	creds := record.Credentials
	if creds == nil || creds.AccessToken != token {
		return nil, fmt.Errorf("%w: unknown access token", ErrUnauthorized)
	}
	if time.Now().After(creds.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", ErrUnauthorized)
	}

	return &TokenInfo{
		Token:     token,
		ClientID:  record.ID,
		Scopes:    strings.Fields(creds.Scope),
		ExpiresAt: creds.ExpiresAt,
	}, nil
}

// mintCredentials builds a new credential tuple. A nil refreshToken mints a
// fresh one; otherwise the given token is carried over unchanged.
func (p *Provider) mintCredentials(refreshToken *string, scopes []string) (*storage.Credentials, error) {
	accessToken, err := newToken()
	if err != nil {
		return nil, err
	}

	refresh := ""
	if refreshToken != nil {
		refresh = *refreshToken
	} else {
		if refresh, err = newToken(); err != nil {
			return nil, err
		}
	}

	scope := strings.Join(scopes, " ")
	if scope == "" {
		scope = strings.Join(p.cfg.DefaultScopes, " ")
	}

	return &storage.Credentials{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(p.cfg.TokenTTL.Duration()),
		Scope:        scope,
		RefreshToken: refresh,
	}, nil
}

// verifyPKCE checks an S256 code_verifier against the stored challenge.
func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])
	return computed == challenge
}
