package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/auth"
	"github.com/mcpgate/mcpgate-go/internal/storage"
)

// confirmationPage is served when the login callback carries no redirect
// target of its own.
const confirmationPage = `<!DOCTYPE html>
<html>
<head><title>mcpgate</title></head>
<body>
<h1>Authorization complete</h1>
<p>You can close this window and return to your client.</p>
</body>
</html>
`

// handleAuthURL signs a userAccessKey:token pair into a callback URL. The
// blob is self-contained; nothing is persisted until the login callback
// comes back.
func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	userAccessKey, token, ok := strings.Cut(key, ":")
	if !ok || userAccessKey == "" || token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "key must be userAccessKey:token")
		return
	}

	blob, err := s.signer.Sign(userAccessKey, token)
	if err != nil {
		s.logger.Error("failed to sign bootstrap token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "failed to sign token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url": strings.TrimRight(s.cfg.BaseURL, "/") + "/authorized?token=" + blob,
	})
}

// handleAuthorized is the post-login callback. It accepts either a signed
// bootstrap token (verified, nothing stored) or an OAuth (code, client_id)
// pair, in which case the authenticated identity is linked to the pending
// code. Control then returns to the caller's redirect target, or the
// static confirmation page when none was given.
func (s *Server) handleAuthorized(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	switch {
	case query.Get("token") != "":
		bt, err := s.signer.Verify(query.Get("token"))
		if err != nil {
			if errors.Is(err, auth.ErrInvalidSignature) {
				writeError(w, http.StatusUnauthorized, "invalid_signature", "bootstrap token signature mismatch")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_format", "bootstrap token could not be decoded")
			return
		}
		s.logger.Info("bootstrap callback verified",
			zap.String("user_access_key", bt.UserAccessKey))

	case query.Get("code") != "" && query.Get("client_id") != "":
		identity := &storage.Identity{
			Subject: query.Get("subject"),
			Email:   query.Get("email"),
			Name:    query.Get("name"),
		}
		if identity.Subject == "" {
			identity.Subject = identity.Email
		}
		if identity.Subject == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing authenticated identity")
			return
		}

		err := s.provider.AttachIdentity(query.Get("client_id"), query.Get("code"), identity)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "unknown client or code")
				return
			}
			s.logger.Error("identity attachment failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "server_error", "identity attachment failed")
			return
		}

	default:
		writeError(w, http.StatusBadRequest, "bad_request", "expected token or code with client_id")
		return
	}

	if redirectURI := query.Get("redirect_uri"); redirectURI != "" {
		s.redirectWithCode(w, redirectURI, query.Get("code"), query.Get("state"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(confirmationPage))
}

// redirectWithCode sends the caller back to its own callback, carrying the
// code and state through.
func (s *Server) redirectWithCode(w http.ResponseWriter, redirectURI, code, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid redirect_uri")
		return
	}

	q := u.Query()
	if code != "" {
		q.Set("code", code)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}
