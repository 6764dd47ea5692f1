package server

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
)

type contextKey string

const (
	tenantKeyContextKey contextKey = "tenantKey"
	clientIDContextKey  contextKey = "clientID"
)

// TenantKeyFromContext returns the caller's tenant key, falling back to the
// shared default key when no credential was attached.
func TenantKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(tenantKeyContextKey).(string); ok && key != "" {
		return key
	}
	return config.DefaultTenantKey
}

// ClientIDFromContext returns the authenticated client id, if any.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDContextKey).(string)
	return id
}

// bearerAuth verifies the Authorization header on protocol and tool routes.
// The verified token becomes the caller's tenant key, partitioning the
// connector pool. With auth disabled, every caller shares the default key.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth == nil || !s.cfg.Auth.Enabled {
			ctx := context.WithValue(r.Context(), tenantKeyContextKey, config.DefaultTenantKey)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer credential")
			return
		}

		info, err := s.provider.VerifyAccessToken(token)
		if err != nil {
			s.logger.Debug("bearer verification failed", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired credential")
			return
		}

		ctx := context.WithValue(r.Context(), tenantKeyContextKey, info.Token)
		ctx = context.WithValue(ctx, clientIDContextKey, info.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
