// Package auth implements the gateway's self-hosted authorization server:
// OAuth2 authorization-code-with-PKCE issuance backed by the credential
// store, plus the stateless HMAC bootstrap token signer used before any
// durable session exists.
package auth

import "errors"

// Error taxonomy. HTTP handlers map these onto status codes (Unauthorized
// -> 401, NotFound -> 404, BadRequest -> 400); tool-call failures are
// returned as structured results instead.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrBadRequest       = errors.New("bad request")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrInvalidFormat    = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid token signature")
)
