package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
)

// BootstrapToken is a tamper-evident pre-session correlator. It is never
// persisted: the signature alone proves the gateway minted it.
type BootstrapToken struct {
	UserAccessKey string `json:"userAccessKey"`
	Token         string `json:"token"`
	Signature     string `json:"signature"`
}

// Signer signs and verifies bootstrap tokens with the gateway's secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a bootstrap token signer
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign produces a URL-safe signed blob: url-escaped base64url of the JSON
// token, signature = HMAC-SHA256(secret, "userAccessKey:token").
func (s *Signer) Sign(userAccessKey, token string) (string, error) {
	bt := BootstrapToken{
		UserAccessKey: userAccessKey,
		Token:         token,
		Signature:     s.signature(userAccessKey, token),
	}

	data, err := json.Marshal(bt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bootstrap token: %w", err)
	}

	return url.QueryEscape(base64.URLEncoding.EncodeToString(data)), nil
}

// Verify decodes and checks a signed blob. Decode or parse failures yield
// ErrInvalidFormat; a signature mismatch yields ErrInvalidSignature.
func (s *Signer) Verify(blob string) (*BootstrapToken, error) {
	unescaped, err := url.QueryUnescape(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	data, err := base64.URLEncoding.DecodeString(unescaped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	var bt BootstrapToken
	if err := json.Unmarshal(data, &bt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	expected := s.signature(bt.UserAccessKey, bt.Token)
	if !hmac.Equal([]byte(expected), []byte(bt.Signature)) {
		return nil, ErrInvalidSignature
	}

	return &bt, nil
}

func (s *Signer) signature(userAccessKey, token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(userAccessKey + ":" + token))
	return hex.EncodeToString(mac.Sum(nil))
}
