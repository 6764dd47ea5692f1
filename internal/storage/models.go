package storage

import (
	"encoding/json"
	"time"
)

// Bucket names
const (
	ClientsBucket       = "clients"
	AccessTokensBucket  = "access_tokens"  // access token -> client_id
	RefreshTokensBucket = "refresh_tokens" // refresh token -> client_id
	MetaBucket          = "meta"
)

// Schema version
const (
	CurrentSchemaVersion = uint64(1)
	SchemaVersionKey     = "schema_version"
)

// ClientRecord is one registered OAuth client row. The access and refresh
// token index buckets point back at ID; ReplaceCredentials keeps them in
// sync within a single transaction.
type ClientRecord struct {
	ID            string    `json:"client_id"`
	Name          string    `json:"client_name,omitempty"`
	RedirectURIs  []string  `json:"redirect_uris,omitempty"`
	GrantTypes    []string  `json:"grant_types,omitempty"`
	ResponseTypes []string  `json:"response_types,omitempty"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated,omitempty"`

	// Pending authorization request, set by the authorize endpoint
	Code          string `json:"code,omitempty"`
	CodeChallenge string `json:"code_challenge,omitempty"`

	// Identity linked by the external login callback
	Identity *Identity `json:"identity,omitempty"`

	// Issued credentials, replaced wholesale on exchange and refresh
	Credentials *Credentials `json:"credentials,omitempty"`
}

// Identity is the externally-authenticated end user behind a client.
type Identity struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Credentials is the issued bearer credential tuple.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (c *ClientRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (c *ClientRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}
