package storage

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Lookup failures surfaced to callers. The auth layer maps these onto its
// own taxonomy; the store itself stays protocol-agnostic.
var (
	ErrNotFound     = errors.New("record not found")
	ErrClientExists = errors.New("client already registered")
)

// RegisterClient persists a new client row. Registration of an existing
// client_id is rejected, not overwritten, so an established client's
// redirect URIs cannot be rebound by a later registration call.
func (b *BoltDB) RegisterClient(record *ClientRecord) error {
	if record.ID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	record.Created = time.Now()

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ClientsBucket))
		if bucket.Get([]byte(record.ID)) != nil {
			return ErrClientExists
		}
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.ID), data)
	})
}

// GetClient retrieves a client record by id
func (b *BoltDB) GetClient(id string) (*ClientRecord, error) {
	var record *ClientRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getClientTx(tx, id)
		return err
	})

	return record, err
}

// FindByAccessToken resolves an access token to its client via the token
// index bucket. One indexed lookup per authenticated request.
func (b *BoltDB) FindByAccessToken(token string) (*ClientRecord, error) {
	return b.findByTokenIndex(AccessTokensBucket, token)
}

// FindByRefreshToken resolves a refresh token to its client.
func (b *BoltDB) FindByRefreshToken(token string) (*ClientRecord, error) {
	return b.findByTokenIndex(RefreshTokensBucket, token)
}

func (b *BoltDB) findByTokenIndex(indexBucket, token string) (*ClientRecord, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	var record *ClientRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		clientID := tx.Bucket([]byte(indexBucket)).Get([]byte(token))
		if clientID == nil {
			return ErrNotFound
		}
		var err error
		record, err = getClientTx(tx, string(clientID))
		return err
	})

	return record, err
}

// FindByAuthorizationCode returns the client only if its pending code
// matches the given one.
func (b *BoltDB) FindByAuthorizationCode(clientID, code string) (*ClientRecord, error) {
	record, err := b.GetClient(clientID)
	if err != nil {
		return nil, err
	}
	if code == "" || record.Code != code {
		return nil, ErrNotFound
	}
	return record, nil
}

// SetAuthorizationRequest stores a freshly minted code and its PKCE
// challenge on the client row.
func (b *BoltDB) SetAuthorizationRequest(clientID, code, codeChallenge string) error {
	return b.updateClient(clientID, func(record *ClientRecord) error {
		record.Code = code
		record.CodeChallenge = codeChallenge
		return nil
	})
}

// AttachIdentity links an externally-authenticated identity to the pending
// (clientID, code) pair. Fails if the code does not match the pending one.
func (b *BoltDB) AttachIdentity(clientID, code string, identity *Identity) error {
	return b.updateClient(clientID, func(record *ClientRecord) error {
		if code == "" || record.Code != code {
			return ErrNotFound
		}
		record.Identity = identity
		return nil
	})
}

// ReplaceCredentials swaps the client's credential tuple and maintains both
// token index buckets in the same transaction: stale index rows are removed
// before the new ones are written, keeping token uniqueness across clients.
func (b *BoltDB) ReplaceCredentials(clientID string, creds *Credentials) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		record, err := getClientTx(tx, clientID)
		if err != nil {
			return err
		}

		accessIdx := tx.Bucket([]byte(AccessTokensBucket))
		refreshIdx := tx.Bucket([]byte(RefreshTokensBucket))

		if old := record.Credentials; old != nil {
			if old.AccessToken != "" {
				if err := accessIdx.Delete([]byte(old.AccessToken)); err != nil {
					return err
				}
			}
			if old.RefreshToken != "" {
				if err := refreshIdx.Delete([]byte(old.RefreshToken)); err != nil {
					return err
				}
			}
		}

		record.Credentials = creds
		record.Updated = time.Now()

		if creds != nil {
			if creds.AccessToken != "" {
				if err := accessIdx.Put([]byte(creds.AccessToken), []byte(clientID)); err != nil {
					return err
				}
			}
			if creds.RefreshToken != "" {
				if err := refreshIdx.Put([]byte(creds.RefreshToken), []byte(clientID)); err != nil {
					return err
				}
			}
		}

		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(ClientsBucket)).Put([]byte(clientID), data)
	})
}

// ListClients returns all registered client records
func (b *BoltDB) ListClients() ([]*ClientRecord, error) {
	var records []*ClientRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ClientsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &ClientRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})

	return records, err
}

// updateClient applies a read-modify-write to one client row in a single
// transaction.
func (b *BoltDB) updateClient(clientID string, mutate func(*ClientRecord) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		record, err := getClientTx(tx, clientID)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		record.Updated = time.Now()

		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(ClientsBucket)).Put([]byte(clientID), data)
	})
}

func getClientTx(tx *bbolt.Tx, id string) (*ClientRecord, error) {
	data := tx.Bucket([]byte(ClientsBucket)).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	record := &ClientRecord{}
	if err := record.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return record, nil
}
