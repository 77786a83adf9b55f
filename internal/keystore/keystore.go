// Package keystore persists identity key pairs and per-contact shared secrets
// in the encryption_keys table.
//
// Record ids follow two families: keypair_<userId> for a local identity and
// shared_<contactId> for a derived channel secret. Every local identity owns
// its own partition of the table, so several identities can share one
// database without their shared_<contactId> rows colliding.
package keystore

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"nexus-chat/go-e2ee/internal/crypto"
	"nexus-chat/go-e2ee/internal/securestore"
	"nexus-chat/go-e2ee/pkg/models"

	"github.com/awnumar/memguard"
)

const (
	TableName     = "encryption_keys"
	keyPairPrefix = "keypair_"
	sharedPrefix  = "shared_"
)

var (
	ErrClosed         = errors.New("key store is closed")
	ErrCorruptRecord  = errors.New("key record is corrupt")
	ErrSealerRequired = errors.New("key record is sealed but no passphrase is configured")
	ErrInvalidID      = errors.New("invalid key record id")
)

// SharedRecord is a stored channel secret together with the contact key it
// was derived from.
type SharedRecord struct {
	ContactID        string
	Key              crypto.SymmetricKey
	ContactPublicKey *ecdh.PublicKey
	UpdatedAt        time.Time
}

type KeyStore struct {
	backend Backend
	sealer  *securestore.Sealer
	now     func() time.Time
}

type Option func(*KeyStore)

// WithSealer seals private keys and shared secrets before they reach the backend.
func WithSealer(s *securestore.Sealer) Option {
	return func(k *KeyStore) {
		k.sealer = s
	}
}

func New(backend Backend, opts ...Option) *KeyStore {
	ks := &KeyStore{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

func KeyPairID(userID string) string {
	return keyPairPrefix + userID
}

func SharedKeyID(contactID string) string {
	return sharedPrefix + contactID
}

func (k *KeyStore) StoreKeyPair(ctx context.Context, userID string, kp crypto.KeyPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if kp.Private == nil || kp.Public == nil {
		return crypto.ErrMalformedKey
	}
	storageKey, err := recordKey(userID, KeyPairID(userID))
	if err != nil {
		return err
	}
	priv, err := crypto.ExportPrivateKey(kp.Private)
	if err != nil {
		return err
	}
	priv, err = k.seal(priv)
	if err != nil {
		return err
	}
	return k.backend.Put(storageKey, models.KeyRecord{
		ID:         KeyPairID(userID),
		PrivateKey: priv,
		PublicKey:  crypto.ExportPublicKey(kp.Public),
		UpdatedAt:  k.now().UTC(),
	})
}

// GetKeyPair returns false when no identity has been stored for userID.
func (k *KeyStore) GetKeyPair(ctx context.Context, userID string) (crypto.KeyPair, bool, error) {
	if err := ctx.Err(); err != nil {
		return crypto.KeyPair{}, false, err
	}
	storageKey, err := recordKey(userID, KeyPairID(userID))
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	rec, ok, err := k.backend.Get(storageKey)
	if err != nil || !ok {
		return crypto.KeyPair{}, false, err
	}
	privText, err := k.open(rec.PrivateKey)
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	priv, err := crypto.ImportPrivateKey(privText)
	if err != nil {
		return crypto.KeyPair{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, rec.ID, err)
	}
	pub, err := crypto.ImportPublicKey(rec.PublicKey)
	if err != nil {
		return crypto.KeyPair{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, rec.ID, err)
	}
	if !pub.Equal(priv.PublicKey()) {
		return crypto.KeyPair{}, false, fmt.Errorf("%w: %s: public key does not match private key", ErrCorruptRecord, rec.ID)
	}
	return crypto.KeyPair{Private: priv, Public: pub}, true, nil
}

func (k *KeyStore) DeleteKeyPair(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	storageKey, err := recordKey(userID, KeyPairID(userID))
	if err != nil {
		return err
	}
	return k.backend.Delete(storageKey)
}

// StoreSharedKey overwrites any previous secret for contactID. contactPub may
// be nil when the originating key is unknown.
func (k *KeyStore) StoreSharedKey(ctx context.Context, userID, contactID string, key crypto.SymmetricKey, contactPub *ecdh.PublicKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key.IsZero() {
		return crypto.ErrMalformedKey
	}
	storageKey, err := sharedRecordKey(userID, contactID)
	if err != nil {
		return err
	}
	raw := key.Bytes()
	encoded := base64.StdEncoding.EncodeToString(raw)
	memguard.WipeBytes(raw)
	sealed, err := k.seal(encoded)
	if err != nil {
		return err
	}
	rec := models.KeyRecord{
		ID:        SharedKeyID(contactID),
		Key:       sealed,
		UpdatedAt: k.now().UTC(),
	}
	if contactPub != nil {
		rec.PublicKey = crypto.ExportPublicKey(contactPub)
	}
	return k.backend.Put(storageKey, rec)
}

func (k *KeyStore) GetSharedKey(ctx context.Context, userID, contactID string) (crypto.SymmetricKey, bool, error) {
	rec, ok, err := k.GetSharedRecord(ctx, userID, contactID)
	if err != nil || !ok {
		return crypto.SymmetricKey{}, false, err
	}
	return rec.Key, true, nil
}

func (k *KeyStore) GetSharedRecord(ctx context.Context, userID, contactID string) (SharedRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return SharedRecord{}, false, err
	}
	storageKey, err := sharedRecordKey(userID, contactID)
	if err != nil {
		return SharedRecord{}, false, err
	}
	rec, ok, err := k.backend.Get(storageKey)
	if err != nil || !ok {
		return SharedRecord{}, false, err
	}
	encoded, err := k.open(rec.Key)
	if err != nil {
		return SharedRecord{}, false, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return SharedRecord{}, false, fmt.Errorf("%w: %s: key is not base64", ErrCorruptRecord, rec.ID)
	}
	defer memguard.WipeBytes(raw)
	key, err := crypto.SymmetricKeyFromBytes(raw)
	if err != nil {
		return SharedRecord{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, rec.ID, err)
	}
	out := SharedRecord{ContactID: contactID, Key: key, UpdatedAt: rec.UpdatedAt}
	if rec.PublicKey != "" {
		pub, err := crypto.ImportPublicKey(rec.PublicKey)
		if err != nil {
			return SharedRecord{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, rec.ID, err)
		}
		out.ContactPublicKey = pub
	}
	return out, true, nil
}

func (k *KeyStore) DeleteSharedKey(ctx context.Context, userID, contactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	storageKey, err := sharedRecordKey(userID, contactID)
	if err != nil {
		return err
	}
	return k.backend.Delete(storageKey)
}

// ListContacts returns the contact ids userID holds a shared secret for.
func (k *KeyStore) ListContacts(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix, err := recordKey(userID, sharedPrefix)
	if err != nil {
		return nil, err
	}
	keys, err := k.backend.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, prefix))
	}
	return out, nil
}

func (k *KeyStore) Close() error {
	err := k.backend.Close()
	k.sealer.Destroy()
	return err
}

func (k *KeyStore) seal(value string) (string, error) {
	if k.sealer == nil {
		return value, nil
	}
	return k.sealer.Seal([]byte(value))
}

func (k *KeyStore) open(value string) (string, error) {
	if !securestore.IsSealed(value) {
		return value, nil
	}
	if k.sealer == nil {
		return "", ErrSealerRequired
	}
	plain, err := k.sealer.Open(value)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(plain)
	return string(plain), nil
}

func recordKey(owner, id string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", ErrInvalidID
	}
	return TableName + "/" + url.PathEscape(owner) + "/" + id, nil
}

func sharedRecordKey(owner, contactID string) (string, error) {
	if strings.TrimSpace(contactID) == "" {
		return "", ErrInvalidID
	}
	return recordKey(owner, SharedKeyID(contactID))
}
