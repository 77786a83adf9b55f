// Package channel turns stored identity keys and per-contact secrets into
// encrypted message envelopes.
//
// A Manager serves any number of local identities. Every per-contact call
// carries a Session naming the local user, and the state of one
// (user, contact) pair moves through:
//
//	uninitialized -> identity ready -> channel established
//
// CloseChannel steps back to identity ready; ResetIdentity returns the user
// to uninitialized and drops every channel the identity held.
package channel

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nexus-chat/go-e2ee/internal/crypto"
	"nexus-chat/go-e2ee/internal/keystore"
	"nexus-chat/go-e2ee/internal/metrics"
	"nexus-chat/go-e2ee/internal/platform/ratelimiter"
	"nexus-chat/go-e2ee/pkg/models"
)

// Store is the key persistence the manager needs; *keystore.KeyStore
// satisfies it.
type Store interface {
	StoreKeyPair(ctx context.Context, userID string, kp crypto.KeyPair) error
	GetKeyPair(ctx context.Context, userID string) (crypto.KeyPair, bool, error)
	DeleteKeyPair(ctx context.Context, userID string) error
	StoreSharedKey(ctx context.Context, userID, contactID string, key crypto.SymmetricKey, contactPub *ecdh.PublicKey) error
	GetSharedKey(ctx context.Context, userID, contactID string) (crypto.SymmetricKey, bool, error)
	GetSharedRecord(ctx context.Context, userID, contactID string) (keystore.SharedRecord, bool, error)
	DeleteSharedKey(ctx context.Context, userID, contactID string) error
	ListContacts(ctx context.Context, userID string) ([]string, error)
}

// Session names the local identity a call acts for.
type Session struct {
	UserID string
}

const (
	opInitialize = "initialize"
	opEstablish  = "establish"
	opSend       = "send"
	opReceive    = "receive"
	opClose      = "close"
	opReset      = "reset"
	opVerify     = "verify"
	opExport     = "export_phrase"

	warnNoSharedKey     = "no_shared_key"
	warnDecryptFailed   = "decrypt_failed"
	defaultWarnIdleTime = 30 * time.Minute
)

type Manager struct {
	store          Store
	kdf            crypto.KDF
	allowPlaintext bool
	logger         *slog.Logger
	metrics        *metrics.Metrics
	warnLimiter    *ratelimiter.MapLimiter
	now            func() time.Time

	userLocks    *lockTable
	contactLocks *lockTable
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithKDF selects how shared secrets are derived. Both peers must agree.
func WithKDF(kdf crypto.KDF) Option {
	return func(m *Manager) {
		m.kdf = kdf
	}
}

// WithPlaintextFallback controls SendEncryptedMessage when no channel exists:
// true returns a nil envelope, false returns ErrChannelNotEstablished.
func WithPlaintextFallback(allow bool) Option {
	return func(m *Manager) {
		m.allowPlaintext = allow
	}
}

// WithWarnRate throttles repeated per-contact warnings. A zero rate disables
// throttling.
func WithWarnRate(perSecond float64, burst int) Option {
	return func(m *Manager) {
		m.warnLimiter = ratelimiter.New(perSecond, burst, defaultWarnIdleTime)
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("channel manager requires a key store")
	}
	m := &Manager{
		store:          store,
		kdf:            crypto.DefaultKDF,
		allowPlaintext: true,
		logger:         slog.Default(),
		warnLimiter:    ratelimiter.New(1, 5, defaultWarnIdleTime),
		now:            time.Now,
		userLocks:      newLockTable(),
		contactLocks:   newLockTable(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if _, err := crypto.ParseKDF(string(m.kdf)); err != nil {
		return nil, err
	}
	m.logger = m.logger.With("component", "e2ee.channel")
	return m, nil
}

type initOptions struct {
	recoveryPhrase string
}

type InitOption func(*initOptions)

// WithRecoveryPhrase restores the identity from a BIP-39 phrase instead of
// generating a fresh key.
func WithRecoveryPhrase(phrase string) InitOption {
	return func(o *initOptions) {
		o.recoveryPhrase = phrase
	}
}

// InitializeEncryption makes sure userID has an identity key pair and
// returns its public half. Calling it again returns the same key.
func (m *Manager) InitializeEncryption(ctx context.Context, userID string, opts ...InitOption) (info models.IdentityInfo, err error) {
	started := time.Now()
	defer func() { m.finishOp(opInitialize, started, err) }()

	if strings.TrimSpace(userID) == "" {
		return models.IdentityInfo{}, ErrInvalidUser
	}
	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}
	var restored *ecdh.PrivateKey
	if strings.TrimSpace(o.recoveryPhrase) != "" {
		restored, err = crypto.PrivateKeyFromRecoveryPhrase(o.recoveryPhrase)
		if err != nil {
			return models.IdentityInfo{}, err
		}
	}

	unlock := m.userLocks.Lock(userID)
	defer unlock()

	kp, ok, err := m.store.GetKeyPair(ctx, userID)
	if err != nil {
		return models.IdentityInfo{}, fmt.Errorf("load identity: %w", err)
	}
	result := "existing"
	switch {
	case ok && restored != nil && !restored.PublicKey().Equal(kp.Public):
		return models.IdentityInfo{}, ErrIdentityExists
	case ok:
	case restored != nil:
		kp = crypto.KeyPair{Private: restored, Public: restored.PublicKey()}
		result = "restored"
	default:
		kp, err = crypto.GenerateKeyPair()
		if err != nil {
			return models.IdentityInfo{}, err
		}
		result = "created"
	}
	if result != "existing" {
		if err := m.store.StoreKeyPair(ctx, userID, kp); err != nil {
			return models.IdentityInfo{}, fmt.Errorf("store identity: %w", err)
		}
	}

	info = identityInfo(userID, kp.Public)
	m.metrics.IdentityInitialized(result)
	m.logger.Info("encryption identity ready", "user_id", userID, "result", result, "fingerprint", info.Fingerprint)
	return info, nil
}

// Identity returns the stored public identity of userID.
func (m *Manager) Identity(ctx context.Context, userID string) (models.IdentityInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return models.IdentityInfo{}, ErrInvalidUser
	}
	unlock := m.userLocks.RLock(userID)
	defer unlock()

	kp, err := m.loadIdentity(ctx, userID)
	if err != nil {
		return models.IdentityInfo{}, err
	}
	return identityInfo(userID, kp.Public), nil
}

// EstablishSecureChannel derives and stores the shared secret for contactID
// from its published public key. Re-establishing overwrites the old secret;
// Rotated reports that the contact's key differs from the stored one.
func (m *Manager) EstablishSecureChannel(ctx context.Context, sess Session, contactID, contactPublicKey string) (info models.ChannelInfo, err error) {
	started := time.Now()
	defer func() { m.finishOp(opEstablish, started, err) }()

	if err := validateIDs(sess, contactID); err != nil {
		return models.ChannelInfo{}, err
	}
	unlock := m.lockContact(sess.UserID, contactID)
	defer unlock()

	kp, err := m.loadIdentity(ctx, sess.UserID)
	if err != nil {
		return models.ChannelInfo{}, err
	}
	pub, err := crypto.ImportPublicKey(contactPublicKey)
	if err != nil {
		return models.ChannelInfo{}, fmt.Errorf("contact public key: %w", err)
	}

	prev, hadPrev, err := m.store.GetSharedRecord(ctx, sess.UserID, contactID)
	if errors.Is(err, keystore.ErrCorruptRecord) {
		m.logger.Warn("replacing corrupt shared key record", "user_id", sess.UserID, "contact_id", contactID, "error", err)
		hadPrev, err = false, nil
	}
	if err != nil {
		return models.ChannelInfo{}, fmt.Errorf("load shared key: %w", err)
	}
	rotated := hadPrev && prev.ContactPublicKey != nil && !prev.ContactPublicKey.Equal(pub)

	key, err := crypto.DeriveSharedKeyWith(m.kdf, kp.Private, pub)
	if err != nil {
		return models.ChannelInfo{}, err
	}
	if err := m.store.StoreSharedKey(ctx, sess.UserID, contactID, key, pub); err != nil {
		return models.ChannelInfo{}, fmt.Errorf("store shared key: %w", err)
	}

	info = models.ChannelInfo{
		ContactID:          contactID,
		ContactFingerprint: crypto.Fingerprint(pub),
		SafetyNumber:       crypto.SafetyNumber(kp.Public, pub),
		Rotated:            rotated,
	}
	m.metrics.ChannelEstablished(rotated)
	if rotated {
		m.logger.Warn("contact key changed; channel re-keyed",
			"user_id", sess.UserID,
			"contact_id", contactID,
			"previous_fingerprint", crypto.Fingerprint(prev.ContactPublicKey),
			"fingerprint", info.ContactFingerprint,
		)
	} else {
		m.logger.Info("secure channel established", "user_id", sess.UserID, "contact_id", contactID, "fingerprint", info.ContactFingerprint)
	}
	return info, nil
}

// SendEncryptedMessage encrypts message for contactID. Without a channel it
// returns a nil envelope and nil error so the caller can decide what to send,
// unless plaintext fallback is disabled.
func (m *Manager) SendEncryptedMessage(ctx context.Context, sess Session, contactID, message string) (env *models.Envelope, err error) {
	started := time.Now()
	defer func() { m.finishOp(opSend, started, err) }()

	sealed, err := m.seal(ctx, sess, contactID, message)
	if errors.Is(err, ErrChannelNotEstablished) && m.allowPlaintext {
		m.metrics.PlaintextFallback()
		m.warn(sess.UserID, contactID, warnNoSharedKey, "no shared key for contact; message not encrypted")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

// Seal is SendEncryptedMessage without the fallback: a missing channel is
// always ErrChannelNotEstablished.
func (m *Manager) Seal(ctx context.Context, sess Session, contactID, message string) (env models.Envelope, err error) {
	started := time.Now()
	defer func() { m.finishOp(opSend, started, err) }()
	return m.seal(ctx, sess, contactID, message)
}

// ReceiveEncryptedMessage decrypts an envelope from contactID. A missing
// channel or a message that fails authentication yields ok=false with a nil
// error; only storage and input errors are returned.
func (m *Manager) ReceiveEncryptedMessage(ctx context.Context, sess Session, contactID, encrypted, iv string) (plaintext string, ok bool, err error) {
	started := time.Now()
	defer func() { m.finishOp(opReceive, started, err) }()

	plaintext, err = m.open(ctx, sess, contactID, models.Envelope{Encrypted: encrypted, IV: iv})
	switch {
	case err == nil:
		return plaintext, true, nil
	case errors.Is(err, ErrChannelNotEstablished):
		m.warn(sess.UserID, contactID, warnNoSharedKey, "no shared key for contact; cannot decrypt")
		return "", false, nil
	case errors.Is(err, crypto.ErrAuthenticationFailure), errors.Is(err, crypto.ErrMalformedEnvelope):
		m.warn(sess.UserID, contactID, warnDecryptFailed, "failed to decrypt message", "reason", err.Error())
		return "", false, nil
	default:
		return "", false, err
	}
}

// Open is ReceiveEncryptedMessage with every failure returned as an error;
// pass it to Classify to decide what to do.
func (m *Manager) Open(ctx context.Context, sess Session, contactID string, env models.Envelope) (plaintext string, err error) {
	started := time.Now()
	defer func() { m.finishOp(opReceive, started, err) }()
	return m.open(ctx, sess, contactID, env)
}

// VerifyContactKey reports whether contactPublicKey is the key the current
// channel was derived from.
func (m *Manager) VerifyContactKey(ctx context.Context, sess Session, contactID, contactPublicKey string) (match bool, err error) {
	started := time.Now()
	defer func() { m.finishOp(opVerify, started, err) }()

	if err := validateIDs(sess, contactID); err != nil {
		return false, err
	}
	pub, err := crypto.ImportPublicKey(contactPublicKey)
	if err != nil {
		return false, fmt.Errorf("contact public key: %w", err)
	}
	unlock := m.lockContact(sess.UserID, contactID)
	defer unlock()

	rec, ok, err := m.store.GetSharedRecord(ctx, sess.UserID, contactID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrChannelNotEstablished
	}
	return rec.ContactPublicKey != nil && rec.ContactPublicKey.Equal(pub), nil
}

// CloseChannel forgets the shared secret for contactID. Closing a channel
// that does not exist is not an error.
func (m *Manager) CloseChannel(ctx context.Context, sess Session, contactID string) (err error) {
	started := time.Now()
	defer func() { m.finishOp(opClose, started, err) }()

	if err := validateIDs(sess, contactID); err != nil {
		return err
	}
	unlock := m.lockContact(sess.UserID, contactID)
	defer unlock()

	if err := m.store.DeleteSharedKey(ctx, sess.UserID, contactID); err != nil {
		return fmt.Errorf("delete shared key: %w", err)
	}
	m.forgetWarnings(sess.UserID, contactID)
	m.logger.Info("secure channel closed", "user_id", sess.UserID, "contact_id", contactID)
	return nil
}

// ResetIdentity deletes the identity key pair of userID and every channel
// secret it owns. The next InitializeEncryption creates a new identity.
func (m *Manager) ResetIdentity(ctx context.Context, userID string) (err error) {
	started := time.Now()
	defer func() { m.finishOp(opReset, started, err) }()

	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	contacts, err := m.store.ListContacts(ctx, userID)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, contactID := range contacts {
		if err := m.store.DeleteSharedKey(ctx, userID, contactID); err != nil {
			return fmt.Errorf("delete shared key: %w", err)
		}
		m.forgetWarnings(userID, contactID)
	}
	if err := m.store.DeleteKeyPair(ctx, userID); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	m.logger.Warn("encryption identity reset", "user_id", userID, "channels_dropped", len(contacts))
	return nil
}

// ExportRecoveryPhrase returns the BIP-39 phrase that restores the identity
// of userID through WithRecoveryPhrase.
func (m *Manager) ExportRecoveryPhrase(ctx context.Context, userID string) (phrase string, err error) {
	started := time.Now()
	defer func() { m.finishOp(opExport, started, err) }()

	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidUser
	}
	unlock := m.userLocks.RLock(userID)
	defer unlock()

	kp, err := m.loadIdentity(ctx, userID)
	if err != nil {
		return "", err
	}
	return crypto.RecoveryPhrase(kp.Private)
}

func (m *Manager) seal(ctx context.Context, sess Session, contactID, message string) (models.Envelope, error) {
	if err := validateIDs(sess, contactID); err != nil {
		return models.Envelope{}, err
	}
	unlock := m.lockContact(sess.UserID, contactID)
	defer unlock()

	key, ok, err := m.store.GetSharedKey(ctx, sess.UserID, contactID)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("load shared key: %w", err)
	}
	if !ok {
		return models.Envelope{}, ErrChannelNotEstablished
	}
	env, err := crypto.EncryptMessage(message, key)
	if err != nil {
		return models.Envelope{}, err
	}
	m.metrics.MessageEncrypted()
	return env, nil
}

func (m *Manager) open(ctx context.Context, sess Session, contactID string, env models.Envelope) (string, error) {
	if err := validateIDs(sess, contactID); err != nil {
		return "", err
	}
	unlock := m.lockContact(sess.UserID, contactID)
	defer unlock()

	key, ok, err := m.store.GetSharedKey(ctx, sess.UserID, contactID)
	if err != nil {
		return "", fmt.Errorf("load shared key: %w", err)
	}
	if !ok {
		m.metrics.MessageDecrypted("no_key")
		return "", ErrChannelNotEstablished
	}
	plaintext, err := crypto.DecryptMessage(env.Encrypted, env.IV, key)
	if err != nil {
		m.metrics.MessageDecrypted("auth_failed")
		return "", err
	}
	m.metrics.MessageDecrypted("ok")
	return plaintext, nil
}

func (m *Manager) loadIdentity(ctx context.Context, userID string) (crypto.KeyPair, error) {
	kp, ok, err := m.store.GetKeyPair(ctx, userID)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		return crypto.KeyPair{}, ErrIdentityNotInitialized
	}
	return kp, nil
}

// lockContact holds the user's identity shared and the contact exclusively,
// so a concurrent ResetIdentity cannot interleave with channel work.
func (m *Manager) lockContact(userID, contactID string) func() {
	unlockUser := m.userLocks.RLock(userID)
	unlockContact := m.contactLocks.Lock(contactKey(userID, contactID))
	return func() {
		unlockContact()
		unlockUser()
	}
}

func (m *Manager) warn(userID, contactID, reason, msg string, args ...any) {
	allowed, dropped := m.warnLimiter.AllowWithSuppressed(warnKey(userID, contactID, reason), m.now())
	if !allowed {
		m.metrics.WarningsSuppressed(1)
		return
	}
	args = append(args, "user_id", userID, "contact_id", contactID)
	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	m.logger.Warn(msg, args...)
}

func (m *Manager) forgetWarnings(userID, contactID string) {
	m.warnLimiter.Forget(warnKey(userID, contactID, warnNoSharedKey))
	m.warnLimiter.Forget(warnKey(userID, contactID, warnDecryptFailed))
}

func (m *Manager) finishOp(op string, started time.Time, err error) {
	m.metrics.RecordOp(op, started, err)
	if err == nil {
		return
	}
	switch Classify(err) {
	case KindCorrupted:
		m.metrics.RecordError(metrics.CategoryCrypto)
	case KindStorage:
		m.metrics.RecordError(metrics.CategoryStorage)
	case KindInvalidInput, KindReinitialize:
		m.metrics.RecordError(metrics.CategoryInput)
	case KindConfiguration:
		m.metrics.RecordError(metrics.CategoryConfig)
	}
}

func identityInfo(userID string, pub *ecdh.PublicKey) models.IdentityInfo {
	return models.IdentityInfo{
		UserID:      userID,
		PublicKey:   crypto.ExportPublicKey(pub),
		Fingerprint: crypto.Fingerprint(pub),
	}
}

func validateIDs(sess Session, contactID string) error {
	if strings.TrimSpace(sess.UserID) == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(contactID) == "" {
		return ErrInvalidContact
	}
	return nil
}

func contactKey(userID, contactID string) string {
	return userID + "\x00" + contactID
}

func warnKey(userID, contactID, reason string) string {
	return userID + "\x00" + contactID + "\x00" + reason
}
