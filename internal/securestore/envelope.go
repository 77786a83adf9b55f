package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	sealedPrefix    = "nxs1:"
	kdfArgon2ID     = "argon2id"

	defaultArgonTime    = uint32(2)
	defaultArgonMemKB   = uint32(64 * 1024)
	defaultArgonThreads = uint8(1)
	maxArgonMemKB       = uint32(1024 * 1024)
	maxArgonTime        = uint32(16)
	maxArgonThreads     = uint8(16)

	// maxCachedKeys bounds the derived keys kept for envelopes written
	// under other salts.
	maxCachedKeys = 32
)

var (
	ErrAuthFailed         = errors.New("securestore authentication failed")
	ErrInvalid            = errors.New("securestore envelope is invalid")
	ErrNotSealed          = errors.New("securestore value is not sealed")
	ErrPassphraseRequired = errors.New("securestore passphrase is required")
	ErrDestroyed          = errors.New("securestore sealer is destroyed")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type kdfParams struct {
	time     uint32
	memoryKB uint32
	threads  uint8
}

type Option func(*kdfParams)

// WithArgon2Params overrides the argon2id cost used for new envelopes.
func WithArgon2Params(time, memoryKB uint32, threads uint8) Option {
	return func(p *kdfParams) {
		if time > 0 {
			p.time = min(time, maxArgonTime)
		}
		if memoryKB > 0 {
			p.memoryKB = min(memoryKB, maxArgonMemKB)
		}
		if threads > 0 {
			p.threads = min(threads, maxArgonThreads)
		}
	}
}

// Sealer encrypts individual record fields with a key derived from a
// passphrase. The passphrase lives in a memguard enclave and derived keys in
// locked buffers; one argon2id run is paid per distinct salt.
type Sealer struct {
	mu         sync.Mutex
	passphrase *memguard.Enclave
	salt       []byte
	params     kdfParams
	keys       map[string]*memguard.LockedBuffer
}

// NewSealer takes ownership of passphrase and wipes it.
func NewSealer(passphrase []byte, opts ...Option) (*Sealer, error) {
	if len(strings.TrimSpace(string(passphrase))) == 0 {
		memguard.WipeBytes(passphrase)
		return nil, ErrPassphraseRequired
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	params := kdfParams{time: defaultArgonTime, memoryKB: defaultArgonMemKB, threads: defaultArgonThreads}
	for _, opt := range opts {
		opt(&params)
	}
	return &Sealer{
		passphrase: memguard.NewEnclave(passphrase),
		salt:       salt,
		params:     params,
		keys:       make(map[string]*memguard.LockedBuffer),
	}, nil
}

// IsSealed reports whether v carries the sealed-value prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

func (s *Sealer) Seal(plaintext []byte) (string, error) {
	aead, err := s.aeadFor(s.salt, s.params)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	env := Envelope{
		Version:     envelopeVersion,
		KDF:         kdfArgon2ID,
		KDFTime:     s.params.time,
		KDFMemoryKB: s.params.memoryKB,
		KDFThreads:  s.params.threads,
		Salt:        append([]byte(nil), s.salt...),
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func (s *Sealer) Open(sealed string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return nil, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalid
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	aead, err := s.aeadFor(env.Salt, kdfParams{time: env.KDFTime, memoryKB: env.KDFMemoryKB, threads: env.KDFThreads})
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Destroy wipes the passphrase and every cached key.
func (s *Sealer) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, buf := range s.keys {
		buf.Destroy()
		delete(s.keys, k)
	}
	s.passphrase = nil
}

// aeadFor builds the cipher while holding the cache lock so an eviction
// cannot wipe the key mid-use.
func (s *Sealer) aeadFor(salt []byte, params kdfParams) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passphrase == nil {
		return nil, ErrDestroyed
	}
	cacheKey := keyCacheID(salt, params)
	buf, ok := s.keys[cacheKey]
	if !ok {
		pass, err := s.passphrase.Open()
		if err != nil {
			return nil, err
		}
		derived := argon2.IDKey(pass.Bytes(), salt, params.time, params.memoryKB, params.threads, chacha20poly1305.KeySize)
		pass.Destroy()
		s.evictLocked()
		buf = memguard.NewBufferFromBytes(derived)
		s.keys[cacheKey] = buf
	}
	return chacha20poly1305.NewX(buf.Bytes())
}

// evictLocked drops foreign-salt keys once the cache is full. The key for
// this sealer's own salt is kept.
func (s *Sealer) evictLocked() {
	if len(s.keys) < maxCachedKeys {
		return
	}
	own := keyCacheID(s.salt, s.params)
	for k, buf := range s.keys {
		if k == own {
			continue
		}
		buf.Destroy()
		delete(s.keys, k)
	}
}

func keyCacheID(salt []byte, params kdfParams) string {
	return fmt.Sprintf("%x/%d/%d/%d", salt, params.time, params.memoryKB, params.threads)
}

func validateEnvelope(env *Envelope) error {
	switch {
	case env.Version != envelopeVersion, env.KDF != kdfArgon2ID:
		return ErrInvalid
	case len(env.Salt) != saltSize, len(env.Nonce) != chacha20poly1305.NonceSizeX:
		return ErrInvalid
	case env.KDFTime == 0, env.KDFTime > maxArgonTime:
		return ErrInvalid
	case env.KDFThreads == 0, env.KDFThreads > maxArgonThreads:
		return ErrInvalid
	case env.KDFMemoryKB == 0, env.KDFMemoryKB > maxArgonMemKB:
		return ErrInvalid
	}
	return nil
}
