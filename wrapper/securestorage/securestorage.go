// Package securestorage wraps a cachekit.Storage to add security at
// rest: cache keys are always hashed with SHA-256 before reaching the
// underlying backend, and entry bodies are optionally encrypted with
// AES-256-GCM when a passphrase is configured.
package securestorage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cachekit/cachekit"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keyLength = 32
	nonceSize = 12
)

// Config holds the configuration for creating a Storage.
type Config struct {
	// Storage is the underlying storage to wrap (required).
	Storage cachekit.Storage

	// Passphrase is the secret used to derive the AES-256 encryption key.
	// If empty, only key hashing is performed and bodies are stored in
	// the clear. Must be kept secret and consistent across restarts, or
	// previously written entries become undecryptable.
	Passphrase string
}

// Storage wraps an underlying cachekit.Storage, hashing every key with
// SHA-256 and, if configured with a passphrase, encrypting entry bodies
// with AES-256-GCM.
type Storage struct {
	underlying cachekit.Storage
	gcm        cipher.AEAD
}

// New creates a Storage wrapping config.Storage. Keys are always hashed;
// encryption is enabled only when config.Passphrase is non-empty.
func New(config Config) (*Storage, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("securestorage: storage cannot be nil")
	}

	s := &Storage{underlying: config.Storage}
	if config.Passphrase != "" {
		gcm, err := initEncryption(config.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("securestorage: failed to initialize encryption: %w", err)
		}
		s.gcm = gcm
	}
	return s, nil
}

func initEncryption(passphrase string) (cipher.AEAD, error) {
	salt := sha256.Sum256([]byte("cachekit-securestorage-salt-v1"))
	key, err := scrypt.Key([]byte(passphrase), salt[:], scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// IsEncrypted returns true if the storage is configured with encryption.
func (s *Storage) IsEncrypted() bool {
	return s.gcm != nil
}

func (s *Storage) encrypt(data []byte) ([]byte, error) {
	if s.gcm == nil {
		return data, nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.gcm.Seal(nonce, nonce, data, nil)
	return ciphertext, nil
}

func (s *Storage) decrypt(data []byte) ([]byte, error) {
	if s.gcm == nil {
		return data, nil
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := data[:nonceSize]
	ciphertext := data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	hashedKey := hashKey(key)
	entry, ok, err := s.underlying.Get(ctx, hashedKey)
	if err != nil || !ok {
		return entry, ok, err
	}
	decoded, err := s.decodeEntry(hashedKey, entry)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (s *Storage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	hashedKey := hashKey(key)
	encoded, err := s.encodeEntry(hashedKey, entry)
	if err != nil {
		return err
	}
	return s.underlying.Put(ctx, hashedKey, encoded)
}

func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	hashedKey := hashKey(key)
	return s.underlying.Update(ctx, hashedKey, func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
		var decodedCurrent *cachekit.CacheEntry
		if current != nil {
			decoded, err := s.decodeEntry(hashedKey, current)
			if err != nil {
				cachekit.GetLogger().Warn("securestorage: decrypting current entry failed", "key", hashedKey, "error", err)
				return nil, false
			}
			decodedCurrent = decoded
		}

		next, ok := f(decodedCurrent)
		if !ok {
			return nil, false
		}
		encoded, err := s.encodeEntry(hashedKey, next)
		if err != nil {
			cachekit.GetLogger().Warn("securestorage: encrypting next entry failed", "key", hashedKey, "error", err)
			return nil, false
		}
		return encoded, true
	})
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	return s.underlying.Remove(ctx, hashKey(key))
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	hashedKeys := make([]string, len(keys))
	byHash := make(map[string]string, len(keys))
	for i, key := range keys {
		h := hashKey(key)
		hashedKeys[i] = h
		byHash[h] = key
	}

	entries, err := s.underlying.GetMany(ctx, hashedKeys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*cachekit.CacheEntry, len(entries))
	for hashedKey, entry := range entries {
		decoded, err := s.decodeEntry(hashedKey, entry)
		if err != nil {
			return nil, err
		}
		out[byHash[hashedKey]] = decoded
	}
	return out, nil
}

func (s *Storage) encodeEntry(hashedKey string, entry *cachekit.CacheEntry) (*cachekit.CacheEntry, error) {
	if entry == nil || entry.Body == nil {
		return entry, nil
	}
	raw, err := entry.Body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("securestorage: reading body: %w", err)
	}
	encrypted, err := s.encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("securestorage: encrypting body for key %q: %w", hashedKey, err)
	}
	return withBody(entry, encrypted), nil
}

func (s *Storage) decodeEntry(hashedKey string, entry *cachekit.CacheEntry) (*cachekit.CacheEntry, error) {
	if entry == nil || entry.Body == nil {
		return entry, nil
	}
	raw, err := entry.Body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("securestorage: reading stored body: %w", err)
	}
	decrypted, err := s.decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("securestorage: decrypting body for key %q: %w", hashedKey, err)
	}
	return withBody(entry, decrypted), nil
}

func withBody(entry *cachekit.CacheEntry, body []byte) *cachekit.CacheEntry {
	clone := *entry
	clone.Body = cachekit.NewBytesResource(body)
	return &clone
}

var _ cachekit.Storage = (*Storage)(nil)
