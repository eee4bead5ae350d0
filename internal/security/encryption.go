package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// EncryptionConfig defines parameters for the license record cipher
type EncryptionConfig struct {
	// SCRYPT parameters
	SCryptN      int // CPU/memory cost parameter
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Key length in bytes (32 for AES-256)

	// AES-GCM parameters
	NonceSize int // 96-bit nonce size for GCM
	TagSize   int // 128-bit authentication tag
}

// EncryptedPayload is the on-disk structure of the license record file.
// The key is derived from the device fingerprint so the file cannot be
// copied to another machine and decrypted there.
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"auth_tag"`
	Integrity  []byte `json:"integrity"`
	Timestamp  int64  `json:"timestamp"`
}

// DefaultEncryptionConfig returns the standard encryption configuration
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
		TagSize:      16,
	}
}

// EncryptRecord encrypts a serialized license record using AES-256-GCM with
// a key derived from keyMaterial (the device fingerprint) via SCRYPT.
func EncryptRecord(plaintext []byte, keyMaterial []byte, config *EncryptionConfig) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}

	if len(keyMaterial) < 16 {
		return nil, errors.New("key material must be at least 16 bytes")
	}

	if config == nil {
		config = DefaultEncryptionConfig()
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}

	key, err := scrypt.Key(keyMaterial, salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %v", err)
	}
	defer zeroize(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}

	nonce := make([]byte, config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// Split off the GCM authentication tag (last 16 bytes)
	authTag := sealed[len(sealed)-config.TagSize:]
	ciphertext := sealed[:len(sealed)-config.TagSize]

	integrity := generateIntegrityHash(ciphertext, salt, nonce)

	return &EncryptedPayload{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		AuthTag:    authTag,
		Integrity:  integrity,
		Timestamp:  time.Now().Unix(),
	}, nil
}

// DecryptRecord decrypts a license record payload. Any integrity or
// authentication failure is reported as tampering, not as a generic error.
func DecryptRecord(payload *EncryptedPayload, keyMaterial []byte, config *EncryptionConfig) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}

	if len(keyMaterial) < 16 {
		return nil, errors.New("key material must be at least 16 bytes")
	}

	if config == nil {
		config = DefaultEncryptionConfig()
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}

	// Verify outer integrity before touching the cipher
	expectedIntegrity := generateIntegrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expectedIntegrity) != 1 {
		return nil, errors.New("integrity verification failed - possible tampering detected")
	}

	key, err := scrypt.Key(keyMaterial, payload.Salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %v", err)
	}
	defer zeroize(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}

	sealed := append(append([]byte{}, payload.Ciphertext...), payload.AuthTag...)

	plaintext, err := gcm.Open(nil, payload.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %v", err)
	}

	return plaintext, nil
}

// generateIntegrityHash creates a hash for binary integrity verification
func generateIntegrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("POSCORE-INTEGRITY-V1")) // Domain separator
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}

	if config.SCryptN < 32768 {
		return errors.New("SCryptN must be at least 32768")
	}

	if config.SCryptR < 8 {
		return errors.New("SCryptR must be at least 8")
	}

	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}

	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}

	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}

	if config.TagSize != 16 {
		return errors.New("TagSize must be 16 for AES-GCM")
	}

	return nil
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
