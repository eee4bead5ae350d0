package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "poscore/internal/errors"
	"poscore/internal/security"
)

// LicenseRecord is the locally persisted credential binding one license key
// to one device.
type LicenseRecord struct {
	LicenseKey      string    `json:"license_key"`
	HardwareID      string    `json:"hardware_id"`
	ActivatedAt     time.Time `json:"activated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	GracePeriodEnd  time.Time `json:"grace_period_end"`
	LastValidation  time.Time `json:"last_validation"`
	ValidationToken string    `json:"validation_token"`
	Version         int64     `json:"version"`
	LocationID      string    `json:"location_id,omitempty"`
	LocationName    string    `json:"location_name,omitempty"`
	LocationAddress string    `json:"location_address,omitempty"`
}

// HasGraceWindow reports whether this record defines a grace period beyond
// its hard expiry. When gracePeriodEnd equals expiresAt, expiry is the exact
// hard boundary.
func (r *LicenseRecord) HasGraceWindow() bool {
	return r.GracePeriodEnd.After(r.ExpiresAt)
}

// Seal re-derives the validation token over the record's integrity-bearing
// fields. Must be called after every mutation and before every save.
func (r *LicenseRecord) Seal() {
	r.ValidationToken = deriveValidationToken(r)
}

// TokenValid re-derives the validation token and compares it against the
// stored one in constant time.
func (r *LicenseRecord) TokenValid() bool {
	expected := deriveValidationToken(r)
	return security.SecureCompare([]byte(expected), []byte(r.ValidationToken))
}

// deriveValidationToken computes an HMAC-SHA256 over the record's fields,
// keyed by a digest of the license key and hardware id. The issuing
// authority derives the same value, so a token is never trusted without
// re-derivation.
func deriveValidationToken(r *LicenseRecord) string {
	keyMaterial := sha256.Sum256([]byte(NormalizeKey(r.LicenseKey) + "|" + r.HardwareID))

	canonical := strings.Join([]string{
		NormalizeKey(r.LicenseKey),
		r.HardwareID,
		r.ActivatedAt.UTC().Format(time.RFC3339Nano),
		r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		r.GracePeriodEnd.UTC().Format(time.RFC3339Nano),
		r.LastValidation.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(r.Version, 10),
	}, "|")

	mac := hmac.New(sha256.New, keyMaterial[:])
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Store persists the LicenseRecord encrypted at rest. The cipher key is
// derived from the device fingerprint, so the file is unreadable when copied
// to another machine. All access is serialized through a single mutex:
// validation's record refresh and a transfer's record replacement must never
// interleave.
type Store struct {
	path        string
	keyMaterial []byte
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewStore creates a record store at path, keyed to the given device
// fingerprint.
func NewStore(path string, fingerprint string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:        path,
		keyMaterial: []byte(fingerprint),
		logger:      logger,
	}
}

// Exists reports whether a license record file is present
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and decrypts the current license record.
// Returns ErrNotActivated when no record exists, ErrTampered when the file
// fails integrity or authentication checks, and ErrStorage for anything
// else that prevents reading it.
func (s *Store) Load() (*LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*LicenseRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotActivated
		}
		return nil, fmt.Errorf("%w: reading license record: %v", apperrors.ErrStorage, err)
	}

	var payload security.EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: license record is not a valid payload: %v", apperrors.ErrStorage, err)
	}

	plaintext, err := security.DecryptRecord(&payload, s.keyMaterial, nil)
	if err != nil {
		// A record that decrypted yesterday and fails authentication today
		// has been modified or moved to different hardware.
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTampered, err)
	}

	var record LicenseRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("%w: decoding license record: %v", apperrors.ErrStorage, err)
	}

	return &record, nil
}

// Save encrypts and atomically persists the record. The caller is
// responsible for bumping Version and calling Seal before saving.
func (s *Store) Save(record *LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(record)
}

func (s *Store) saveLocked(record *LicenseRecord) error {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encoding license record: %v", apperrors.ErrStorage, err)
	}

	payload, err := security.EncryptRecord(plaintext, s.keyMaterial, nil)
	if err != nil {
		return fmt.Errorf("%w: encrypting license record: %v", apperrors.ErrStorage, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", apperrors.ErrStorage, err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated record
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating record directory: %v", apperrors.ErrStorage, err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: writing license record: %v", apperrors.ErrStorage, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: committing license record: %v", apperrors.ErrStorage, err)
	}

	s.logger.Debug("License record saved",
		slog.String("license_key", MaskLicenseKey(record.LicenseKey)),
		slog.Int64("version", record.Version),
	)

	return nil
}

// Update loads the record, applies fn, and saves the result under a single
// lock acquisition. fn may return a modified record or an error to abort.
func (s *Store) Update(fn func(*LicenseRecord) error) (*LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	if err := fn(record); err != nil {
		return nil, err
	}

	if err := s.saveLocked(record); err != nil {
		return nil, err
	}

	return record, nil
}

// Delete removes the local record. Used when a transfer moves the license
// off this device. Missing file is not an error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing license record: %v", apperrors.ErrStorage, err)
	}

	s.logger.Info("License record removed", slog.String("path", s.path))
	return nil
}
