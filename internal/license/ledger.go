package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "poscore/internal/errors"
	"poscore/internal/security"
)

// Ledger holds the highest version and lastValidation pair ever observed on
// this device, in a file separate from the license record. Restoring a stale
// backup of the record file alone therefore cannot roll state back: the next
// validation compares against the ledger and classifies the regression as
// tampering.
//
// The ledger only advances. The sole exception is Reset, used when a
// transfer or re-activation legitimately establishes a fresh baseline.
type Ledger struct {
	path   string
	secret []byte
	mu     sync.Mutex
}

type ledgerState struct {
	Version        int64     `json:"version"`
	LastValidation time.Time `json:"last_validation"`
	UpdatedAt      time.Time `json:"updated_at"`
	Signature      string    `json:"signature"`
}

// NewLedger creates a ledger at path, signed with a secret derived from the
// device fingerprint.
func NewLedger(path string, fingerprint string) *Ledger {
	secret := sha256.Sum256([]byte("poscore-ledger-v1|" + fingerprint))
	return &Ledger{
		path:   path,
		secret: secret[:],
	}
}

// State returns the highest observed version and lastValidation. A missing
// ledger file yields zero values, which every real record exceeds.
func (l *Ledger) State() (int64, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.readLocked()
	if err != nil {
		return 0, time.Time{}, err
	}
	if state == nil {
		return 0, time.Time{}, nil
	}
	return state.Version, state.LastValidation, nil
}

// Observe records a newly accepted version/lastValidation pair. Values that
// do not exceed the current maxima are ignored per field; the ledger never
// moves backwards.
func (l *Ledger) Observe(version int64, lastValidation time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.readLocked()
	if err != nil {
		return err
	}
	if state == nil {
		state = &ledgerState{}
	}

	changed := false
	if version > state.Version {
		state.Version = version
		changed = true
	}
	if lastValidation.After(state.LastValidation) {
		state.LastValidation = lastValidation
		changed = true
	}

	if !changed {
		return nil
	}

	return l.writeLocked(state)
}

// Reset establishes a fresh baseline, discarding prior maxima. Only
// activation and transfer completion may call this: both mint a new record
// whose version restarts.
func (l *Ledger) Reset(version int64, lastValidation time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeLocked(&ledgerState{
		Version:        version,
		LastValidation: lastValidation,
	})
}

// Clear removes the ledger file entirely
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing ledger: %v", apperrors.ErrStorage, err)
	}
	return nil
}

func (l *Ledger) readLocked() (*ledgerState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading ledger: %v", apperrors.ErrStorage, err)
	}

	var state ledgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: ledger is not valid JSON: %v", apperrors.ErrTampered, err)
	}

	expected := l.sign(&state)
	if !security.SecureCompare([]byte(expected), []byte(state.Signature)) {
		return nil, fmt.Errorf("%w: ledger signature mismatch", apperrors.ErrTampered)
	}

	return &state, nil
}

func (l *Ledger) writeLocked(state *ledgerState) error {
	state.UpdatedAt = time.Now().UTC()
	state.Signature = l.sign(state)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encoding ledger: %v", apperrors.ErrStorage, err)
	}

	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating ledger directory: %v", apperrors.ErrStorage, err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: writing ledger: %v", apperrors.ErrStorage, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("%w: committing ledger: %v", apperrors.ErrStorage, err)
	}

	return nil
}

func (l *Ledger) sign(state *ledgerState) string {
	canonical := strings.Join([]string{
		strconv.FormatInt(state.Version, 10),
		state.LastValidation.UTC().Format(time.RFC3339Nano),
	}, "|")

	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
