package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
	"authcoord/pkg/logging"
)

const recordSuffix = ".json"

// FileStore persists one JSON record per session id.
//
// SECURITY: credential files hold bearer material.
//   - The storage directory is created with 0700 permissions
//   - Record files are written with 0600 permissions
//   - Filenames are SHA-256 digests, never raw session ids
//   - Token values are never logged
//   - With an encryptor configured, the credential payload is AES-GCM sealed
type FileStore struct {
	mu        sync.Mutex
	dir       string
	encryptor *security.Encryptor
	clock     clock.PassiveClock
}

// fileRecord is the on-disk layout of a single session.
type fileRecord struct {
	SessionID string          `json:"session_id"`
	CreatedAt time.Time       `json:"created_at"`
	StoredAt  time.Time       `json:"stored_at"`
	Encrypted bool            `json:"encrypted"`
	Sealed    string          `json:"sealed,omitempty"`
	Data      json.RawMessage `json:"credentials,omitempty"`
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}

	o := buildOptions(opts)
	return &FileStore{dir: dir, encryptor: o.encryptor, clock: o.clock}, nil
}

// NewEncryptorFromKey builds an encryptor from a raw 32-byte key.
func NewEncryptorFromKey(key []byte) (*security.Encryptor, error) {
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential encryptor: %w", err)
	}
	return enc, nil
}

func (s *FileStore) Get(_ context.Context, sessionID string) (auth.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(s.path(sessionID))
	if err != nil {
		return nil, err
	}
	return s.decode(rec)
}

func (s *FileStore) Put(_ context.Context, sessionID string, creds auth.Credentials) error {
	data, err := auth.MarshalCredentials(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(sessionID)
	now := s.clock.Now().UTC()
	rec := fileRecord{SessionID: sessionID, CreatedAt: now, StoredAt: now}
	if prev, err := s.readRecord(target); err == nil {
		rec.CreatedAt = prev.createdAt()
	}
	if s.encryptor != nil {
		sealed, err := s.encryptor.Encrypt(string(data))
		if err != nil {
			return fmt.Errorf("failed to encrypt credentials: %w", err)
		}
		rec.Encrypted = true
		rec.Sealed = sealed
	} else {
		rec.Data = data
	}

	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}

	// Write to a temp file and rename so readers never observe a partial record.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		slog.Warn("SECURITY_AUDIT: credential storage failed",
			"event", "credential_store_failed",
			"session", logging.TruncateSessionID(sessionID),
			"error", err.Error(),
		)
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit credential file: %w", err)
	}

	slog.Info("SECURITY_AUDIT: credentials stored",
		"event", "credential_stored",
		"session", logging.TruncateSessionID(sessionID),
		"type", string(creds.Type()),
		"provider", creds.Provider(),
		"encrypted", rec.Encrypted,
	)
	return nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("SECURITY_AUDIT: credential deletion failed",
			"event", "credential_delete_failed",
			"session", logging.TruncateSessionID(sessionID),
			"error", err.Error(),
		)
		return fmt.Errorf("failed to delete credential file: %w", err)
	}

	slog.Info("SECURITY_AUDIT: credentials deleted",
		"event", "credential_deleted",
		"session", logging.TruncateSessionID(sessionID),
	)
	return nil
}

// List reads every record and returns the stored session ids, sorted.
// Unreadable records are skipped with a warning.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		rec, err := s.readRecord(filepath.Join(s.dir, e.Name()))
		if err != nil {
			logging.Warn("Store", "Skipping unreadable credential record %s: %v", e.Name(), err)
			continue
		}
		ids = append(ids, rec.SessionID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) CreatedAt(_ context.Context, sessionID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(s.path(sessionID))
	if err != nil {
		return time.Time{}, err
	}
	return rec.createdAt(), nil
}

// createdAt falls back to the last write for records that predate created_at.
func (r *fileRecord) createdAt() time.Time {
	if r.CreatedAt.IsZero() {
		return r.StoredAt
	}
	return r.CreatedAt
}

func (s *FileStore) decode(rec *fileRecord) (auth.Credentials, error) {
	data := []byte(rec.Data)
	if rec.Encrypted {
		if s.encryptor == nil {
			return nil, fmt.Errorf("credential record is encrypted but no key is configured")
		}
		plain, err := s.encryptor.Decrypt(rec.Sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
		}
		data = []byte(plain)
	}
	return auth.UnmarshalCredentials(data)
}

func (s *FileStore) readRecord(path string) (*fileRecord, error) {
	// #nosec G304 -- path is built from a digest of the session id
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential record: %w", err)
	}
	return &rec, nil
}

// path maps a session id to a filesystem-safe record path.
func (s *FileStore) path(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+recordSuffix)
}
