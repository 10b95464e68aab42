// Package blob is the thin persistence adapter behind the card store:
// one opaque document, loaded wholesale and rewritten wholesale. The
// backing medium is chosen from the DSN the same way the database layer
// picks its dialect: redis URLs go to redis, postgres/sqlite DSNs go to
// a single-row table, anything else is treated as a JSON file path.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates no document has been saved yet.
var ErrNotFound = errors.New("blob: document not found")

// Store loads and saves one opaque document as a unit. Save must be
// atomic: a reader never observes a partially written document.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Backend identifiers supported by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Open selects and opens a backend from the DSN.
func Open(dsn string) (Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("blob: empty dsn")
	}
	backend, err := detectBackendFromDSN(trimmed)
	if err != nil {
		return nil, err
	}
	switch backend {
	case BackendRedis:
		return openRedis(trimmed)
	case BackendPostgres:
		return openPostgres(trimmed)
	case BackendSQLite:
		return openSQLite(trimmed)
	default:
		return NewFileStore(trimmed), nil
	}
}

// detectBackendFromDSN infers the backend from a DSN string.
func detectBackendFromDSN(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "redis://") || strings.HasPrefix(lower, "rediss://"):
		return BackendRedis, nil
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return BackendPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return BackendPostgres, nil
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "sqlite3://"),
		strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"):
		return BackendSQLite, nil
	case strings.Contains(lower, "://"):
		return "", fmt.Errorf("blob: unsupported dsn: %s", dsn)
	default:
		return BackendFile, nil
	}
}

// fileStore persists the document as a single JSON file. Writes go to a
// temp file in the same directory followed by a rename, so a crash
// mid-write leaves the previous document intact.
type fileStore struct {
	path string
}

// NewFileStore returns a file-backed Store at the given path.
func NewFileStore(path string) Store {
	return &fileStore{path: filepath.Clean(path)}
}

func (s *fileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read %s: %w", s.path, err)
	}
	return data, nil
}

func (s *fileStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blob: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob: rename: %w", err)
	}
	return nil
}
