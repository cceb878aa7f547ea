package stores

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distbuild/distbuild/pkg/diff"
)

// Backend names a record store implementation.
type Backend string

const (
	BackendXML    Backend = "xml"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// SQLiteFile is the database file name used by Open inside the metadata directory.
const SQLiteFile = "distbuild.db"

// Open creates, initializes and migrates the store for backend under dir.
func Open(ctx context.Context, backend Backend, dir string) (RecordStore, error) {
	switch backend {
	case BackendXML, "":
		s, err := NewXMLStore(dir)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}
		s, err := NewSQLiteStore(Config{Path: filepath.Join(dir, SQLiteFile)})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return &memoryStore{MemoryStore: diff.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

type memoryStore struct {
	*diff.MemoryStore
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error              { return nil }

func (m *memoryStore) TaskIDs(context.Context) ([]string, error) {
	return m.MemoryStore.TaskIDs(), nil
}
