package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Store is the key-value storage collaborator. Values are JSON documents.
type Store interface {
	// Get returns the stored values for keys. With no keys it returns everything.
	// Missing keys are absent from the result.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, items map[string]json.RawMessage) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Open builds the store selected by driver.
func Open(driver, dataDir, sqliteDSN string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file":
		return NewFileStore(dataDir)
	case "sqlite":
		return NewSQLiteStore(sqliteDSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
