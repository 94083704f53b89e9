package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
)

// fileDocument is the on-disk JSON shape: the account list plus settings,
// matching accountpool.Pool's exported fields directly (§6).
type fileDocument struct {
	Accounts    []*accountpool.Account `json:"accounts"`
	ActiveIndex int                    `json:"activeIndex"`
	Settings    accountpool.Settings   `json:"settings"`
}

// FileStore persists a Pool as indented JSON at a fixed path, writing via a
// temp-file-then-rename so a crash mid-write never corrupts the file.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements AccountStore. A missing file is not an error: it yields
// an empty pool with default settings, same as a first run.
func (f *FileStore) Load(ctx context.Context) (*accountpool.Pool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return accountpool.NewPool(nil, accountpool.DefaultSettings()), nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	pool := accountpool.NewPool(doc.Accounts, doc.Settings)
	if doc.ActiveIndex >= 0 && doc.ActiveIndex < pool.Len() {
		pool.ActiveIndex = doc.ActiveIndex
	}
	return pool, nil
}

// Save implements AccountStore.
func (f *FileStore) Save(ctx context.Context, pool *accountpool.Pool) error {
	pool.Lock()
	doc := fileDocument{Accounts: pool.Accounts, ActiveIndex: pool.ActiveIndex, Settings: pool.Settings}
	pool.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename accounts file: %w", err)
	}
	return nil
}
