package authsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/poemonsense/antigravity-proxy-go/internal/credentials"
)

// authStatusRow mirrors the JSON blob Antigravity stores under the
// antigravityAuthStatus key in its local ItemTable.
type authStatusRow struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
}

// SQLiteAuthReader implements credentials.DatabaseAuthReader by reading the
// Antigravity desktop app's local SQLite state database, read-only.
type SQLiteAuthReader struct {
	dbPath string
}

// NewSQLiteAuthReader builds a reader over the database at dbPath.
func NewSQLiteAuthReader(dbPath string) *SQLiteAuthReader {
	return &SQLiteAuthReader{dbPath: dbPath}
}

// Read implements credentials.DatabaseAuthReader.
func (s *SQLiteAuthReader) Read(ctx context.Context) (*credentials.DatabaseAuth, error) {
	if _, err := os.Stat(s.dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; is Antigravity installed and logged in?", s.dbPath)
	}

	db, err := sql.Open("sqlite", s.dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var value string
	row := db.QueryRowContext(ctx, "SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'")
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no auth status found in database")
		}
		return nil, fmt.Errorf("query auth status: %w", err)
	}

	var auth authStatusRow
	if err := json.Unmarshal([]byte(value), &auth); err != nil {
		return nil, fmt.Errorf("parse auth status: %w", err)
	}
	if auth.APIKey == "" {
		return nil, fmt.Errorf("auth status missing apiKey field")
	}

	return &credentials.DatabaseAuth{APIKey: auth.APIKey, Email: auth.Email}, nil
}

// Accessible reports whether the database file exists and can be opened and
// pinged, for startup diagnostics.
func (s *SQLiteAuthReader) Accessible() bool {
	if _, err := os.Stat(s.dbPath); os.IsNotExist(err) {
		return false
	}
	db, err := sql.Open("sqlite", s.dbPath+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()
	return db.Ping() == nil
}
