// Package db owns the on-disk workspace layout: a .draftline directory
// under the workspace root holding the SQLite database.
package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".draftline"
	dbFile       = "draftline.db"
)

type Config struct {
	Workspace string
}

func root(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// EnsureWorkspace creates the .draftline directory if it does not exist
// yet and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(root(workspace), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns where the database lives for a workspace root.
func Path(workspace string) string {
	return filepath.Join(root(workspace), workspaceDir, dbFile)
}

// Open ensures the workspace exists and opens its database with foreign
// keys enforced. Writers wait out a locked file instead of failing, so
// concurrent executor processes contend cleanly.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	pragmas := url.Values{}
	pragmas.Add("_pragma", "foreign_keys(1)")
	pragmas.Add("_pragma", "busy_timeout(5000)")
	return sql.Open("sqlite", "file:"+Path(cfg.Workspace)+"?"+pragmas.Encode())
}
