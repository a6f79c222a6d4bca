// Package migrate applies the embedded schema scripts under sql/.
// Script files are named <version>_<label>.sql; applied versions are
// recorded in schema_migrations so reruns are no-ops.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type script struct {
	version int
	name    string
	body    string
}

func readScripts() ([]script, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	scripts := make([]script, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want <version>_<label>.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version < 1 {
			return nil, fmt.Errorf("migration %s: bad version prefix %q", name, prefix)
		}
		body, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script{version: version, name: name, body: string(body)})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })
	return scripts, nil
}

// Applied returns the highest schema version recorded in the database,
// or 0 for a fresh database.
func Applied(db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}
	return int(v.Int64), nil
}

// Migrate brings the schema up to the latest embedded version. Each
// pending script runs and is recorded in its own transaction, so a
// failing script leaves every earlier one applied.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := Applied(db)
	if err != nil {
		return err
	}
	scripts, err := readScripts()
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if s.version <= current {
			continue
		}
		if err := apply(db, s); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sql.DB, s script) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.body); err != nil {
		return fmt.Errorf("apply %s: %w", s.name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, s.version); err != nil {
		return fmt.Errorf("record %s: %w", s.name, err)
	}
	return tx.Commit()
}
