package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
)

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(path string, opts SQLOptions) (*SQLBackend, error) {
	if path == "" {
		return nil, dbErr("open sqlite store", errors.New("empty path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, dbErr("open sqlite store", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dbErr("open sqlite store", err)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return newSQLBackend(TypeSQLite, db, func(int) string { return "?" }, opts)
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return dbErr("configure sqlite", fmt.Errorf("%s: %w", stmt, err))
		}
	}
	return nil
}
