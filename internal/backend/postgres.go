package backend

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres connects to a PostgreSQL server via pgx's database/sql
// adapter. The connection is verified eagerly so misconfigured DSNs fail
// before any pipeline work starts.
func OpenPostgres(dsn string, opts SQLOptions) (*SQLBackend, error) {
	if dsn == "" {
		return nil, dbErr("open postgresql store", errors.New("empty dsn"))
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, dbErr("open postgresql store", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, dbErr("open postgresql store", err)
	}

	return newSQLBackend(TypePostgreSQL, db, func(i int) string { return fmt.Sprintf("$%d", i) }, opts)
}
