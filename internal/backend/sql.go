package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type sqlTxKey struct{}

// sqlTx is the transaction state carried through the context while a scope is
// open. dirty tracks keys written in the scope so the read cache can drop
// exactly those entries on commit; purge escalates that to a full purge when
// the scope cleared or replaced the keyspace.
type sqlTx struct {
	owner *SQLBackend
	tx    *sql.Tx
	dirty map[string]struct{}
	purge bool
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQueries struct {
	get    string
	upsert string
	delete string
	list   string
	clear  string
	export string
}

// SQLBackend is the shared core for engines speaking database/sql. The
// per-engine constructors differ only in driver, DSN handling and placeholder
// style; everything else, including the kv table shape, is identical.
type SQLBackend struct {
	typ    string
	db     *sql.DB
	q      sqlQueries
	logger *slog.Logger

	txMu  sync.Mutex
	cache *lru.Cache[string, any]
}

// SQLOptions carries the tunables shared by the SQL backends.
type SQLOptions struct {
	// CacheSize bounds the read-through cache; zero disables it.
	CacheSize int
	// PoolSize bounds open connections.
	PoolSize int
	Logger   *slog.Logger
}

const createKVTable = `CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

func newSQLBackend(typ string, db *sql.DB, placeholder func(int) string, opts SQLOptions) (*SQLBackend, error) {
	b := &SQLBackend{
		typ:    typ,
		db:     db,
		logger: opts.Logger,
		q: sqlQueries{
			get:    fmt.Sprintf(`SELECT value FROM kv_entries WHERE key = %s`, placeholder(1)),
			upsert: fmt.Sprintf(`INSERT INTO kv_entries(key, value) VALUES(%s, %s) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, placeholder(1), placeholder(2)),
			delete: fmt.Sprintf(`DELETE FROM kv_entries WHERE key = %s`, placeholder(1)),
			list:   fmt.Sprintf(`SELECT key FROM kv_entries WHERE key LIKE %s ESCAPE '\' ORDER BY key`, placeholder(1)),
			clear:  `DELETE FROM kv_entries`,
			export: `SELECT key, value FROM kv_entries ORDER BY key`,
		},
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if opts.PoolSize > 0 {
		db.SetMaxOpenConns(opts.PoolSize)
		db.SetMaxIdleConns(opts.PoolSize)
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, any](opts.CacheSize)
		if err != nil {
			return nil, dbErr("configure read cache", err)
		}
		b.cache = cache
	}

	if _, err := db.ExecContext(context.Background(), createKVTable); err != nil {
		_ = db.Close()
		return nil, dbErr("create kv table", err)
	}
	return b, nil
}

func (b *SQLBackend) Type() string { return b.typ }

// conn returns the open transaction for this scope when one exists, the pool
// otherwise.
func (b *SQLBackend) conn(ctx context.Context) (querier, *sqlTx) {
	if state, ok := ctx.Value(sqlTxKey{}).(*sqlTx); ok && state.owner == b {
		return state.tx, state
	}
	return b.db, nil
}

func (b *SQLBackend) Get(ctx context.Context, key string) (any, bool, error) {
	conn, tx := b.conn(ctx)

	// The cache reflects committed state only, so it is bypassed while a
	// transaction scope is open.
	if tx == nil && b.cache != nil {
		if value, ok := b.cache.Get(key); ok {
			return copyValue(value), true, nil
		}
	}

	var raw string
	err := conn.QueryRowContext(ctx, b.q.get, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dbErr("get "+key, err)
	}

	value, err := decodeValue(raw)
	if err != nil {
		return nil, false, dbErr("get "+key, err)
	}
	if tx == nil && b.cache != nil {
		b.cache.Add(key, copyValue(value))
	}
	return value, true, nil
}

func (b *SQLBackend) Set(ctx context.Context, key string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return dbErr("set "+key, err)
	}

	conn, tx := b.conn(ctx)
	if _, err := conn.ExecContext(ctx, b.q.upsert, key, raw); err != nil {
		return dbErr("set "+key, err)
	}

	if tx != nil {
		tx.dirty[key] = struct{}{}
	} else if b.cache != nil {
		b.cache.Remove(key)
	}
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, key string) (bool, error) {
	conn, tx := b.conn(ctx)
	result, err := conn.ExecContext(ctx, b.q.delete, key)
	if err != nil {
		return false, dbErr("delete "+key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, dbErr("delete "+key, err)
	}

	if tx != nil {
		tx.dirty[key] = struct{}{}
	} else if b.cache != nil {
		b.cache.Remove(key)
	}
	return affected > 0, nil
}

func (b *SQLBackend) List(ctx context.Context, prefix string) ([]string, error) {
	conn, _ := b.conn(ctx)
	rows, err := conn.QueryContext(ctx, b.q.list, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, dbErr("list "+prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, dbErr("list "+prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list "+prefix, err)
	}
	return keys, nil
}

func (b *SQLBackend) Clear(ctx context.Context) error {
	conn, tx := b.conn(ctx)
	if _, err := conn.ExecContext(ctx, b.q.clear); err != nil {
		return dbErr("clear", err)
	}

	// Inside a scope the purge waits for the commit; purging now would let
	// concurrent reads re-warm the cache with rows the commit then removes.
	if tx != nil {
		tx.purge = true
	} else {
		b.purgeCache()
	}
	return nil
}

func (b *SQLBackend) Export(ctx context.Context) (map[string]any, error) {
	conn, _ := b.conn(ctx)
	rows, err := conn.QueryContext(ctx, b.q.export)
	if err != nil {
		return nil, dbErr("export", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, dbErr("export", err)
		}
		value, err := decodeValue(raw)
		if err != nil {
			return nil, dbErr("export", fmt.Errorf("key %q: %w", key, err))
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("export", err)
	}
	return out, nil
}

func (b *SQLBackend) Import(ctx context.Context, data map[string]any) error {
	conn, tx := b.conn(ctx)
	if _, err := conn.ExecContext(ctx, b.q.clear); err != nil {
		return dbErr("import", err)
	}
	for key, value := range data {
		raw, err := encodeValue(value)
		if err != nil {
			return dbErr("import "+key, err)
		}
		if _, err := conn.ExecContext(ctx, b.q.upsert, key, raw); err != nil {
			return dbErr("import "+key, err)
		}
	}

	if tx != nil {
		tx.purge = true
	} else {
		b.purgeCache()
	}
	return nil
}

// WithTransaction opens a native transaction and commits it when fn returns
// nil. Nested calls reuse the outermost boundary. On failure the transaction
// is rolled back and the read cache is purged, since cached rows may reflect
// writes that never committed; a secondary rollback failure is logged as a
// warning and never masks the original error.
func (b *SQLBackend) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if state, ok := ctx.Value(sqlTxKey{}).(*sqlTx); ok && state.owner == b {
		return fn(ctx)
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	state := &sqlTx{owner: b, tx: tx, dirty: map[string]struct{}{}}
	txCtx := context.WithValue(ctx, sqlTxKey{}, state)

	finished := false
	defer func() {
		if finished {
			return
		}
		// fn panicked. Roll back before the panic propagates.
		b.rollback(tx)
	}()

	if err := fn(txCtx); err != nil {
		finished = true
		b.rollback(tx)
		return err
	}

	if err := tx.Commit(); err != nil {
		finished = true
		b.purgeCache()
		return dbErr("commit transaction", err)
	}
	finished = true

	if b.cache != nil {
		if state.purge {
			b.cache.Purge()
		} else {
			for key := range state.dirty {
				b.cache.Remove(key)
			}
		}
	}
	return nil
}

func (b *SQLBackend) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		b.logger.Warn("transaction rollback failed", "backend", b.typ, "error", err)
	}
	b.purgeCache()
}

func (b *SQLBackend) purgeCache() {
	if b.cache != nil {
		b.cache.Purge()
	}
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return dbErr("ping", err)
	}
	return nil
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// DB exposes the underlying pool for engine-specific maintenance statements.
func (b *SQLBackend) DB() *sql.DB {
	return b.db
}

func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}
