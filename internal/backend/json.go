package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type jsonTxKey struct{}

// JSONBackend is a file-backed document store. The working copy lives in
// memory; the durable file is rewritten only on successful commits, so a
// failure mid-transaction never corrupts the on-disk artifact.
//
// Transactions are emulated: the whole store is deep-copied on entry and
// swapped back on failure. Cost is O(store size) per transaction and the
// guarantee holds for a single process only; this is not a general-purpose
// ACID mechanism.
type JSONBackend struct {
	path        string
	autoPersist bool
	logger      *slog.Logger

	txMu  sync.Mutex
	mu    sync.RWMutex
	store map[string]any
}

type JSONOptions struct {
	// AutoPersist controls whether commits are flushed to the durable file.
	// Disabled only by tests that want a purely in-memory store.
	AutoPersist bool
	Logger      *slog.Logger
}

func OpenJSON(path string, opts JSONOptions) (*JSONBackend, error) {
	if path == "" {
		return nil, dbErr("open json store", errors.New("empty path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, dbErr("open json store", err)
	}

	b := &JSONBackend{
		path:        path,
		autoPersist: opts.AutoPersist,
		logger:      opts.Logger,
		store:       map[string]any{},
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, dbErr("open json store", err)
		}
		return b, nil
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &b.store); err != nil {
			return nil, dbErr("open json store", fmt.Errorf("parse %q: %w", path, err))
		}
	}
	return b, nil
}

func (b *JSONBackend) Type() string { return TypeJSON }

func (b *JSONBackend) Get(ctx context.Context, key string) (any, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.store[key]
	if !ok {
		return nil, false, nil
	}
	return copyValue(value), true, nil
}

func (b *JSONBackend) Set(ctx context.Context, key string, value any) error {
	normalized, err := normalizeValue(value)
	if err != nil {
		return dbErr("set "+key, err)
	}

	b.mu.Lock()
	b.store[key] = normalized
	b.mu.Unlock()

	return b.persistOutsideTx(ctx, "set "+key)
}

func (b *JSONBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	_, ok := b.store[key]
	delete(b.store, key)
	b.mu.Unlock()

	if err := b.persistOutsideTx(ctx, "delete "+key); err != nil {
		return ok, err
	}
	return ok, nil
}

func (b *JSONBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.store))
	for key := range b.store {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *JSONBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	b.store = map[string]any{}
	b.mu.Unlock()
	return b.persistOutsideTx(ctx, "clear")
}

func (b *JSONBackend) Export(ctx context.Context) (map[string]any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyStore(b.store), nil
}

func (b *JSONBackend) Import(ctx context.Context, data map[string]any) error {
	next := make(map[string]any, len(data))
	for key, value := range data {
		normalized, err := normalizeValue(value)
		if err != nil {
			return dbErr("import "+key, err)
		}
		next[key] = normalized
	}

	b.mu.Lock()
	b.store = next
	b.mu.Unlock()
	return b.persistOutsideTx(ctx, "import")
}

// WithTransaction deep-copies the store into a holding buffer, runs fn
// against the live store, and swaps the buffer back wholesale if fn fails.
// Nested calls reuse the outermost scope.
func (b *JSONBackend) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(jsonTxKey{}).(*JSONBackend); ok && owner == b {
		return fn(ctx)
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()

	b.mu.RLock()
	snapshot := copyStore(b.store)
	b.mu.RUnlock()

	txCtx := context.WithValue(ctx, jsonTxKey{}, b)

	committed := false
	defer func() {
		if committed {
			return
		}
		// fn failed or panicked: discard every write made in this scope.
		b.mu.Lock()
		b.store = snapshot
		b.mu.Unlock()
	}()

	if err := fn(txCtx); err != nil {
		return err
	}

	if b.autoPersist {
		if err := b.persist(); err != nil {
			return err
		}
	}
	committed = true
	return nil
}

func (b *JSONBackend) Ping(ctx context.Context) error {
	if b.autoPersist {
		if _, err := os.Stat(filepath.Dir(b.path)); err != nil {
			return dbErr("ping", err)
		}
	}
	return nil
}

func (b *JSONBackend) Close() error {
	return nil
}

// persistOutsideTx flushes the durable file for writes issued outside any
// transaction scope. Writes inside a scope are flushed once, at commit.
func (b *JSONBackend) persistOutsideTx(ctx context.Context, op string) error {
	if !b.autoPersist {
		return nil
	}
	if owner, ok := ctx.Value(jsonTxKey{}).(*JSONBackend); ok && owner == b {
		return nil
	}
	if err := b.persist(); err != nil {
		return dbErr(op, err)
	}
	return nil
}

func (b *JSONBackend) persist() error {
	b.mu.RLock()
	raw, err := json.MarshalIndent(b.store, "", "  ")
	b.mu.RUnlock()
	if err != nil {
		return dbErr("persist", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return dbErr("persist", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return dbErr("persist", err)
	}
	return nil
}
