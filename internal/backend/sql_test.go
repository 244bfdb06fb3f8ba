package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, opts SQLOptions) *SQLBackend {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteSetGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{})

	require.NoError(t, b.Set(ctx, "note:1", map[string]any{"title": "alpha"}))

	value, ok, err := b.Get(ctx, "note:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"title": "alpha"}, value)

	_, ok, err = b.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	existed, err := b.Delete(ctx, "note:1")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = b.Delete(ctx, "note:1")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestSQLiteUpsertOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{})

	require.NoError(t, b.Set(ctx, "k", "first"))
	require.NoError(t, b.Set(ctx, "k", "second"))

	value, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "second", value)
}

func TestSQLiteListEscapesLikeMetacharacters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{})

	for _, key := range []string{"a_b:1", "axb:1", "a%b:1", "a_b:2"} {
		require.NoError(t, b.Set(ctx, key, true))
	}

	keys, err := b.List(ctx, "a_b:")
	require.NoError(t, err)
	require.Equal(t, []string{"a_b:1", "a_b:2"}, keys)

	keys, err = b.List(ctx, "a%b:")
	require.NoError(t, err)
	require.Equal(t, []string{"a%b:1"}, keys)
}

func TestSQLiteTransactionAtomicity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{})

	require.NoError(t, b.Set(ctx, "keep", "original"))

	boom := errors.New("boom")
	err := b.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := b.Set(txCtx, "keep", "overwritten"); err != nil {
			return err
		}
		if err := b.Set(txCtx, "new", "value"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	value, ok, err := b.Get(ctx, "keep")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "original", value)

	_, ok, err = b.Get(ctx, "new")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteNestedTransactionReusesOuterScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{})

	boom := errors.New("boom")
	err := b.WithTransaction(ctx, func(outer context.Context) error {
		if err := b.WithTransaction(outer, func(inner context.Context) error {
			return b.Set(inner, "inner", 1)
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := b.Get(ctx, "inner")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteCacheDroppedOnRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{CacheSize: 16})

	require.NoError(t, b.Set(ctx, "k", "committed"))

	// Warm the cache with the committed value.
	value, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "committed", value)

	err = b.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := b.Set(txCtx, "k", "uncommitted"); err != nil {
			return err
		}
		// Reads inside the scope see the in-flight write, not the cache.
		v, _, err := b.Get(txCtx, "k")
		require.NoError(t, err)
		require.Equal(t, "uncommitted", v)
		return errors.New("boom")
	})
	require.Error(t, err)

	value, _, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "committed", value)
}

func TestSQLiteCacheEvictsWrittenKeysOnCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{CacheSize: 16})

	require.NoError(t, b.Set(ctx, "k", "first"))
	_, _, err := b.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, b.WithTransaction(ctx, func(txCtx context.Context) error {
		return b.Set(txCtx, "k", "second")
	}))

	value, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "second", value)
}

func TestSQLiteCachePurgedWhenImportCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{CacheSize: 16})

	require.NoError(t, b.Set(ctx, "k", "old"))

	err := b.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := b.Import(txCtx, map[string]any{"k": "new"}); err != nil {
			return err
		}
		// A read outside the scope while it is still open sees the
		// pre-commit row and re-warms the cache with it.
		v, _, err := b.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "old", v)
		return nil
	})
	require.NoError(t, err)

	value, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "new", value)
}

func TestSQLiteCachePurgedWhenClearCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{CacheSize: 16})

	require.NoError(t, b.Set(ctx, "k", "v"))

	err := b.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := b.Clear(txCtx); err != nil {
			return err
		}
		_, ok, err := b.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTestSQLite(t, SQLOptions{})

	require.NoError(t, b.Set(ctx, "a", float64(1)))
	require.NoError(t, b.Set(ctx, "b", []any{"x", "y"}))

	data, err := b.Export(ctx)
	require.NoError(t, err)

	other := openTestSQLite(t, SQLOptions{})
	require.NoError(t, other.Set(ctx, "stale", true))
	require.NoError(t, other.Import(ctx, data))

	got, err := other.Export(ctx)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSQLitePing(t *testing.T) {
	t.Parallel()
	b := openTestSQLite(t, SQLOptions{})
	require.NoError(t, b.Ping(context.Background()))
}

func TestEscapeLikePrefix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"plain:", "plain:"},
		{"a_b", `a\_b`},
		{"a%b", `a\%b`},
		{`a\b`, `a\\b`},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, escapeLikePrefix(tc.in))
	}
}
