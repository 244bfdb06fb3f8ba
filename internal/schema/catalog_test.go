package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evolvedb/evolve/internal/backend"
	"github.com/evolvedb/evolve/internal/migrate"
)

func TestCatalogRegisters(t *testing.T) {
	t.Parallel()
	registry, err := Catalog()
	require.NoError(t, err)
	require.Equal(t, 3, registry.Len())
	require.Equal(t, int64(202502150000), registry.Latest())
}

func TestCatalogAppliesEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := backend.OpenJSON(filepath.Join(t.TempDir(), "store.json"), backend.JSONOptions{AutoPersist: true})
	require.NoError(t, err)

	registry, err := Catalog()
	require.NoError(t, err)

	runner := migrate.NewRunner(b, registry, map[string]any{"default_locale": "de"}, nil)
	report, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Committed())

	value, ok, err := b.Get(ctx, "settings:workspace")
	require.NoError(t, err)
	require.True(t, ok)
	settings := value.(map[string]any)
	require.Equal(t, "de", settings["locale"])

	value, ok, err = b.Get(ctx, "index:content")
	require.NoError(t, err)
	require.True(t, ok)
	index := value.(map[string]any)
	require.Equal(t, float64(2), index["format"])
	require.Contains(t, index, "collections")
}

func TestCatalogIndexUpgradeRejectsCorruptIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := backend.OpenJSON(filepath.Join(t.TempDir(), "store.json"), backend.JSONOptions{AutoPersist: true})
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, "index:content", "not a document"))

	registry, err := Catalog()
	require.NoError(t, err)
	m, ok := registry.Get(202502150000)
	require.True(t, ok)

	err = m.Apply(ctx, b, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected shape")
}

func TestCatalogRollbackStopsAtIrreversibleUnit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := backend.OpenJSON(filepath.Join(t.TempDir(), "store.json"), backend.JSONOptions{AutoPersist: true})
	require.NoError(t, err)

	registry, err := Catalog()
	require.NoError(t, err)

	runner := migrate.NewRunner(b, registry, nil, nil)
	_, err = runner.Run(ctx)
	require.NoError(t, err)

	// The newest unit has no revert, so rolling back past it fails before
	// anything moves.
	_, err = runner.Rollback(ctx, 0)
	require.ErrorIs(t, err, migrate.ErrRevertUnsupported)

	version, err := runner.History().SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(202502150000), version)
}
