package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evolvedb/evolve/internal/backend"
)

const (
	v1 = int64(202501010000)
	v2 = int64(202501020000)
	v3 = int64(202501030000)
)

func testBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := backend.OpenJSON(filepath.Join(t.TempDir(), "store.json"), backend.JSONOptions{AutoPersist: true})
	require.NoError(t, err)
	return b
}

func setKey(key string, value any) StepFunc {
	return func(ctx context.Context, b backend.Backend, params map[string]any) error {
		return b.Set(ctx, key, value)
	}
}

func deleteKey(key string) StepFunc {
	return func(ctx context.Context, b backend.Backend, params map[string]any) error {
		_, err := b.Delete(ctx, key)
		return err
	}
}

func TestRunAppliesPendingInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	var order []int64
	reg := NewRegistry()
	for _, v := range []int64{v2, v1, v3} {
		version := v
		require.NoError(t, reg.Register(Migration{
			Version: version,
			Name:    "step",
			Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
				order = append(order, version)
				return nil
			},
		}))
	}

	runner := NewRunner(b, reg, nil, nil)
	report, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{v1, v2, v3}, order)
	require.Equal(t, 3, report.Committed())
	require.Equal(t, int64(0), report.From)
	require.Equal(t, v3, report.To)

	version, err := runner.History().SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v3, version)

	records, err := runner.History().Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, v1, records[0].Version)
	require.NotEmpty(t, records[0].Checksum)
}

func TestRunIsIdempotentWhenNothingIsPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "seed", Apply: setKey("seed", true)}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	before, err := b.Export(ctx)
	require.NoError(t, err)

	report, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Results)

	after, err := b.Export(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRunHaltsBatchAtFirstFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	boom := errors.New("boom")
	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "ok", Apply: setKey("one", 1)}))
	require.NoError(t, reg.Register(Migration{
		Version: v2,
		Name:    "fails",
		Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			if err := b.Set(ctx, "partial", true); err != nil {
				return err
			}
			return boom
		},
	}))
	require.NoError(t, reg.Register(Migration{Version: v3, Name: "never-runs", Apply: setKey("three", 3)}))

	runner := NewRunner(b, reg, nil, nil)
	report, err := runner.Run(ctx)
	require.ErrorIs(t, err, boom)

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	require.Equal(t, v2, migErr.Version)

	require.Equal(t, StatusCommitted, report.Results[0].Status)
	require.Equal(t, StatusFailed, report.Results[1].Status)
	require.Equal(t, StatusPending, report.Results[2].Status)
	require.Equal(t, v1, report.To)

	// The failed unit's writes are gone; the store is exactly as the last
	// committed unit left it.
	_, ok, err := b.Get(ctx, "partial")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = b.Get(ctx, "three")
	require.NoError(t, err)
	require.False(t, ok)

	version, err := runner.History().SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v1, version)
}

func TestRunSatisfiesDependencyWithinSameBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "base", Apply: setKey("base", true)}))
	require.NoError(t, reg.Register(Migration{
		Version:      v2,
		Name:         "dependent",
		Dependencies: []int64{v1},
		Apply:        setKey("dependent", true),
	}))

	runner := NewRunner(b, reg, nil, nil)
	report, err := runner.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Committed())
}

func TestRunRejectsMissingDependencyBeforeApplying(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{
		Version:      v2,
		Name:         "orphan",
		Dependencies: []int64{v1},
		Apply:        setKey("orphan", true),
	}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.ErrorIs(t, err, ErrMissingDependency)

	// Validation failed before any unit ran.
	_, ok, err := b.Get(ctx, "orphan")
	require.NoError(t, err)
	require.False(t, ok)
	version, err := runner.History().SchemaVersion(ctx)
	require.NoError(t, err)
	require.Zero(t, version)
}

func TestRunRejectsOverlappingInvocations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	release := make(chan struct{})
	started := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{
		Version: v1,
		Name:    "slow",
		Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			close(started)
			<-release
			return nil
		},
	}))

	runner := NewRunner(b, reg, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx)
		done <- err
	}()

	<-started
	_, err := runner.Run(ctx)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestRunPassesParamsToSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{
		Version: v1,
		Name:    "parameterized",
		Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			return b.Set(ctx, "tenant", params["tenant"])
		},
	}))

	runner := NewRunner(b, reg, map[string]any{"tenant": "acme"}, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	value, _, err := b.Get(ctx, "tenant")
	require.NoError(t, err)
	require.Equal(t, "acme", value)
}

func TestRollbackRevertsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "one", Apply: setKey("one", 1), Revert: deleteKey("one")}))
	require.NoError(t, reg.Register(Migration{Version: v2, Name: "two", Apply: setKey("two", 2), Revert: deleteKey("two")}))
	require.NoError(t, reg.Register(Migration{Version: v3, Name: "three", Apply: setKey("three", 3), Revert: deleteKey("three")}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	report, err := runner.Rollback(ctx, v1)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Equal(t, v3, report.Results[0].Version)
	require.Equal(t, v2, report.Results[1].Version)
	require.Equal(t, v1, report.To)

	version, err := runner.History().SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v1, version)

	_, ok, err := b.Get(ctx, "one")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = b.Get(ctx, "two")
	require.NoError(t, err)
	require.False(t, ok)

	records, err := runner.History().Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, v1, records[0].Version)
}

func TestRollbackFailsLoudlyWithoutRevert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "irreversible", Apply: setKey("one", 1)}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	_, err = runner.Rollback(ctx, 0)
	require.ErrorIs(t, err, ErrRevertUnsupported)

	// Nothing moved.
	version, err := runner.History().SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v1, version)
}

func TestRollbackFailsOnUnregisteredVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "one", Apply: setKey("one", 1), Revert: deleteKey("one")}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	// A fresh registry that no longer knows v1 cannot revert it.
	stale := NewRunner(b, NewRegistry(), nil, nil)
	_, err = stale.Rollback(ctx, 0)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestRollbackRejectsFutureTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	runner := NewRunner(b, NewRegistry(), nil, nil)
	_, err := runner.Rollback(ctx, v1)
	require.Error(t, err)
}

func TestPendingSkipsCommittedVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "one", Apply: setKey("one", 1)}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.Register(Migration{Version: v2, Name: "two", Apply: setKey("two", 2)}))

	pending, err := runner.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, v2, pending[0].Version)
}
