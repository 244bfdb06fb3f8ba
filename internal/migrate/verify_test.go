package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyCleanHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "one", Apply: setKey("one", 1)}))
	require.NoError(t, reg.Register(Migration{Version: v2, Name: "two", Apply: setKey("two", 2)}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	report, err := NewVerifier(reg, runner.History(), nil).Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, 2, report.Checked)
	require.Empty(t, report.Missing)
}

func TestVerifyDetectsMetadataDrift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "one", Description: "original", Apply: setKey("one", 1)}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	// A later build registers the same version with edited metadata.
	drifted := NewRegistry()
	require.NoError(t, drifted.Register(Migration{Version: v1, Name: "one", Description: "edited", Apply: setKey("one", 1)}))

	report, err := NewVerifier(drifted, runner.History(), nil).Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, v1, report.Mismatches[0].Version)
	require.NotEqual(t, report.Mismatches[0].Recorded, report.Mismatches[0].Current)
}

func TestVerifyReportsUnregisteredVersionsAsMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Migration{Version: v1, Name: "one", Apply: setKey("one", 1)}))

	runner := NewRunner(b, reg, nil, nil)
	_, err := runner.Run(ctx)
	require.NoError(t, err)

	report, err := NewVerifier(NewRegistry(), runner.History(), nil).Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, []int64{v1}, report.Missing)
}

func TestHistoryEnsureInitialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := testBackend(t)
	h := NewHistory(b)

	version, err := h.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Zero(t, version)

	require.NoError(t, h.EnsureInitialized(ctx))
	_, ok, err := b.Get(ctx, SchemaVersionKey)
	require.NoError(t, err)
	require.True(t, ok)

	// Initializing twice never clobbers a committed version.
	require.NoError(t, h.Append(ctx, Record{Version: v1, Name: "one", AppliedAt: time.Now().UTC()}))
	require.NoError(t, h.EnsureInitialized(ctx))
	version, err = h.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v1, version)
}
