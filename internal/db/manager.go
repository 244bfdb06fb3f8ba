// Package db is the façade external collaborators call. A Manager owns one
// backend instance, one migration runner and the backup service, and is the
// only component the command layer talks to.
package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/evolvedb/evolve/internal/audit"
	"github.com/evolvedb/evolve/internal/backend"
	"github.com/evolvedb/evolve/internal/backup"
	"github.com/evolvedb/evolve/internal/config"
	"github.com/evolvedb/evolve/internal/migrate"
)

type Manager struct {
	cfg      config.Config
	backend  backend.Backend
	registry *migrate.Registry
	runner   *migrate.Runner
	history  *migrate.History
	verifier *migrate.Verifier
	backups  *backup.Service
	trail    *audit.Trail
	logger   *slog.Logger
}

// Params is the opaque configuration map handed to every migration's
// apply/revert.
type Params map[string]any

func NewManager(cfg config.Config, registry *migrate.Registry, params Params, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	history := migrate.NewHistory(b)
	runner := migrate.NewRunner(b, registry, params, logger)
	m := &Manager{
		cfg:      cfg,
		backend:  b,
		registry: registry,
		runner:   runner,
		history:  history,
		verifier: migrate.NewVerifier(registry, history, logger),
		backups: backup.NewService(b, backup.Options{
			Dir:       cfg.Backup.Dir,
			Retention: cfg.Backup.Retention,
			Logger:    logger,
		}),
		trail:  audit.NewTrail(b),
		logger: logger,
	}
	return m, nil
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case backend.TypeJSON:
		return backend.OpenJSON(cfg.Path, backend.JSONOptions{
			AutoPersist: true,
			Logger:      logger,
		})
	case backend.TypeSQLite:
		return backend.OpenSQLite(cfg.Path, backend.SQLOptions{
			CacheSize: cfg.CacheSize,
			PoolSize:  cfg.PoolSize,
			Logger:    logger,
		})
	case backend.TypePostgreSQL:
		return backend.OpenPostgres(cfg.DSN, backend.SQLOptions{
			CacheSize: cfg.CacheSize,
			PoolSize:  cfg.PoolSize,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", backend.ErrUnsupportedBackend, cfg.Backend)
	}
}

// Initialize verifies connectivity and writes the zero schema version marker
// on a fresh store.
func (m *Manager) Initialize(ctx context.Context) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.backend.Ping(ctx); err != nil {
		return err
	}
	return m.history.EnsureInitialized(ctx)
}

// Migrate runs the apply pipeline and records the outcome in the audit trail.
func (m *Manager) Migrate(ctx context.Context) (*migrate.Report, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	report, err := m.runner.Run(ctx)
	if report != nil && (err == nil || report.Committed() > 0) {
		m.recordAudit(ctx, audit.ActionMigrateApply, report, err)
	}
	return report, err
}

// Rollback reverts committed migrations down to target.
func (m *Manager) Rollback(ctx context.Context, target int64) (*migrate.Report, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	report, err := m.runner.Rollback(ctx, target)
	if report != nil && (err == nil || report.Committed() > 0) {
		m.recordAudit(ctx, audit.ActionMigrateRollback, report, err)
	}
	return report, err
}

// Backup writes a snapshot and returns its path.
func (m *Manager) Backup(ctx context.Context, req backup.CreateRequest) (string, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	snapshot, path, err := m.backups.Create(ctx, req)
	if err != nil {
		return "", err
	}
	m.auditEvent(ctx, audit.Event{
		Action:   audit.ActionBackupCreate,
		TargetID: path,
		Details: map[string]any{
			"schema_version": snapshot.SchemaVersion,
			"keys":           len(snapshot.Data),
		},
	})
	return path, nil
}

// Restore replaces the store's contents from a snapshot.
func (m *Manager) Restore(ctx context.Context, req backup.RestoreRequest) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	snapshot, err := m.backups.Restore(ctx, req)
	if err != nil {
		return err
	}
	m.auditEvent(ctx, audit.Event{
		Action:   audit.ActionBackupRestore,
		TargetID: req.InputPath,
		Details: map[string]any{
			"schema_version": snapshot.SchemaVersion,
			"forced":         req.Force,
		},
	})
	return nil
}

// Verify recomputes migration checksums against the recorded history.
func (m *Manager) Verify(ctx context.Context) (*migrate.VerifyReport, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.verifier.Verify(ctx)
}

// AuditEvents lists the recorded operation trail.
func (m *Manager) AuditEvents(ctx context.Context) ([]audit.RecordedEvent, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.trail.List(ctx)
}

// VerifyAudit checks the audit trail's hash chain.
func (m *Manager) VerifyAudit(ctx context.Context) (*audit.VerifyResult, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.trail.Verify(ctx)
}

// Health describes the live store's state.
type Health struct {
	Backend       string `json:"backend"`
	SchemaVersion int64  `json:"schema_version"`
	LatestVersion int64  `json:"latest_version"`
	Pending       int    `json:"pending"`
	Healthy       bool   `json:"healthy"`
	Error         string `json:"error,omitempty"`
}

func (m *Manager) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	health := &Health{
		Backend:       m.backend.Type(),
		LatestVersion: m.registry.Latest(),
		Healthy:       true,
	}
	if err := m.backend.Ping(ctx); err != nil {
		health.Healthy = false
		health.Error = err.Error()
		return health, nil
	}

	version, err := m.history.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := m.runner.Pending(ctx)
	if err != nil {
		return nil, err
	}
	health.SchemaVersion = version
	health.Pending = len(pending)
	return health, nil
}

func (m *Manager) Backend() backend.Backend {
	return m.backend
}

func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.cfg.Storage.OpTimeout
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// recordAudit summarizes a runner report into one trail event. Trail failures
// are warnings only; they never change the operation's outcome.
func (m *Manager) recordAudit(ctx context.Context, action string, report *migrate.Report, runErr error) {
	result := audit.ResultSuccess
	if runErr != nil {
		result = audit.ResultFailure
	}
	m.auditEvent(ctx, audit.Event{
		Action:   action,
		TargetID: strconv.FormatInt(report.To, 10),
		Result:   result,
		Details: map[string]any{
			"batch":     report.BatchID,
			"from":      report.From,
			"to":        report.To,
			"committed": report.Committed(),
		},
	})
}

func (m *Manager) auditEvent(ctx context.Context, event audit.Event) {
	event.Timestamp = time.Now()
	if err := m.trail.Record(ctx, event); err != nil {
		m.logger.Warn("audit record failed", "action", event.Action, "error", err)
	}
}
