package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evolvedb/evolve/internal/backend"
)

// Status is the per-migration pipeline state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusApplying   Status = "applying"
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
)

// Result is the final state one migration reached within a batch.
type Result struct {
	Version int64
	Name    string
	Status  Status
	Err     error
}

// Report describes one Run or Rollback invocation.
type Report struct {
	BatchID string
	From    int64
	To      int64
	Results []Result
}

// Committed counts the migrations that reached StatusCommitted.
func (r *Report) Committed() int {
	n := 0
	for _, result := range r.Results {
		if result.Status == StatusCommitted {
			n++
		}
	}
	return n
}

// Runner drives the apply pipeline: pending-set computation, dependency
// validation, and transactional apply with the version marker and history
// record committed atomically alongside each unit.
type Runner struct {
	backend  backend.Backend
	registry *Registry
	history  *History
	params   map[string]any
	logger   *slog.Logger

	// running rejects overlapping invocations from this instance; it is
	// deliberately not process-global so independent managers do not
	// interfere. Cross-process coordination is out of scope.
	running atomic.Bool
}

func NewRunner(b backend.Backend, registry *Registry, params map[string]any, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		backend:  b,
		registry: registry,
		history:  NewHistory(b),
		params:   params,
		logger:   logger,
	}
}

func (r *Runner) History() *History {
	return r.history
}

// Pending returns the registered units newer than the current schema version,
// ascending.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	current, err := r.history.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range r.registry.All() {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Run applies every pending migration in ascending version order. Each unit
// commits atomically with its history record and the schema version bump; the
// first failure rolls that unit back, halts the batch, and leaves the store
// exactly as the last committed unit left it. Running when nothing is pending
// performs zero writes.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	current, err := r.history.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	records, err := r.history.Records(ctx)
	if err != nil {
		return nil, err
	}
	committed := make(map[int64]struct{}, len(records))
	for _, record := range records {
		committed[record.Version] = struct{}{}
	}

	report := &Report{BatchID: uuid.NewString(), From: current, To: current}
	for _, m := range r.registry.All() {
		if m.Version > current {
			report.Results = append(report.Results, Result{Version: m.Version, Name: m.Name, Status: StatusPending})
		}
	}
	if len(report.Results) == 0 {
		r.logger.Info("no pending migrations", "batch", report.BatchID, "schema_version", current)
		return report, nil
	}

	// Validate the whole batch before touching anything: a missing
	// dependency aborts every unit, not just the offender.
	pending := r.registry.All()
	for i, result := range report.Results {
		m, _ := r.registry.Get(result.Version)
		report.Results[i].Status = StatusValidating
		for _, dep := range m.Dependencies {
			if _, ok := committed[dep]; ok {
				continue
			}
			if depIsInBatch(pending, dep, current, m.Version) {
				continue
			}
			report.Results[i].Status = StatusFailed
			err := migErr(m, fmt.Errorf("%w: %d", ErrMissingDependency, dep))
			report.Results[i].Err = err
			return report, err
		}
		report.Results[i].Status = StatusPending
	}

	for i := range report.Results {
		m, _ := r.registry.Get(report.Results[i].Version)
		report.Results[i].Status = StatusApplying
		r.logger.Info("applying migration",
			"batch", report.BatchID, "version", m.Version, "name", m.Name)

		err := r.backend.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := m.Apply(txCtx, r.backend, r.params); err != nil {
				return err
			}
			return r.history.Append(txCtx, Record{
				Version:      m.Version,
				Name:         m.Name,
				Description:  m.Description,
				Dependencies: append([]int64(nil), m.Dependencies...),
				Checksum:     m.Checksum(),
				AppliedAt:    time.Now().UTC(),
			})
		})
		if err != nil {
			report.Results[i].Status = StatusFailed
			wrapped := migErr(m, err)
			report.Results[i].Err = wrapped
			r.logger.Error("migration failed, batch halted",
				"batch", report.BatchID, "version", m.Version, "name", m.Name, "error", err)
			return report, wrapped
		}

		report.Results[i].Status = StatusCommitted
		report.To = m.Version
		committed[m.Version] = struct{}{}
	}

	r.logger.Info("batch committed",
		"batch", report.BatchID, "from", report.From, "to", report.To, "count", report.Committed())
	return report, nil
}

// Rollback reverts committed migrations above target, newest first, each in
// its own transaction together with the matching history truncation. A unit
// without a Revert, or one no longer registered, fails the rollback loudly.
func (r *Runner) Rollback(ctx context.Context, target int64) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	current, err := r.history.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if target > current {
		return nil, fmt.Errorf("rollback target %d is ahead of schema version %d", target, current)
	}

	records, err := r.history.Records(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{BatchID: uuid.NewString(), From: current, To: current}
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.Version <= target {
			break
		}

		m, ok := r.registry.Get(record.Version)
		if !ok {
			err := &MigrationError{Version: record.Version, Name: record.Name, Err: ErrUnknownVersion}
			report.Results = append(report.Results, Result{Version: record.Version, Name: record.Name, Status: StatusFailed, Err: err})
			return report, err
		}
		if m.Revert == nil {
			err := migErr(m, ErrRevertUnsupported)
			report.Results = append(report.Results, Result{Version: m.Version, Name: m.Name, Status: StatusFailed, Err: err})
			return report, err
		}

		previous := int64(0)
		if i > 0 {
			previous = records[i-1].Version
		}
		r.logger.Info("reverting migration",
			"batch", report.BatchID, "version", m.Version, "name", m.Name)

		err := r.backend.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := m.Revert(txCtx, r.backend, r.params); err != nil {
				return err
			}
			return r.history.TruncateAbove(txCtx, previous)
		})
		if err != nil {
			wrapped := migErr(m, err)
			report.Results = append(report.Results, Result{Version: m.Version, Name: m.Name, Status: StatusFailed, Err: wrapped})
			r.logger.Error("revert failed, rollback halted",
				"batch", report.BatchID, "version", m.Version, "name", m.Name, "error", err)
			return report, wrapped
		}
		report.Results = append(report.Results, Result{Version: m.Version, Name: m.Name, Status: StatusCommitted})
		report.To = previous
	}
	return report, nil
}

// depIsInBatch reports whether dep is an earlier unit of the same batch,
// which by ascending apply order will have committed before the dependent
// unit runs.
func depIsInBatch(all []Migration, dep, current, dependent int64) bool {
	if dep <= current || dep >= dependent {
		return false
	}
	for _, m := range all {
		if m.Version == dep {
			return true
		}
	}
	return false
}
