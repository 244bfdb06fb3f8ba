// Package backup creates and restores full-keyspace snapshots annotated with
// the backend type and schema version that produced them.
package backup

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
	"time"

	"github.com/evolvedb/evolve/internal/backend"
	"github.com/evolvedb/evolve/internal/migrate"
)

var (
	ErrBackendMismatch = errors.New("backup: snapshot backend type does not match target")
	ErrSchemaMismatch  = errors.New("backup: snapshot schema version does not match target")
)

const (
	snapshotPrefix    = "backup-"
	snapshotExt       = ".json"
	snapshotTimestamp = "20060102T150405Z"
)

type Service struct {
	backend   backend.Backend
	history   *migrate.History
	dir       string
	retention int
	logger    *slog.Logger

	now func() time.Time
}

// Options configures a backup Service. Dir is where auto-named snapshots
// land; Retention keeps the newest N auto-named snapshots there (0 keeps
// everything).
type Options struct {
	Dir       string
	Retention int
	Logger    *slog.Logger
}

func NewService(b backend.Backend, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		backend:   b,
		history:   migrate.NewHistory(b),
		dir:       opts.Dir,
		retention: opts.Retention,
		logger:    logger,
		now:       time.Now,
	}
}

type CreateRequest struct {
	// OutputPath overrides the auto-named location under the backup dir.
	OutputPath string
	// Passphrase, when non-empty, encrypts the snapshot.
	Passphrase []byte
}

// Create exports the full keyspace and writes a snapshot document. It shares
// the backend's transaction primitive with the migration pipeline, so it is
// mutually exclusive with an in-flight batch.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Snapshot, string, error) {
	snapshot := &Snapshot{
		BackendType: s.backend.Type(),
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}

	err := s.backend.WithTransaction(ctx, func(txCtx context.Context) error {
		version, err := s.history.SchemaVersion(txCtx)
		if err != nil {
			return err
		}
		data, err := s.backend.Export(txCtx)
		if err != nil {
			return err
		}
		snapshot.SchemaVersion = version
		snapshot.Data = data
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, "", &backend.DatabaseError{Op: "backup", Err: err}
	}
	if len(req.Passphrase) > 0 {
		if raw, err = encryptSnapshot(raw, req.Passphrase); err != nil {
			return nil, "", &backend.DatabaseError{Op: "backup", Err: err}
		}
	}

	path := req.OutputPath
	if path == "" {
		name := snapshotPrefix + s.now().UTC().Format(snapshotTimestamp) + snapshotExt
		path = filepath.Join(s.dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, "", &backend.DatabaseError{Op: "backup", Err: err}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, "", &backend.DatabaseError{Op: "backup", Err: err}
	}

	s.prune()
	s.logger.Info("backup created",
		"path", path, "backend", snapshot.BackendType,
		"schema_version", snapshot.SchemaVersion, "keys", len(snapshot.Data))
	return snapshot, path, nil
}

type RestoreRequest struct {
	InputPath  string
	Passphrase []byte
	// Force skips the backend-type and schema-version compatibility checks.
	Force bool
}

// Restore replaces the target's entire keyspace with a snapshot's data inside
// one transaction; a failed import never leaves a half-restored store.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*Snapshot, error) {
	raw, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, &backend.DatabaseError{Op: "restore", Err: err}
	}
	snapshot, err := decodeSnapshot(raw, req.Passphrase)
	if err != nil {
		return nil, &backend.DatabaseError{Op: "restore", Err: err}
	}

	if !req.Force {
		if snapshot.BackendType != s.backend.Type() {
			return nil, &backend.DatabaseError{
				Op:  "restore",
				Err: fmt.Errorf("%w: snapshot %q, target %q", ErrBackendMismatch, snapshot.BackendType, s.backend.Type()),
			}
		}
		version, err := s.history.SchemaVersion(ctx)
		if err != nil {
			return nil, err
		}
		if snapshot.SchemaVersion != version {
			return nil, &backend.DatabaseError{
				Op:  "restore",
				Err: fmt.Errorf("%w: snapshot %d, target %d", ErrSchemaMismatch, snapshot.SchemaVersion, version),
			}
		}
	}

	err = s.backend.WithTransaction(ctx, func(txCtx context.Context) error {
		return s.backend.Import(txCtx, snapshot.Data)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("backup restored",
		"path", req.InputPath, "schema_version", snapshot.SchemaVersion,
		"keys", len(snapshot.Data), "forced", req.Force)
	return snapshot, nil
}

// prune removes the oldest auto-named snapshots beyond the retention count.
// The timestamped names sort chronologically, so name order is age order.
func (s *Service) prune() {
	if s.retention <= 0 || s.dir == "" {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("backup retention scan failed", "dir", s.dir, "error", err)
		return
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotExt) {
			names = append(names, name)
		}
	}
	if len(names) <= s.retention {
		return
	}
	sort.Strings(names)

	for _, name := range names[:len(names)-s.retention] {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("backup retention prune failed", "path", path, "error", err)
			continue
		}
		s.logger.Info("pruned old backup", "path", path)
	}
}
