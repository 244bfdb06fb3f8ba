package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evolvedb/evolve/internal/backend"
)

// Reserved keys the engine owns inside every backend. They live in the same
// keyspace as application data so a full-keyspace backup carries the schema
// state along with it.
const (
	SchemaVersionKey = "internal:schema_version"
	HistoryKey       = "internal:history"
)

// Record is one committed migration. A record exists iff the migration fully
// committed; the sequence under HistoryKey is always in ascending version
// order.
type Record struct {
	Version      int64     `json:"version"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Dependencies []int64   `json:"dependencies,omitempty"`
	Checksum     string    `json:"file_hash"`
	AppliedAt    time.Time `json:"applied_at"`
}

// History reads and writes the durable migration record through the backend
// itself. Writes are only ever issued inside a runner transaction so the
// version marker and the record sequence cannot diverge.
type History struct {
	backend backend.Backend
}

func NewHistory(b backend.Backend) *History {
	return &History{backend: b}
}

// SchemaVersion returns the version of the last committed migration, 0 when
// none has committed yet.
func (h *History) SchemaVersion(ctx context.Context) (int64, error) {
	value, ok, err := h.backend.Get(ctx, SchemaVersionKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var version int64
	if err := reencode(value, &version); err != nil {
		return 0, fmt.Errorf("parse schema version: %w", err)
	}
	return version, nil
}

func (h *History) Records(ctx context.Context) ([]Record, error) {
	value, ok, err := h.backend.Get(ctx, HistoryKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var records []Record
	if err := reencode(value, &records); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return records, nil
}

// EnsureInitialized writes the zero schema version marker when the store has
// never seen a migration.
func (h *History) EnsureInitialized(ctx context.Context) error {
	_, ok, err := h.backend.Get(ctx, SchemaVersionKey)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return h.backend.Set(ctx, SchemaVersionKey, int64(0))
}

// Append records a committed migration and advances the schema version. Both
// writes must happen inside the same transaction as the migration itself;
// callers pass the transaction context.
func (h *History) Append(ctx context.Context, record Record) error {
	records, err := h.Records(ctx)
	if err != nil {
		return err
	}
	records = append(records, record)
	if err := h.backend.Set(ctx, HistoryKey, records); err != nil {
		return err
	}
	return h.backend.Set(ctx, SchemaVersionKey, record.Version)
}

// TruncateAbove drops every record newer than version and moves the schema
// version marker back accordingly. Used by rollback, inside the reverting
// transaction.
func (h *History) TruncateAbove(ctx context.Context, version int64) error {
	records, err := h.Records(ctx)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, record := range records {
		if record.Version <= version {
			kept = append(kept, record)
		}
	}
	if err := h.backend.Set(ctx, HistoryKey, kept); err != nil {
		return err
	}
	var current int64
	if len(kept) > 0 {
		current = kept[len(kept)-1].Version
	}
	return h.backend.Set(ctx, SchemaVersionKey, current)
}

// reencode converts a JSON-normalized backend value into a typed struct.
func reencode(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
