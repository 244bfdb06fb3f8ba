package migrate

import (
	"context"
	"io"
	"log/slog"
)

// Mismatch is a history entry whose registered unit no longer hashes to the
// recorded checksum: the unit's source changed after it was committed.
type Mismatch struct {
	Version  int64
	Name     string
	Recorded string
	Current  string
}

type VerifyReport struct {
	Checked    int
	Mismatches []Mismatch
	// Missing lists committed versions with no registered unit. These are
	// warnings; they do not block forward migration.
	Missing []int64
}

func (r *VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Verifier recomputes the checksum of every committed migration's registered
// unit and compares it to the recorded value. Nothing is ever auto-corrected.
type Verifier struct {
	registry *Registry
	history  *History
	logger   *slog.Logger
}

func NewVerifier(registry *Registry, history *History, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Verifier{registry: registry, history: history, logger: logger}
}

func (v *Verifier) Verify(ctx context.Context) (*VerifyReport, error) {
	records, err := v.history.Records(ctx)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	for _, record := range records {
		report.Checked++

		m, ok := v.registry.Get(record.Version)
		if !ok {
			report.Missing = append(report.Missing, record.Version)
			v.logger.Warn("committed migration is no longer registered",
				"version", record.Version, "name", record.Name)
			continue
		}

		current := m.Checksum()
		if current != record.Checksum {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Version:  record.Version,
				Name:     record.Name,
				Recorded: record.Checksum,
				Current:  current,
			})
			v.logger.Warn("migration checksum mismatch",
				"version", record.Version, "name", record.Name)
		}
	}
	return report, nil
}
