package migrate

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateVersion  = errors.New("migrate: duplicate migration version")
	ErrInvalidDependency = errors.New("migrate: dependency must predate its migration")
	ErrMissingDependency = errors.New("migrate: dependency not committed")
	ErrUnknownVersion    = errors.New("migrate: version not registered")
	ErrRevertUnsupported = errors.New("migrate: migration has no revert")
	ErrRunInProgress     = errors.New("migrate: run already in progress")
)

// MigrationError names the migration a pipeline failure belongs to. The
// wrapped cause is either one of the sentinels above or whatever the unit's
// Apply/Revert returned.
type MigrationError struct {
	Version int64
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
	}
	return fmt.Sprintf("migration %d: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func migErr(m Migration, err error) error {
	return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
}
