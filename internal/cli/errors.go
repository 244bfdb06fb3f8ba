package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/evolvedb/evolve/internal/backend"
	"github.com/evolvedb/evolve/internal/config"
	"github.com/evolvedb/evolve/internal/migrate"
)

const (
	ExitCodeSuccess   = 0
	ExitCodeGeneric   = 1
	ExitCodeUsage     = 2
	ExitCodeMigration = 3
	ExitCodeDatabase  = 4
	ExitCodeIO        = 7
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

// mapCommandError translates the engine's error taxonomy into exit codes:
// configuration problems are usage errors, migration failures and database
// failures get their own codes, filesystem problems map to the I/O code.
func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	if errors.Is(err, config.ErrInvalidConfig) || errors.Is(err, backend.ErrUnsupportedBackend) {
		return asExitError(ExitCodeUsage, err)
	}

	var migErr *migrate.MigrationError
	if errors.As(err, &migErr) || errors.Is(err, migrate.ErrRunInProgress) {
		return asExitError(ExitCodeMigration, err)
	}

	var dbErr *backend.DatabaseError
	if errors.As(err, &dbErr) {
		return asExitError(ExitCodeDatabase, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}

	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
