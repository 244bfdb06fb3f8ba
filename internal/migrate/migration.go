package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/evolvedb/evolve/internal/backend"
)

// StepFunc is one direction of a migration unit. Writes issued through b with
// the given context participate in the runner's transaction scope. params is
// the opaque configuration map handed through from the caller.
type StepFunc func(ctx context.Context, b backend.Backend, params map[string]any) error

// Migration is a stateless unit of schema/data transformation. Version is a
// timestamp-derived integer (for example 202501010000) and must be globally
// unique; Dependencies name versions that must already be committed.
type Migration struct {
	Version      int64
	Name         string
	Description  string
	Dependencies []int64
	Apply        StepFunc
	// Revert is optional. A nil Revert means rolling this unit back is
	// unsupported and any rollback crossing it fails loudly.
	Revert StepFunc
}

// Checksum fingerprints the unit's declared surface. Migrations are compiled
// code rather than loose files, so the recorded content hash covers the
// canonical metadata document; changing a registered unit after it committed
// changes this value and is reported by the integrity verifier.
func (m Migration) Checksum() string {
	deps := append([]int64(nil), m.Dependencies...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })

	doc := struct {
		Version      int64   `json:"version"`
		Name         string  `json:"name"`
		Description  string  `json:"description"`
		Dependencies []int64 `json:"dependencies"`
	}{m.Version, m.Name, m.Description, deps}

	raw, err := json.Marshal(doc)
	if err != nil {
		// Marshaling a struct of scalars cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
