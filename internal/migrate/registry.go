package migrate

import (
	"errors"
	"fmt"
	"sort"
)

// Registry is an explicit registration table mapping versions to migration
// units. Units are registered in code so discovery order is deterministic and
// no runtime reflection is involved. Metadata is validated at registration
// time; a bad unit never survives to apply time.
type Registry struct {
	byVersion map[int64]Migration
}

func NewRegistry() *Registry {
	return &Registry{byVersion: map[int64]Migration{}}
}

func (r *Registry) Register(m Migration) error {
	if m.Version <= 0 {
		return migErr(m, errors.New("version must be positive"))
	}
	if m.Name == "" {
		return migErr(m, errors.New("name is required"))
	}
	if m.Apply == nil {
		return migErr(m, errors.New("apply is required"))
	}
	if _, exists := r.byVersion[m.Version]; exists {
		return migErr(m, ErrDuplicateVersion)
	}
	for _, dep := range m.Dependencies {
		if dep >= m.Version {
			return migErr(m, fmt.Errorf("%w: %d", ErrInvalidDependency, dep))
		}
	}
	r.byVersion[m.Version] = m
	return nil
}

// All returns the registered units in ascending version order.
func (r *Registry) All() []Migration {
	out := make([]Migration, 0, len(r.byVersion))
	for _, m := range r.byVersion {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (r *Registry) Get(version int64) (Migration, bool) {
	m, ok := r.byVersion[version]
	return m, ok
}

func (r *Registry) Len() int {
	return len(r.byVersion)
}

// Latest returns the highest registered version, 0 when empty.
func (r *Registry) Latest() int64 {
	var latest int64
	for version := range r.byVersion {
		if version > latest {
			latest = version
		}
	}
	return latest
}
