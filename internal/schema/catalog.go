// Package schema declares the application's migration catalog. Units are
// registered in an explicit table so discovery order is deterministic; there
// is no filesystem or reflection based loading.
package schema

import (
	"context"
	"fmt"

	"github.com/evolvedb/evolve/internal/backend"
	"github.com/evolvedb/evolve/internal/migrate"
)

// Catalog builds the registry of all known migrations. Registration-time
// validation (duplicate versions, forward dependencies) happens here, long
// before any unit runs.
func Catalog() (*migrate.Registry, error) {
	registry := migrate.NewRegistry()
	for _, m := range catalog {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

var catalog = []migrate.Migration{
	{
		Version:     202501010000,
		Name:        "workspace-defaults",
		Description: "seed the workspace settings namespace",
		Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			locale := "en"
			if v, ok := params["default_locale"].(string); ok && v != "" {
				locale = v
			}
			return b.Set(ctx, "settings:workspace", map[string]any{
				"locale":   locale,
				"timezone": "UTC",
			})
		},
		Revert: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			_, err := b.Delete(ctx, "settings:workspace")
			return err
		},
	},
	{
		Version:      202501020000,
		Name:         "content-index",
		Description:  "create the empty content index document",
		Dependencies: []int64{202501010000},
		Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			return b.Set(ctx, "index:content", map[string]any{
				"entries": []any{},
				"format":  1,
			})
		},
		Revert: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			_, err := b.Delete(ctx, "index:content")
			return err
		},
	},
	{
		Version:      202502150000,
		Name:         "index-format-2",
		Description:  "re-key the content index by collection",
		Dependencies: []int64{202501020000},
		Apply: func(ctx context.Context, b backend.Backend, params map[string]any) error {
			value, ok, err := b.Get(ctx, "index:content")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("content index missing")
			}
			index, isMap := value.(map[string]any)
			if !isMap {
				return fmt.Errorf("content index has unexpected shape %T", value)
			}
			index["format"] = 2
			if _, exists := index["collections"]; !exists {
				index["collections"] = map[string]any{}
			}
			return b.Set(ctx, "index:content", index)
		},
		// No revert: the format-1 layout is not reconstructible once
		// collections have been populated.
	},
}
