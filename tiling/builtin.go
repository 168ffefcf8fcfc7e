package tiling

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sync"
)

const (
	WebMercatorQuad = "WebMercatorQuad"
	WorldCRS84Quad  = "WorldCRS84Quad"
)

var (
	//go:embed builtin/*.json
	builtinFS embed.FS

	builtinSchemes = sync.OnceValue(func() []Scheme {
		schemes, err := loadBuiltinSchemes()
		if err != nil {
			panic(err)
		}
		return schemes
	})
)

// BuiltinSchemes returns the schemes that are always available.
func BuiltinSchemes() []Scheme {
	return append([]Scheme(nil), builtinSchemes()...)
}

func loadBuiltinSchemes() ([]Scheme, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}
	schemes := make([]Scheme, 0, len(entries))
	for _, entry := range entries {
		raw, err := builtinFS.ReadFile(path.Join("builtin", entry.Name()))
		if err != nil {
			return nil, err
		}
		var def Definition
		if err = json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("builtin tiling scheme %s: %w", entry.Name(), err)
		}
		scheme, err := NewScheme(def)
		if err != nil {
			return nil, err
		}
		schemes = append(schemes, scheme)
	}
	return schemes, nil
}
