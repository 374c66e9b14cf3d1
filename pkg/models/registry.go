// Package models contains shared data models used across the scraper codebase.
package models

import "context"

// Registry identifies an upstream package index.
type Registry string

const (
	RegistryCratesIO Registry = "crates.io"
	RegistryJSR      Registry = "jsr.io"
)

// Registries lists every supported registry in a stable order.
var Registries = []Registry{RegistryCratesIO, RegistryJSR}

// ParseRegistry returns the Registry named by s, or false if it is not supported.
func ParseRegistry(s string) (Registry, bool) {
	for _, r := range Registries {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

func (r Registry) String() string { return string(r) }

// PackageMetadata is the normalized shape every registry adapter returns.
type PackageMetadata struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Downloads int64  `json:"downloads"`
	// Raw is the upstream response body the metadata was read from.
	Raw []byte `json:"-"`
}

// RegistryAdapter is the interface every upstream registry integration implements.
// Never call a registry's HTTP API directly; always go through an adapter.
type RegistryAdapter interface {
	// Fetch looks up the latest published version and aggregate downloads of a package.
	Fetch(ctx context.Context, packageName string) (PackageMetadata, error)
	// Registry returns the identifier this adapter serves.
	Registry() Registry
}
