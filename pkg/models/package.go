package models

import "github.com/google/uuid"

// Package is the canonical metadata record for one (registry, name) pair.
// Repeated scrapes update Version and Downloads in place.
type Package struct {
	ID        uuid.UUID `db:"id"        json:"id"`
	Registry  Registry  `db:"registry"  json:"registry"`
	Name      string    `db:"name"      json:"name"`
	Version   string    `db:"version"   json:"version"`
	Downloads int64     `db:"downloads" json:"downloads"`
}
