// Package registry builds the upstream adapters the worker fetches package metadata through.
package registry

import (
	"fmt"

	"github.com/eliseuvideira/pkgscraper/internal/config"
	"github.com/eliseuvideira/pkgscraper/internal/registry/cratesio"
	"github.com/eliseuvideira/pkgscraper/internal/registry/jsr"
	"github.com/eliseuvideira/pkgscraper/internal/upstream"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
)

// NewAdapter constructs the adapter for one registry. Each adapter gets its own
// upstream client so an outage on one registry never opens the other's circuit.
func NewAdapter(r models.Registry, cfg config.RegistryConfig) (models.RegistryAdapter, error) {
	switch r {
	case models.RegistryCratesIO:
		return cratesio.NewAdapter(cfg.CratesIOURL, newClient(cfg)), nil
	case models.RegistryJSR:
		return jsr.NewAdapter(cfg.JSRURL, newClient(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown registry %q: must be one of crates.io, jsr.io", r)
	}
}

// NewAdapters constructs one adapter per registry. Called once at worker startup.
func NewAdapters(registries []models.Registry, cfg config.RegistryConfig) (map[models.Registry]models.RegistryAdapter, error) {
	adapters := make(map[models.Registry]models.RegistryAdapter, len(registries))
	for _, r := range registries {
		a, err := NewAdapter(r, cfg)
		if err != nil {
			return nil, err
		}
		adapters[r] = a
	}
	return adapters, nil
}

// StateReporter is implemented by adapters that expose their circuit breaker state.
type StateReporter interface {
	State() string
}

func newClient(cfg config.RegistryConfig) *upstream.Client {
	opts := []upstream.Option{upstream.WithUserAgent(cfg.UserAgent)}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, upstream.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.BaseDelay > 0 {
		opts = append(opts, upstream.WithBaseDelay(cfg.BaseDelay))
	}
	if cfg.BreakerThreshold > 0 {
		opts = append(opts, upstream.WithBreakerThreshold(cfg.BreakerThreshold))
	}
	return upstream.New(opts...)
}
