// Package jsr implements the jsr.io registry adapter.
package jsr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/eliseuvideira/pkgscraper/internal/upstream"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
)

const DefaultURL = "https://api.jsr.io"

// Adapter implements models.RegistryAdapter against the JSR management API.
type Adapter struct {
	baseURL string
	client  *upstream.Client
}

func NewAdapter(baseURL string, client *upstream.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *Adapter) Registry() models.Registry { return models.RegistryJSR }

// Fetch accepts "@scope/name" or "scope/name".
func (a *Adapter) Fetch(ctx context.Context, packageName string) (models.PackageMetadata, error) {
	scope, name, err := ParseName(packageName)
	if err != nil {
		return models.PackageMetadata{}, err
	}
	base := fmt.Sprintf("%s/scopes/%s/packages/%s", a.baseURL, url.PathEscape(scope), url.PathEscape(name))

	var pkg packageResponse
	pkgRaw, err := a.client.GetJSON(ctx, base, &pkg)
	if err != nil {
		return models.PackageMetadata{}, fmt.Errorf("jsr fetch @%s/%s: %w", scope, name, err)
	}
	if pkg.LatestVersion == nil || *pkg.LatestVersion == "" {
		return models.PackageMetadata{}, fmt.Errorf("%w: jsr: @%s/%s has no published version", upstream.ErrBadResponse, scope, name)
	}

	// Download stats are missing for packages that were never downloaded.
	var downloads downloadsResponse
	dlRaw, err := a.client.GetJSON(ctx, base+"/downloads", &downloads)
	if err != nil && !errors.Is(err, upstream.ErrNotFound) {
		return models.PackageMetadata{}, fmt.Errorf("jsr downloads @%s/%s: %w", scope, name, err)
	}
	if dlRaw == nil {
		dlRaw = []byte("null")
	}

	raw, err := json.Marshal(map[string]json.RawMessage{"package": pkgRaw, "downloads": dlRaw})
	if err != nil {
		return models.PackageMetadata{}, fmt.Errorf("encode jsr payload: %w", err)
	}

	return models.PackageMetadata{
		Name:      "@" + scope + "/" + name,
		Version:   *pkg.LatestVersion,
		Downloads: downloads.sum(),
		Raw:       raw,
	}, nil
}

// State reports the circuit breaker state for jsr.io.
func (a *Adapter) State() string { return a.client.State() }

// ParseName splits a JSR package name into scope and name.
func ParseName(packageName string) (scope, name string, err error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(packageName), "@")
	scope, name, ok := strings.Cut(trimmed, "/")
	if !ok || scope == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: jsr names look like @scope/name, got %q", upstream.ErrInvalidName, packageName)
	}
	return scope, name, nil
}

type packageResponse struct {
	Scope         string  `json:"scope"`
	Name          string  `json:"name"`
	LatestVersion *string `json:"latestVersion"`
}

type downloadsResponse struct {
	Total []struct {
		TimeBucket string `json:"timeBucket"`
		Count      int64  `json:"count"`
	} `json:"total"`
}

func (d downloadsResponse) sum() int64 {
	var total int64
	for _, point := range d.Total {
		if point.Count > 0 {
			total += point.Count
		}
	}
	return total
}

var _ models.RegistryAdapter = (*Adapter)(nil)
