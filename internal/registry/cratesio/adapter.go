// Package cratesio implements the crates.io registry adapter.
package cratesio

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/eliseuvideira/pkgscraper/internal/upstream"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
)

const DefaultURL = "https://crates.io"

// Adapter implements models.RegistryAdapter against the crates.io v1 API.
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

func (a *Adapter) Registry() models.Registry { return models.RegistryCratesIO }

func (a *Adapter) Fetch(ctx context.Context, packageName string) (models.PackageMetadata, error) {
	name := strings.TrimSpace(packageName)
	if name == "" || strings.ContainsAny(name, "/ ") {
		return models.PackageMetadata{}, fmt.Errorf("%w: crates.io: %q", upstream.ErrInvalidName, packageName)
	}

	var resp crateResponse
	raw, err := a.client.GetJSON(ctx, fmt.Sprintf("%s/api/v1/crates/%s", a.baseURL, url.PathEscape(name)), &resp)
	if err != nil {
		return models.PackageMetadata{}, fmt.Errorf("crates.io fetch %s: %w", name, err)
	}

	version := firstNonEmpty(resp.Crate.MaxStableVersion, resp.Crate.MaxVersion, resp.Crate.NewestVersion)
	if version == "" {
		return models.PackageMetadata{}, fmt.Errorf("%w: crates.io: %s has no published version", upstream.ErrBadResponse, name)
	}

	canonical := resp.Crate.Name
	if canonical == "" {
		canonical = name
	}

	return models.PackageMetadata{
		Name:      canonical,
		Version:   version,
		Downloads: max(resp.Crate.Downloads, 0),
		Raw:       raw,
	}, nil
}

// State reports the circuit breaker state for crates.io.
func (a *Adapter) State() string { return a.client.State() }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type crateResponse struct {
	Crate struct {
		ID               string `json:"id"`
		Name             string `json:"name"`
		Downloads        int64  `json:"downloads"`
		MaxVersion       string `json:"max_version"`
		MaxStableVersion string `json:"max_stable_version"`
		NewestVersion    string `json:"newest_version"`
	} `json:"crate"`
}

var _ models.RegistryAdapter = (*Adapter)(nil)
