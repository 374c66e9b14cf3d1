// Package mocks provides gomock implementations of the scraper's interfaces.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	adapter := mocks.NewMockRegistryAdapter(ctrl)
//	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(meta, nil)
package mocks

// Generate mock for RegistryAdapter interface from pkg/models.
// This creates MockRegistryAdapter with methods: Fetch, Registry
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=registry_adapter_mock.go github.com/eliseuvideira/pkgscraper/pkg/models RegistryAdapter

// Generate mock for Cache interface from internal/cache.
// This creates MockCache with methods: Set, Get, Delete, Ping, SetMetadata, GetMetadata, IncrWithExpiry
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_mock.go github.com/eliseuvideira/pkgscraper/internal/cache Cache
