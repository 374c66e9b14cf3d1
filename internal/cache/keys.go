package cache

import (
	"fmt"

	"github.com/eliseuvideira/pkgscraper/pkg/models"
)

func RegistryFetchKey(registry models.Registry, name string) string {
	return fmt.Sprintf("registry:%s:%s", registry, name)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
