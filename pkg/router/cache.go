package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cache"
)

// HttpCacheInMemory caches GET responses under the given path prefixes.
// Everything else, the live API included, bypasses the cache.
func HttpCacheInMemory(ttl int, prefixes ...string) fiber.Handler {
	if ttl <= 0 {
		ttl = 5
	}
	return cache.New(cache.Config{
		Next: func(c *fiber.Ctx) bool {
			if c.Method() != fiber.MethodGet {
				return true
			}
			for _, p := range prefixes {
				if strings.HasPrefix(c.Path(), p) {
					return false
				}
			}
			return true
		},
		Expiration: time.Duration(ttl) * time.Second,
	})
}
