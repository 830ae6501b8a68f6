// Package auth guards the operator endpoints.
package auth

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/router"
)

const HeaderAdminSecret = "X-Admin-Secret"

// AdminSecretKey for admin API endpoints (/admin/*). Empty disables them.
var AdminSecretKey string

func init() {
	AdminSecretKey, _ = env.GetEnvString("ADMIN_SECRET_KEY")
}

// AdminAuth validates the X-Admin-Secret header for admin endpoints.
func AdminAuth() fiber.Handler {
	return adminAuth(func() string { return AdminSecretKey })
}

func adminAuth(secret func() string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminSecret := c.Get(HeaderAdminSecret)
		if adminSecret == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}

		expected := secret()
		if expected == "" {
			return router.ResponseInternalError(c, "Admin secret key not configured")
		}

		if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(expected)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}

		return c.Next()
	}
}
