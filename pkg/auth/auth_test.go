package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuth(t *testing.T) {
	secret := "s3cret"
	app := fiber.New()
	app.Get("/admin", adminAuth(func() string { return secret }), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	call := func(header string) int {
		req := httptest.NewRequest("GET", "/admin", nil)
		if header != "" {
			req.Header.Set(HeaderAdminSecret, header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusUnauthorized, call(""))
	assert.Equal(t, fiber.StatusUnauthorized, call("wrong"))
	assert.Equal(t, fiber.StatusNoContent, call("s3cret"))

	secret = ""
	assert.Equal(t, fiber.StatusInternalServerError, call("s3cret"))
}
