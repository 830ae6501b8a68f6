package index

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/router"
)

func TestIndex(t *testing.T) {
	app := fiber.New()
	app.Get("/api", Index)
	resp, err := app.Test(httptest.NewRequest("GET", "/api", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out router.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Status)
	assert.Contains(t, out.Message, "Monitor")
}
