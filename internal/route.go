package internal

import (
	"os"

	"github.com/gofiber/fiber/v2"
	swagger "github.com/gofiber/swagger"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/auth"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/router"

	ctlAdmin "github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/admin"
	ctlIndex "github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/index"
	ctlMessaging "github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/messaging"
	ctlPush "github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/push"
	ctlSessions "github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/sessions"
)

func Routes(app *fiber.App, rt *Runtime) {
	// Configure OpenAPI / Swagger
	specURL := router.BaseURL + "/docs/swagger.json"
	swaggerHandler := swagger.New(swagger.Config{
		URL: specURL,
	})

	// Route for Index
	// ---------------------------------------------
	app.Get(router.API(""), ctlIndex.Index)

	// Route for OpenAPI / Swagger
	// ---------------------------------------------
	app.Get(router.BaseURL+"/docs/swagger.json", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.json")
	})
	app.Get(router.BaseURL+"/docs/*", swaggerHandler)

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	adminMiddleware := auth.AdminAuth()
	admin := ctlAdmin.New(rt.Versions, rt.Datastore)

	app.Get(router.BaseURL+"/admin/whatsapp/version", adminMiddleware, admin.Version)
	app.Post(router.BaseURL+"/admin/whatsapp/version/refresh", adminMiddleware, admin.RefreshVersion)
	app.Get(router.BaseURL+"/admin/sessions/routes", adminMiddleware, admin.SlotRoutes)

	// ============================================================
	// DASHBOARD API
	// ============================================================
	messaging := ctlMessaging.New(rt.Dispatcher, rt.Controller)
	app.Post(router.API("/send-message"), messaging.SendMessage)

	ctlSessions.New(rt.Controller, rt.Store).Mount(app.Group(router.API("/sessions")))

	// Push channel (Socket.IO over websocket)
	push := ctlPush.New(rt.Hub, rt.Dispatcher, rt.Controller)
	app.Get(router.BaseURL+"/socket.io/", push.Upgrade(), push.Handler())

	// Dashboard static files
	publicDir := env.GetEnvStringOrDefault("DASHBOARD_PUBLIC_DIR", "./public")
	if info, err := os.Stat(publicDir); err == nil && info.IsDir() {
		app.Static(router.BaseURL+"/", publicDir)
	} else {
		log.Print(nil).WithField("dir", publicDir).Warn("Dashboard directory not found; serving API only")
	}
}
