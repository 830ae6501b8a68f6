package admin

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/router"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/whatsapp"
)

const refreshTimeout = 30 * time.Second

type Versions interface {
	Status() pkgWhatsApp.VersionStatus
	Refresh(ctx context.Context, force bool) (pkgWhatsApp.VersionStatus, bool, error)
}

type Routes interface {
	Routes(ctx context.Context) ([]pkgWhatsApp.SlotRoute, error)
}

// Handler serves the operator endpoints. They sit behind auth.AdminAuth.
type Handler struct {
	versions Versions
	routes   Routes
}

func New(versions Versions, routes Routes) *Handler {
	return &Handler{versions: versions, routes: routes}
}

// RefreshResult is the outcome of a version refresh request.
type RefreshResult struct {
	pkgWhatsApp.VersionStatus
	Refreshed bool `json:"refreshed"`
}

// @Summary     Show WhatsApp Web Version
// @Description Client version announced when connecting and the last refresh outcome (Admin only)
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.Response
// @Router      /admin/whatsapp/version [get]
func (h *Handler) Version(c *fiber.Ctx) error {
	return router.ResponseSuccessWithData(c, "", h.versions.Status())
}

// @Summary     Refresh WhatsApp Web Version
// @Description Fetch the latest client version. Requests inside the minimum interval are skipped unless force is set (Admin only)
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       force query bool false "Ignore the minimum interval"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.Response
// @Failure     502 {object} router.Response
// @Router      /admin/whatsapp/version/refresh [post]
func (h *Handler) RefreshVersion(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), refreshTimeout)
	defer cancel()

	force := c.QueryBool("force", false)
	st, refreshed, err := h.versions.Refresh(ctx, force)
	if err != nil {
		log.Print(c).WithError(err).Warn("WhatsApp Web version refresh failed")
		return router.ResponseBadGateway(c, "version refresh failed: "+err.Error())
	}
	msg := "version refreshed"
	if !refreshed {
		msg = "refreshed recently, skipped"
	}
	return router.ResponseSuccessWithData(c, msg, RefreshResult{VersionStatus: st, Refreshed: refreshed})
}

// @Summary     List Slot Routes
// @Description Paired device of every slot as persisted in the routing table (Admin only)
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Success     200 {object} router.Response
// @Failure     401 {object} router.Response
// @Failure     500 {object} router.Response
// @Router      /admin/sessions/routes [get]
func (h *Handler) SlotRoutes(c *fiber.Ctx) error {
	routes, err := h.routes.Routes(c.UserContext())
	if err != nil {
		return router.ResponseInternalError(c, "failed to list slot routes: "+err.Error())
	}
	return router.ResponseSuccessWithData(c, "", routes)
}
