package internal

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/whatsapp"
)

const (
	healthCheckSpec           = "0 */5 * * * *"
	defaultVersionRefreshSpec = "0 0 3 * * *"
)

// HealthChecker is the part of the session controller the health check drives.
type HealthChecker interface {
	CheckHealth(id int) error
}

type slotLister interface {
	Slots() []int
}

// VersionRefresh is the throttled WhatsApp Web version lookup.
type VersionRefresh interface {
	Refresh(ctx context.Context, force bool) (pkgWhatsApp.VersionStatus, bool, error)
}

// Routines registers the periodic jobs and starts the scheduler. whatsmeow
// reports most disconnects by event; the check catches connections that
// died without one.
func Routines(c *cron.Cron, rt *Runtime) {
	log.Print(nil).Info("Running Routine Tasks")

	if env.GetEnvBoolOrDefault("WHATSAPP_ENABLE_HEALTH_CHECK_CRON", true) {
		if _, err := c.AddFunc(healthCheckSpec, healthCheck(rt.Controller, rt.Store)); err != nil {
			log.Print(nil).WithField("error", err.Error()).Error("Failed to add health check cron job")
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; relying on whatsmeow event handlers")
	}

	if env.GetEnvBoolOrDefault("WHATSAPP_ENABLE_WAVERSION_REFRESH_CRON", false) {
		spec := env.GetEnvStringOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_SPEC", defaultVersionRefreshSpec)
		force := env.GetEnvBoolOrDefault("WHATSAPP_WAVERSION_REFRESH_CRON_FORCE", false)
		if _, err := c.AddFunc(spec, versionRefresh(rt.Versions, force)); err != nil {
			log.Print(nil).WithField("error", err.Error()).Error("Failed to add WA Web version refresh cron job")
		} else {
			log.Print(nil).WithField("spec", spec).WithField("force", force).Info("WA Web version refresh cron enabled")
		}
	}

	c.Start()
}

func healthCheck(p HealthChecker, slots slotLister) func() {
	return func() {
		for _, id := range slots.Slots() {
			if err := p.CheckHealth(id); err != nil {
				log.SlotOp(id, "health").WithError(err).Warn("Health check not queued")
			}
		}
	}
}

func versionRefresh(v VersionRefresh, force bool) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		status, refreshed, err := v.Refresh(ctx, force)
		entry := log.Print(nil).WithField("version", formatVersion(status)).WithField("force", force)
		if err != nil {
			entry.Error("WA Web version refresh failed: " + err.Error())
			return
		}
		entry.WithField("refreshed", refreshed).Info("WA Web version refresh completed")
	}
}

func formatVersion(status pkgWhatsApp.VersionStatus) string {
	v := status.CurrentVersion
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatUint(uint64(n), 10)
	}
	return strings.Join(parts, ".")
}
