package log

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
)

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     env.GetEnvBoolOrDefault("LOG_FORCE_COLORS", true),
	}

	level, err := logrus.ParseLevel(env.GetEnvStringOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// Logger exposes the shared logger for libraries that want a *logrus.Logger.
func Logger() *logrus.Logger {
	return logger
}

// Print returns an entry scoped to the request, or a bare entry when c is nil.
func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	fields := logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	}
	if id, ok := c.Locals("request_id").(string); ok && id != "" {
		fields["request_id"] = id
	}
	return logger.WithFields(fields)
}

// Slot returns an entry tagged with the session slot.
func Slot(slot int) *logrus.Entry {
	return logger.WithField("slot", slot)
}

// SlotOp tags the entry with both the slot and the operation being run.
func SlotOp(slot int, op string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"slot": slot,
		"op":   op,
	})
}

// Component returns an entry for process-wide subsystems (cron, push hub).
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}
