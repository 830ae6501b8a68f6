package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/dispatch"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/relay"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/webhook"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/whatsapp"
)

const defaultSessionSlots = 4

// Runtime holds the long-lived components wired together at startup.
type Runtime struct {
	Datastore  *pkgWhatsApp.Datastore
	Versions   *pkgWhatsApp.VersionRefresher
	Store      *session.Store
	Hub        *relay.Hub
	Controller *session.Controller
	Dispatcher *dispatch.Dispatcher
	Webhook    *webhook.Forwarder
}

func Startup(ctx context.Context) (*Runtime, error) {
	log.Print(nil).Info("Running Startup Tasks")

	ds, err := pkgWhatsApp.OpenDatastore(ctx, pkgWhatsApp.DatastoreConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}

	slots := env.GetEnvPositiveIntOrDefault("WHATSAPP_SESSION_SLOTS", defaultSessionSlots)
	rt := &Runtime{
		Datastore: ds,
		Versions:  pkgWhatsApp.NewVersionRefresher(),
		Store:     session.NewStore(slots),
	}

	rt.Hub = relay.NewHub(func() []session.Status { return rt.Controller.Statuses() })
	rt.Controller = session.NewController(rt.Store, pkgWhatsApp.NewDialer(ds, rt.Versions), rt.Hub, session.Options{
		ReconnectDelay: env.GetEnvDurationOrDefault("WHATSAPP_RECONNECT_DELAY", 3*time.Second),
		HistoryDelay:   env.GetEnvDurationOrDefault("WHATSAPP_HISTORY_DELAY", 5*time.Second),
		HistoryTimeout: env.GetEnvDurationOrDefault("WHATSAPP_HISTORY_TIMEOUT", 30*time.Second),
		RenderQR:       pkgWhatsApp.RenderQR,
	})
	rt.Dispatcher = dispatch.New(rt.Store, dispatch.Options{
		Timeout:  env.GetEnvDurationOrDefault("WHATSAPP_SEND_TIMEOUT", 30*time.Second),
		Interval: env.GetEnvDurationOrDefault("WHATSAPP_SEND_RATE_INTERVAL", time.Second),
		Burst:    env.GetEnvPositiveIntOrDefault("WHATSAPP_SEND_RATE_BURST", 5),
		Wait:     env.GetEnvBoolOrDefault("WHATSAPP_SEND_RATE_WAIT", false),
	})

	if cfg := webhook.ConfigFromEnv(); cfg.URL != "" {
		fw, err := webhook.New(cfg)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("webhook: %w", err)
		}
		rt.Webhook = fw
		rt.Hub.Join(fw)
	}

	rt.Controller.Start()
	log.Print(nil).WithField("slots", slots).Info("Session slots started")
	return rt, nil
}

// Shutdown stops every slot, then closes the credential store.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	err := rt.Controller.Stop(ctx)
	if rt.Webhook != nil {
		rt.Webhook.Shutdown()
	}
	if cerr := rt.Datastore.Close(); err == nil {
		err = cerr
	}
	return err
}
