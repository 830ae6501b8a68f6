package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
)

const defaultVersionRefreshInterval = 10 * time.Minute

type VersionStatus struct {
	CurrentVersion store.WAVersionContainer `json:"current_version"`
	LastRefreshed  *time.Time               `json:"last_refreshed,omitempty"`
	LastError      string                   `json:"last_error,omitempty"`
}

// VersionRefresher keeps the advertised WhatsApp Web version current.
// Concurrent refreshes share one lookup and non-forced refreshes are
// throttled to MinInterval.
type VersionRefresher struct {
	MinInterval time.Duration

	fetch func(ctx context.Context) (*store.WAVersionContainer, error)
	apply func(store.WAVersionContainer)
	now   func() time.Time

	group singleflight.Group

	mu            sync.RWMutex
	lastRefreshed *time.Time
	lastError     string
}

func NewVersionRefresher() *VersionRefresher {
	return &VersionRefresher{
		MinInterval: env.GetEnvDurationOrDefault("WHATSAPP_WAVERSION_REFRESH_MIN_INTERVAL", defaultVersionRefreshInterval),
		fetch: func(ctx context.Context) (*store.WAVersionContainer, error) {
			return whatsmeow.GetLatestVersion(ctx, &http.Client{Timeout: 15 * time.Second})
		},
		apply: store.SetWAVersion,
		now:   time.Now,
	}
}

func (v *VersionRefresher) Status() VersionStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var last *time.Time
	if v.lastRefreshed != nil {
		t := *v.lastRefreshed
		last = &t
	}
	return VersionStatus{
		CurrentVersion: store.GetWAVersion(),
		LastRefreshed:  last,
		LastError:      v.lastError,
	}
}

// Refresh looks up the latest version. The bool reports whether a lookup
// actually ran.
func (v *VersionRefresher) Refresh(ctx context.Context, force bool) (VersionStatus, bool, error) {
	if !force && v.MinInterval > 0 {
		v.mu.RLock()
		last := v.lastRefreshed
		v.mu.RUnlock()
		if last != nil && v.now().Sub(*last) < v.MinInterval {
			return v.Status(), false, nil
		}
	}

	_, err, _ := v.group.Do("refresh", func() (interface{}, error) {
		latest, err := v.fetch(ctx)
		if err == nil && latest == nil {
			err = errors.New("latest WhatsApp Web version is nil")
		}
		if err == nil {
			v.apply(*latest)
		}
		v.record(err)
		return nil, err
	})
	return v.Status(), true, err
}

func (v *VersionRefresher) record(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	v.lastRefreshed = &now
	v.lastError = ""
	if err != nil {
		v.lastError = err.Error()
	}
}
