// Package webhook forwards relay events to an external HTTP endpoint. The
// forwarder joins the relay hub like a dashboard does.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"

	userAgent = "WhatsApp-Multi-Session-Monitor/1.0"
)

var ErrInvalidURL = errors.New("invalid webhook url")

type Config struct {
	URL    string
	Secret string
	// Events limits forwarding to these relay events. Empty forwards all.
	Events       []string
	Workers      int
	RetryLimit   int
	Backoff      time.Duration
	QueueSize    int
	Timeout      time.Duration
	AllowPrivate bool
}

// ConfigFromEnv reads WEBHOOK_*. An empty URL disables forwarding.
func ConfigFromEnv() Config {
	cfg := Config{
		URL:          env.GetEnvStringOrDefault("WEBHOOK_URL", ""),
		Secret:       env.GetEnvStringOrDefault("WEBHOOK_SECRET", ""),
		Workers:      env.GetEnvPositiveIntOrDefault("WEBHOOK_WORKERS", 2),
		RetryLimit:   env.GetEnvPositiveIntOrDefault("WEBHOOK_RETRY_LIMIT", 3),
		Backoff:      env.GetEnvDurationOrDefault("WEBHOOK_RETRY_BACKOFF", 2*time.Second),
		QueueSize:    env.GetEnvPositiveIntOrDefault("WEBHOOK_QUEUE_SIZE", 1000),
		Timeout:      env.GetEnvDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
		AllowPrivate: env.GetEnvBoolOrDefault("WEBHOOK_ALLOW_PRIVATE", false),
	}
	for _, e := range strings.Split(env.GetEnvStringOrDefault("WEBHOOK_EVENTS", ""), ",") {
		if e = strings.TrimSpace(e); e != "" {
			cfg.Events = append(cfg.Events, e)
		}
	}
	return cfg
}

// Event is the body posted for every forwarded relay event.
type Event struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Forwarder queues events and posts them from a small worker pool with
// retries. A full queue drops the event.
type Forwarder struct {
	cfg    Config
	events map[string]struct{}
	client *http.Client
	queue  chan Event
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg Config) (*Forwarder, error) {
	if err := validateURL(cfg.URL, cfg.AllowPrivate); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		cfg:    cfg,
		events: make(map[string]struct{}, len(cfg.Events)),
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Event, cfg.QueueSize),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, e := range cfg.Events {
		f.events[e] = struct{}{}
	}
	for i := 0; i < cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f, nil
}

func (f *Forwarder) ID() string {
	return "webhook"
}

// Emit never blocks and never fails, so the hub keeps the forwarder.
func (f *Forwarder) Emit(event string, payload any) error {
	if !f.wants(event) {
		return nil
	}
	select {
	case <-f.ctx.Done():
	case f.queue <- Event{Event: event, Timestamp: f.now().Unix(), Data: payload}:
	default:
		log.Component("webhook").WithField("event", event).Warn("Webhook queue full, event dropped")
	}
	return nil
}

// Shutdown stops the workers. Queued events are abandoned.
func (f *Forwarder) Shutdown() {
	f.once.Do(func() {
		f.cancel()
		f.wg.Wait()
	})
}

func (f *Forwarder) wants(event string) bool {
	if len(f.events) == 0 {
		return true
	}
	_, ok := f.events[event]
	return ok
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.queue:
			f.deliver(ev)
		}
	}
}

func (f *Forwarder) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Component("webhook").WithField("event", ev.Event).WithError(err).Error("Webhook payload not serializable")
		return
	}
	signature := Sign(payload, f.cfg.Secret)

	var lastErr error
	for attempt := 1; attempt <= f.cfg.RetryLimit; attempt++ {
		if lastErr = f.post(payload, signature, ev.Event); lastErr == nil {
			log.Component("webhook").WithField("event", ev.Event).WithField("attempt", attempt).Debug("Webhook delivered")
			return
		}
		if attempt == f.cfg.RetryLimit {
			break
		}
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * f.cfg.Backoff):
		}
	}
	log.Component("webhook").
		WithField("event", ev.Event).
		WithField("attempts", f.cfg.RetryLimit).
		WithError(lastErr).
		Warn("Webhook delivery failed")
}

func (f *Forwarder) post(payload []byte, signature, event string) error {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload, prefixed with "sha256=".
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if allowPrivate {
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
		}
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: only HTTPS URLs are allowed", ErrInvalidURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "0.0.0.0" ||
		strings.HasPrefix(host, "192.168.") || strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "172.") {
		return fmt.Errorf("%w: private/local network URLs are not allowed", ErrInvalidURL)
	}
	return nil
}
