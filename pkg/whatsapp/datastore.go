package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	defaultSessionsDir = "./sessions"
)

var ErrDatastoreClosed = errors.New("whatsapp datastore closed")

// DatastoreConfig selects where device credentials live. SQLite keeps one
// database per slot under SessionsDir, Postgres shares one container and
// maps slots to devices through the slot_routing table.
type DatastoreConfig struct {
	Driver      string
	URI         string
	SessionsDir string
}

func DatastoreConfigFromEnv() DatastoreConfig {
	driver := normalizeDatastoreDriver(env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", DriverSQLite))
	cfg := DatastoreConfig{
		Driver:      driver,
		SessionsDir: env.GetEnvStringOrDefault("WHATSAPP_SESSIONS_DIR", defaultSessionsDir),
	}
	if driver == DriverPostgres {
		cfg.URI = env.MustGetEnvString("WHATSAPP_DATASTORE_URI")
	}
	return cfg
}

// Datastore hands out whatsmeow device stores per slot.
type Datastore struct {
	cfg     DatastoreConfig
	routing *Routing

	mu         sync.Mutex
	closed     bool
	shared     *sqlstore.Container
	containers map[int]*sqlstore.Container
}

func OpenDatastore(ctx context.Context, cfg DatastoreConfig) (*Datastore, error) {
	cfg.Driver = normalizeDatastoreDriver(cfg.Driver)
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = defaultSessionsDir
	}
	d := &Datastore{
		cfg:        cfg,
		containers: make(map[int]*sqlstore.Container),
	}

	switch cfg.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(cfg.SessionsDir, 0o700); err != nil {
			return nil, fmt.Errorf("create sessions dir: %w", err)
		}
		routing, err := OpenRouting(ctx, DriverSQLite, sqliteDSN(filepath.Join(cfg.SessionsDir, "routing.db")))
		if err != nil {
			return nil, err
		}
		d.routing = routing
	case DriverPostgres:
		dsn := normalizeDatastoreDSN(cfg.Driver, cfg.URI)
		log.Component("datastore").Info("Initializing WhatsApp datastore with driver=" + cfg.Driver)
		container, err := sqlstore.New(ctx, cfg.Driver, dsn, nil)
		if err != nil {
			return nil, fmt.Errorf("initialize whatsapp datastore: %w", err)
		}
		if err := container.Upgrade(ctx); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("upgrade operation failed: %w", err)
		}
		routing, err := OpenRouting(ctx, DriverPostgres, dsn)
		if err != nil {
			_ = container.Close()
			return nil, err
		}
		d.shared = container
		d.routing = routing
	default:
		return nil, fmt.Errorf("unsupported datastore driver %s", cfg.Driver)
	}

	log.Component("datastore").WithField("driver", cfg.Driver).Info("database is ok")
	return d, nil
}

// Device returns the stored device of a slot, or a fresh unpaired one.
func (d *Datastore) Device(ctx context.Context, slot int) (*store.Device, error) {
	container, err := d.container(ctx, slot)
	if err != nil {
		return nil, err
	}
	if d.cfg.Driver == DriverSQLite {
		return container.GetFirstDevice(ctx)
	}

	jid, ok, err := d.routing.Lookup(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("lookup slot routing: %w", err)
	}
	if ok {
		parsed, err := types.ParseJID(jid)
		if err == nil {
			device, err := container.GetDevice(ctx, parsed)
			if err != nil {
				return nil, err
			}
			if device != nil {
				return device, nil
			}
		}
		log.Slot(slot).WithField("jid", maskJID(jid)).Warn("Routed device missing from datastore, pairing again")
	}
	return container.NewDevice(), nil
}

// Remember records which device a slot is paired as.
func (d *Datastore) Remember(ctx context.Context, slot int, jid string) error {
	return d.routing.Remember(ctx, slot, jid)
}

// Forget drops the pairing record of a slot after a logout.
func (d *Datastore) Forget(ctx context.Context, slot int) error {
	return d.routing.Forget(ctx, slot)
}

func (d *Datastore) Routes(ctx context.Context) ([]SlotRoute, error) {
	return d.routing.List(ctx)
}

func (d *Datastore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	errs := []error{d.routing.Close()}
	if d.shared != nil {
		errs = append(errs, d.shared.Close())
		d.shared = nil
	}
	for slot, c := range d.containers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close slot %d datastore: %w", slot, err))
		}
	}
	d.containers = nil
	return errors.Join(errs...)
}

func (d *Datastore) container(ctx context.Context, slot int) (*sqlstore.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDatastoreClosed
	}
	if d.shared != nil {
		return d.shared, nil
	}
	if c, ok := d.containers[slot]; ok {
		return c, nil
	}

	dir := SlotDir(d.cfg.SessionsDir, slot)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create slot dir: %w", err)
	}
	c, err := sqlstore.New(ctx, DriverSQLite, sqliteDSN(filepath.Join(dir, "device.db")), nil)
	if err != nil {
		return nil, fmt.Errorf("initialize slot %d datastore: %w", slot, err)
	}
	if err := c.Upgrade(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("upgrade operation failed: %w", err)
	}
	d.containers[slot] = c
	return c, nil
}

// SlotDir is the folder holding one slot's credentials.
func SlotDir(root string, slot int) string {
	return filepath.Join(root, "session-"+strconv.Itoa(slot))
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgresql", "postgres", "pgx":
		return DriverPostgres
	case "", "sqlite", "sqlite3":
		return DriverSQLite
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	if driver != DriverPostgres {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}

func maskJID(jid string) string {
	if len(jid) < 4 {
		return jid
	}
	return jid[0:len(jid)-4] + "xxxx"
}
