package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SlotRoute is the device a slot was last paired as.
type SlotRoute struct {
	Slot         int        `json:"slot"`
	WhatsMeowJID string     `json:"whatsmeow_jid,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Routing persists slot to device JID assignments.
type Routing struct {
	db *sql.DB
}

func OpenRouting(ctx context.Context, driver string, dsn string) (*Routing, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(10 * time.Minute)
		db.SetConnMaxIdleTime(3 * time.Minute)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS slot_routing (
		slot INTEGER PRIMARY KEY,
		whatsmeow_jid TEXT,
		is_active BOOLEAN DEFAULT FALSE,
		last_login_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Routing{db: db}, nil
}

// Remember assigns jid to slot. A JID belongs to at most one slot, so any
// other slot holding it is released.
func (r *Routing) Remember(ctx context.Context, slot int, jid string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE slot_routing
		SET whatsmeow_jid = NULL, is_active = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE slot != $1 AND whatsmeow_jid = $2
	`, slot, jid)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO slot_routing (slot, whatsmeow_jid, is_active, last_login_at, updated_at)
		VALUES ($1, $2, TRUE, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE
		SET whatsmeow_jid = EXCLUDED.whatsmeow_jid,
		    is_active = TRUE,
		    last_login_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
	`, slot, jid)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Routing) Forget(ctx context.Context, slot int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE slot_routing
		SET whatsmeow_jid = NULL, is_active = FALSE, last_login_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE slot = $1
	`, slot)
	return err
}

// Lookup returns the active JID of a slot, if any.
func (r *Routing) Lookup(ctx context.Context, slot int) (string, bool, error) {
	var jid sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT whatsmeow_jid FROM slot_routing WHERE slot = $1 AND is_active = TRUE`, slot).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jid.String, jid.Valid && jid.String != "", nil
}

func (r *Routing) List(ctx context.Context) ([]SlotRoute, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT slot, whatsmeow_jid, is_active, last_login_at FROM slot_routing ORDER BY slot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []SlotRoute
	for rows.Next() {
		var route SlotRoute
		var jid sql.NullString
		var lastLogin sql.NullTime
		if err := rows.Scan(&route.Slot, &jid, &route.IsActive, &lastLogin); err != nil {
			return nil, err
		}
		route.WhatsMeowJID = jid.String
		if lastLogin.Valid {
			t := lastLogin.Time
			route.LastLoginAt = &t
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

func (r *Routing) Close() error {
	return r.db.Close()
}
