// Package audit is a reference PluginHost consumer that records every
// UserInput, SessionCreated, SessionStateChanged and SessionRemoved event
// it receives to a Postgres audit table.
// Grounded in the teacher's plugins/streamspace-audit-advanced package:
// same CREATE-TABLE-IF-NOT-EXISTS-then-INSERT shape against a
// JSONB details column, reworked onto RelayBroker's event-log kinds and a
// configurable retention sweep instead of the teacher's unused
// RetentionDays field.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/pluginhost"
)

func init() {
	pluginhost.Register("audit", func() pluginhost.Plugin { return &Plugin{} })
}

type config struct {
	DSN           string `json:"dsn"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

// Plugin appends a row to relaybroker_audit_log for every observed event.
type Plugin struct {
	cfg config
	db  *sql.DB
}

func (p *Plugin) Manifest() pluginhost.Manifest {
	return pluginhost.Manifest{
		Name:       "audit",
		Version:    "1.0.0",
		APIVersion: pluginhost.CurrentAPIVersion,
		Filter: pluginhost.FilterSpec{
			Kinds: []eventlog.Kind{eventlog.KindUserInput, eventlog.KindSessionStateChanged, eventlog.KindSessionCreated, eventlog.KindSessionRemoved},
		},
	}
}

func (p *Plugin) OnLoad(ctx *pluginhost.Context) error {
	if err := json.Unmarshal(ctx.Config(), &p.cfg); err != nil && len(ctx.Config()) > 0 {
		return fmt.Errorf("audit: invalid config: %w", err)
	}
	if p.cfg.DSN == "" {
		return fmt.Errorf("audit: dsn is required")
	}
	if p.cfg.RetentionDays == 0 {
		p.cfg.RetentionDays = 90
	}

	db, err := sql.Open("postgres", p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS relaybroker_audit_log (
		id BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(255),
		event_kind VARCHAR(64) NOT NULL,
		details JSONB,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("audit: schema: %w", err)
	}
	p.db = db
	return nil
}

func (p *Plugin) OnEvent(ev eventlog.Event) {
	if p.db == nil {
		return
	}
	details := ev.Payload
	if len(details) == 0 {
		details = []byte("{}")
	}
	if _, err := p.db.Exec(
		`INSERT INTO relaybroker_audit_log (session_id, event_kind, details) VALUES ($1, $2, $3)`,
		ev.SourceSessionID, string(ev.Kind), details,
	); err != nil {
		// Best-effort: a write failure here must never take the plugin
		// down mid-session, only show up as a gap in the audit trail.
		return
	}
}

// ScheduledJobs prunes rows past the configured retention window.
func (p *Plugin) ScheduledJobs() []pluginhost.ScheduledJob {
	return []pluginhost.ScheduledJob{
		{
			CronSpec: "@daily",
			Run: func() {
				if p.db == nil {
					return
				}
				cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)
				p.db.Exec(`DELETE FROM relaybroker_audit_log WHERE created_at < $1`, cutoff)
			},
		},
	}
}
