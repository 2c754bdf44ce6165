package session

import (
	"database/sql"
	"database/sql/driver"

	_ "github.com/lib/pq"

	"github.com/relaybroker/relaybroker/internal/logger"
)

// Store persists session metadata for operators and audit tooling outside
// the broker's own process lifetime. The EventLog itself stays in-memory
// only (see DESIGN.md's resolution of the corresponding Open Question);
// Store exists purely so `relaybrokerd` can answer "what sessions has this
// broker ever hosted" after a restart, grounded in the teacher's
// internal/db session-row upserts driven from its NATS subscriber
// (internal/events/subscriber.go).
type Store interface {
	Upsert(snap Snapshot)
	Delete(id string)
}

// NoopStore is used when RELAY_POSTGRES_DSN is unset; persistence is
// silently skipped rather than treated as a fatal condition, matching the
// teacher's graceful-degradation pattern for optional backing stores.
type NoopStore struct{}

func (NoopStore) Upsert(Snapshot) {}
func (NoopStore) Delete(string)   {}

// PostgresStore persists session rows to Postgres via lib/pq. Failures are
// logged, not returned — losing the audit trail for one write must never
// take down a live session.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and ensures the sessions table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS relaybroker_sessions (
	id TEXT PRIMARY KEY,
	label TEXT,
	cwd TEXT NOT NULL,
	argv TEXT[] NOT NULL,
	state TEXT NOT NULL,
	owner_connection_id TEXT,
	subscriber_count INTEGER NOT NULL DEFAULT 0,
	fail_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Upsert(snap Snapshot) {
	const q = `
INSERT INTO relaybroker_sessions
	(id, label, cwd, argv, state, owner_connection_id, subscriber_count, fail_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (id) DO UPDATE SET
	label = EXCLUDED.label,
	state = EXCLUDED.state,
	owner_connection_id = EXCLUDED.owner_connection_id,
	subscriber_count = EXCLUDED.subscriber_count,
	fail_reason = EXCLUDED.fail_reason,
	updated_at = now()`
	argv := make([]string, len(snap.Argv))
	copy(argv, snap.Argv)
	_, err := p.db.Exec(q, snap.ID, snap.Label, snap.Cwd, pqStringArray(argv), snap.State,
		snap.OwnerConnID, snap.SubscriberCount, snap.FailReason, snap.CreatedAt)
	if err != nil {
		logger.Session().Error().Err(err).Str("session_id", snap.ID).Msg("failed to persist session snapshot")
	}
}

func (p *PostgresStore) Delete(id string) {
	_, err := p.db.Exec(`DELETE FROM relaybroker_sessions WHERE id = $1`, id)
	if err != nil {
		logger.Session().Error().Err(err).Str("session_id", id).Msg("failed to delete persisted session row")
	}
}

// pqStringArray renders a Go string slice as a Postgres text[] literal,
// the minimal encoding lib/pq needs without pulling in an array-types
// helper package for a single call site.
type pqStringArray []string

func (a pqStringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	out := "{"
	for i, s := range a {
		if i > 0 {
			out += ","
		}
		out += `"` + escapePq(s) + `"`
	}
	return out + "}", nil
}

func escapePq(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
