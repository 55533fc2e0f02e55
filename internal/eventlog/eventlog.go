// Package eventlog journals control-plane mutations to SQLite. It records
// operator actions only; simulation state is never persisted.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	_ "modernc.org/sqlite"
)

// DefaultRetention is how long entries are kept before pruning.
const DefaultRetention = 24 * time.Hour

// timeLayout is fixed width and always UTC, so stored timestamps compare
// correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Entry is one journaled control event.
type Entry struct {
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Unit      int             `json:"unit,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Journal is a SQLite-backed control event log with an asynchronous writer.
type Journal struct {
	db         *sql.DB
	queue      chan Entry
	retention  time.Duration
	pruneEvery time.Duration
}

// Option configures the Journal.
type Option func(*Journal)

// WithRetention sets how long entries are kept (default 24h).
func WithRetention(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithPruneInterval sets how often Run prunes old entries (default 1h).
func WithPruneInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.pruneEvery = d
		}
	}
}

// New opens (or creates) the journal at dbPath. Use ":memory:" for tests.
func New(dbPath string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection: each pool connection to :memory: would get its own
	// database, and file databases avoid "database is locked".
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS control_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation TEXT NOT NULL,
    unit INTEGER NOT NULL DEFAULT 0,
    detail TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_control_events_timestamp ON control_events(timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:         db,
		queue:      make(chan Entry, 256),
		retention:  DefaultRetention,
		pruneEvery: time.Hour,
	}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record writes one entry synchronously.
func (j *Journal) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	detail := ""
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}
	_, err := j.db.Exec(
		`INSERT INTO control_events (operation, unit, detail, timestamp) VALUES (?, ?, ?, ?)`,
		e.Operation, e.Unit, detail, formatTime(e.Timestamp),
	)
	return err
}

// Query returns up to limit entries, newest first. A limit of 0 or less
// returns every entry.
func (j *Journal) Query(limit int) ([]Entry, error) {
	q := `SELECT id, operation, unit, detail, timestamp FROM control_events ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var detail, timestamp string
		if err := rows.Scan(&e.ID, &e.Operation, &e.Unit, &detail, &timestamp); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneBefore deletes entries older than cutoff and returns how many were removed.
func (j *Journal) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec(
		`DELETE FROM control_events WHERE timestamp < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Listen queues a control event for the writer goroutine. It never blocks;
// when the queue is full the event is dropped and logged.
func (j *Journal) Listen(ev control.Event) {
	e := Entry{Operation: ev.Operation, Unit: ev.Unit, Timestamp: ev.Time}
	if ev.Detail != nil {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			log.Printf("eventlog: marshal %s detail: %v", ev.Operation, err)
		} else {
			e.Detail = data
		}
	}
	select {
	case j.queue <- e:
	default:
		log.Printf("eventlog: queue full, dropped %s event", ev.Operation)
	}
}

// Run writes queued events and prunes old ones until ctx is cancelled, then
// flushes whatever is still queued.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(j.pruneEvery)
	defer ticker.Stop()

	j.prune()
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return
		case e := <-j.queue:
			j.write(e)
		case <-ticker.C:
			j.prune()
		}
	}
}

func (j *Journal) flush() {
	for {
		select {
		case e := <-j.queue:
			j.write(e)
		default:
			return
		}
	}
}

func (j *Journal) write(e Entry) {
	if err := j.Record(e); err != nil {
		log.Printf("eventlog: record %s: %v", e.Operation, err)
	}
}

func (j *Journal) prune() {
	n, err := j.PruneBefore(time.Now().Add(-j.retention))
	if err != nil {
		log.Printf("eventlog: prune: %v", err)
		return
	}
	if n > 0 {
		log.Printf("eventlog: pruned %d entries older than %v", n, j.retention)
	}
}
