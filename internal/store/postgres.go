package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ilp-connector/connector/internal/events"
)

// PostgresStore persists StoredEvents to an append-only Postgres table.
// The schema is the implementer's choice; NewPostgresStore creates a
// minimal one if it does not already exist.
type PostgresStore struct {
	db   *sql.DB
	sink EvictionSink

	maxSizeBytes int64
}

// NewPostgresStore connects to dbURL and ensures the events table exists.
func NewPostgresStore(dbURL string, maxSizeBytes int64, sink EvictionSink) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS connector_events (
	seq        BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	source     TEXT NOT NULL,
	subject    TEXT NOT NULL,
	peer_id    TEXT NOT NULL DEFAULT '',
	packet_id  TEXT NOT NULL DEFAULT '',
	direction  TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	data       JSONB
);
CREATE INDEX IF NOT EXISTS connector_events_type_idx ON connector_events (event_type);
CREATE INDEX IF NOT EXISTS connector_events_peer_idx ON connector_events (peer_id);
CREATE INDEX IF NOT EXISTS connector_events_time_idx ON connector_events (occurred_at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if maxSizeBytes <= 0 {
		maxSizeBytes = defaultMaxSizeBytes
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &PostgresStore{db: db, sink: sink, maxSizeBytes: maxSizeBytes}, nil
}

func (p *PostgresStore) Store(ev events.TelemetryEvent) (StoredEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	se := fromTelemetry(0, ev)
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("store: marshal data: %w", err)
	}

	row := p.db.QueryRowContext(ctx,
		`INSERT INTO connector_events (event_type, source, subject, peer_id, packet_id, direction, occurred_at, data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING seq`,
		se.Type, se.Source, se.Subject, se.PeerID, se.PacketID, se.Direction, ev.Time, payload,
	)
	if err := row.Scan(&se.Seq); err != nil {
		return StoredEvent{}, fmt.Errorf("store: insert: %w", err)
	}

	if evicted, err := p.evictIfOverCap(ctx); err == nil && evicted > 0 {
		p.sink.Emit("DATABASE_SIZE_EXCEEDED", "store", "", map[string]interface{}{
			"evicted": evicted, "maxSizeBytes": p.maxSizeBytes,
		})
	}
	return se, nil
}

// evictIfOverCap deletes the oldest 1000 rows by seq when
// pg_total_relation_size exceeds maxSizeBytes; it deletes one batch per
// call and does not recheck the size. Postgres reports whole-table size,
// not a per-event figure, so this is a coarse best-effort cap.
func (p *PostgresStore) evictIfOverCap(ctx context.Context) (int, error) {
	var sizeBytes int64
	if err := p.db.QueryRowContext(ctx, `SELECT pg_total_relation_size('connector_events')`).Scan(&sizeBytes); err != nil {
		return 0, fmt.Errorf("store: size check: %w", err)
	}
	if sizeBytes <= p.maxSizeBytes {
		return 0, nil
	}

	const batch = 1000
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM connector_events WHERE seq IN (
			SELECT seq FROM connector_events ORDER BY seq ASC LIMIT $1
		)`, batch)
	if err != nil {
		return 0, fmt.Errorf("store: evict: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) Query(f Filter) ([]StoredEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	where, args := buildWhere(f)
	order := "DESC"
	if f.Order == OrderAscending {
		order = "ASC"
	}
	query := fmt.Sprintf(
		`SELECT seq, event_type, source, subject, peer_id, packet_id, direction, occurred_at, data
		 FROM connector_events %s ORDER BY seq %s LIMIT $%d OFFSET $%d`,
		where, order, len(args)+1, len(args)+2,
	)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		var payload []byte
		if err := rows.Scan(&se.Seq, &se.Type, &se.Source, &se.Subject, &se.PeerID, &se.PacketID, &se.Direction, &se.Time, &payload); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &se.Data)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Count(f Filter) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	where, args := buildWhere(f)
	var n int
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM connector_events %s`, where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) Size() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT pg_total_relation_size('connector_events')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: size: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) Total() (int, error) {
	return p.Count(Filter{})
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			args = append(args, t)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until)
	}
	if f.PeerID != "" {
		add("peer_id = $%d", f.PeerID)
	}
	if f.PacketID != "" {
		add("packet_id = $%d", f.PacketID)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
