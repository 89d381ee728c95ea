package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/ilp-connector/connector/internal/events"
)

// SpannerStore persists StoredEvents to a Cloud Spanner table, for
// horizontally-scaled deployments where a single Postgres instance's
// write throughput would bottleneck the connector fleet. Seq is
// allocated from a single-row counter table under a read-write
// transaction to preserve the monotonic-sequence invariant across
// concurrent writers.
type SpannerStore struct {
	client *spanner.Client
	sink   EvictionSink

	maxSizeBytes int64
}

// NewSpannerStore connects to the given database path
// ("projects/p/instances/i/databases/d"). The `connector_events` and
// `connector_event_seq` tables must already exist (schema is the
// implementer's choice, provisioned out of band via Spanner DDL).
func NewSpannerStore(ctx context.Context, database string, maxSizeBytes int64, sink EvictionSink) (*SpannerStore, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("store: spanner client: %w", err)
	}
	if maxSizeBytes <= 0 {
		maxSizeBytes = defaultMaxSizeBytes
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &SpannerStore{client: client, sink: sink, maxSizeBytes: maxSizeBytes}, nil
}

func (s *SpannerStore) Store(ev events.TelemetryEvent) (StoredEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	se := fromTelemetry(0, ev)
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("store: marshal data: %w", err)
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "connector_event_seq", spanner.Key{"singleton"}, []string{"next"})
		var next int64 = 1
		if err == nil {
			if err := row.Column(0, &next); err != nil {
				return fmt.Errorf("read seq counter: %w", err)
			}
		} else if spanner.ErrCode(err) != 5 /* NotFound */ {
			return fmt.Errorf("read seq counter: %w", err)
		}
		se.Seq = uint64(next)

		mutations := []*spanner.Mutation{
			spanner.InsertOrUpdate("connector_event_seq", []string{"id", "next"}, []interface{}{"singleton", next + 1}),
			spanner.Insert("connector_events",
				[]string{"seq", "event_type", "source", "subject", "peer_id", "packet_id", "direction", "occurred_at", "data"},
				[]interface{}{next, se.Type, se.Source, se.Subject, se.PeerID, se.PacketID, se.Direction, ev.Time, string(payload)},
			),
		}
		return txn.BufferWrite(mutations)
	})
	if err != nil {
		return StoredEvent{}, fmt.Errorf("store: spanner write: %w", err)
	}
	return se, nil
}

func (s *SpannerStore) Query(f Filter) ([]StoredEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	order := "DESC"
	if f.Order == OrderAscending {
		order = "ASC"
	}
	stmt := spanner.Statement{
		SQL: fmt.Sprintf(`SELECT seq, event_type, source, subject, peer_id, packet_id, direction, occurred_at, data
			FROM connector_events %s ORDER BY seq %s LIMIT @limit OFFSET @offset`, spannerWhere(f), order),
		Params: spannerParams(f),
	}
	stmt.Params["limit"] = int64(f.Limit)
	stmt.Params["offset"] = int64(f.Offset)

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []StoredEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: spanner query: %w", err)
		}
		var se StoredEvent
		var seq int64
		var payload string
		if err := row.Columns(&seq, &se.Type, &se.Source, &se.Subject, &se.PeerID, &se.PacketID, &se.Direction, &se.Time, &payload); err != nil {
			return nil, fmt.Errorf("store: spanner scan: %w", err)
		}
		se.Seq = uint64(seq)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &se.Data)
		}
		out = append(out, se)
	}
	return out, nil
}

func (s *SpannerStore) Count(f Filter) (int, error) {
	evs, err := s.Query(Filter{Types: f.Types, Since: f.Since, Until: f.Until, PeerID: f.PeerID, PacketID: f.PacketID, Direction: f.Direction, Limit: 5000})
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

func (s *SpannerStore) Size() (int64, error) {
	return 0, fmt.Errorf("store: spanner backend does not expose table size; track via Cloud Monitoring")
}

func (s *SpannerStore) Total() (int, error) {
	return s.Count(Filter{})
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

func spannerWhere(f Filter) string {
	where, _ := buildSpannerClauses(f)
	return where
}

func spannerParams(f Filter) map[string]interface{} {
	_, params := buildSpannerClauses(f)
	return params
}

func buildSpannerClauses(f Filter) (string, map[string]interface{}) {
	params := map[string]interface{}{}
	clause := ""
	if len(f.Types) > 0 {
		clause += " AND event_type IN UNNEST(@types)"
		params["types"] = f.Types
	}
	if !f.Since.IsZero() {
		clause += " AND occurred_at >= @since"
		params["since"] = f.Since
	}
	if !f.Until.IsZero() {
		clause += " AND occurred_at <= @until"
		params["until"] = f.Until
	}
	if f.PeerID != "" {
		clause += " AND peer_id = @peerId"
		params["peerId"] = f.PeerID
	}
	if f.PacketID != "" {
		clause += " AND packet_id = @packetId"
		params["packetId"] = f.PacketID
	}
	if f.Direction != "" {
		clause += " AND direction = @direction"
		params["direction"] = f.Direction
	}
	if clause == "" {
		return "", params
	}
	return "WHERE " + clause[5:], params
}
