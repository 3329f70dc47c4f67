package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// AppendEvent stores a telemetry event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var data []byte
	if len(event.Data) > 0 {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, source, strand_id, resource_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Type, event.Source, nullString(event.StrandID), nullString(event.ResourceID),
		event.Level, event.Message, nullBytes(data), toMillis(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventQuery filters ListEvents. Empty fields match everything.
type EventQuery struct {
	StrandID   string
	ResourceID string
	Type       string
	Since      time.Time
	Limit      int
}

// ListEvents returns stored events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.StrandID != "" {
		where = append(where, "strand_id = ?")
		args = append(args, q.StrandID)
	}
	if q.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, q.ResourceID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, toMillis(q.Since))
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `SELECT id, type, source, strand_id, resource_id, level, message, data, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			e                    telemetry.Event
			strandID, resourceID sql.NullString
			data                 sql.NullString
			ts                   int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &strandID, &resourceID, &e.Level, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.StrandID = strandID.String
		e.ResourceID = resourceID.String
		e.Timestamp = fromMillis(ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSink returns a subscriber that stores every delivered event.
// Write failures are logged and dropped.
func (s *SQLiteStore) EventSink(log zerolog.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_type", event.Type).Msg("failed to store event")
		}
	}
}
