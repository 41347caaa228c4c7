package syncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// Event types written by the session lifecycle.
const (
	TypeAssignmentCreated  = "AssignmentCreated"
	TypeAssignmentRemoved  = "AssignmentRemoved"
	TypeAttemptStarted     = "AttemptStarted"
	TypeAttemptSubmitted   = "AttemptSubmitted"
	TypeViolationReported  = "ViolationReported"
	TypeAnswerGraded       = "AnswerGraded"
	TypeSubmitRaceLost     = "SubmitRaceLost"
	TypeAttemptAutoExpired = "AttemptAutoExpired"
)

type Event struct {
	Offset    int64
	SiteID    string
	Type      string
	Key       string
	DataJSON  string
	CreatedAt int64
}

// NewEvent encodes data as the event payload.
func NewEvent(typ, key string, data any) Event {
	buf, _ := json.Marshal(data)
	return Event{SiteID: "local", Type: typ, Key: key, DataJSON: string(buf)}
}

// Recorder appends audit events.
type Recorder interface {
	Append(ctx context.Context, e Event) error
}

type EventRepo struct{ db *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	if e.SiteID == "" {
		e.SiteID = "local"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.SiteID, e.Type, e.Key, e.DataJSON, time.Now().Unix())
	return err
}

// ListByKey returns the events of one key in append order.
func (r *EventRepo) ListByKey(ctx context.Context, key string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, site_id, typ, key, data, created_at FROM event_log WHERE key=$1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Offset, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryLog keeps events in process. Used offline and in tests.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Offset = int64(len(m.events) + 1)
	e.CreatedAt = time.Now().Unix()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryLog) ListByKey(_ context.Context, key string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns how many events of typ were recorded for key.
func (m *MemoryLog) Count(key, typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Key == key && e.Type == typ {
			n++
		}
	}
	return n
}
