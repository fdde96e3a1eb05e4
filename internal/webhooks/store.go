package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// EventStatus is the processing state of an inbound provider event.
type EventStatus string

const (
	StatusReceived   EventStatus = "received"
	StatusProcessing EventStatus = "processing"
	StatusProcessed  EventStatus = "processed"
	StatusFailed     EventStatus = "failed"
)

// ErrEventNotFound is returned when no record exists for an event id.
var ErrEventNotFound = errors.New("webhook event not found")

// Event is the persisted record of one provider event id. Exactly one
// record exists per EventID however often the provider delivers it.
type Event struct {
	EventID       string      `json:"eventId"`
	Provider      string      `json:"provider"`
	Type          string      `json:"type"`
	Status        EventStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"lastError,omitempty"`
	LastAttemptAt *time.Time  `json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Store persists event records.
type Store interface {
	// Claim records e as processing and reports whether the caller owns
	// this delivery. A new id is inserted; an existing id is re-claimed
	// only if it failed, was never started, or its processing lease
	// (started before staleBefore) has lapsed. Every path is a single
	// atomic statement so concurrent deliveries cannot both claim.
	Claim(ctx context.Context, e *Event, staleBefore time.Time) (claimed bool, err error)
	MarkProcessed(ctx context.Context, eventID, note string) error
	MarkFailed(ctx context.Context, eventID, errMsg string) error
	Get(ctx context.Context, eventID string) (*Event, error)
	// DeleteOlderThan removes up to limit records created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// --- MemoryStore ---

// MemoryStore is an in-memory event store for demo/testing. It is only
// safe for a single process.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Claim(_ context.Context, e *Event, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	existing, ok := m.events[e.EventID]
	if !ok {
		cp := *e
		cp.Status = StatusProcessing
		cp.Attempts = 1
		cp.LastAttemptAt = &now
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		m.events[e.EventID] = &cp
		return true, nil
	}
	if !reclaimable(existing, staleBefore) {
		return false, nil
	}
	existing.Status = StatusProcessing
	existing.Attempts++
	existing.LastAttemptAt = &now
	return true, nil
}

func reclaimable(e *Event, staleBefore time.Time) bool {
	switch e.Status {
	case StatusFailed, StatusReceived:
		return true
	case StatusProcessing:
		return e.LastAttemptAt != nil && e.LastAttemptAt.Before(staleBefore)
	}
	return false
}

func (m *MemoryStore) MarkProcessed(_ context.Context, eventID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = StatusProcessed
	e.LastError = note
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, eventID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status == StatusProcessed {
		return nil
	}
	e.Status = StatusFailed
	e.LastError = errMsg
	return nil
}

func (m *MemoryStore) Get(_ context.Context, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old []*Event
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			old = append(old, e)
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].CreatedAt.Before(old[j].CreatedAt) })
	if limit > 0 && len(old) > limit {
		old = old[:limit]
	}
	for _, e := range old {
		delete(m.events, e.EventID)
	}
	return int64(len(old)), nil
}

// --- PostgresStore ---

// PostgresStore persists event records in the webhook_events table, whose
// primary key on event_id is what makes dedup hold across instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Claim(ctx context.Context, e *Event, staleBefore time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, provider, type, status, attempts, last_attempt_at, created_at)
		VALUES ($1, $2, $3, 'processing', 1, NOW(), NOW())
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Provider, e.Type)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	res, err = p.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'processing', attempts = attempts + 1, last_attempt_at = NOW()
		WHERE event_id = $1
		  AND (status IN ('failed', 'received')
		       OR (status = 'processing' AND last_attempt_at < $2))`,
		e.EventID, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, eventID, note string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'processed', last_error = $2 WHERE event_id = $1`,
		eventID, nullString(note))
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'failed', last_error = $2
		WHERE event_id = $1 AND status <> 'processed'`,
		eventID, errMsg)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Event, error) {
	e := &Event{}
	var (
		status    string
		lastError sql.NullString
		lastAt    sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT event_id, provider, type, status, attempts, last_error, last_attempt_at, created_at
		FROM webhook_events WHERE event_id = $1`, eventID,
	).Scan(&e.EventID, &e.Provider, &e.Type, &status, &e.Attempts, &lastError, &lastAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = EventStatus(status)
	e.LastError = lastError.String
	if lastAt.Valid {
		e.LastAttemptAt = &lastAt.Time
	}
	return e, nil
}

func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM webhook_events
		WHERE event_id IN (
			SELECT event_id FROM webhook_events
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
