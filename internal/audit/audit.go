// Package audit is the append-only record of who did what to which case.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActor     contextKey = "audit_actor"
	ctxActorRole contextKey = "audit_actor_role"
)

// Roles recorded in ActorRole.
const (
	RoleAdmin    = "admin"
	RoleAttorney = "attorney"
	RoleUser     = "user"
	RoleSystem   = "system"
	RoleProvider = "payment_provider"
)

// WithActor attaches the acting identity to the context.
func WithActor(ctx context.Context, actor, role string) context.Context {
	ctx = context.WithValue(ctx, ctxActor, actor)
	return context.WithValue(ctx, ctxActorRole, role)
}

// ActorFromContext returns the actor set by WithActor, or ("system", "system").
func ActorFromContext(ctx context.Context) (actor, role string) {
	actor, _ = ctx.Value(ctxActor).(string)
	role, _ = ctx.Value(ctxActorRole).(string)
	if actor == "" {
		actor = RoleSystem
	}
	if role == "" {
		role = RoleSystem
	}
	return actor, role
}

// Entry is a single audit record. EventID is set for entries produced by
// an inbound provider event; at most one entry exists per EventID.
type Entry struct {
	ID         int64          `json:"id"`
	Actor      string         `json:"actor"`
	ActorRole  string         `json:"actorRole"`
	Action     string         `json:"action"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId,omitempty"`
	CaseID     string         `json:"caseId,omitempty"`
	EventID    string         `json:"eventId,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Logger persists audit entries. Append on an entry whose EventID already
// has a record is a no-op. ListByCase returns entries newest first; a
// positive beforeID restricts it to entries with smaller IDs.
type Logger interface {
	Append(ctx context.Context, e *Entry) error
	ListByCase(ctx context.Context, caseID string, beforeID int64, limit int) ([]*Entry, error)
	ListByEvent(ctx context.Context, eventID string) ([]*Entry, error)
}

// Record fills actor fields from ctx when unset and appends the entry.
func Record(ctx context.Context, l Logger, e *Entry) error {
	if l == nil {
		return nil
	}
	if e.Actor == "" {
		e.Actor, e.ActorRole = ActorFromContext(ctx)
	}
	if e.ActorRole == "" {
		_, e.ActorRole = ActorFromContext(ctx)
	}
	return l.Append(ctx, e)
}

// --- PostgresLogger ---

// PostgresLogger writes audit entries to the audit_log table.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Append(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return err
	}
	if e.Meta == nil {
		meta = []byte("{}")
	}
	err = l.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (actor, actor_role, action, target_type, target_id, case_id, event_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, NOW())
		ON CONFLICT (event_id) WHERE event_id IS NOT NULL DO NOTHING
		RETURNING id, created_at`,
		e.Actor, e.ActorRole, e.Action, e.TargetType, nullString(e.TargetID),
		nullString(e.CaseID), nullString(e.EventID), meta,
	).Scan(&e.ID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // event already audited
	}
	return err
}

const entryColumns = `id, actor, actor_role, action, target_type, COALESCE(target_id, ''),
	COALESCE(case_id, ''), COALESCE(event_id, ''), meta, created_at`

func (l *PostgresLogger) ListByCase(ctx context.Context, caseID string, beforeID int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM audit_log
		WHERE case_id = $1 AND ($2::BIGINT = 0 OR id < $2::BIGINT)
		ORDER BY id DESC LIMIT $3`, caseID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func (l *PostgresLogger) ListByEvent(ctx context.Context, eventID string) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM audit_log WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.ActorRole, &e.Action, &e.TargetType, &e.TargetID,
			&e.CaseID, &e.EventID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- MemoryLogger ---

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	entries []*Entry
	events  map[string]bool
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{events: make(map[string]bool)}
}

func (l *MemoryLogger) Append(_ context.Context, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.EventID != "" {
		if l.events[e.EventID] {
			return nil
		}
		l.events[e.EventID] = true
	}
	l.nextID++
	cp := *e
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	e.ID, e.CreatedAt = cp.ID, cp.CreatedAt
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLogger) ListByCase(_ context.Context, caseID string, beforeID int64, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*Entry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID > 0 && l.entries[i].ID >= beforeID {
			continue
		}
		if l.entries[i].CaseID == caseID {
			cp := *l.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *MemoryLogger) ListByEvent(_ context.Context, eventID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for _, e := range l.entries {
		if e.EventID == eventID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Entries returns all stored entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// CountAction returns how many entries carry the given action.
func (l *MemoryLogger) CountAction(action string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}
