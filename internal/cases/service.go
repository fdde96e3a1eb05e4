package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/idgen"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/metrics"
)

// DefaultArchiveRetention is how long archived case files are kept before purge.
const DefaultArchiveRetention = 90 * 24 * time.Hour

// Service applies lifecycle operations to cases.
type Service struct {
	store     Store
	audit     audit.Logger
	retention time.Duration
	now       func() time.Time
}

// NewService creates a case service.
func NewService(store Store, auditLog audit.Logger) *Service {
	return &Service{
		store:     store,
		audit:     auditLog,
		retention: DefaultArchiveRetention,
		now:       time.Now,
	}
}

// WithArchiveRetention sets how long after archiving a case's files are purged.
func (s *Service) WithArchiveRetention(d time.Duration) *Service {
	if d > 0 {
		s.retention = d
	}
	return s
}

// Store exposes the underlying store to collaborating packages.
func (s *Service) Store() Store { return s.store }

// CreateRequest contains the parameters for opening a case.
type CreateRequest struct {
	AttorneyID       string `json:"attorneyId"`
	Title            string `json:"title"`
	TotalAmountCents int64  `json:"totalAmountCents"`
	Currency         string `json:"currency"`
	Draft            bool   `json:"draft"`
}

// Create opens a new case awaiting funding.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Case, error) {
	if strings.TrimSpace(req.AttorneyID) == "" {
		return nil, invalid("attorneyId is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, invalid("title is required")
	}
	if req.TotalAmountCents <= 0 {
		return nil, invalid("totalAmountCents must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}
	status := StatusOpen
	if req.Draft {
		status = StatusDraft
	}

	now := s.now()
	c := &Case{
		ID:               idgen.WithPrefix("case_"),
		AttorneyID:       req.AttorneyID,
		Title:            strings.TrimSpace(req.Title),
		Status:           status,
		TotalAmountCents: req.TotalAmountCents,
		Currency:         currency,
		EscrowStatus:     EscrowAwaitingFunding,
		Disputes:         []Dispute{},
		Files:            []StoredFile{},
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	s.record(ctx, c.ID, "case.create", map[string]any{"status": string(status), "totalAmountCents": c.TotalAmountCents})
	return c, nil
}

// Get returns a case by ID.
func (s *Service) Get(ctx context.Context, id string) (*Case, error) {
	return s.store.Get(ctx, id)
}

// Transition moves a case from → to. An empty from means "whatever the
// case currently is", resolved by one read before the conditional write.
// A writer that loses the race observes ErrConflict.
func (s *Service) Transition(ctx context.Context, id string, from, to Status) (*Case, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if from == "" {
		from = c.Status
	}
	if c.Status != from {
		metrics.CaseTransitionsTotal.WithLabelValues(string(from), string(to), "conflict").Inc()
		return nil, fmt.Errorf("%w: case is %s, not %s", ErrConflict, c.Status, from)
	}
	if err := checkTransition(c, from, to); err != nil {
		metrics.CaseTransitionsTotal.WithLabelValues(string(from), string(to), "rejected").Inc()
		return nil, err
	}

	updated, err := s.store.CompareAndSetStatus(ctx, id, from, to, s.now())
	if err != nil {
		metrics.CaseTransitionsTotal.WithLabelValues(string(from), string(to), "conflict").Inc()
		return nil, err
	}
	metrics.CaseTransitionsTotal.WithLabelValues(string(from), string(to), "ok").Inc()
	logging.L(ctx).Info("case status changed", "case_id", id, "from", from, "to", to)
	s.record(ctx, id, "case.status", map[string]any{"from": string(from), "to": string(to)})
	return updated, nil
}

// Assign hires a paralegal for an open case and snapshots the amount the
// escrow must hold.
func (s *Service) Assign(ctx context.Context, id, paralegalID string) (*Case, error) {
	paralegalID = strings.TrimSpace(paralegalID)
	if paralegalID == "" {
		return nil, invalid("paralegalId is required")
	}
	updated, err := s.store.Mutate(ctx, id, func(c *Case) error {
		if c.Status != StatusOpen {
			return invalid("cannot assign a paralegal to a %s case", c.Status)
		}
		if paralegalID == c.AttorneyID {
			return invalid("attorney cannot be assigned as paralegal")
		}
		c.ParalegalID = paralegalID
		c.LockedTotalAmountCents = c.TotalAmountCents
		c.Status = StatusAssigned
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CaseTransitionsTotal.WithLabelValues(string(StatusOpen), string(StatusAssigned), "ok").Inc()
	s.record(ctx, id, "case.assign", map[string]any{"paralegalId": paralegalID})
	return updated, nil
}

// SetArchived flags or unflags a finished case as archived. Archiving
// schedules the case files for purge after the retention window.
func (s *Service) SetArchived(ctx context.Context, id string, archived bool) (*Case, error) {
	now := s.now()
	updated, err := s.store.Mutate(ctx, id, func(c *Case) error {
		if c.Status != StatusCompleted && c.Status != StatusClosed {
			return invalid("only completed or closed cases can be archived (case is %s)", c.Status)
		}
		c.Archived = archived
		switch {
		case archived && c.PurgeScheduledFor == nil && c.PurgedAt == nil:
			at := now.Add(s.retention)
			c.PurgeScheduledFor = &at
		case !archived && c.PurgedAt == nil:
			c.PurgeScheduledFor = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, "case.archive", map[string]any{"archived": archived})
	return updated, nil
}

// RaiseDispute opens a dispute on an in-progress case. Only a participant
// may raise one and only one dispute may be open at a time.
func (s *Service) RaiseDispute(ctx context.Context, id, raisedBy, message string) (*Case, *Dispute, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, nil, invalid("dispute message is required")
	}
	var created Dispute
	updated, err := s.store.Mutate(ctx, id, func(c *Case) error {
		if !c.IsParticipant(raisedBy) {
			return ErrForbidden
		}
		if err := RequireFundedEscrow(c); err != nil {
			return err
		}
		if c.Status != StatusInProgress {
			return invalid("cannot dispute a %s case", c.Status)
		}
		if _, open := c.OpenDispute(); open {
			return invalid("case already has an open dispute")
		}
		created = Dispute{
			ID:        idgen.WithPrefix("dsp_"),
			Message:   message,
			RaisedBy:  raisedBy,
			Status:    DisputeOpen,
			CreatedAt: s.now(),
		}
		c.Disputes = append(c.Disputes, created)
		c.Status = StatusDisputed
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.CaseTransitionsTotal.WithLabelValues(string(StatusInProgress), string(StatusDisputed), "ok").Inc()
	s.record(ctx, id, "case.dispute", map[string]any{"disputeId": created.ID, "raisedBy": raisedBy})
	return updated, &created, nil
}

// UpdateDisputeNotes replaces the admin notes on a dispute. Notes remain
// editable after the dispute is settled.
func (s *Service) UpdateDisputeNotes(ctx context.Context, id, disputeID, notes string) (*Case, error) {
	updated, err := s.store.Mutate(ctx, id, func(c *Case) error {
		d, ok := c.Dispute(disputeID)
		if !ok {
			return ErrDisputeNotFound
		}
		d.AdminNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, "case.dispute_notes", map[string]any{"disputeId": disputeID})
	return updated, nil
}

// AttachFile records an object uploaded under the case's storage prefix.
// Uploading is work on the case, so the escrow must be funded.
func (s *Service) AttachFile(ctx context.Context, id, actor string, f StoredFile) (*Case, error) {
	if f.Name == "" || f.Key == "" {
		return nil, invalid("file key and name are required")
	}
	if !strings.HasPrefix(f.Key, StoragePrefix(id)) {
		return nil, invalid("file key must live under %s", StoragePrefix(id))
	}
	f.UploadedBy = actor
	f.UploadedAt = s.now()
	updated, err := s.store.Mutate(ctx, id, func(c *Case) error {
		if !c.IsParticipant(actor) {
			return ErrForbidden
		}
		if err := RequireFundedEscrow(c); err != nil {
			return err
		}
		if c.PurgedAt != nil {
			return invalid("case files have been purged")
		}
		c.Files = append(c.Files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, "case.file", map[string]any{"key": f.Key})
	return updated, nil
}

// WorkAccess reports whether actor may start work on the case now.
func (s *Service) WorkAccess(ctx context.Context, id, actor string) (*Case, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(actor) {
		return nil, ErrForbidden
	}
	if err := RequireFundedEscrow(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) record(ctx context.Context, caseID, action string, meta map[string]any) {
	err := audit.Record(ctx, s.audit, &audit.Entry{
		Action:     action,
		TargetType: "case",
		TargetID:   caseID,
		CaseID:     caseID,
		Meta:       meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.L(ctx).Warn("audit append failed", "case_id", caseID, "action", action, "error", err)
	}
}
