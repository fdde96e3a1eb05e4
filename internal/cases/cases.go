// Package cases owns the case aggregate: a unit of hired legal-support work
// tied to an escrow-held payment.
//
// Lifecycle:
//  1. Attorney creates a case (draft or open) with a total amount
//  2. Admin assigns a paralegal → assigned, amount snapshotted
//  3. Escrow funded by verified webhook → in_progress
//  4. Work completes → completed → closed (payout released)
//  5. Or a party disputes → disputed → closed by settlement
//
// The package also persists the write-once facts derived from a case
// (payouts and platform fee income) so that settlement can insert them in
// the same transaction as the case update.
package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCaseNotFound      = errors.New("case not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("case was modified concurrently; re-read and retry")
	ErrForbidden         = errors.New("not permitted for this case")
	ErrPaymentNotSecured = errors.New("payment not secured: work begins once payment is secured")
	ErrPayoutExists      = errors.New("payout already recorded for this case")
	ErrPayoutNotFound    = errors.New("payout not found")
	ErrIncomeExists      = errors.New("platform income already recorded for this case")
	ErrIncomeNotFound    = errors.New("platform income not found")
)

// ValidationError describes bad input or an invalid transition. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Status is the canonical lifecycle status of a case.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusDisputed   Status = "disputed"
	StatusCompleted  Status = "completed"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft, StatusOpen, StatusAssigned, StatusInProgress,
	StatusDisputed, StatusCompleted, StatusClosed, StatusCancelled,
}

// ParseStatus normalizes user input into a canonical Status. It accepts
// any casing and the spaced/hyphenated spellings of in_progress.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	if norm == "canceled" {
		norm = string(StatusCancelled)
	}
	for _, st := range AllStatuses {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", invalid("unknown case status %q", s)
}

// EscrowStatus tracks the held payment backing a case.
type EscrowStatus string

const (
	EscrowAwaitingFunding EscrowStatus = "awaiting_funding"
	EscrowFunded          EscrowStatus = "funded"
	EscrowReleased        EscrowStatus = "released"
	EscrowRefunded        EscrowStatus = "refunded"
)

// DisputeStatus is the state of a single dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// SettlementAction is the admin-chosen outcome of a dispute.
type SettlementAction string

const (
	ActionRefund         SettlementAction = "refund"
	ActionRelease        SettlementAction = "release"
	ActionReleasePartial SettlementAction = "release_partial"
)

// ParseSettlementAction validates an action name.
func ParseSettlementAction(s string) (SettlementAction, error) {
	switch a := SettlementAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionRefund, ActionRelease, ActionReleasePartial:
		return a, nil
	}
	return "", invalid("unknown settlement action %q (want refund, release or release_partial)", s)
}

// SettlementStage marks how far a settlement has progressed. Stages are
// persisted before and after each monetary call so that a failed attempt
// can be resumed without repeating completed steps.
type SettlementStage string

const (
	StageStarted      SettlementStage = "started"
	StageRefundDone   SettlementStage = "refund_done"
	StageTransferDone SettlementStage = "transfer_done"
)

// Dispute is one complaint raised against a case.
type Dispute struct {
	ID         string        `json:"disputeId"`
	Message    string        `json:"message"`
	RaisedBy   string        `json:"raisedBy"`
	Status     DisputeStatus `json:"status"`
	AdminNotes string        `json:"adminNotes,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// Settlement is the immutable record of how a dispute was resolved.
type Settlement struct {
	DisputeID         string           `json:"disputeId"`
	Action            SettlementAction `json:"action"`
	GrossAmountCents  int64            `json:"grossAmountCents"`
	PayoutAmountCents int64            `json:"payoutAmountCents"`
	FeeAmountCents    int64            `json:"feeAmountCents"`
	RefundAmountCents int64            `json:"refundAmountCents"`
	TransferID        string           `json:"transferId,omitempty"`
	RefundID          string           `json:"refundId,omitempty"`
	SettledAt         time.Time        `json:"settledAt"`
	SettledBy         string           `json:"settledBy"`
}

// SettlementProgress is the in-flight state of a settlement attempt.
type SettlementProgress struct {
	DisputeID         string           `json:"disputeId"`
	Action            SettlementAction `json:"action"`
	GrossAmountCents  int64            `json:"grossAmountCents"`
	RefundAmountCents int64            `json:"refundAmountCents"`
	Stage             SettlementStage  `json:"stage"`
	RefundID          string           `json:"refundId,omitempty"`
	TransferID        string           `json:"transferId,omitempty"`
	LastError         string           `json:"lastError,omitempty"`
	StartedBy         string           `json:"startedBy"`
	StartedAt         time.Time        `json:"startedAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// StoredFile is an object uploaded under the case's storage prefix.
type StoredFile struct {
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Case is the root aggregate.
type Case struct {
	ID          string `json:"id"`
	AttorneyID  string `json:"attorneyId"`
	ParalegalID string `json:"paralegalId,omitempty"`
	Title       string `json:"title"`
	Status      Status `json:"status"`

	TotalAmountCents       int64        `json:"totalAmountCents"`
	LockedTotalAmountCents int64        `json:"lockedTotalAmountCents"`
	Currency               string       `json:"currency"`
	EscrowIntentID         string       `json:"escrowIntentId,omitempty"`
	EscrowStatus           EscrowStatus `json:"escrowStatus"`
	PaymentReleased        bool         `json:"paymentReleased"`
	PayoutTransferID       string       `json:"payoutTransferId,omitempty"`

	Disputes           []Dispute           `json:"disputes"`
	DisputeSettlement  *Settlement         `json:"disputeSettlement,omitempty"`
	SettlementProgress *SettlementProgress `json:"settlementProgress,omitempty"`

	Files             []StoredFile `json:"files"`
	Archived          bool         `json:"archived"`
	ArchiveZipKey     string       `json:"archiveZipKey,omitempty"`
	ArchiveReadyAt    *time.Time   `json:"archiveReadyAt,omitempty"`
	PurgeScheduledFor *time.Time   `json:"purgeScheduledFor,omitempty"`
	PurgedAt          *time.Time   `json:"purgedAt,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HeldAmountCents is the amount the escrow holds: the snapshot taken at
// hire when present, otherwise the current total.
func (c *Case) HeldAmountCents() int64 {
	if c.LockedTotalAmountCents > 0 {
		return c.LockedTotalAmountCents
	}
	return c.TotalAmountCents
}

// IsParticipant reports whether userID is the case's attorney or paralegal.
func (c *Case) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.AttorneyID || userID == c.ParalegalID)
}

// Dispute returns the dispute with the given ID.
func (c *Case) Dispute(id string) (*Dispute, bool) {
	for i := range c.Disputes {
		if c.Disputes[i].ID == id {
			return &c.Disputes[i], true
		}
	}
	return nil, false
}

// OpenDispute returns the currently open dispute, if any.
func (c *Case) OpenDispute() (*Dispute, bool) {
	for i := range c.Disputes {
		if c.Disputes[i].Status == DisputeOpen {
			return &c.Disputes[i], true
		}
	}
	return nil, false
}

// StoragePrefix is the object store prefix holding everything for the case.
func (c *Case) StoragePrefix() string {
	return StoragePrefix(c.ID)
}

// StoragePrefix returns "cases/<id>/".
func StoragePrefix(caseID string) string {
	return "cases/" + caseID + "/"
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (c *Case) Clone() *Case {
	cp := *c
	if c.Disputes != nil {
		cp.Disputes = make([]Dispute, len(c.Disputes))
		copy(cp.Disputes, c.Disputes)
	}
	if c.Files != nil {
		cp.Files = make([]StoredFile, len(c.Files))
		copy(cp.Files, c.Files)
	}
	if c.DisputeSettlement != nil {
		s := *c.DisputeSettlement
		cp.DisputeSettlement = &s
	}
	if c.SettlementProgress != nil {
		p := *c.SettlementProgress
		cp.SettlementProgress = &p
	}
	return &cp
}

// RequireFundedEscrow is the gate for any feature that needs active work
// (messaging, tasks, file uploads): the escrow must be funded.
func RequireFundedEscrow(c *Case) error {
	if c.EscrowIntentID == "" || c.EscrowStatus != EscrowFunded {
		return ErrPaymentNotSecured
	}
	return nil
}

// Payout is the net amount transferred to a paralegal for a case. At most
// one exists per case.
type Payout struct {
	ID              string    `json:"id"`
	CaseID          string    `json:"caseId"`
	ParalegalID     string    `json:"paralegalId"`
	AmountPaidCents int64     `json:"amountPaidCents"`
	TransferID      string    `json:"transferId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// PlatformIncome is the fee retained by the platform for a case. At most
// one exists per case, created together with the Payout.
type PlatformIncome struct {
	ID             string    `json:"id"`
	CaseID         string    `json:"caseId"`
	AttorneyID     string    `json:"attorneyId"`
	ParalegalID    string    `json:"paralegalId"`
	FeeAmountCents int64     `json:"feeAmountCents"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MutateFunc edits a case in place. Returning an error aborts the write.
type MutateFunc func(c *Case) error

// Store persists cases and their derived payout facts.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	FindByEscrowIntent(ctx context.Context, intentID string) (*Case, error)

	// CompareAndSetStatus moves the case from → to in one conditional
	// write. Returns ErrConflict if the stored status is not from.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (*Case, error)

	// Mutate reads the case under a row lock, applies fn and writes the
	// result atomically.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Case, error)

	// RecordPayout applies fn and inserts payout + income in the same
	// transaction. Returns ErrPayoutExists if the case already has one.
	RecordPayout(ctx context.Context, id string, payout *Payout, income *PlatformIncome, fn MutateFunc) (*Case, error)

	GetPayout(ctx context.Context, caseID string) (*Payout, error)
	GetPlatformIncome(ctx context.Context, caseID string) (*PlatformIncome, error)

	// ListPurgeDue returns cases whose purge deadline has passed and that
	// have not been purged yet, oldest deadline first.
	ListPurgeDue(ctx context.Context, now time.Time, limit int) ([]*Case, error)
}
