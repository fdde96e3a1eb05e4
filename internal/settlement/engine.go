// Package settlement resolves disputed cases into exactly one of refund,
// release or partial release, and releases payment for completed cases.
//
// A settlement moves money in up to two gateway calls (refund, transfer).
// Each call carries a deterministic idempotency key and its completion is
// persisted on the case as SettlementProgress, so a failed attempt resumes
// where it stopped instead of repeating the refund.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/idgen"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/payments"
	"github.com/lexbridge/casepay/internal/syncutil"
	"github.com/lexbridge/casepay/internal/traces"
)

var (
	ErrAlreadySettled = errors.New("case already settled")
	ErrInvalidAmount  = errors.New("invalid settlement amount")
)

// PayoutAccounts resolves the connected account a paralegal is paid to.
type PayoutAccounts interface {
	RequireReady(ctx context.Context, paralegalID string) (string, error)
}

// Request is an admin's settlement decision for one dispute.
type Request struct {
	CaseID           string
	DisputeID        string
	Action           cases.SettlementAction
	GrossAmountCents int64 // release_partial only
	Actor            string
}

// Result describes a completed settlement or release.
type Result struct {
	Case       *cases.Case           `json:"case"`
	Settlement *cases.Settlement     `json:"settlement,omitempty"`
	Payout     *cases.Payout         `json:"payout,omitempty"`
	Income     *cases.PlatformIncome `json:"platformIncome,omitempty"`
	Replayed   bool                  `json:"replayed"`
}

// Engine applies settlements.
type Engine struct {
	store    cases.Store
	gateway  payments.Gateway
	accounts PayoutAccounts
	audit    audit.Logger
	fees     FeePolicy
	locks    *syncutil.CaseLocks
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(store cases.Store, gateway payments.Gateway, accounts PayoutAccounts, auditLog audit.Logger, fees FeePolicy, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		gateway:  gateway,
		accounts: accounts,
		audit:    auditLog,
		fees:     fees,
		locks:    syncutil.NewCaseLocks(),
		logger:   logger,
		now:      time.Now,
	}
}

// IdempotencyKey is the gateway key for one monetary step of a dispute
// settlement.
func IdempotencyKey(caseID, disputeID, op string) string {
	return "case:" + caseID + ":dispute:" + disputeID + ":" + op
}

// plan is the money movement a request implies for a given case.
type plan struct {
	gross  int64
	payout int64
	fee    int64
	refund int64
}

func (e *Engine) plan(c *cases.Case, action cases.SettlementAction, gross int64) (plan, error) {
	held := c.HeldAmountCents()
	switch action {
	case cases.ActionRefund:
		return plan{refund: held}, nil
	case cases.ActionRelease:
		payout, fee := e.fees.Split(held)
		if payout <= 0 {
			return plan{}, fmt.Errorf("%w: held amount %d leaves nothing to pay out", ErrInvalidAmount, held)
		}
		return plan{gross: held, payout: payout, fee: fee}, nil
	case cases.ActionReleasePartial:
		if gross <= 0 || gross > held {
			return plan{}, fmt.Errorf("%w: grossAmountCents must be in (0, %d]", ErrInvalidAmount, held)
		}
		payout, fee := e.fees.Split(gross)
		if payout <= 0 {
			return plan{}, fmt.Errorf("%w: gross amount %d leaves nothing to pay out", ErrInvalidAmount, gross)
		}
		return plan{gross: gross, payout: payout, fee: fee, refund: held - gross}, nil
	}
	return plan{}, &cases.ValidationError{Msg: fmt.Sprintf("unknown settlement action %q", action)}
}

// matches reports whether a stored settlement answers the same request.
func matches(s *cases.Settlement, req Request) bool {
	if s.DisputeID != req.DisputeID || s.Action != req.Action {
		return false
	}
	return req.Action != cases.ActionReleasePartial || s.GrossAmountCents == req.GrossAmountCents
}

func progressMatches(p *cases.SettlementProgress, req Request) bool {
	if p.DisputeID != req.DisputeID || p.Action != req.Action {
		return false
	}
	return req.Action != cases.ActionReleasePartial || p.GrossAmountCents == req.GrossAmountCents
}

// Settle applies an admin settlement decision. Repeating an identical
// request after success returns the stored result; any other request for
// a settled case fails with ErrAlreadySettled.
func (e *Engine) Settle(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.CaseID(req.CaseID), traces.DisputeID(req.DisputeID), traces.Action(string(req.Action)))
	defer func() {
		traces.End(span, err)
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case res != nil && res.Replayed:
			result = "replayed"
		}
		metrics.SettlementsTotal.WithLabelValues(string(req.Action), result).Inc()
	}()

	unlock, err := e.locks.Lock(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := logging.L(logging.WithCaseID(ctx, req.CaseID)).With("dispute_id", req.DisputeID, "action", req.Action)

	c, err := e.store.Get(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if c.DisputeSettlement != nil {
		return e.replay(ctx, c, req)
	}
	if err := checkDisputed(c, req.DisputeID); err != nil {
		return nil, err
	}
	if c.SettlementProgress != nil && !progressMatches(c.SettlementProgress, req) {
		return nil, fmt.Errorf("%w: a %s settlement of dispute %s is in progress",
			ErrAlreadySettled, c.SettlementProgress.Action, c.SettlementProgress.DisputeID)
	}
	// A resumed settlement may already have moved money, and the provider's
	// refund event can mark the escrow refunded before finalize runs.
	resuming := c.SettlementProgress != nil
	if !resuming {
		if err := cases.RequireFundedEscrow(c); err != nil {
			return nil, err
		}
	}
	p, err := e.plan(c, req.Action, req.GrossAmountCents)
	if err != nil {
		return nil, err
	}

	// Payout readiness is checked before the transfer, never after it.
	var destination string
	if p.payout > 0 && (!resuming || c.SettlementProgress.Stage != cases.StageTransferDone) {
		if destination, err = e.accounts.RequireReady(ctx, c.ParalegalID); err != nil {
			return nil, fmt.Errorf("paralegal payout account: %w", err)
		}
	}

	if c.SettlementProgress == nil {
		c, err = e.start(ctx, req, p)
		if err != nil {
			return nil, err
		}
		log.Info("settlement started", "gross_cents", p.gross, "refund_cents", p.refund)
	} else {
		log.Info("settlement resumed", "stage", c.SettlementProgress.Stage)
	}
	progress := c.SettlementProgress

	if p.refund > 0 && progress.Stage == cases.StageStarted {
		refund, err := e.gateway.CreateRefund(ctx, payments.RefundParams{
			CaseID:         c.ID,
			IntentID:       c.EscrowIntentID,
			AmountCents:    p.refund,
			IdempotencyKey: IdempotencyKey(c.ID, req.DisputeID, "refund"),
		})
		if err != nil {
			e.recordFailure(ctx, c.ID, err)
			return nil, err
		}
		if c, err = e.advance(ctx, c.ID, func(pr *cases.SettlementProgress) {
			pr.Stage = cases.StageRefundDone
			pr.RefundID = refund.ID
		}); err != nil {
			return nil, err
		}
		progress = c.SettlementProgress
		log.Info("settlement refund issued", "refund_id", refund.ID, "amount_cents", p.refund)
	}

	if p.payout > 0 && progress.Stage != cases.StageTransferDone {
		transfer, err := e.gateway.CreateTransfer(ctx, payments.TransferParams{
			CaseID:         c.ID,
			DestinationID:  destination,
			AmountCents:    p.payout,
			Currency:       c.Currency,
			IdempotencyKey: IdempotencyKey(c.ID, req.DisputeID, "transfer"),
		})
		if err != nil {
			e.recordFailure(ctx, c.ID, err)
			return nil, err
		}
		if c, err = e.advance(ctx, c.ID, func(pr *cases.SettlementProgress) {
			pr.Stage = cases.StageTransferDone
			pr.TransferID = transfer.ID
		}); err != nil {
			return nil, err
		}
		progress = c.SettlementProgress
		log.Info("settlement transfer issued", "transfer_id", transfer.ID, "amount_cents", p.payout)
	}

	return e.finalize(ctx, c, req, p, progress)
}

func checkDisputed(c *cases.Case, disputeID string) error {
	if c.Status != cases.StatusDisputed {
		return &cases.ValidationError{Msg: fmt.Sprintf("case is %s, not disputed", c.Status)}
	}
	d, ok := c.Dispute(disputeID)
	if !ok {
		return cases.ErrDisputeNotFound
	}
	if d.Status != cases.DisputeOpen {
		return &cases.ValidationError{Msg: fmt.Sprintf("dispute %s is %s", disputeID, d.Status)}
	}
	return nil
}

func (e *Engine) start(ctx context.Context, req Request, p plan) (*cases.Case, error) {
	now := e.now()
	return e.store.Mutate(ctx, req.CaseID, func(c *cases.Case) error {
		if c.DisputeSettlement != nil {
			return ErrAlreadySettled
		}
		if c.SettlementProgress != nil {
			if progressMatches(c.SettlementProgress, req) {
				return nil
			}
			return ErrAlreadySettled
		}
		if err := checkDisputed(c, req.DisputeID); err != nil {
			return err
		}
		c.SettlementProgress = &cases.SettlementProgress{
			DisputeID:         req.DisputeID,
			Action:            req.Action,
			GrossAmountCents:  p.gross,
			RefundAmountCents: p.refund,
			Stage:             cases.StageStarted,
			StartedBy:         req.Actor,
			StartedAt:         now,
			UpdatedAt:         now,
		}
		return nil
	})
}

func (e *Engine) advance(ctx context.Context, caseID string, fn func(p *cases.SettlementProgress)) (*cases.Case, error) {
	now := e.now()
	c, err := e.store.Mutate(ctx, caseID, func(c *cases.Case) error {
		if c.SettlementProgress == nil {
			return fmt.Errorf("%w: settlement progress missing", cases.ErrConflict)
		}
		fn(c.SettlementProgress)
		c.SettlementProgress.LastError = ""
		c.SettlementProgress.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save settlement progress: %w", err)
	}
	return c, nil
}

func (e *Engine) recordFailure(ctx context.Context, caseID string, cause error) {
	now := e.now()
	_, err := e.store.Mutate(ctx, caseID, func(c *cases.Case) error {
		if c.SettlementProgress != nil {
			c.SettlementProgress.LastError = cause.Error()
			c.SettlementProgress.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("failed to record settlement failure", "case_id", caseID, "error", err)
	}
	logging.L(ctx).Error("settlement step failed", "case_id", caseID, "error", cause)
}

func (e *Engine) finalize(ctx context.Context, c *cases.Case, req Request, p plan, progress *cases.SettlementProgress) (*Result, error) {
	now := e.now()
	settlement := &cases.Settlement{
		DisputeID:         req.DisputeID,
		Action:            req.Action,
		GrossAmountCents:  p.gross,
		PayoutAmountCents: p.payout,
		FeeAmountCents:    p.fee,
		RefundAmountCents: p.refund,
		TransferID:        progress.TransferID,
		RefundID:          progress.RefundID,
		SettledAt:         now,
		SettledBy:         req.Actor,
	}
	apply := func(c *cases.Case) error {
		if c.DisputeSettlement != nil {
			return ErrAlreadySettled
		}
		if c.Status != cases.StatusDisputed {
			return &cases.ValidationError{Msg: fmt.Sprintf("case is %s, not disputed", c.Status)}
		}
		for i := range c.Disputes {
			if c.Disputes[i].ID == req.DisputeID {
				c.Disputes[i].Status = cases.DisputeResolved
				c.Disputes[i].ResolvedAt = &now
			}
		}
		c.DisputeSettlement = settlement
		c.SettlementProgress = nil
		c.Status = cases.StatusClosed
		if p.payout > 0 {
			c.PaymentReleased = true
			c.EscrowStatus = cases.EscrowReleased
			if c.PayoutTransferID == "" {
				c.PayoutTransferID = progress.TransferID
			}
		} else {
			c.EscrowStatus = cases.EscrowRefunded
		}
		return nil
	}

	res := &Result{Settlement: settlement}
	var (
		updated *cases.Case
		err     error
	)
	if p.payout > 0 {
		res.Payout = &cases.Payout{
			ID:              idgen.WithPrefix("pay_"),
			CaseID:          c.ID,
			ParalegalID:     c.ParalegalID,
			AmountPaidCents: p.payout,
			TransferID:      progress.TransferID,
			CreatedAt:       now,
		}
		res.Income = &cases.PlatformIncome{
			ID:             idgen.WithPrefix("inc_"),
			CaseID:         c.ID,
			AttorneyID:     c.AttorneyID,
			ParalegalID:    c.ParalegalID,
			FeeAmountCents: p.fee,
			CreatedAt:      now,
		}
		updated, err = e.store.RecordPayout(ctx, c.ID, res.Payout, res.Income, apply)
	} else {
		updated, err = e.store.Mutate(ctx, c.ID, apply)
	}
	if errors.Is(err, ErrAlreadySettled) || errors.Is(err, cases.ErrPayoutExists) || errors.Is(err, cases.ErrIncomeExists) {
		current, gerr := e.store.Get(ctx, c.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.DisputeSettlement != nil {
			return e.replay(ctx, current, req)
		}
		return nil, fmt.Errorf("%w: payout already recorded", ErrAlreadySettled)
	}
	if err != nil {
		return nil, fmt.Errorf("finalize settlement: %w", err)
	}
	res.Case = updated

	if p.payout > 0 {
		metrics.PayoutCentsTotal.Add(float64(p.payout))
		metrics.PlatformFeeCentsTotal.Add(float64(p.fee))
	}
	metrics.CaseTransitionsTotal.WithLabelValues(string(cases.StatusDisputed), string(cases.StatusClosed), "ok").Inc()
	logging.L(ctx).Info("dispute settled", "case_id", c.ID, "dispute_id", req.DisputeID, "action", req.Action,
		"payout_cents", p.payout, "fee_cents", p.fee, "refund_cents", p.refund)
	e.record(ctx, c.ID, "case.settlement", map[string]any{
		"disputeId":         req.DisputeID,
		"action":            string(req.Action),
		"grossAmountCents":  p.gross,
		"payoutAmountCents": p.payout,
		"feeAmountCents":    p.fee,
		"refundAmountCents": p.refund,
		"transferId":        progress.TransferID,
		"refundId":          progress.RefundID,
	})
	return res, nil
}

// replay answers a request against an already settled case.
func (e *Engine) replay(ctx context.Context, c *cases.Case, req Request) (*Result, error) {
	if !matches(c.DisputeSettlement, req) {
		return nil, fmt.Errorf("%w: dispute %s was settled with %s",
			ErrAlreadySettled, c.DisputeSettlement.DisputeID, c.DisputeSettlement.Action)
	}
	res := &Result{Case: c, Settlement: c.DisputeSettlement, Replayed: true}
	if c.DisputeSettlement.PayoutAmountCents > 0 {
		payout, err := e.store.GetPayout(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		income, err := e.store.GetPlatformIncome(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		res.Payout, res.Income = payout, income
	}
	return res, nil
}

// ReleaseKey is the gateway idempotency key for releasing a completed case.
func ReleaseKey(caseID string) string {
	return "case:" + caseID + ":release:transfer"
}

// ReleaseCompleted pays out the full held amount of a completed,
// undisputed case and closes it. Repeating it returns the recorded payout.
func (e *Engine) ReleaseCompleted(ctx context.Context, caseID, actor string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ReleaseCompleted", traces.CaseID(caseID))
	defer func() {
		traces.End(span, err)
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case res != nil && res.Replayed:
			result = "replayed"
		}
		metrics.SettlementsTotal.WithLabelValues("release_completed", result).Inc()
	}()

	unlock, err := e.locks.Lock(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.PaymentReleased {
		return e.replayRelease(ctx, c)
	}
	if c.DisputeSettlement != nil {
		return nil, fmt.Errorf("%w: case was settled by dispute", ErrAlreadySettled)
	}
	if c.Status != cases.StatusCompleted {
		return nil, &cases.ValidationError{Msg: fmt.Sprintf("only completed cases can be released, case is %s", c.Status)}
	}
	if err := cases.RequireFundedEscrow(c); err != nil {
		return nil, err
	}

	gross := c.HeldAmountCents()
	payout, fee := e.fees.Split(gross)
	if payout <= 0 {
		return nil, fmt.Errorf("%w: held amount %d leaves nothing to pay out", ErrInvalidAmount, gross)
	}
	destination, err := e.accounts.RequireReady(ctx, c.ParalegalID)
	if err != nil {
		return nil, fmt.Errorf("paralegal payout account: %w", err)
	}

	transfer, err := e.gateway.CreateTransfer(ctx, payments.TransferParams{
		CaseID:         c.ID,
		DestinationID:  destination,
		AmountCents:    payout,
		Currency:       c.Currency,
		IdempotencyKey: ReleaseKey(c.ID),
	})
	if err != nil {
		logging.L(ctx).Error("release transfer failed", "case_id", c.ID, "error", err)
		return nil, err
	}

	now := e.now()
	res = &Result{
		Payout: &cases.Payout{
			ID:              idgen.WithPrefix("pay_"),
			CaseID:          c.ID,
			ParalegalID:     c.ParalegalID,
			AmountPaidCents: payout,
			TransferID:      transfer.ID,
			CreatedAt:       now,
		},
		Income: &cases.PlatformIncome{
			ID:             idgen.WithPrefix("inc_"),
			CaseID:         c.ID,
			AttorneyID:     c.AttorneyID,
			ParalegalID:    c.ParalegalID,
			FeeAmountCents: fee,
			CreatedAt:      now,
		},
	}
	updated, err := e.store.RecordPayout(ctx, c.ID, res.Payout, res.Income, func(c *cases.Case) error {
		if c.PaymentReleased {
			return cases.ErrPayoutExists
		}
		if c.Status != cases.StatusCompleted {
			return &cases.ValidationError{Msg: fmt.Sprintf("only completed cases can be released, case is %s", c.Status)}
		}
		c.PaymentReleased = true
		c.EscrowStatus = cases.EscrowReleased
		if c.PayoutTransferID == "" {
			c.PayoutTransferID = transfer.ID
		}
		c.Status = cases.StatusClosed
		return nil
	})
	if errors.Is(err, cases.ErrPayoutExists) || errors.Is(err, cases.ErrIncomeExists) {
		current, gerr := e.store.Get(ctx, caseID)
		if gerr != nil {
			return nil, gerr
		}
		return e.replayRelease(ctx, current)
	}
	if err != nil {
		return nil, fmt.Errorf("record release: %w", err)
	}
	res.Case = updated

	metrics.PayoutCentsTotal.Add(float64(payout))
	metrics.PlatformFeeCentsTotal.Add(float64(fee))
	metrics.CaseTransitionsTotal.WithLabelValues(string(cases.StatusCompleted), string(cases.StatusClosed), "ok").Inc()
	logging.L(ctx).Info("payment released", "case_id", c.ID, "payout_cents", payout, "fee_cents", fee, "transfer_id", transfer.ID)
	e.record(ctx, c.ID, "case.release", map[string]any{
		"grossAmountCents":  gross,
		"payoutAmountCents": payout,
		"feeAmountCents":    fee,
		"transferId":        transfer.ID,
	})
	return res, nil
}

func (e *Engine) replayRelease(ctx context.Context, c *cases.Case) (*Result, error) {
	payout, err := e.store.GetPayout(ctx, c.ID)
	if errors.Is(err, cases.ErrPayoutNotFound) {
		return nil, fmt.Errorf("%w: payment released without a payout record", ErrAlreadySettled)
	}
	if err != nil {
		return nil, err
	}
	income, err := e.store.GetPlatformIncome(ctx, c.ID)
	if err != nil && !errors.Is(err, cases.ErrIncomeNotFound) {
		return nil, err
	}
	return &Result{Case: c, Settlement: c.DisputeSettlement, Payout: payout, Income: income, Replayed: true}, nil
}

func (e *Engine) record(ctx context.Context, caseID, action string, meta map[string]any) {
	err := audit.Record(ctx, e.audit, &audit.Entry{
		Action:     action,
		TargetType: "case",
		TargetID:   caseID,
		CaseID:     caseID,
		Meta:       meta,
	})
	if err != nil {
		logging.L(ctx).Warn("failed to write audit entry", "action", action, "case_id", caseID, "error", err)
	}
}
