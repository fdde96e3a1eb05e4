// Package funding moves case escrows from awaiting_funding to funded in
// response to verified payment events, and creates the payment intents
// attorneys fund them with.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v81"

	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/payments"
	"github.com/lexbridge/casepay/internal/traces"
	"github.com/lexbridge/casepay/internal/webhooks"
)

// Event types handled by this package.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
	EventTransferCreated  = "transfer.created"
	EventTransferReversed = "transfer.reversed"
	EventCheckoutComplete = "checkout.session.completed"
	EventAccountUpdated   = "account.updated"
)

// Handler applies payment events to cases.
type Handler struct {
	store cases.Store
}

// NewHandler creates a funding handler.
func NewHandler(store cases.Store) *Handler {
	return &Handler{store: store}
}

// Register binds every event type this package understands.
func (h *Handler) Register(r *webhooks.Registry) {
	r.Register(EventPaymentSucceeded, h.PaymentSucceeded)
	r.Register(EventPaymentFailed, h.PaymentFailed)
	r.Register(EventChargeRefunded, h.ChargeRefunded)
	r.Register(EventTransferCreated, h.TransferCreated)
	r.Register(EventTransferReversed, h.TransferReversed)
	r.Register(EventCheckoutComplete, h.CheckoutCompleted)
	r.Register(EventAccountUpdated, h.AccountUpdated)
}

func decode(evt *stripe.Event, v any) error {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return webhooks.Permanent(fmt.Errorf("%s: event has no data object", evt.Type))
	}
	if err := json.Unmarshal(evt.Data.Raw, v); err != nil {
		return webhooks.Permanent(fmt.Errorf("%s: decode data object: %w", evt.Type, err))
	}
	return nil
}

// resolve finds the case an event refers to: first by the caseId stamped
// in metadata, then by the escrow intent linked to the case.
func (h *Handler) resolve(ctx context.Context, metadata map[string]string, intentID string) (*cases.Case, error) {
	if id := metadata[payments.MetadataCaseID]; id != "" {
		c, err := h.store.Get(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, cases.ErrCaseNotFound) {
			return nil, err
		}
	}
	if intentID != "" {
		return h.store.FindByEscrowIntent(ctx, intentID)
	}
	return nil, cases.ErrCaseNotFound
}

func unmatched(log *slog.Logger, eventType, objectID string) (webhooks.Outcome, error) {
	log.Info("payment event does not match any case", "event_type", eventType, "object_id", objectID)
	return webhooks.Outcome{Meta: map[string]any{"matched": false, "objectId": objectID}}, nil
}

// PaymentSucceeded funds the matching case escrow. If the case is exactly
// assigned it moves to in_progress in the same write.
func (h *Handler) PaymentSucceeded(ctx context.Context, evt *stripe.Event) (out webhooks.Outcome, err error) {
	var pi stripe.PaymentIntent
	if err := decode(evt, &pi); err != nil {
		return webhooks.Outcome{}, err
	}
	if pi.ID == "" {
		return webhooks.Outcome{}, webhooks.Permanent(errors.New("payment intent has no id"))
	}

	ctx, span := traces.StartSpan(ctx, "funding.PaymentSucceeded", traces.EventID(evt.ID), traces.AmountCents(pi.Amount))
	defer func() { traces.End(span, err) }()
	log := logging.L(ctx)

	c, err := h.resolve(ctx, pi.Metadata, pi.ID)
	if errors.Is(err, cases.ErrCaseNotFound) {
		return unmatched(log, EventPaymentSucceeded, pi.ID)
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}
	span.SetAttributes(traces.CaseID(c.ID))

	var (
		newlyFunded  bool
		transitioned bool
	)
	updated, err := h.store.Mutate(ctx, c.ID, func(c *cases.Case) error {
		newlyFunded, transitioned = false, false
		if c.EscrowIntentID != "" && c.EscrowIntentID != pi.ID {
			return webhooks.Permanent(fmt.Errorf("payment intent %s does not match case escrow", pi.ID))
		}
		if c.EscrowIntentID == "" {
			c.EscrowIntentID = pi.ID
		}
		if c.Currency == "" {
			c.Currency = string(pi.Currency)
		}
		if c.TotalAmountCents == 0 {
			c.TotalAmountCents = pi.Amount
		}
		if c.EscrowStatus == cases.EscrowAwaitingFunding || c.EscrowStatus == "" {
			c.EscrowStatus = cases.EscrowFunded
			newlyFunded = true
		}
		if c.Status == cases.StatusAssigned {
			c.Status = cases.StatusInProgress
			transitioned = true
		}
		return nil
	})
	if errors.Is(err, cases.ErrConflict) {
		return webhooks.Outcome{}, webhooks.Permanent(fmt.Errorf("payment intent %s: %w", pi.ID, err))
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}

	if newlyFunded {
		metrics.EscrowFundedTotal.Inc()
	}
	if transitioned {
		metrics.CaseTransitionsTotal.WithLabelValues(string(cases.StatusAssigned), string(cases.StatusInProgress), "ok").Inc()
	}
	log.Info("escrow funded", "case_id", updated.ID, "intent_id", pi.ID, "amount_cents", pi.Amount, "transitioned", transitioned)

	return webhooks.Outcome{
		CaseID: updated.ID,
		Meta: map[string]any{
			"intentId":     pi.ID,
			"amountCents":  pi.Amount,
			"currency":     updated.Currency,
			"escrowStatus": string(updated.EscrowStatus),
			"transitioned": transitioned,
		},
	}, nil
}

// PaymentFailed records the failure; the escrow stays awaiting_funding.
func (h *Handler) PaymentFailed(ctx context.Context, evt *stripe.Event) (webhooks.Outcome, error) {
	var pi stripe.PaymentIntent
	if err := decode(evt, &pi); err != nil {
		return webhooks.Outcome{}, err
	}
	log := logging.L(ctx)

	c, err := h.resolve(ctx, pi.Metadata, pi.ID)
	if errors.Is(err, cases.ErrCaseNotFound) {
		return unmatched(log, EventPaymentFailed, pi.ID)
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}

	meta := map[string]any{"intentId": pi.ID, "amountCents": pi.Amount}
	if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
		meta["declineCode"] = string(pi.LastPaymentError.Code)
	}
	log.Warn("escrow payment failed", "case_id", c.ID, "intent_id", pi.ID)
	return webhooks.Outcome{CaseID: c.ID, Meta: meta}, nil
}

// ChargeRefunded marks a funded escrow refunded once the charge is fully
// refunded. Partial refunds are recorded only.
func (h *Handler) ChargeRefunded(ctx context.Context, evt *stripe.Event) (webhooks.Outcome, error) {
	var ch stripe.Charge
	if err := decode(evt, &ch); err != nil {
		return webhooks.Outcome{}, err
	}
	intentID := ""
	if ch.PaymentIntent != nil {
		intentID = ch.PaymentIntent.ID
	}

	c, err := h.resolve(ctx, ch.Metadata, intentID)
	if errors.Is(err, cases.ErrCaseNotFound) {
		return unmatched(logging.L(ctx), EventChargeRefunded, ch.ID)
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}

	meta := map[string]any{
		"chargeId":            ch.ID,
		"amountRefundedCents": ch.AmountRefunded,
		"fullyRefunded":       ch.Refunded,
	}
	if !ch.Refunded {
		return webhooks.Outcome{CaseID: c.ID, Meta: meta}, nil
	}

	updated, err := h.store.Mutate(ctx, c.ID, func(c *cases.Case) error {
		if c.EscrowStatus == cases.EscrowFunded || c.EscrowStatus == cases.EscrowAwaitingFunding {
			c.EscrowStatus = cases.EscrowRefunded
		}
		return nil
	})
	if err != nil {
		return webhooks.Outcome{}, err
	}
	meta["escrowStatus"] = string(updated.EscrowStatus)
	return webhooks.Outcome{CaseID: updated.ID, Meta: meta}, nil
}

func transferCaseID(tr *stripe.Transfer) string {
	if id := tr.Metadata[payments.MetadataCaseID]; id != "" {
		return id
	}
	if tr.TransferGroup != "" {
		return strings.TrimPrefix(tr.TransferGroup, payments.TransferGroupPrefix)
	}
	return ""
}

// TransferCreated traces a payout transfer back to its case and stamps the
// transfer id if the settlement has not done so already.
func (h *Handler) TransferCreated(ctx context.Context, evt *stripe.Event) (webhooks.Outcome, error) {
	var tr stripe.Transfer
	if err := decode(evt, &tr); err != nil {
		return webhooks.Outcome{}, err
	}
	caseID := transferCaseID(&tr)
	c, err := h.resolve(ctx, map[string]string{payments.MetadataCaseID: caseID}, "")
	if errors.Is(err, cases.ErrCaseNotFound) {
		return unmatched(logging.L(ctx), EventTransferCreated, tr.ID)
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}

	updated, err := h.store.Mutate(ctx, c.ID, func(c *cases.Case) error {
		if c.PayoutTransferID == "" {
			c.PayoutTransferID = tr.ID
		}
		return nil
	})
	if err != nil {
		return webhooks.Outcome{}, err
	}
	return webhooks.Outcome{CaseID: updated.ID, Meta: map[string]any{
		"transferId":  tr.ID,
		"amountCents": tr.Amount,
	}}, nil
}

// TransferReversed is recorded for operator follow-up; no case state changes.
func (h *Handler) TransferReversed(ctx context.Context, evt *stripe.Event) (webhooks.Outcome, error) {
	var tr stripe.Transfer
	if err := decode(evt, &tr); err != nil {
		return webhooks.Outcome{}, err
	}
	caseID := transferCaseID(&tr)
	logging.L(ctx).Warn("payout transfer reversed", "case_id", caseID, "transfer_id", tr.ID, "amount_reversed_cents", tr.AmountReversed)
	return webhooks.Outcome{CaseID: caseID, Meta: map[string]any{
		"transferId":          tr.ID,
		"amountReversedCents": tr.AmountReversed,
	}}, nil
}

// CheckoutCompleted links the session's payment intent to the case. The
// escrow is only funded by payment_intent.succeeded.
func (h *Handler) CheckoutCompleted(ctx context.Context, evt *stripe.Event) (webhooks.Outcome, error) {
	var sess stripe.CheckoutSession
	if err := decode(evt, &sess); err != nil {
		return webhooks.Outcome{}, err
	}
	intentID := ""
	if sess.PaymentIntent != nil {
		intentID = sess.PaymentIntent.ID
	}
	md := sess.Metadata
	if md[payments.MetadataCaseID] == "" && sess.ClientReferenceID != "" {
		md = map[string]string{payments.MetadataCaseID: sess.ClientReferenceID}
	}

	c, err := h.resolve(ctx, md, intentID)
	if errors.Is(err, cases.ErrCaseNotFound) {
		return unmatched(logging.L(ctx), EventCheckoutComplete, sess.ID)
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}
	if intentID == "" {
		return webhooks.Outcome{CaseID: c.ID, Meta: map[string]any{"sessionId": sess.ID}}, nil
	}

	updated, err := h.store.Mutate(ctx, c.ID, func(c *cases.Case) error {
		if c.EscrowIntentID == "" {
			c.EscrowIntentID = intentID
		}
		return nil
	})
	if errors.Is(err, cases.ErrConflict) {
		return webhooks.Outcome{}, webhooks.Permanent(fmt.Errorf("payment intent %s already linked to another case", intentID))
	}
	if err != nil {
		return webhooks.Outcome{}, err
	}
	return webhooks.Outcome{CaseID: updated.ID, Meta: map[string]any{
		"sessionId":      sess.ID,
		"intentId":       intentID,
		"escrowIntentId": updated.EscrowIntentID,
	}}, nil
}

// AccountUpdated records connected-account readiness changes. Readiness is
// re-read from the processor at settlement time, so nothing is stored.
func (h *Handler) AccountUpdated(ctx context.Context, evt *stripe.Event) (webhooks.Outcome, error) {
	var acct stripe.Account
	if err := decode(evt, &acct); err != nil {
		return webhooks.Outcome{}, err
	}
	return webhooks.Outcome{Meta: map[string]any{
		"accountId":        acct.ID,
		"detailsSubmitted": acct.DetailsSubmitted,
		"payoutsEnabled":   acct.PayoutsEnabled,
	}}, nil
}
