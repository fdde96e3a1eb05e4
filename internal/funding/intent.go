package funding

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/payments"
)

// EscrowIntent is what the attorney's client needs to complete payment.
type EscrowIntent struct {
	CaseID       string `json:"caseId"`
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

// IntentKey is the idempotency key for a case's escrow intent.
func IntentKey(caseID string) string {
	return "case:" + caseID + ":escrow_intent"
}

// Intents creates escrow payment intents.
type Intents struct {
	store   cases.Store
	gateway payments.Gateway
	audit   audit.Logger
}

// NewIntents creates the escrow intent service.
func NewIntents(store cases.Store, gateway payments.Gateway, auditLog audit.Logger) *Intents {
	return &Intents{store: store, gateway: gateway, audit: auditLog}
}

// Create returns the payment intent that funds the case escrow, creating
// it on first call. Only the case attorney may fund, and only after a
// paralegal has been assigned.
func (s *Intents) Create(ctx context.Context, caseID, actor string) (*EscrowIntent, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.AttorneyID != actor {
		return nil, fmt.Errorf("%w: only the case attorney can fund the escrow", cases.ErrForbidden)
	}
	if c.EscrowStatus != cases.EscrowAwaitingFunding {
		return nil, &cases.ValidationError{Msg: fmt.Sprintf("escrow is already %s", c.EscrowStatus)}
	}
	if c.Status != cases.StatusAssigned {
		return nil, &cases.ValidationError{Msg: fmt.Sprintf("escrow can only be funded for an assigned case, case is %s", c.Status)}
	}

	if c.EscrowIntentID != "" {
		pi, err := s.gateway.GetPaymentIntent(ctx, c.EscrowIntentID)
		if err == nil {
			return toEscrowIntent(c, pi), nil
		}
		if !errors.Is(err, payments.ErrIntentNotFound) {
			return nil, err
		}
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, payments.IntentParams{
		CaseID:         c.ID,
		AmountCents:    c.HeldAmountCents(),
		Currency:       c.Currency,
		IdempotencyKey: IntentKey(c.ID),
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Mutate(ctx, c.ID, func(c *cases.Case) error {
		if c.EscrowIntentID == "" {
			c.EscrowIntentID = pi.ID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("link escrow intent: %w", err)
	}
	if updated.EscrowIntentID != pi.ID {
		// A concurrent request linked a different intent first.
		existing, err := s.gateway.GetPaymentIntent(ctx, updated.EscrowIntentID)
		if err != nil {
			return nil, err
		}
		pi = existing
	}

	logging.L(ctx).Info("escrow intent created", "case_id", c.ID, "intent_id", pi.ID, "amount_cents", pi.AmountCents)
	if err := audit.Record(ctx, s.audit, &audit.Entry{
		Action:     "case.escrow_intent",
		TargetType: "case",
		TargetID:   c.ID,
		CaseID:     c.ID,
		Meta:       map[string]any{"intentId": pi.ID, "amountCents": pi.AmountCents},
	}); err != nil {
		logging.L(ctx).Warn("failed to audit escrow intent", "case_id", c.ID, "error", err)
	}
	return toEscrowIntent(updated, pi), nil
}

func toEscrowIntent(c *cases.Case, pi *payments.Intent) *EscrowIntent {
	currency := pi.Currency
	if currency == "" {
		currency = c.Currency
	}
	return &EscrowIntent{
		CaseID:       c.ID,
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.AmountCents,
		Currency:     currency,
	}
}
