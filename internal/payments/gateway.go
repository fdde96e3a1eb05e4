// Package payments is the boundary to the external payment processor.
// Every call that moves money carries a caller-chosen idempotency key so a
// retried request can never move money twice.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrProviderNotReady  = errors.New("paralegal payout account is not ready: onboarding incomplete or payouts disabled")
	ErrNoProviderAccount = errors.New("paralegal has no connected payout account")
	ErrIntentNotFound    = errors.New("payment intent not found")
)

// GatewayError is a failed processor call. Error() is safe to show to
// callers; the raw processor error is only reachable through Unwrap for
// logging.
type GatewayError struct {
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider %s failed (%s)", e.Op, e.Code)
	}
	return fmt.Sprintf("payment provider %s failed", e.Op)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsGatewayError reports whether err came from the processor boundary.
func IsGatewayError(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr)
}

// IntentParams creates a payment intent that funds a case escrow.
type IntentParams struct {
	CaseID         string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// Intent is the processor's view of a payment intent.
type Intent struct {
	ID           string
	AmountCents  int64
	Currency     string
	Status       string
	ClientSecret string
	Metadata     map[string]string
}

// RefundParams refunds (part of) a captured payment intent.
type RefundParams struct {
	CaseID         string
	IntentID       string
	AmountCents    int64
	IdempotencyKey string
}

// Refund is a completed refund.
type Refund struct {
	ID          string
	AmountCents int64
	Status      string
}

// TransferParams moves funds to a connected account.
type TransferParams struct {
	CaseID         string
	DestinationID  string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// Transfer is a completed transfer.
type Transfer struct {
	ID          string
	AmountCents int64
	Destination string
}

// Account is a connected payout account.
type Account struct {
	ID               string
	DetailsSubmitted bool
	PayoutsEnabled   bool
}

// Ready reports whether the account can receive transfers.
func (a *Account) Ready() bool {
	return a != nil && a.DetailsSubmitted && a.PayoutsEnabled
}

// AccountParams creates a connected account for a paralegal.
type AccountParams struct {
	ParalegalID    string
	Email          string
	IdempotencyKey string
}

// Gateway is the payment processor contract.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, p IntentParams) (*Intent, error)
	GetPaymentIntent(ctx context.Context, id string) (*Intent, error)
	CreateRefund(ctx context.Context, p RefundParams) (*Refund, error)
	CreateTransfer(ctx context.Context, p TransferParams) (*Transfer, error)
	CreateAccount(ctx context.Context, p AccountParams) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
}

// TransferGroup is the per-case correlation tag put on every intent and
// transfer so transfer.* events trace back to the case.
func TransferGroup(caseID string) string {
	return TransferGroupPrefix + caseID
}

// TransferGroupPrefix prefixes the case id in a transfer group.
const TransferGroupPrefix = "case_"

// MetadataCaseID is the metadata key carrying the case correlation id.
const MetadataCaseID = "caseId"

// DefaultTimeout bounds a single processor call.
const DefaultTimeout = 15 * time.Second
