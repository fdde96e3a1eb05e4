package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/lexbridge/casepay/internal/circuitbreaker"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/retry"
)

const breakerKey = "stripe"

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey string, timeout time.Duration, logger *slog.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &StripeGateway{
		api:     api,
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Default,
		timeout: timeout,
		logger:  logger,
	}
}

// call runs fn with a bounded timeout behind the circuit breaker and
// retries transient failures. Every mutating call carries an idempotency
// key, so retries are safe.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		err := g.breaker.Execute(breakerKey, countable, func() error { return fn(cctx) })
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	metrics.ObserveGateway(op, start, err)
	if err == nil {
		return nil
	}
	g.logger.Warn("stripe call failed", "op", op, "error", err)
	return sanitize(op, err)
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, p IntentParams) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, OpCreateIntent, func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(p.AmountCents),
			Currency:      stripe.String(p.Currency),
			TransferGroup: stripe.String(TransferGroup(p.CaseID)),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
			Metadata: map[string]string{MetadataCaseID: p.CaseID},
		}
		params.Context = ctx
		params.SetIdempotencyKey(p.IdempotencyKey)
		pi, err := g.api.PaymentIntents.New(params)
		if err != nil {
			return err
		}
		out = intentFromStripe(pi)
		return nil
	})
	return out, err
}

func (g *StripeGateway) GetPaymentIntent(ctx context.Context, id string) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, OpGetIntent, func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := g.api.PaymentIntents.Get(id, params)
		if err != nil {
			return err
		}
		out = intentFromStripe(pi)
		return nil
	})
	var gerr *GatewayError
	if errors.As(err, &gerr) && gerr.Code == string(stripe.ErrorCodeResourceMissing) {
		return nil, ErrIntentNotFound
	}
	return out, err
}

func (g *StripeGateway) CreateRefund(ctx context.Context, p RefundParams) (*Refund, error) {
	var out *Refund
	err := g.call(ctx, OpCreateRefund, func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(p.IntentID),
			Amount:        stripe.Int64(p.AmountCents),
			Metadata:      map[string]string{MetadataCaseID: p.CaseID},
		}
		params.Context = ctx
		params.SetIdempotencyKey(p.IdempotencyKey)
		r, err := g.api.Refunds.New(params)
		if err != nil {
			return err
		}
		out = &Refund{ID: r.ID, AmountCents: r.Amount, Status: string(r.Status)}
		return nil
	})
	return out, err
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, p TransferParams) (*Transfer, error) {
	var out *Transfer
	err := g.call(ctx, OpCreateTransfer, func(ctx context.Context) error {
		params := &stripe.TransferParams{
			Amount:        stripe.Int64(p.AmountCents),
			Currency:      stripe.String(p.Currency),
			Destination:   stripe.String(p.DestinationID),
			TransferGroup: stripe.String(TransferGroup(p.CaseID)),
			Metadata:      map[string]string{MetadataCaseID: p.CaseID},
		}
		params.Context = ctx
		params.SetIdempotencyKey(p.IdempotencyKey)
		t, err := g.api.Transfers.New(params)
		if err != nil {
			return err
		}
		out = &Transfer{ID: t.ID, AmountCents: t.Amount, Destination: p.DestinationID}
		return nil
	})
	return out, err
}

func (g *StripeGateway) CreateAccount(ctx context.Context, p AccountParams) (*Account, error) {
	var out *Account
	err := g.call(ctx, OpCreateAccount, func(ctx context.Context) error {
		params := &stripe.AccountParams{
			Type: stripe.String(string(stripe.AccountTypeExpress)),
			Capabilities: &stripe.AccountCapabilitiesParams{
				Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
			},
			Metadata: map[string]string{"paralegalId": p.ParalegalID},
		}
		if p.Email != "" {
			params.Email = stripe.String(p.Email)
		}
		params.Context = ctx
		params.SetIdempotencyKey(p.IdempotencyKey)
		a, err := g.api.Accounts.New(params)
		if err != nil {
			return err
		}
		out = accountFromStripe(a)
		return nil
	})
	return out, err
}

func (g *StripeGateway) GetAccount(ctx context.Context, id string) (*Account, error) {
	var out *Account
	err := g.call(ctx, OpGetAccount, func(ctx context.Context) error {
		params := &stripe.AccountParams{}
		params.Context = ctx
		a, err := g.api.Accounts.GetByID(id, params)
		if err != nil {
			return err
		}
		out = accountFromStripe(a)
		return nil
	})
	return out, err
}

func (g *StripeGateway) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	var url string
	err := g.call(ctx, OpAccountLink, func(ctx context.Context) error {
		params := &stripe.AccountLinkParams{
			Account:    stripe.String(accountID),
			RefreshURL: stripe.String(refreshURL),
			ReturnURL:  stripe.String(returnURL),
			Type:       stripe.String("account_onboarding"),
		}
		params.Context = ctx
		link, err := g.api.AccountLinks.New(params)
		if err != nil {
			return err
		}
		url = link.URL
		return nil
	})
	return url, err
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
	}
}

func accountFromStripe(a *stripe.Account) *Account {
	return &Account{ID: a.ID, DetailsSubmitted: a.DetailsSubmitted, PayoutsEnabled: a.PayoutsEnabled}
}

// countable reports whether err indicates the processor itself is
// unhealthy. Declines and validation errors are the caller's fault and do
// not trip the breaker.
func countable(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == 0 || serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		switch {
		case serr.HTTPStatusCode == http.StatusConflict && serr.Type == stripe.ErrorTypeIdempotency:
			return false
		case serr.HTTPStatusCode == http.StatusTooManyRequests, serr.HTTPStatusCode == http.StatusConflict:
			return true
		case serr.HTTPStatusCode >= 500, serr.HTTPStatusCode == 0:
			return true
		}
		return false
	}
	return true
}

// sanitize turns any failure into a GatewayError carrying only the
// processor's error code, never its message.
func sanitize(op string, err error) error {
	gerr := &GatewayError{Op: op, Err: err, Retryable: retryable(err)}
	var serr *stripe.Error
	switch {
	case errors.As(err, &serr):
		gerr.Code = string(serr.Code)
		if gerr.Code == "" {
			gerr.Code = string(serr.Type)
		}
	case errors.Is(err, circuitbreaker.ErrOpen):
		gerr.Code = "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		gerr.Code = "timeout"
	}
	return gerr
}

var _ Gateway = (*StripeGateway)(nil)
