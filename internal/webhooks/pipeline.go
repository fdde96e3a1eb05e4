// Package webhooks verifies, deduplicates, dispatches and audits inbound
// payment-provider events.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/traces"
)

// ProviderStripe is the provider name stored on event records.
const ProviderStripe = "stripe"

// DefaultStaleAfter is how long a processing claim is honoured before
// another delivery of the same event may take it over.
const DefaultStaleAfter = 5 * time.Minute

var (
	ErrVerification  = errors.New("webhook signature verification failed")
	ErrHandlerFailed = errors.New("webhook handler failed")
)

// Outcome is what a handler reports about the event it processed. It is
// recorded in the event's audit entry.
type Outcome struct {
	CaseID string
	Meta   map[string]any
}

// EventHandler applies one event type to the domain. It must be safe to
// run more than once for the same event.
type EventHandler func(ctx context.Context, evt *stripe.Event) (Outcome, error)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error that retrying cannot fix, such as a
// malformed payload. The event is acknowledged and marked processed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]EventHandler)}
}

// Register binds h to an event type, replacing any previous binding.
func (r *Registry) Register(eventType string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Lookup returns the handler for eventType.
func (r *Registry) Lookup(eventType string) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Secrets holds the signing secrets for platform and connected-account
// endpoints.
type Secrets struct {
	Platform string
	Connect  string
}

// Result is returned for every accepted delivery.
type Result struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Deduped bool   `json:"deduped"`
}

// Pipeline processes inbound provider webhooks.
type Pipeline struct {
	secrets    Secrets
	store      Store
	audit      audit.Logger
	registry   *Registry
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPipeline creates a webhook pipeline.
func NewPipeline(secrets Secrets, store Store, auditLog audit.Logger, registry *Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		secrets:    secrets,
		store:      store,
		audit:      auditLog,
		registry:   registry,
		staleAfter: DefaultStaleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithStaleAfter overrides the processing lease length.
func (p *Pipeline) WithStaleAfter(d time.Duration) *Pipeline {
	p.staleAfter = d
	return p
}

// Verify checks the signature and parses the event. connect selects the
// connected-account secret.
func (p *Pipeline) Verify(payload []byte, sigHeader string, connect bool) (*stripe.Event, error) {
	secret := p.secrets.Platform
	if connect {
		secret = p.secrets.Connect
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret not configured", ErrVerification)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", ErrVerification)
	}
	return &evt, nil
}

// Handle verifies the delivery, claims the event id and dispatches it. A
// delivery whose event is already processed, or is being processed by
// another worker, returns Deduped without side effects.
func (p *Pipeline) Handle(ctx context.Context, payload []byte, sigHeader string, connect bool) (res Result, err error) {
	evt, err := p.Verify(payload, sigHeader, connect)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return Result{}, err
	}
	eventType := string(evt.Type)
	res = Result{EventID: evt.ID, Type: eventType}

	ctx, span := traces.StartSpan(ctx, "webhooks.Handle", traces.EventID(evt.ID), traces.EventType(eventType))
	defer func() { traces.End(span, err) }()

	log := logging.L(ctx).With("event_id", evt.ID, "event_type", eventType)

	claimed, err := p.store.Claim(ctx, &Event{
		EventID:  evt.ID,
		Provider: ProviderStripe,
		Type:     eventType,
	}, p.now().Add(-p.staleAfter))
	if err != nil {
		return res, fmt.Errorf("%w: claim event: %v", ErrHandlerFailed, err)
	}
	if !claimed {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "deduped").Inc()
		log.Info("webhook event already handled")
		res.Deduped = true
		return res, nil
	}

	ctx = audit.WithActor(ctx, ProviderStripe, audit.RoleProvider)
	outcome, herr := p.dispatch(ctx, evt)

	note := ""
	if herr != nil {
		if !IsPermanent(herr) {
			return res, p.fail(ctx, evt, herr)
		}
		note = herr.Error()
		log.Warn("webhook event not applicable, acknowledging", "error", herr)
	}

	meta := outcome.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	if note != "" {
		meta["error"] = note
	}
	if err := audit.Record(ctx, p.audit, &audit.Entry{
		Action:     "stripe." + eventType,
		TargetType: "webhook_event",
		TargetID:   evt.ID,
		CaseID:     outcome.CaseID,
		EventID:    evt.ID,
		Meta:       meta,
	}); err != nil {
		return res, p.fail(ctx, evt, fmt.Errorf("audit: %w", err))
	}

	if err := p.store.MarkProcessed(ctx, evt.ID, note); err != nil {
		// The audit row already exists; a redelivery re-runs idempotent
		// handlers and the audit insert is a no-op.
		return res, p.fail(ctx, evt, fmt.Errorf("mark processed: %w", err))
	}

	result := "processed"
	if note != "" {
		result = "acknowledged"
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	log.Info("webhook event processed", "case_id", outcome.CaseID)
	return res, nil
}

func (p *Pipeline) dispatch(ctx context.Context, evt *stripe.Event) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", evt.Type, r)
		}
	}()
	h, ok := p.registry.Lookup(string(evt.Type))
	if !ok {
		logging.L(ctx).Debug("no handler for webhook event type", "event_type", evt.Type)
		return Outcome{Meta: map[string]any{"handled": false}}, nil
	}
	return h(ctx, evt)
}

func (p *Pipeline) fail(ctx context.Context, evt *stripe.Event, cause error) error {
	if err := p.store.MarkFailed(ctx, evt.ID, cause.Error()); err != nil {
		logging.L(ctx).Error("failed to mark webhook event failed", "event_id", evt.ID, "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), "failed").Inc()
	logging.L(ctx).Error("webhook handler failed", "event_id", evt.ID, "event_type", evt.Type, "error", cause)
	return fmt.Errorf("%w: %v", ErrHandlerFailed, cause)
}
