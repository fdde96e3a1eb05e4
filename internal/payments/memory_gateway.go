package payments

import (
	"context"
	"sync"

	"github.com/lexbridge/casepay/internal/idgen"
)

// Gateway operation names, used by MemoryGateway failure injection.
const (
	OpCreateIntent   = "create_payment_intent"
	OpGetIntent      = "get_payment_intent"
	OpCreateRefund   = "create_refund"
	OpCreateTransfer = "create_transfer"
	OpCreateAccount  = "create_account"
	OpGetAccount     = "get_account"
	OpAccountLink    = "create_account_link"
)

// MemoryGateway is an in-memory Gateway for demo mode and tests. Like the
// real processor it replays the original result for a repeated
// idempotency key.
type MemoryGateway struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	accounts  map[string]*Account
	refunds   []Refund
	transfers []Transfer
	replay    map[string]any
	failures  map[string][]error
	calls     map[string]int
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		intents:  make(map[string]*Intent),
		accounts: make(map[string]*Account),
		replay:   make(map[string]any),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call to op fail with err (wrapped as a
// GatewayError). Multiple calls queue failures in order.
func (m *MemoryGateway) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// PutAccount registers or replaces a connected account.
func (m *MemoryGateway) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = &a
}

// PutIntent registers or replaces a payment intent.
func (m *MemoryGateway) PutIntent(i Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[i.ID] = &i
}

// Refunds returns every refund issued.
func (m *MemoryGateway) Refunds() []Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Refund(nil), m.refunds...)
}

// Transfers returns every transfer issued.
func (m *MemoryGateway) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

// Calls returns how many times op was invoked, including failures.
func (m *MemoryGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// caller holds m.mu
func (m *MemoryGateway) begin(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		err := q[0]
		m.failures[op] = q[1:]
		return &GatewayError{Op: op, Code: "injected", Retryable: true, Err: err}
	}
	return nil
}

func (m *MemoryGateway) CreatePaymentIntent(_ context.Context, p IntentParams) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateIntent); err != nil {
		return nil, err
	}
	if v, ok := m.replay[p.IdempotencyKey].(*Intent); ok && p.IdempotencyKey != "" {
		cp := *v
		return &cp, nil
	}
	in := &Intent{
		ID:           idgen.WithPrefix("pi_"),
		AmountCents:  p.AmountCents,
		Currency:     p.Currency,
		Status:       "requires_payment_method",
		ClientSecret: idgen.WithPrefix("secret_"),
		Metadata:     map[string]string{MetadataCaseID: p.CaseID},
	}
	m.intents[in.ID] = in
	if p.IdempotencyKey != "" {
		m.replay[p.IdempotencyKey] = in
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryGateway) GetPaymentIntent(_ context.Context, id string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpGetIntent); err != nil {
		return nil, err
	}
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryGateway) CreateRefund(_ context.Context, p RefundParams) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateRefund); err != nil {
		return nil, err
	}
	if v, ok := m.replay[p.IdempotencyKey].(*Refund); ok && p.IdempotencyKey != "" {
		cp := *v
		return &cp, nil
	}
	r := &Refund{ID: idgen.WithPrefix("re_"), AmountCents: p.AmountCents, Status: "succeeded"}
	m.refunds = append(m.refunds, *r)
	if p.IdempotencyKey != "" {
		m.replay[p.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryGateway) CreateTransfer(_ context.Context, p TransferParams) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateTransfer); err != nil {
		return nil, err
	}
	if v, ok := m.replay[p.IdempotencyKey].(*Transfer); ok && p.IdempotencyKey != "" {
		cp := *v
		return &cp, nil
	}
	t := &Transfer{ID: idgen.WithPrefix("tr_"), AmountCents: p.AmountCents, Destination: p.DestinationID}
	m.transfers = append(m.transfers, *t)
	if p.IdempotencyKey != "" {
		m.replay[p.IdempotencyKey] = t
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryGateway) CreateAccount(_ context.Context, p AccountParams) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpCreateAccount); err != nil {
		return nil, err
	}
	if v, ok := m.replay[p.IdempotencyKey].(*Account); ok && p.IdempotencyKey != "" {
		cp := *v
		return &cp, nil
	}
	a := &Account{ID: idgen.WithPrefix("acct_")}
	m.accounts[a.ID] = a
	if p.IdempotencyKey != "" {
		m.replay[p.IdempotencyKey] = a
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryGateway) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpGetAccount); err != nil {
		return nil, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, &GatewayError{Op: OpGetAccount, Code: "resource_missing"}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryGateway) CreateAccountLink(_ context.Context, accountID, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpAccountLink); err != nil {
		return "", err
	}
	return "https://connect.example.test/onboarding/" + accountID, nil
}

var _ Gateway = (*MemoryGateway)(nil)
