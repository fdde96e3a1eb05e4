package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ProviderAccount links a paralegal to their connected payout account.
type ProviderAccount struct {
	ParalegalID string    `json:"paralegalId"`
	AccountID   string    `json:"accountId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AccountStore persists the paralegal → connected account directory.
type AccountStore interface {
	Get(ctx context.Context, paralegalID string) (*ProviderAccount, error)
	// PutIfAbsent stores a unless the paralegal already has an account,
	// and returns whichever record is stored.
	PutIfAbsent(ctx context.Context, a *ProviderAccount) (*ProviderAccount, error)
}

// Accounts onboards paralegals and checks payout readiness.
type Accounts struct {
	store      AccountStore
	gateway    Gateway
	refreshURL string
	returnURL  string
}

// NewAccounts creates the payout account directory.
func NewAccounts(store AccountStore, gateway Gateway, refreshURL, returnURL string) *Accounts {
	return &Accounts{store: store, gateway: gateway, refreshURL: refreshURL, returnURL: returnURL}
}

// Onboarding is returned by Connect.
type Onboarding struct {
	AccountID string `json:"accountId"`
	URL       string `json:"url"`
	Ready     bool   `json:"ready"`
}

// Connect creates the paralegal's connected account on first use and
// returns an onboarding link for it.
func (a *Accounts) Connect(ctx context.Context, paralegalID, email string) (*Onboarding, error) {
	acct, err := a.store.Get(ctx, paralegalID)
	if errors.Is(err, ErrNoProviderAccount) {
		created, err := a.gateway.CreateAccount(ctx, AccountParams{
			ParalegalID:    paralegalID,
			Email:          email,
			IdempotencyKey: "paralegal:" + paralegalID + ":account",
		})
		if err != nil {
			return nil, err
		}
		acct, err = a.store.PutIfAbsent(ctx, &ProviderAccount{
			ParalegalID: paralegalID,
			AccountID:   created.ID,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("store provider account: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	remote, err := a.gateway.GetAccount(ctx, acct.AccountID)
	if err != nil {
		return nil, err
	}
	out := &Onboarding{AccountID: acct.AccountID, Ready: remote.Ready()}
	if !out.Ready {
		if out.URL, err = a.gateway.CreateAccountLink(ctx, acct.AccountID, a.refreshURL, a.returnURL); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RequireReady returns the paralegal's connected account id if the account
// has completed onboarding and has payouts enabled.
func (a *Accounts) RequireReady(ctx context.Context, paralegalID string) (string, error) {
	acct, err := a.store.Get(ctx, paralegalID)
	if err != nil {
		return "", err
	}
	remote, err := a.gateway.GetAccount(ctx, acct.AccountID)
	if err != nil {
		return "", err
	}
	if !remote.Ready() {
		return "", ErrProviderNotReady
	}
	return acct.AccountID, nil
}

// --- MemoryAccountStore ---

// MemoryAccountStore is an in-memory AccountStore.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*ProviderAccount
}

// NewMemoryAccountStore creates an empty in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]*ProviderAccount)}
}

func (m *MemoryAccountStore) Get(_ context.Context, paralegalID string) (*ProviderAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[paralegalID]
	if !ok {
		return nil, ErrNoProviderAccount
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryAccountStore) PutIfAbsent(_ context.Context, a *ProviderAccount) (*ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[a.ParalegalID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *a
	m.accounts[a.ParalegalID] = &cp
	out := cp
	return &out, nil
}

// --- PostgresAccountStore ---

// PostgresAccountStore persists provider accounts in PostgreSQL.
type PostgresAccountStore struct {
	db *sql.DB
}

// NewPostgresAccountStore creates a PostgreSQL-backed account store.
func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (p *PostgresAccountStore) Get(ctx context.Context, paralegalID string) (*ProviderAccount, error) {
	a := &ProviderAccount{}
	err := p.db.QueryRowContext(ctx, `
		SELECT paralegal_id, account_id, created_at FROM provider_accounts WHERE paralegal_id = $1`,
		paralegalID,
	).Scan(&a.ParalegalID, &a.AccountID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoProviderAccount
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresAccountStore) PutIfAbsent(ctx context.Context, a *ProviderAccount) (*ProviderAccount, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_accounts (paralegal_id, account_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (paralegal_id) DO NOTHING`,
		a.ParalegalID, a.AccountID, a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, a.ParalegalID)
}

var (
	_ AccountStore = (*MemoryAccountStore)(nil)
	_ AccountStore = (*PostgresAccountStore)(nil)
)
