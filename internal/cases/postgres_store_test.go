//go:build integration

package cases

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbridge/casepay/internal/testutil"
)

func newPGCase(id string) *Case {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Case{
		ID:               id,
		AttorneyID:       "atty_1",
		Title:            "Lease review",
		Status:           StatusOpen,
		TotalAmountCents: 40000,
		Currency:         "usd",
		EscrowStatus:     EscrowAwaitingFunding,
		Disputes:         []Dispute{},
		Files:            []StoredFile{},
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPostgresStore_CreateGetRoundTrip(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	c := newPGCase("case_pg_1")
	c.Files = []StoredFile{{Key: "cases/case_pg_1/files/a.pdf", Name: "a.pdf", SizeBytes: 10, UploadedBy: "atty_1", UploadedAt: c.CreatedAt}}
	require.NoError(t, store.Create(ctx, c))
	assert.ErrorIs(t, store.Create(ctx, c), ErrConflict)

	got, err := store.Get(ctx, "case_pg_1")
	require.NoError(t, err)
	assert.Equal(t, c.Title, got.Title)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, EscrowAwaitingFunding, got.EscrowStatus)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "a.pdf", got.Files[0].Name)
	assert.Nil(t, got.DisputeSettlement)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestPostgresStore_CompareAndSetStatus(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPGCase("case_pg_cas")))

	updated, err := store.CompareAndSetStatus(ctx, "case_pg_cas", StatusOpen, StatusAssigned, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.CompareAndSetStatus(ctx, "case_pg_cas", StatusOpen, StatusAssigned, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.CompareAndSetStatus(ctx, "missing", StatusOpen, StatusAssigned, time.Now())
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestPostgresStore_ConcurrentCASSingleWinner(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPGCase("case_pg_race")))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CompareAndSetStatus(ctx, "case_pg_race", StatusOpen, StatusAssigned, time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresStore_MutateAndEscrowIntentUniqueness(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPGCase("case_pg_a")))
	require.NoError(t, store.Create(ctx, newPGCase("case_pg_b")))

	updated, err := store.Mutate(ctx, "case_pg_a", func(c *Case) error {
		c.EscrowIntentID = "pi_shared"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_shared", updated.EscrowIntentID)

	found, err := store.FindByEscrowIntent(ctx, "pi_shared")
	require.NoError(t, err)
	assert.Equal(t, "case_pg_a", found.ID)

	_, err = store.Mutate(ctx, "case_pg_b", func(c *Case) error {
		c.EscrowIntentID = "pi_shared"
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.Mutate(ctx, "case_pg_a", func(c *Case) error { return ErrForbidden })
	assert.ErrorIs(t, err, ErrForbidden)
	got, err := store.Get(ctx, "case_pg_a")
	require.NoError(t, err)
	assert.Equal(t, updated.Version, got.Version)
}

func TestPostgresStore_SettlementIsWriteOnce(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPGCase("case_pg_settle")))

	_, err := store.Mutate(ctx, "case_pg_settle", func(c *Case) error {
		c.DisputeSettlement = &Settlement{DisputeID: "dsp_1", Action: ActionRefund, RefundAmountCents: 40000, SettledAt: time.Now()}
		c.PaymentReleased = true
		return nil
	})
	require.NoError(t, err)

	got, err := store.Mutate(ctx, "case_pg_settle", func(c *Case) error {
		c.DisputeSettlement = &Settlement{DisputeID: "dsp_2", Action: ActionRelease}
		c.PaymentReleased = false
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "dsp_1", got.DisputeSettlement.DisputeID)
	assert.True(t, got.PaymentReleased)
}

func TestPostgresStore_RecordPayoutOnce(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPGCase("case_pg_pay")))

	payout := &Payout{ID: "po_1", ParalegalID: "para_1", AmountPaidCents: 32800, TransferID: "tr_1", CreatedAt: time.Now()}
	income := &PlatformIncome{ID: "inc_1", AttorneyID: "atty_1", ParalegalID: "para_1", FeeAmountCents: 7200, CreatedAt: time.Now()}
	closeCase := func(c *Case) error {
		c.Status = StatusClosed
		return nil
	}

	updated, err := store.RecordPayout(ctx, "case_pg_pay", payout, income, closeCase)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, updated.Status)

	_, err = store.RecordPayout(ctx, "case_pg_pay", &Payout{ID: "po_2", ParalegalID: "para_1", AmountPaidCents: 1, TransferID: "tr_2", CreatedAt: time.Now()}, nil, closeCase)
	assert.ErrorIs(t, err, ErrPayoutExists)

	got, err := store.GetPayout(ctx, "case_pg_pay")
	require.NoError(t, err)
	assert.Equal(t, "po_1", got.ID)
	assert.Equal(t, int64(32800), got.AmountPaidCents)

	inc, err := store.GetPlatformIncome(ctx, "case_pg_pay")
	require.NoError(t, err)
	assert.Equal(t, int64(7200), inc.FeeAmountCents)

	_, err = store.GetPayout(ctx, "missing")
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestPostgresStore_ListPurgeDue(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	now := time.Now()

	due := newPGCase("case_pg_due")
	past := now.Add(-time.Hour)
	due.PurgeScheduledFor = &past
	require.NoError(t, store.Create(ctx, due))

	later := newPGCase("case_pg_later")
	future := now.Add(time.Hour)
	later.PurgeScheduledFor = &future
	require.NoError(t, store.Create(ctx, later))

	done := newPGCase("case_pg_done")
	done.PurgeScheduledFor = &past
	done.PurgedAt = &past
	require.NoError(t, store.Create(ctx, done))

	got, err := store.ListPurgeDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case_pg_due", got[0].ID)
}
