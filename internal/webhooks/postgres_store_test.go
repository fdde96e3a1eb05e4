//go:build integration

package webhooks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbridge/casepay/internal/testutil"
)

func TestPostgresStore_ClaimOnce(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	ev := &Event{EventID: "evt_pg_1", Provider: ProviderStripe, Type: "payment_intent.succeeded"}

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, ev, time.Now().Add(-DefaultStaleAfter))
			assert.NoError(t, err)
			if ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())

	require.NoError(t, store.MarkProcessed(ctx, "evt_pg_1", ""))
	ok, err := store.Claim(ctx, ev, time.Now().Add(-DefaultStaleAfter))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "evt_pg_1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestPostgresStore_FailedAndStaleAreReclaimed(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	ev := &Event{EventID: "evt_pg_2", Provider: ProviderStripe, Type: "charge.refunded"}

	ok, err := store.Claim(ctx, ev, time.Now().Add(-DefaultStaleAfter))
	require.NoError(t, err)
	require.True(t, ok)

	// in flight and fresh
	ok, err = store.Claim(ctx, ev, time.Now().Add(-DefaultStaleAfter))
	require.NoError(t, err)
	assert.False(t, ok)

	// in flight but the lease is older than staleBefore
	ok, err = store.Claim(ctx, ev, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.MarkFailed(ctx, "evt_pg_2", "boom"))
	ok, err = store.Claim(ctx, ev, time.Now().Add(-DefaultStaleAfter))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "evt_pg_2")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
}

func TestPostgresStore_MarkFailedKeepsProcessed(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	ev := &Event{EventID: "evt_pg_3", Provider: ProviderStripe, Type: "transfer.created"}

	_, err := store.Claim(ctx, ev, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, "evt_pg_3", ""))
	require.NoError(t, store.MarkFailed(ctx, "evt_pg_3", "late failure"))

	got, err := store.Get(ctx, "evt_pg_3")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)

	assert.ErrorIs(t, store.MarkProcessed(ctx, "missing", ""), ErrEventNotFound)
}

func TestPostgresStore_DeleteOlderThan(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, id := range []string{"evt_old_1", "evt_old_2", "evt_new"} {
		_, err := store.Claim(ctx, &Event{EventID: id, Provider: ProviderStripe, Type: "x"}, time.Now())
		require.NoError(t, err)
	}
	_, err := db.ExecContext(ctx, `UPDATE webhook_events SET created_at = NOW() - INTERVAL '40 days' WHERE event_id LIKE 'evt_old_%'`)
	require.NoError(t, err)

	n, err := store.DeleteOlderThan(ctx, time.Now().Add(-DefaultRetention), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteOlderThan(ctx, time.Now().Add(-DefaultRetention), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "evt_new")
	assert.NoError(t, err)
}
