//go:build integration

package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbridge/casepay/internal/testutil"
)

func TestPostgresAccountStore_PutIfAbsent(t *testing.T) {
	store := NewPostgresAccountStore(testutil.PGTest(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "para_1")
	assert.ErrorIs(t, err, ErrNoProviderAccount)

	first, err := store.PutIfAbsent(ctx, &ProviderAccount{ParalegalID: "para_1", AccountID: "acct_1", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "acct_1", first.AccountID)

	second, err := store.PutIfAbsent(ctx, &ProviderAccount{ParalegalID: "para_1", AccountID: "acct_2", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "acct_1", second.AccountID)
}
