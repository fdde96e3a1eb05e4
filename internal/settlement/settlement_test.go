package settlement

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/auth"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/payments"
)

type fixture struct {
	store   *cases.MemoryStore
	gateway *payments.MemoryGateway
	audit   *audit.MemoryLogger
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   cases.NewMemoryStore(),
		gateway: payments.NewMemoryGateway(),
		audit:   audit.NewMemoryLogger(),
	}
	accountStore := payments.NewMemoryAccountStore()
	_, err := accountStore.PutIfAbsent(context.Background(), &payments.ProviderAccount{ParalegalID: "para_1", AccountID: "acct_para_1"})
	require.NoError(t, err)
	f.gateway.PutAccount(payments.Account{ID: "acct_para_1", DetailsSubmitted: true, PayoutsEnabled: true})

	fees, err := NewFeePolicy(DefaultFeeRate)
	require.NoError(t, err)
	accounts := payments.NewAccounts(accountStore, f.gateway, "", "")
	f.engine = NewEngine(f.store, f.gateway, accounts, f.audit, fees, logging.Discard())
	return f
}

// seed stores a funded case with total 100000 in the given status. A
// disputed case gets one open dispute "dsp_1".
func (f *fixture) seed(t *testing.T, status cases.Status) *cases.Case {
	t.Helper()
	now := time.Now()
	c := &cases.Case{
		ID:                     "case_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + string(status),
		AttorneyID:             "atty_1",
		ParalegalID:            "para_1",
		Title:                  "Deposition summaries",
		Status:                 status,
		TotalAmountCents:       100000,
		LockedTotalAmountCents: 100000,
		Currency:               "usd",
		EscrowIntentID:         "pi_1",
		EscrowStatus:           cases.EscrowFunded,
		Disputes:               []cases.Dispute{},
		Files:                  []cases.StoredFile{},
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if status == cases.StatusDisputed {
		c.Disputes = append(c.Disputes, cases.Dispute{ID: "dsp_1", Message: "Work incomplete", RaisedBy: "atty_1", Status: cases.DisputeOpen, CreatedAt: now})
	}
	require.NoError(t, f.store.Create(context.Background(), c))
	return c
}

func (f *fixture) get(t *testing.T, id string) *cases.Case {
	t.Helper()
	c, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func settleReq(c *cases.Case, action cases.SettlementAction, gross int64) Request {
	return Request{CaseID: c.ID, DisputeID: "dsp_1", Action: action, GrossAmountCents: gross, Actor: "adm_1"}
}

func TestFeePolicy_Split(t *testing.T) {
	p, err := NewFeePolicy(DefaultFeeRate)
	require.NoError(t, err)

	tests := []struct {
		gross, payout, fee int64
	}{
		{100000, 82000, 18000},
		{50000, 41000, 9000},
		{25, 20, 5}, // 4.5 rounds half up
		{3, 2, 1},
		{1, 1, 0},
		{0, 0, 0},
	}
	for _, tt := range tests {
		payout, fee := p.Split(tt.gross)
		assert.Equal(t, tt.payout, payout, "payout of %d", tt.gross)
		assert.Equal(t, tt.fee, fee, "fee of %d", tt.gross)
		assert.Equal(t, tt.gross, payout+fee)
	}

	_, err = NewFeePolicy(decimal.NewFromInt(1))
	assert.Error(t, err)
	_, err = NewFeePolicy(decimal.RequireFromString("-0.01"))
	assert.Error(t, err)
}

func TestSettle_Release(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)

	res, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRelease, 0))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(82000), res.Payout.AmountPaidCents)
	assert.Equal(t, int64(18000), res.Income.FeeAmountCents)

	got := f.get(t, c.ID)
	assert.Equal(t, cases.StatusClosed, got.Status)
	assert.True(t, got.PaymentReleased)
	assert.Equal(t, cases.EscrowReleased, got.EscrowStatus)
	assert.Nil(t, got.SettlementProgress)
	require.NotNil(t, got.DisputeSettlement)
	assert.Equal(t, int64(82000), got.DisputeSettlement.PayoutAmountCents)
	assert.Equal(t, "adm_1", got.DisputeSettlement.SettledBy)
	assert.Equal(t, cases.DisputeResolved, got.Disputes[0].Status)
	assert.NotEmpty(t, got.PayoutTransferID)

	transfers := f.gateway.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(82000), transfers[0].AmountCents)
	assert.Equal(t, "acct_para_1", transfers[0].Destination)
	assert.Empty(t, f.gateway.Refunds())

	payout, err := f.store.GetPayout(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, got.PayoutTransferID, payout.TransferID)
	income, err := f.store.GetPlatformIncome(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(18000), income.FeeAmountCents)
	assert.Equal(t, "atty_1", income.AttorneyID)

	assert.Equal(t, 1, f.audit.CountAction("case.settlement"))
}

func TestSettle_ReleasePartial(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)

	res, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionReleasePartial, 50000))
	require.NoError(t, err)
	assert.Equal(t, int64(41000), res.Payout.AmountPaidCents)
	assert.Equal(t, int64(9000), res.Income.FeeAmountCents)
	assert.Equal(t, int64(50000), res.Settlement.RefundAmountCents)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(50000), refunds[0].AmountCents)
	transfers := f.gateway.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(41000), transfers[0].AmountCents)

	got := f.get(t, c.ID)
	assert.Equal(t, cases.StatusClosed, got.Status)
	assert.True(t, got.PaymentReleased)
	assert.Equal(t, refunds[0].ID, got.DisputeSettlement.RefundID)
}

func TestSettle_ReleasePartialOfFullAmountSkipsRefund(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)

	_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionReleasePartial, 100000))
	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateRefund))
	assert.Len(t, f.gateway.Transfers(), 1)
}

func TestSettle_Refund(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)

	res, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRefund, 0))
	require.NoError(t, err)
	assert.Nil(t, res.Payout)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(100000), refunds[0].AmountCents)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateTransfer))
	assert.Equal(t, 0, f.gateway.Calls(payments.OpGetAccount), "refunds do not need a payout account")

	got := f.get(t, c.ID)
	assert.Equal(t, cases.StatusClosed, got.Status)
	assert.Equal(t, cases.EscrowRefunded, got.EscrowStatus)
	assert.False(t, got.PaymentReleased)

	_, err = f.store.GetPayout(context.Background(), c.ID)
	assert.ErrorIs(t, err, cases.ErrPayoutNotFound)
}

func TestSettle_IdenticalRepeatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	req := settleReq(c, cases.ActionReleasePartial, 50000)

	first, err := f.engine.Settle(context.Background(), req)
	require.NoError(t, err)
	second, err := f.engine.Settle(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payout.ID, second.Payout.ID)
	assert.Len(t, f.gateway.Refunds(), 1)
	assert.Len(t, f.gateway.Transfers(), 1)
	assert.Equal(t, 1, f.store.PayoutCount(c.ID))
	assert.Equal(t, 1, f.audit.CountAction("case.settlement"))
}

func TestSettle_ConflictingRepeatRejected(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)

	_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRelease, 0))
	require.NoError(t, err)

	for _, req := range []Request{
		settleReq(c, cases.ActionRefund, 0),
		settleReq(c, cases.ActionReleasePartial, 50000),
	} {
		_, err = f.engine.Settle(context.Background(), req)
		assert.ErrorIs(t, err, ErrAlreadySettled)
	}
	got := f.get(t, c.ID)
	assert.Equal(t, cases.ActionRelease, got.DisputeSettlement.Action)
	assert.Empty(t, f.gateway.Refunds())
}

func TestSettle_TransferFailureLeavesNoPayout(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	f.gateway.FailNext(payments.OpCreateTransfer, errors.New("destination account restricted"))

	_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionReleasePartial, 50000))
	require.Error(t, err)
	assert.True(t, payments.IsGatewayError(err))

	got := f.get(t, c.ID)
	assert.False(t, got.PaymentReleased)
	assert.Equal(t, cases.StatusDisputed, got.Status)
	assert.Nil(t, got.DisputeSettlement)
	require.NotNil(t, got.SettlementProgress)
	assert.Equal(t, cases.StageRefundDone, got.SettlementProgress.Stage)
	assert.NotEmpty(t, got.SettlementProgress.LastError)
	_, err = f.store.GetPayout(context.Background(), c.ID)
	assert.ErrorIs(t, err, cases.ErrPayoutNotFound)

	// The retry resumes after the refund.
	res, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionReleasePartial, 50000))
	require.NoError(t, err)
	assert.Equal(t, int64(41000), res.Payout.AmountPaidCents)
	assert.Equal(t, 1, f.gateway.Calls(payments.OpCreateRefund))
	assert.Len(t, f.gateway.Refunds(), 1)
	assert.Len(t, f.gateway.Transfers(), 1)
	assert.Equal(t, cases.StatusClosed, f.get(t, c.ID).Status)
}

func TestSettle_RefundFailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	f.gateway.FailNext(payments.OpCreateRefund, errors.New("processor unavailable"))

	_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRefund, 0))
	require.Error(t, err)
	got := f.get(t, c.ID)
	assert.Equal(t, cases.StageStarted, got.SettlementProgress.Stage)

	_, err = f.engine.Settle(context.Background(), settleReq(c, cases.ActionRelease, 0))
	assert.ErrorIs(t, err, ErrAlreadySettled, "a different action cannot start while one is in flight")

	_, err = f.engine.Settle(context.Background(), settleReq(c, cases.ActionRefund, 0))
	require.NoError(t, err)
	assert.Len(t, f.gateway.Refunds(), 1)
}

func TestSettle_ResumesRefundAfterEscrowMarkedRefunded(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	_, err := f.store.Mutate(context.Background(), c.ID, func(c *cases.Case) error {
		c.SettlementProgress = &cases.SettlementProgress{
			DisputeID:         "dsp_1",
			Action:            cases.ActionRefund,
			RefundAmountCents: 100000,
			Stage:             cases.StageRefundDone,
			RefundID:          "re_done",
			StartedBy:         "adm_1",
			StartedAt:         time.Now(),
			UpdatedAt:         time.Now(),
		}
		// charge.refunded arrived before the settlement was finalized
		c.EscrowStatus = cases.EscrowRefunded
		return nil
	})
	require.NoError(t, err)

	res, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRefund, 0))
	require.NoError(t, err)
	assert.Equal(t, "re_done", res.Settlement.RefundID)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateRefund), "refund is not issued twice")

	got := f.get(t, c.ID)
	assert.Equal(t, cases.StatusClosed, got.Status)
	require.NotNil(t, got.DisputeSettlement)
	assert.Nil(t, got.SettlementProgress)
	assert.Equal(t, cases.EscrowRefunded, got.EscrowStatus)
}

func TestSettle_NewSettlementStillRequiresFundedEscrow(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	_, err := f.store.Mutate(context.Background(), c.ID, func(c *cases.Case) error {
		c.EscrowStatus = cases.EscrowRefunded
		return nil
	})
	require.NoError(t, err)

	_, err = f.engine.Settle(context.Background(), settleReq(c, cases.ActionRefund, 0))
	assert.ErrorIs(t, err, cases.ErrPaymentNotSecured)
	assert.Nil(t, f.get(t, c.ID).SettlementProgress)
}

func TestSettle_FinalizesAfterTransferWhenAccountLostPayouts(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	_, err := f.store.Mutate(context.Background(), c.ID, func(c *cases.Case) error {
		c.SettlementProgress = &cases.SettlementProgress{
			DisputeID:        "dsp_1",
			Action:           cases.ActionRelease,
			GrossAmountCents: 100000,
			Stage:            cases.StageTransferDone,
			TransferID:       "tr_done",
			StartedBy:        "adm_1",
			StartedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}
		return nil
	})
	require.NoError(t, err)
	f.gateway.PutAccount(payments.Account{ID: "acct_para_1", DetailsSubmitted: true, PayoutsEnabled: false})

	res, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRelease, 0))
	require.NoError(t, err)
	assert.Equal(t, "tr_done", res.Payout.TransferID)
	assert.Equal(t, int64(82000), res.Payout.AmountPaidCents)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpGetAccount))
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateTransfer))
	assert.Equal(t, 1, f.store.PayoutCount(c.ID))
	assert.Equal(t, cases.StatusClosed, f.get(t, c.ID).Status)
}

func TestSettle_ProviderNotReadyMovesNoMoney(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)
	f.gateway.PutAccount(payments.Account{ID: "acct_para_1", DetailsSubmitted: true, PayoutsEnabled: false})

	_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionReleasePartial, 50000))
	assert.ErrorIs(t, err, payments.ErrProviderNotReady)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateRefund))
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateTransfer))
	assert.Nil(t, f.get(t, c.ID).SettlementProgress)
}

func TestSettle_Preconditions(t *testing.T) {
	f := newFixture(t)

	disputed := f.seed(t, cases.StatusDisputed)
	for _, gross := range []int64{0, -5, 100001} {
		_, err := f.engine.Settle(context.Background(), settleReq(disputed, cases.ActionReleasePartial, gross))
		assert.ErrorIs(t, err, ErrInvalidAmount, "gross %d", gross)
	}

	req := settleReq(disputed, cases.ActionRelease, 0)
	req.DisputeID = "dsp_missing"
	_, err := f.engine.Settle(context.Background(), req)
	assert.ErrorIs(t, err, cases.ErrDisputeNotFound)

	_, err = f.engine.Settle(context.Background(), Request{CaseID: "case_missing", DisputeID: "dsp_1", Action: cases.ActionRefund})
	assert.ErrorIs(t, err, cases.ErrCaseNotFound)

	_, err = f.store.Mutate(context.Background(), disputed.ID, func(c *cases.Case) error {
		c.EscrowStatus = cases.EscrowAwaitingFunding
		return nil
	})
	require.NoError(t, err)
	_, err = f.engine.Settle(context.Background(), settleReq(disputed, cases.ActionRefund, 0))
	assert.ErrorIs(t, err, cases.ErrPaymentNotSecured)
}

func TestSettle_RequiresDisputedCase(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusInProgress)

	_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRelease, 0))
	assert.ErrorIs(t, err, cases.ErrValidation)
	assert.Equal(t, 0, f.gateway.Calls(payments.OpCreateTransfer))
}

func TestSettle_ConcurrentIdenticalRequests(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusDisputed)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(context.Background(), settleReq(c, cases.ActionRelease, 0))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.store.PayoutCount(c.ID))
	assert.Len(t, f.gateway.Transfers(), 1)
}

func TestReleaseCompleted(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusCompleted)

	res, err := f.engine.ReleaseCompleted(context.Background(), c.ID, "adm_1")
	require.NoError(t, err)
	assert.Equal(t, int64(82000), res.Payout.AmountPaidCents)
	assert.Equal(t, int64(18000), res.Income.FeeAmountCents)

	got := f.get(t, c.ID)
	assert.Equal(t, cases.StatusClosed, got.Status)
	assert.True(t, got.PaymentReleased)
	assert.Equal(t, cases.EscrowReleased, got.EscrowStatus)

	again, err := f.engine.ReleaseCompleted(context.Background(), c.ID, "adm_1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Payout.ID, again.Payout.ID)
	assert.Len(t, f.gateway.Transfers(), 1)
	assert.Equal(t, 1, f.audit.CountAction("case.release"))
}

func TestReleaseCompleted_RequiresCompleted(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusInProgress)

	_, err := f.engine.ReleaseCompleted(context.Background(), c.ID, "adm_1")
	assert.ErrorIs(t, err, cases.ErrValidation)
}

func TestReleaseCompleted_TransferFailure(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, cases.StatusCompleted)
	f.gateway.FailNext(payments.OpCreateTransfer, errors.New("boom"))

	_, err := f.engine.ReleaseCompleted(context.Background(), c.ID, "adm_1")
	require.Error(t, err)
	got := f.get(t, c.ID)
	assert.False(t, got.PaymentReleased)
	assert.Equal(t, cases.StatusCompleted, got.Status)
	assert.Equal(t, 0, f.store.PayoutCount(c.ID))
}

func TestHandler_SettleAndRelease(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	disputed := f.seed(t, cases.StatusDisputed)

	r := gin.New()
	NewHandler(f.engine).RegisterAdminRoutes(r.Group("/v1/admin", auth.RequireAdmin("s3cret")))

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderAdminSecret, "s3cret")
		req.Header.Set(auth.HeaderAdminID, "adm_9")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	settlePath := "/v1/admin/cases/" + disputed.ID + "/disputes/dsp_1/settle"

	w := post(settlePath, `{"action":"split"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(settlePath, `{"action":"release_partial","grossAmountCents":50000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"amountPaidCents":41000`)
	assert.Equal(t, "adm_9", f.get(t, disputed.ID).DisputeSettlement.SettledBy)

	w = post(settlePath, `{"action":"refund"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_settled")

	completed := f.seed(t, cases.StatusCompleted)
	f.gateway.FailNext(payments.OpCreateTransfer, errors.New("acct_secret_detail"))
	w = post("/v1/admin/cases/"+completed.ID+"/release", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "acct_secret_detail")

	w = post("/v1/admin/cases/"+completed.ID+"/release", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
