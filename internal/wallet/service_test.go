package wallet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

var feeAccount = uuid.MustParse("00000000-0000-0000-0000-00000000fee5")

type failingChain struct{ calls int }

func (c *failingChain) Send(context.Context, *models.WithdrawalRequest) (string, error) {
	c.calls++
	return "", fmt.Errorf("node unreachable")
}

type harness struct {
	ctx    context.Context
	st     *store.Memory
	ledger *ledger.Ledger
	svc    *Service
	clock  time.Time
	events []events.Event
}

func newHarness(t *testing.T, chain Chain) *harness {
	t.Helper()
	h := &harness{ctx: context.Background(), st: store.NewMemory(), clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Update(h.ctx, h.st, func(tx store.Tx) error {
		tx.SaveCurrency(&models.Currency{Symbol: "USDT", Precision: 2, MinWithdrawal: money.New(10), WithdrawalFee: money.New(1), Active: true})
		tx.SaveCurrency(&models.Currency{Symbol: "DOGE", Precision: 8, Active: false})
		return nil
	}))
	logger := zap.NewNop()
	h.ledger = ledger.New(h.st, ledger.NewLocker(), logger)
	bus := events.NewInMemoryEventBus(logger)
	bus.Subscribe(events.TopicWithdrawal, func(_ context.Context, e events.Event) { h.events = append(h.events, e) })
	if chain == nil {
		chain = StubChain{}
	}
	h.svc = NewService(Config{FeeAccount: feeAccount, Risk: DefaultRiskConfig()}, h.ledger, chain, bus, logger)
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) fund(t *testing.T, user uuid.UUID, amount money.Amount) {
	t.Helper()
	_, err := h.ledger.Deposit(h.ctx, user, "USDT", amount)
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, user uuid.UUID) *models.Balance {
	t.Helper()
	b, err := h.ledger.Balance(h.ctx, user, "USDT")
	require.NoError(t, err)
	return b
}

func input(user uuid.UUID, amount string) WithdrawalInput {
	return WithdrawalInput{UserID: user, Currency: "USDT", Amount: money.MustParse(amount), ToAddress: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE", TwoFactorVerified: true}
}

func TestRequestLocksFundsAndAssessesRisk(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	h.fund(t, user, money.New(20000))

	w, err := h.svc.Request(h.ctx, input(user, "1500"))
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, w.Status)
	assert.True(t, w.RequiresManualApproval)
	assert.Equal(t, h.clock.Add(30*time.Minute), w.CanProcessAfter)
	assert.Equal(t, money.New(1), w.Fee)
	assert.Equal(t, money.New(1499), w.NetAmount)

	b := h.balance(t, user)
	assert.Equal(t, money.New(1500), b.Locked)
	assert.Equal(t, money.New(18500), b.Available)

	small, err := h.svc.Request(h.ctx, input(user, "500"))
	require.NoError(t, err)
	assert.False(t, small.RequiresManualApproval)
	assert.Equal(t, h.clock.Add(10*time.Minute), small.CanProcessAfter)
	require.Len(t, h.events, 2)
	assert.Equal(t, events.TypeWithdrawalUpdated, h.events[0].Type)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	h.fund(t, user, money.New(100))

	cases := map[string]struct {
		in    WithdrawalInput
		field string
	}{
		"below minimum": {input(user, "5"), "amount"},
		"precision":     {input(user, "10.001"), "amount"},
		"no address":    {func() WithdrawalInput { in := input(user, "20"); in.ToAddress = ""; return in }(), "to_address"},
		"no 2fa":        {func() WithdrawalInput { in := input(user, "20"); in.TwoFactorVerified = false; return in }(), "two_factor_verified"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Request(h.ctx, tc.in)
			require.ErrorIs(t, err, errors.Invalid)
			var e *errors.Error
			require.ErrorAs(t, err, &e)
			require.NotEmpty(t, e.Fields)
			assert.Equal(t, tc.field, e.Fields[0].Field)
		})
	}

	_, err := h.svc.Request(h.ctx, WithdrawalInput{UserID: user, Currency: "DOGE", Amount: money.New(1), ToAddress: "D", TwoFactorVerified: true})
	assert.ErrorIs(t, err, errors.Invalid)
	_, err = h.svc.Request(h.ctx, WithdrawalInput{UserID: user, Currency: "XRP", Amount: money.New(1)})
	assert.ErrorIs(t, err, errors.NotFound)

	_, err = h.svc.Request(h.ctx, input(user, "150"))
	assert.ErrorIs(t, err, errors.InsufficientFunds)
	assert.Zero(t, h.balance(t, user).Locked)
}

func TestApprovedWithdrawalCompletes(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	h.fund(t, user, money.New(2000))

	w, err := h.svc.Request(h.ctx, input(user, "1500"))
	require.NoError(t, err)

	_, err = h.svc.StartProcessing(h.ctx, w.ID, h.clock)
	assert.ErrorIs(t, err, errors.InvalidOrderState, "needs approval")

	w, err = h.svc.Approve(h.ctx, w.ID, "ops@pincex")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalApproved, w.Status)
	assert.Equal(t, "ops@pincex", w.ReviewedBy)

	_, err = h.svc.StartProcessing(h.ctx, w.ID, h.clock)
	assert.ErrorIs(t, err, errors.InvalidOrderState, "delay not elapsed")

	h.clock = h.clock.Add(31 * time.Minute)
	w, err = h.svc.StartProcessing(h.ctx, w.ID, h.clock)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalProcessing, w.Status)
	assert.NotEmpty(t, w.TxHash)

	w, err = h.svc.Complete(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalCompleted, w.Status)
	require.NotNil(t, w.CompletedAt)

	b := h.balance(t, user)
	assert.Zero(t, b.Locked)
	assert.Equal(t, money.New(500), b.Available)
	assert.Equal(t, money.New(500), b.Total)

	fee, err := h.ledger.Balance(h.ctx, feeAccount, "USDT")
	require.NoError(t, err)
	assert.Equal(t, money.New(1), fee.Available)

	_, err = h.svc.Complete(h.ctx, w.ID)
	assert.ErrorIs(t, err, errors.InvalidOrderState)
}

func TestSmallWithdrawalSkipsApproval(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	h.fund(t, user, money.New(1000))

	w, err := h.svc.Request(h.ctx, input(user, "1000"))
	require.NoError(t, err)
	assert.False(t, w.RequiresManualApproval)

	_, err = h.svc.Approve(h.ctx, w.ID, "ops")
	assert.ErrorIs(t, err, errors.InvalidOrderState)

	h.clock = h.clock.Add(30 * time.Minute)
	w, err = h.svc.StartProcessing(h.ctx, w.ID, h.clock)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalProcessing, w.Status)
}

func TestOwnerCannotReviewOwnWithdrawal(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	h.fund(t, user, money.New(2000))

	w, err := h.svc.Request(h.ctx, input(user, "1500"))
	require.NoError(t, err)

	_, err = h.svc.Approve(h.ctx, w.ID, user.String())
	assert.ErrorIs(t, err, errors.Forbidden)
	_, err = h.svc.Reject(h.ctx, w.ID, user.String(), "changed my mind")
	assert.ErrorIs(t, err, errors.Forbidden)
	_, err = h.svc.Approve(h.ctx, w.ID, "")
	assert.ErrorIs(t, err, errors.Forbidden)

	got, err := h.svc.Get(h.ctx, user, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, got.Status)
	assert.Empty(t, got.ReviewedBy)
	assert.Equal(t, money.New(1500), h.balance(t, user).Locked)
}

func TestRejectAndCancelReleaseFunds(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	h.fund(t, user, money.New(5000))

	big, err := h.svc.Request(h.ctx, input(user, "2000"))
	require.NoError(t, err)
	small, err := h.svc.Request(h.ctx, input(user, "100"))
	require.NoError(t, err)
	assert.Equal(t, money.New(2100), h.balance(t, user).Locked)

	big, err = h.svc.Reject(h.ctx, big.ID, "ops", "address on deny list")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, big.Status)
	assert.Equal(t, "address on deny list", big.RejectionReason)

	_, err = h.svc.Cancel(h.ctx, uuid.New(), small.ID)
	assert.ErrorIs(t, err, errors.NotFound)
	small, err = h.svc.Cancel(h.ctx, user, small.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalCancelled, small.Status)

	b := h.balance(t, user)
	assert.Zero(t, b.Locked)
	assert.Equal(t, money.New(5000), b.Available)

	_, err = h.svc.Cancel(h.ctx, user, small.ID)
	assert.ErrorIs(t, err, errors.InvalidOrderState)

	got, err := h.svc.Get(h.ctx, user, big.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, got.Status)
	_, err = h.svc.Get(h.ctx, uuid.New(), big.ID)
	assert.ErrorIs(t, err, errors.NotFound)
}

func TestChainFailureRevertsStatus(t *testing.T) {
	chain := &failingChain{}
	h := newHarness(t, chain)
	user := uuid.New()
	h.fund(t, user, money.New(100))

	w, err := h.svc.Request(h.ctx, input(user, "50"))
	require.NoError(t, err)
	h.clock = h.clock.Add(time.Hour)

	w, err = h.svc.StartProcessing(h.ctx, w.ID, h.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.calls)
	assert.Equal(t, models.WithdrawalPending, w.Status)
	assert.Empty(t, w.TxHash)
	assert.Equal(t, money.New(50), h.balance(t, user).Locked)
}
