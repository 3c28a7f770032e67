package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/notify"
)

func TestTickSize(t *testing.T) {
	cases := []struct {
		price float64
		want  float64
	}{
		{500, 1},
		{999, 1},
		{1_000, 5},
		{4_999, 5},
		{5_000, 10},
		{9_999, 10},
		{10_000, 50},
		{49_999, 50},
		{50_000, 100},
		{99_999, 100},
		{100_000, 500},
		{499_999, 500},
		{500_000, 1_000},
		{2_000_000, 1_000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TickSize(tc.price), "price %.0f", tc.price)
	}
}

func TestAlignToTick(t *testing.T) {
	assert.Equal(t, 1230.0, AlignToTick(1234))
	assert.Equal(t, 71_000.0, AlignToTick(71_050))
	assert.Equal(t, 500.0, AlignToTick(500.7))
}

func testExecutor(t *testing.T, gw *fakeGateway) (*Executor, *State) {
	t.Helper()
	cfg := testConfig()
	db := testStore(t)
	x := NewExecutor(cfg, gw, db, notify.NewNotifier(""), "MOCK")
	st := NewState("MOCK", "2025-07-01")
	st.TotalAsset = 10_000_000
	return x, st
}

func TestExecuteEntrySizing(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	st.Positions[p.Code] = p

	x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_100})

	require.Len(t, gw.placed, 1)
	// 1/N budget: 10,000,000 / 5 = 2,000,000; prev-close policy prices at
	// 10,000 so 200 shares.
	assert.Equal(t, 200, gw.placed[0].Qty)
	assert.Equal(t, 10_000.0, gw.placed[0].Price)
	assert.Equal(t, broker.SideBuy, gw.placed[0].Side)
	assert.Equal(t, StateEntryPending, p.State)
	assert.Equal(t, 200, p.PendingQuantity)
	assert.NotEmpty(t, p.OrderID)
}

func TestExecuteEntryZeroQuantitySkips(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	st.TotalAsset = 1_000 // budget 200 cannot buy a 10,000 share

	p := watching(10_000)
	st.Positions[p.Code] = p

	x.ExecuteEntry(context.Background(), st, p, broker.Quote{CurrentPrice: 10_000})

	assert.Empty(t, gw.placed)
	assert.Equal(t, StateSkipped, p.State)
	assert.Contains(t, p.ErrorMessage, "budget")
}

func TestExecuteEntryPositionLimit(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	x.cfg.Risk.MaxPositions = 2

	for _, code := range []string{"000001", "000002"} {
		st.Positions[code] = &Position{Code: code, State: StateEntered, Quantity: 1, EntryPrice: 1000}
	}
	p := watching(10_000)
	st.Positions[p.Code] = p

	x.ExecuteEntry(context.Background(), st, p, broker.Quote{CurrentPrice: 10_000})

	assert.Empty(t, gw.placed)
	assert.Equal(t, StateSkipped, p.State)
	assert.Contains(t, p.ErrorMessage, "position limit")
}

func TestExecuteEntryRetryBudget(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFailures = 10
	x, st := testExecutor(t, gw)

	p := watching(10_000)
	st.Positions[p.Code] = p
	q := broker.Quote{CurrentPrice: 10_000}
	ctx := context.Background()

	// First two failures leave the position watching for another attempt.
	x.ExecuteEntry(ctx, st, p, q)
	assert.Equal(t, StateWatching, p.State)
	assert.Equal(t, 1, p.RetryCount)
	x.ExecuteEntry(ctx, st, p, q)
	assert.Equal(t, StateWatching, p.State)

	// Third failure exhausts the budget of 3.
	x.ExecuteEntry(ctx, st, p, q)
	assert.Equal(t, StateSkipped, p.State)
	assert.Contains(t, p.ErrorMessage, "failed 3 times")
}

func TestExecuteEntryPricePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("open", func(t *testing.T) {
		gw := newFakeGateway()
		x, st := testExecutor(t, gw)
		x.cfg.Entry.PricePolicy = "OPEN"
		p := watching(10_000)
		p.OpenPrice = 10_300
		st.Positions[p.Code] = p
		x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_100})
		require.Len(t, gw.placed, 1)
		assert.Equal(t, 10_300.0, gw.placed[0].Price)
	})

	t.Run("ask_slippage", func(t *testing.T) {
		gw := newFakeGateway()
		x, st := testExecutor(t, gw)
		x.cfg.Entry.PricePolicy = "ASK_SLIPPAGE"
		p := watching(10_000)
		st.Positions[p.Code] = p
		// Ask 10,050 plus 2 ticks of 50 = 10,150.
		x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_000, AskPrice: 10_050})
		require.Len(t, gw.placed, 1)
		assert.Equal(t, 10_150.0, gw.placed[0].Price)
	})
}

func TestConfirmOrderOrphanHeals(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)

	p := watching(10_000)
	p.State = StateEntryPending
	p.PendingQuantity = 100
	st.Positions[p.Code] = p

	x.ConfirmOrder(context.Background(), st, p)

	assert.Equal(t, StateWatching, p.State)
	assert.Equal(t, 0, p.PendingQuantity)
}

func TestConfirmOrderEntryFill(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	st.Positions[p.Code] = p
	x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_000})
	require.Equal(t, StateEntryPending, p.State)

	gw.fill(p.OrderID, 200, 10_000)
	x.ConfirmOrder(ctx, st, p)

	assert.Equal(t, StateEntered, p.State)
	assert.Equal(t, 200, p.Quantity)
	assert.Equal(t, 0, p.PendingQuantity)
	assert.Equal(t, 10_000.0, p.EntryPrice)
	assert.False(t, p.EntryTime.IsZero())
}

func TestConfirmOrderPartialFillStaysPending(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	st.Positions[p.Code] = p
	x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_000})

	gw.statuses[p.OrderID] = broker.OrderStatus{OrderID: p.OrderID, ExecQty: 120, ExecPrice: 10_000, RemainQty: 80}
	x.ConfirmOrder(ctx, st, p)

	assert.Equal(t, StateEntryPending, p.State)
	assert.Equal(t, 120, p.Quantity)
	assert.Equal(t, 80, p.PendingQuantity)
}

func TestPnlRoundTrip(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	st.Positions[p.Code] = p

	// Buy 200 @ 10,000.
	x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_000})
	gw.fill(p.OrderID, 200, 10_000)
	x.ConfirmOrder(ctx, st, p)
	require.Equal(t, StateEntered, p.State)

	// Sell 200 @ 11,000.
	x.ExecuteExit(ctx, st, p, ExitTakeProfit)
	require.Equal(t, StateExitPending, p.State)
	gw.fill(p.OrderID, 200, 11_000)
	x.ConfirmOrder(ctx, st, p)

	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, (11_000.0-10_000.0)*200, st.DailyPnl)
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.Equal(t, 0, st.LosingTrades)
	assert.Equal(t, 0, p.Quantity)
	assert.False(t, p.ExitTime.IsZero())
}

func TestLosingTradeCounters(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	p.State = StateEntered
	p.Quantity = 100
	p.EntryPrice = 10_000
	st.Positions[p.Code] = p

	x.ExecuteExit(ctx, st, p, ExitStopLoss)
	gw.fill(p.OrderID, 100, 9_500)
	x.ConfirmOrder(ctx, st, p)

	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, -50_000.0, st.DailyPnl)
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, 0, st.WinningTrades)
	assert.Equal(t, 1, st.LosingTrades)
}

func TestExitRetryExhaustionGoesToError(t *testing.T) {
	gw := newFakeGateway()
	gw.placeFailures = 10
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	p.State = StateEntered
	p.Quantity = 100
	p.EntryPrice = 10_000
	st.Positions[p.Code] = p

	for i := 0; i < 3; i++ {
		x.ExecuteExit(ctx, st, p, ExitStopLoss)
	}
	assert.Equal(t, StateError, p.State)
	assert.Contains(t, p.ErrorMessage, "exit order failed")
}

func TestCancelPendingEntry(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	t.Run("unfilled_is_skipped", func(t *testing.T) {
		p := watching(10_000)
		st.Positions[p.Code] = p
		x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_000})
		orderID := p.OrderID

		x.CancelPendingEntry(ctx, st, p, "unfilled after 60s")

		assert.Contains(t, gw.cancelled, orderID)
		assert.Equal(t, StateSkipped, p.State)
		assert.Equal(t, 0, p.PendingQuantity)
	})

	t.Run("partial_fill_survives", func(t *testing.T) {
		p := &Position{Code: "000100", State: StateEntryPending, PrevClose: 10_000,
			OrderID: "ORD-X", Quantity: 50, PendingQuantity: 150, LimitOrderPrice: 10_000}
		st.Positions[p.Code] = p

		x.CancelPendingEntry(ctx, st, p, "unfilled past cancel time")

		assert.Equal(t, StateEntered, p.State)
		assert.Equal(t, 50, p.Quantity)
		assert.Equal(t, 10_000.0, p.EntryPrice)
	})
}

func TestManualExitPartial(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	p.State = StateEntered
	p.Quantity = 100
	p.EntryPrice = 10_000
	st.Positions[p.Code] = p

	require.NoError(t, x.ExecuteManualExit(ctx, st, p, 40))
	require.Equal(t, StateExitPending, p.State)
	assert.Equal(t, ExitManual, p.ExitReason)

	gw.fill(p.OrderID, 40, 10_500)
	x.ConfirmOrder(ctx, st, p)

	// The remainder stays a live position.
	assert.Equal(t, StateEntered, p.State)
	assert.Equal(t, 60, p.Quantity)
	assert.Equal(t, 40*500.0, st.DailyPnl)
}

func TestQuantityInvariants(t *testing.T) {
	gw := newFakeGateway()
	x, st := testExecutor(t, gw)
	ctx := context.Background()

	p := watching(10_000)
	st.Positions[p.Code] = p

	check := func() {
		assert.GreaterOrEqual(t, p.Quantity, 0)
		assert.GreaterOrEqual(t, p.PendingQuantity, 0)
		if p.State == StateEntered {
			assert.Greater(t, p.Quantity, 0)
			assert.Greater(t, p.EntryPrice, 0.0)
		}
	}

	check()
	x.ExecuteEntry(ctx, st, p, broker.Quote{CurrentPrice: 10_000})
	check()
	gw.fill(p.OrderID, 200, 10_000)
	x.ConfirmOrder(ctx, st, p)
	check()
	x.ExecuteExit(ctx, st, p, ExitEndOfDay)
	check()
	gw.fill(p.OrderID, 200, 10_050)
	x.ConfirmOrder(ctx, st, p)
	check()
	assert.Equal(t, StateClosed, p.State)
}
