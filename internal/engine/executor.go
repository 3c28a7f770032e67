package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/notify"
	"github.com/Artanis09/mystocks/internal/storage"
	"github.com/Artanis09/mystocks/internal/store"
	"github.com/Artanis09/mystocks/internal/tradelog"
)

// TickSize is the exchange's minimum price increment at a price level.
func TickSize(price float64) float64 {
	switch {
	case price < 1_000:
		return 1
	case price < 5_000:
		return 5
	case price < 10_000:
		return 10
	case price < 50_000:
		return 50
	case price < 100_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1_000
	}
}

// AlignToTick floors a price onto the exchange's tick grid.
func AlignToTick(price float64) float64 {
	tick := TickSize(price)
	return math.Floor(price/tick) * tick
}

// Executor owns order placement and fill reconciliation. It mutates
// positions only under the engine's lock; all gateway calls carry the
// caller's context.
type Executor struct {
	cfg      *store.Config
	gw       broker.Gateway
	db       *storage.Store
	notifier *notify.Notifier
	mode     string
}

func NewExecutor(cfg *store.Config, gw broker.Gateway, db *storage.Store, n *notify.Notifier, mode string) *Executor {
	return &Executor{cfg: cfg, gw: gw, db: db, notifier: n, mode: mode}
}

// orderPrice resolves the configured entry price policy to a tick-aligned
// limit price. Zero means the policy could not be priced this tick.
func (x *Executor) orderPrice(p *Position, q broker.Quote) float64 {
	switch x.cfg.Entry.PricePolicy {
	case "OPEN":
		return AlignToTick(p.OpenPrice)
	case "ASK_SLIPPAGE":
		if q.AskPrice <= 0 {
			return 0
		}
		return AlignToTick(q.AskPrice + float64(x.cfg.Entry.SlippageTicks)*TickSize(q.AskPrice))
	default: // PREV_CLOSE
		return AlignToTick(p.PrevClose)
	}
}

// ExecuteEntry sizes and submits a buy for a WATCHING position.
// enteredCount is the number of positions already holding stock, totalAsset
// the account's full evaluation for 1/N sizing.
func (x *Executor) ExecuteEntry(ctx context.Context, st *State, p *Position, q broker.Quote) {
	if enteredCount(st) >= x.cfg.Risk.MaxPositions {
		st.transition(ctx, p, StateSkipped, fmt.Sprintf("position limit %d reached", x.cfg.Risk.MaxPositions))
		return
	}

	price := x.orderPrice(p, q)
	if price <= 0 {
		logger.Warn(ctx, "Entry price unavailable, retrying next tick", "code", p.Code, "policy", x.cfg.Entry.PricePolicy)
		return
	}

	budget := st.TotalAsset / float64(x.cfg.Risk.MaxPositions)
	qty := int(math.Floor(budget / price))
	if qty <= 0 {
		st.transition(ctx, p, StateSkipped,
			fmt.Sprintf("budget %.0f cannot buy one share at %.0f", budget, price))
		return
	}

	res, err := x.gw.PlaceOrder(ctx, p.Code, qty, broker.SideBuy, price)
	if err != nil {
		p.RetryCount++
		if p.RetryCount >= x.cfg.Risk.OrderRetryCount {
			st.transition(ctx, p, StateSkipped,
				fmt.Sprintf("entry order failed %d times: %v", p.RetryCount, err))
			return
		}
		logger.Warn(ctx, "Entry order submit failed, will retry",
			"code", p.Code, "attempt", p.RetryCount, "error", err)
		return
	}

	p.OrderID = res.OrderID
	p.OrderTime = time.Now()
	p.LimitOrderPrice = price
	p.PendingQuantity = qty
	p.RetryCount = 0
	st.transition(ctx, p, StateEntryPending, fmt.Sprintf("buy %d @ %.0f submitted", qty, price))
	logger.Trade(ctx, p.Code, string(broker.SideBuy), qty, price, res.OrderID, "mode", x.mode)
}

// ExecuteExit submits a market sell for the full held quantity.
func (x *Executor) ExecuteExit(ctx context.Context, st *State, p *Position, reason ExitReason) {
	x.executeSell(ctx, st, p, reason, p.Quantity)
}

func (x *Executor) executeSell(ctx context.Context, st *State, p *Position, reason ExitReason, qty int) {
	if p.Quantity <= 0 {
		st.transition(ctx, p, StateError, "exit requested with no held quantity")
		return
	}
	if qty <= 0 || qty > p.Quantity {
		qty = p.Quantity
	}

	res, err := x.gw.PlaceOrder(ctx, p.Code, qty, broker.SideSell, 0)
	if err != nil {
		p.RetryCount++
		if p.RetryCount >= x.cfg.Risk.OrderRetryCount {
			st.transition(ctx, p, StateError,
				fmt.Sprintf("exit order failed %d times: %v", p.RetryCount, err))
			x.notifier.Errorf(ctx, x.mode, "%s exit order failed %d times, position needs manual attention", p.Code, p.RetryCount)
			return
		}
		logger.Warn(ctx, "Exit order submit failed, will retry",
			"code", p.Code, "reason", reason, "attempt", p.RetryCount, "error", err)
		return
	}

	p.OrderID = res.OrderID
	p.OrderTime = time.Now()
	p.PendingQuantity = qty
	p.RetryCount = 0
	p.ExitReason = reason
	st.transition(ctx, p, StateExitPending, fmt.Sprintf("sell %d submitted (%s)", qty, reason))
	logger.Trade(ctx, p.Code, string(broker.SideSell), qty, 0, res.OrderID, "mode", x.mode, "reason", string(reason))
}

// ExecuteManualEntry submits an operator-initiated market buy. qty 0 falls
// back to 1/N sizing at the current price.
func (x *Executor) ExecuteManualEntry(ctx context.Context, st *State, p *Position, q broker.Quote, qty int) error {
	if q.CurrentPrice <= 0 {
		return fmt.Errorf("no current price for %s", p.Code)
	}
	if qty <= 0 {
		budget := st.TotalAsset / float64(x.cfg.Risk.MaxPositions)
		qty = int(math.Floor(budget / q.CurrentPrice))
	}
	if qty <= 0 {
		return fmt.Errorf("computed quantity is zero for %s", p.Code)
	}

	res, err := x.gw.PlaceOrder(ctx, p.Code, qty, broker.SideBuy, 0)
	if err != nil {
		return fmt.Errorf("manual buy %s: %w", p.Code, err)
	}

	p.OrderID = res.OrderID
	p.OrderTime = time.Now()
	p.PendingQuantity = qty
	p.RetryCount = 0
	st.forceTransition(ctx, p, StateEntryPending, fmt.Sprintf("manual buy %d submitted", qty))
	logger.Trade(ctx, p.Code, string(broker.SideBuy), qty, q.CurrentPrice, res.OrderID, "mode", x.mode, "manual", true)
	return nil
}

// ExecuteManualExit submits an operator-initiated market sell. qty 0 sells
// the full position.
func (x *Executor) ExecuteManualExit(ctx context.Context, st *State, p *Position, qty int) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("no held quantity for %s", p.Code)
	}
	if qty <= 0 || qty > p.Quantity {
		qty = p.Quantity
	}

	res, err := x.gw.PlaceOrder(ctx, p.Code, qty, broker.SideSell, 0)
	if err != nil {
		return fmt.Errorf("manual sell %s: %w", p.Code, err)
	}

	p.OrderID = res.OrderID
	p.OrderTime = time.Now()
	p.PendingQuantity = qty
	p.RetryCount = 0
	p.ExitReason = ExitManual
	st.forceTransition(ctx, p, StateExitPending, fmt.Sprintf("manual sell %d submitted", qty))
	logger.Trade(ctx, p.Code, string(broker.SideSell), qty, 0, res.OrderID, "mode", x.mode, "manual", true)
	return nil
}

// ConfirmOrder polls fill status for a pending position and advances it.
func (x *Executor) ConfirmOrder(ctx context.Context, st *State, p *Position) {
	if p.OrderID == "" {
		if p.State == StateEntryPending {
			// Interrupted mid-submit; heal back to WATCHING.
			p.PendingQuantity = 0
			st.transition(ctx, p, StateWatching, "pending entry had no order id, reverted")
		}
		return
	}

	status, err := x.gw.GetOrderStatus(ctx, p.OrderID)
	if err != nil {
		logger.Warn(ctx, "Order status poll failed", "code", p.Code, "order_id", p.OrderID, "error", err)
		return
	}

	if status.ExecQty > 0 && status.RemainQty > 0 {
		// Partial fill: absorb what filled, stay pending.
		if p.State == StateEntryPending {
			p.Quantity = status.ExecQty
		}
		p.PendingQuantity = status.RemainQty
		logger.Info(ctx, "Partial fill", "code", p.Code, "order_id", p.OrderID,
			"exec_qty", status.ExecQty, "remain_qty", status.RemainQty)
		return
	}
	if status.RemainQty > 0 || status.ExecQty == 0 {
		return
	}

	switch p.State {
	case StateEntryPending:
		x.settleEntry(ctx, st, p, status)
	case StateExitPending:
		x.settleExit(ctx, st, p, status)
	}
}

func (x *Executor) settleEntry(ctx context.Context, st *State, p *Position, status broker.OrderStatus) {
	p.Quantity = status.ExecQty
	p.PendingQuantity = 0
	p.EntryPrice = status.ExecPrice
	p.EntryTime = time.Now()
	p.OrderID = ""
	st.transition(ctx, p, StateEntered, fmt.Sprintf("filled %d @ %.0f", status.ExecQty, status.ExecPrice))

	x.recordTrade(ctx, p, broker.SideBuy, status.ExecQty, status.ExecPrice, "", 0, 0)
	x.notifier.EntryFilled(ctx, p.Name, status.ExecQty, status.ExecPrice)
}

func (x *Executor) settleExit(ctx context.Context, st *State, p *Position, status broker.OrderStatus) {
	pnl := (status.ExecPrice - p.EntryPrice) * float64(status.ExecQty)
	pnlRate := 0.0
	if p.EntryPrice > 0 {
		pnlRate = (status.ExecPrice - p.EntryPrice) / p.EntryPrice * 100
	}

	p.Quantity -= status.ExecQty
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	p.PendingQuantity = 0
	p.OrderID = ""
	st.DailyPnl += pnl
	st.TotalTrades++
	if pnl >= 0 {
		st.WinningTrades++
	} else {
		st.LosingTrades++
	}

	if p.Quantity > 0 {
		// Partial manual sell: the remainder stays a live position.
		st.transition(ctx, p, StateEntered,
			fmt.Sprintf("sold %d @ %.0f, pnl %+.0f (%+.2f%%) [%s], %d still held",
				status.ExecQty, status.ExecPrice, pnl, pnlRate, p.ExitReason, p.Quantity))
	} else {
		p.ExitTime = time.Now()
		st.transition(ctx, p, StateClosed,
			fmt.Sprintf("sold %d @ %.0f, pnl %+.0f (%+.2f%%) [%s]",
				status.ExecQty, status.ExecPrice, pnl, pnlRate, p.ExitReason))
	}

	x.recordTrade(ctx, p, broker.SideSell, status.ExecQty, status.ExecPrice, string(p.ExitReason), pnl, pnlRate)
	x.notifier.ExitFilled(ctx, p.Name, string(p.ExitReason), status.ExecQty, status.ExecPrice, pnl, pnlRate)
}

// CancelPendingEntry cancels an unfilled entry and skips the symbol. Shares
// that already filled are kept; only the remainder is cancelled.
func (x *Executor) CancelPendingEntry(ctx context.Context, st *State, p *Position, why string) {
	if p.OrderID != "" && p.PendingQuantity > 0 {
		if err := x.gw.CancelOrder(ctx, p.OrderID, p.Code, p.PendingQuantity); err != nil {
			logger.Warn(ctx, "Entry cancel failed", "code", p.Code, "order_id", p.OrderID, "error", err)
			return
		}
	}
	p.OrderID = ""
	p.PendingQuantity = 0
	if p.Quantity > 0 {
		// A partial fill survives the cancel as a live position.
		p.EntryPrice = p.LimitOrderPrice
		p.EntryTime = time.Now()
		st.transition(ctx, p, StateEntered, "partial fill kept after cancel: "+why)
		return
	}
	st.transition(ctx, p, StateSkipped, why)
}

func (x *Executor) recordTrade(ctx context.Context, p *Position, side broker.Side, qty int, price float64, exitReason string, pnl, pnlRate float64) {
	rec := storage.TradeRecord{
		Mode:       x.mode,
		TradeDate:  time.Now().Format("2006-01-02"),
		Code:       p.Code,
		Name:       p.Name,
		Side:       string(side),
		Quantity:   qty,
		Price:      price,
		Amount:     price * float64(qty),
		ExitReason: exitReason,
		Pnl:        pnl,
		PnlRate:    pnlRate,
	}
	if err := x.db.RecordTrade(rec); err != nil {
		logger.ErrorWithErr(ctx, "Trade ledger write failed", err, "code", p.Code)
	}
	if err := tradelog.Append(tradelog.Entry{
		Mode: x.mode, Symbol: p.Code, Name: p.Name, Side: string(side),
		Qty: qty, Price: price, Reason: exitReason, PnL: pnl, PnLRate: pnlRate,
	}); err != nil {
		logger.Warn(ctx, "Trade log write failed", "code", p.Code, "error", err)
	}
}

func enteredCount(st *State) int {
	n := 0
	for _, p := range st.Positions {
		if p.State == StateEntered || p.State == StateExitPending {
			n++
		}
	}
	return n
}
