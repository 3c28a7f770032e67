package engine

import (
	"context"
	"fmt"

	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/storage"
)

// Status is a point-in-time copy of the engine's observable state, safe to
// hand to an external control layer.
type Status struct {
	Mode          string     `json:"mode"`
	SessionID     string     `json:"session_id"`
	Running       bool       `json:"running"`
	Strategy      string     `json:"strategy"`
	Phase         Phase      `json:"phase"`
	Today         string     `json:"today"`
	TotalAsset    float64    `json:"total_asset"`
	AvailableCash float64    `json:"available_cash"`
	DailyPnl      float64    `json:"daily_pnl"`
	UniverseSize  int        `json:"universe_size"`
	Positions     []Position `json:"positions"`
	TotalTrades   int        `json:"total_trades"`
	WinningTrades int        `json:"winning_trades"`
	LosingTrades  int        `json:"losing_trades"`
	RecentLogs    []LogEntry `json:"recent_logs"`
}

// Status snapshots the engine for operator display.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state
	s := Status{
		Mode:          e.mode,
		SessionID:     e.sessionID,
		Running:       e.running,
		Strategy:      e.strategy.Name(),
		Phase:         st.Phase,
		Today:         st.Today,
		TotalAsset:    st.TotalAsset,
		AvailableCash: st.AvailableCash,
		DailyPnl:      st.DailyPnl,
		UniverseSize:  len(st.Universe),
		TotalTrades:   st.TotalTrades,
		WinningTrades: st.WinningTrades,
		LosingTrades:  st.LosingTrades,
	}
	for _, code := range st.sortedCodes() {
		s.Positions = append(s.Positions, *st.Positions[code])
	}
	tail := 50
	if len(st.Logs) < tail {
		tail = len(st.Logs)
	}
	s.RecentLogs = append(s.RecentLogs, st.Logs[len(st.Logs)-tail:]...)
	return s
}

// ManualBuy forces an entry for a symbol regardless of its current state.
// qty 0 means 1/N auto-sizing. Symbols outside the universe are accepted;
// a position is created on the fly.
func (e *Engine) ManualBuy(ctx context.Context, code string, qty int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cctx, cancel := e.callCtx(ctx)
	q, err := e.gw.GetQuote(cctx, code)
	cancel()
	if err != nil {
		return fmt.Errorf("manual buy %s: quote: %w", code, err)
	}

	p, ok := e.state.Positions[code]
	if !ok {
		p = &Position{Code: code, Name: code, State: StateWatching, PrevClose: q.PrevClose}
		e.state.Positions[code] = p
	}
	if p.State == StateEntryPending || p.State == StateExitPending {
		return fmt.Errorf("manual buy %s: order already pending", code)
	}
	p.CurrentPrice = q.CurrentPrice

	cctx, cancel = e.callCtx(ctx)
	err = e.exec.ExecuteManualEntry(cctx, e.state, p, q, qty)
	cancel()
	if err != nil {
		return err
	}
	e.persist(ctx)
	return nil
}

// ManualSell forces an exit for a held symbol. qty 0 sells everything.
func (e *Engine) ManualSell(ctx context.Context, code string, qty int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.state.Positions[code]
	if !ok {
		return fmt.Errorf("manual sell %s: not tracked", code)
	}
	if p.State == StateEntryPending || p.State == StateExitPending {
		return fmt.Errorf("manual sell %s: order already pending", code)
	}

	cctx, cancel := e.callCtx(ctx)
	err := e.exec.ExecuteManualExit(cctx, e.state, p, qty)
	cancel()
	if err != nil {
		return err
	}
	e.persist(ctx)
	return nil
}

// RefreshPositions reconciles tracked positions against the brokerage
// account: holdings the engine does not know about are adopted as ENTERED
// positions, and held quantities are corrected to what the account reports.
func (e *Engine) RefreshPositions(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cctx, cancel := e.callCtx(ctx)
	bal, err := e.gw.GetAccountBalance(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}

	e.state.TotalAsset = bal.TotalEval
	e.state.AvailableCash = bal.Available

	for code, h := range bal.Holdings {
		if h.Quantity <= 0 {
			continue
		}
		p, ok := e.state.Positions[code]
		if !ok {
			p = &Position{
				Code: code, Name: h.Name, State: StateEntered,
				EntryPrice: h.AvgPrice, Quantity: h.Quantity,
			}
			p.UpdateUnrealized(h.CurrentPrice)
			e.state.Positions[code] = p
			logger.Info(ctx, "Adopted untracked holding", "mode", e.mode,
				"code", code, "quantity", h.Quantity, "avg_price", h.AvgPrice)
			continue
		}
		if p.State == StateEntered && p.Quantity != h.Quantity {
			logger.Warn(ctx, "Held quantity corrected from account", "mode", e.mode,
				"code", code, "tracked", p.Quantity, "account", h.Quantity)
			p.Quantity = h.Quantity
			p.EntryPrice = h.AvgPrice
			p.UpdateUnrealized(h.CurrentPrice)
		}
	}

	e.persist(ctx)
	return nil
}

// BuildUniverse rebuilds the day's universe on operator demand and seeds
// positions for any new members.
func (e *Engine) BuildUniverse(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.buildUniverseLocked(ctx); err != nil {
		return 0, err
	}
	e.seedPositionsLocked(ctx)
	e.persist(ctx)
	return len(e.state.Universe), nil
}

// TradeHistory returns ledger rows for the trailing number of days.
func (e *Engine) TradeHistory(days int) ([]storage.TradeRecord, error) {
	if days <= 0 {
		days = 7
	}
	return e.db.TradeHistory(e.mode, days)
}
