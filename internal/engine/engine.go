// Package engine runs the per-mode trading loop: a single-threaded tick
// cycle that advances every watched symbol's state machine according to the
// current session phase.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/calendar"
	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/notify"
	"github.com/Artanis09/mystocks/internal/storage"
	"github.com/Artanis09/mystocks/internal/store"
	"github.com/Artanis09/mystocks/internal/tradelog"
	"github.com/Artanis09/mystocks/internal/universe"
)

// ErrAlreadyRunning is returned by Start when the loop is already up.
var ErrAlreadyRunning = errors.New("engine: already running")

// stopJoinTimeout bounds how long Stop waits for the loop to wind down.
const stopJoinTimeout = 15 * time.Second

// cooldown is the sleep after a tick panic before the loop resumes.
const cooldown = 10 * time.Second

// Engine drives one trading mode. Mock and real trading get fully
// independent Engine instances: separate state, separate lock, separate
// gateway, separate snapshot row.
type Engine struct {
	mode      string
	cfg       *store.Config
	gw        broker.Gateway
	strategy  EntryStrategy
	filter    *MarketFilter
	exec      *Executor
	db        *storage.Store
	notifier  *notify.Notifier
	cal       *calendar.Calendar
	builder   *universe.Builder
	sessions  Sessions
	sessionID string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	state   *State

	eodSummarized bool

	now func() time.Time
}

// New wires an engine for one mode and restores the last snapshot if it is
// from today; a stale snapshot is discarded for a fresh daily state.
func New(mode string, cfg *store.Config, gw broker.Gateway, db *storage.Store, n *notify.Notifier, cal *calendar.Calendar, builder *universe.Builder) (*Engine, error) {
	sessions, err := SessionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", mode, err)
	}

	e := &Engine{
		mode:      mode,
		cfg:       cfg,
		gw:        gw,
		strategy:  NewEntryStrategy(cfg),
		filter:    NewMarketFilter(cfg, gw),
		exec:      NewExecutor(cfg, gw, db, n, mode),
		db:        db,
		notifier:  n,
		cal:       cal,
		builder:   builder,
		sessions:  sessions,
		sessionID: uuid.New().String(),
		now:       func() time.Time { return time.Now().In(calendar.KST) },
	}

	e.state = e.restoreOrFresh()
	return e, nil
}

func (e *Engine) restoreOrFresh() *State {
	today := e.now().Format("2006-01-02")

	raw, found, err := e.db.LoadSnapshot(e.mode)
	if err != nil {
		logger.Warn(context.Background(), "Snapshot load failed, starting fresh", "mode", e.mode, "error", err)
	} else if found {
		st, err := UnmarshalState(raw)
		if err != nil {
			logger.Warn(context.Background(), "Snapshot decode failed, starting fresh", "mode", e.mode, "error", err)
		} else if st.Today == today {
			logger.Info(context.Background(), "Snapshot restored", "mode", e.mode,
				"positions", len(st.Positions), "universe", len(st.Universe))
			st.SetSink(e.eventSink)
			return st
		} else {
			logger.Info(context.Background(), "Stale snapshot discarded", "mode", e.mode,
				"snapshot_date", st.Today, "today", today)
		}
	}

	st := NewState(e.mode, today)
	st.SetSink(e.eventSink)
	return st
}

// eventSink mirrors audit-tail lines into the durable event log.
func (e *Engine) eventSink(level, code, event, msg string) {
	now := e.now()
	err := e.db.AppendEvent(storage.Event{
		Timestamp: now.Format(time.RFC3339),
		Date:      now.Format("2006-01-02"),
		Mode:      e.mode,
		Level:     level,
		Phase:     string(e.state.Phase),
		Code:      code,
		Event:     event,
		Message:   msg,
	})
	if err != nil {
		logger.Warn(context.Background(), "Event log write failed", "mode", e.mode, "error", err)
	}
}

// Mode returns the engine's trading mode.
func (e *Engine) Mode() string { return e.mode }

// Start launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	logger.Info(ctx, "Engine starting", "mode", e.mode, "session_id", e.sessionID, "strategy", e.strategy.Name())
	e.notifier.EngineStarted(ctx, e.mode)

	go e.run()
	return nil
}

// Stop asks the loop to wind down and waits up to stopJoinTimeout. An
// in-flight gateway call is not interrupted; the loop exits at the next
// iteration boundary.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	done := e.doneCh
	e.mu.Unlock()

	select {
	case <-done:
		logger.Info(ctx, "Engine stopped", "mode", e.mode)
	case <-time.After(stopJoinTimeout):
		logger.Warn(ctx, "Engine stop timed out waiting for loop", "mode", e.mode)
	case <-ctx.Done():
		return ctx.Err()
	}

	e.notifier.EngineStopped(ctx, e.mode)
	return nil
}

// IsRunning reports whether the loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run() {
	defer close(e.doneCh)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		interval := e.safeTick()

		select {
		case <-e.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// safeTick runs one tick and absorbs panics; the loop must outlive any
// single bad tick.
func (e *Engine) safeTick() (interval time.Duration) {
	interval = tickInterval(PhaseIdle)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "Tick panicked, cooling down",
				"mode", e.mode, "panic", fmt.Sprint(r))
			e.notifier.Errorf(context.Background(), e.mode, "tick panicked: %v", r)
			interval = cooldown
		}
	}()
	return e.tick(context.Background())
}

// tick advances the whole state machine once and returns the sleep until
// the next tick.
func (e *Engine) tick(ctx context.Context) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	today := now.Format("2006-01-02")

	if e.state.Today != today {
		logger.Info(ctx, "Day rollover, resetting state", "mode", e.mode,
			"old", e.state.Today, "new", today)
		e.state = NewState(e.mode, today)
		e.state.SetSink(e.eventSink)
		e.eodSummarized = false
	}

	phase := PhaseAt(now, e.cal.IsTradingDay(now), e.sessions)
	if phase != e.state.Phase {
		logger.Info(ctx, "Phase changed", "mode", e.mode,
			"from", string(e.state.Phase), "to", string(phase))
		e.state.appendLog("INFO", "", "PHASE", string(e.state.Phase)+" -> "+string(phase))
		e.state.Phase = phase
	}

	switch phase {
	case PhasePreparing:
		e.handlePreparing(ctx)
	case PhaseEntryWindow:
		e.handleEntryWindow(ctx, now)
	case PhaseMonitoring:
		e.handleMonitoring(ctx, now)
	case PhaseEODClosing:
		e.handleEODClosing(ctx)
	case PhaseClosed:
		e.handleClosed(ctx)
	}

	e.state.LastUpdate = now
	e.persist(ctx)

	return tickInterval(phase)
}

func (e *Engine) persist(ctx context.Context) {
	b, err := e.state.Marshal()
	if err != nil {
		logger.ErrorWithErr(ctx, "Snapshot marshal failed", err, "mode", e.mode)
		return
	}
	if err := e.db.SaveSnapshot(e.mode, b); err != nil {
		logger.ErrorWithErr(ctx, "Snapshot save failed", err, "mode", e.mode)
	}
}

// callCtx bounds one gateway call so a hung broker response cannot stall
// the loop past the configured timeout.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(e.cfg.Broker.RequestTimeoutSec)*time.Second)
}

// handlePreparing refreshes auth and balance, builds the universe once, and
// reconciles any positions restored mid-flight.
func (e *Engine) handlePreparing(ctx context.Context) {
	cctx, cancel := e.callCtx(ctx)
	err := e.gw.Authenticate(cctx)
	cancel()
	if err != nil {
		logger.Warn(ctx, "Pre-open authentication failed", "mode", e.mode, "error", err)
		return
	}

	e.refreshBalanceLocked(ctx)

	if len(e.state.Universe) == 0 {
		if err := e.buildUniverseLocked(ctx); err != nil {
			logger.Warn(ctx, "Universe build failed, will retry", "mode", e.mode, "error", err)
		}
	}
	e.seedPositionsLocked(ctx)

	// A restart mid-order leaves pendings behind; reconcile them now.
	for _, code := range e.state.sortedCodes() {
		p := e.state.Positions[code]
		if p.State == StateEntryPending || p.State == StateExitPending {
			cctx, cancel := e.callCtx(ctx)
			e.exec.ConfirmOrder(cctx, e.state, p)
			cancel()
		}
	}
}

func (e *Engine) refreshBalanceLocked(ctx context.Context) {
	cctx, cancel := e.callCtx(ctx)
	bal, err := e.gw.GetAccountBalance(cctx)
	cancel()
	if err != nil {
		logger.Warn(ctx, "Balance refresh failed", "mode", e.mode, "error", err)
		return
	}
	e.state.TotalAsset = bal.TotalEval
	e.state.AvailableCash = bal.Available
	logger.Debug(ctx, "Balance refreshed", "mode", e.mode,
		"total_asset", bal.TotalEval, "available", bal.Available)
}

func (e *Engine) buildUniverseLocked(ctx context.Context) error {
	stocks, err := e.builder.Build(ctx, e.state.Today)
	if err != nil {
		return err
	}
	e.state.Universe = stocks

	rows := make([]storage.UniverseRow, 0, len(stocks))
	names := make([]string, 0, len(stocks))
	for _, s := range stocks {
		rows = append(rows, storage.UniverseRow{
			Date: s.AddedDate, Code: s.Code, Name: s.Name,
			PrevClose: s.PrevClose, PrevHigh: s.PrevHigh,
			ChangeRate: s.ChangeRate, MarketCap: s.MarketCap,
		})
		names = append(names, s.Name)
	}
	if err := e.db.SaveUniverse(rows); err != nil {
		logger.Warn(ctx, "Universe history save failed", "mode", e.mode, "error", err)
	}

	e.state.appendLog("INFO", "", "UNIVERSE", fmt.Sprintf("built with %d symbols", len(stocks)))
	e.notifier.UniverseBuilt(ctx, e.state.Today, names)
	return nil
}

// seedPositionsLocked creates a WATCHING position for every universe member
// not already tracked. Idempotent across repeated PREPARING ticks.
func (e *Engine) seedPositionsLocked(ctx context.Context) {
	for _, s := range e.state.Universe {
		if _, ok := e.state.Positions[s.Code]; ok {
			continue
		}
		p := NewPosition(s)
		e.state.Positions[s.Code] = p
		logger.Info(ctx, "Watching symbol", "mode", e.mode, "code", s.Code, "name", s.Name,
			"prev_close", s.PrevClose, "change_rate", s.ChangeRate)
	}
}

func (e *Engine) handleEntryWindow(ctx context.Context, now time.Time) {
	cctx, cancel := e.callCtx(ctx)
	entriesAllowed := e.filter.Allow(cctx)
	cancel()

	for _, code := range e.state.sortedCodes() {
		p := e.state.Positions[code]
		switch p.State {
		case StateWatching:
			e.evaluateEntry(ctx, p, entriesAllowed)
		case StateEntryPending:
			e.pollPendingEntry(ctx, p, now)
		case StateExitPending:
			cctx, cancel := e.callCtx(ctx)
			e.exec.ConfirmOrder(cctx, e.state, p)
			cancel()
		}
	}
}

func (e *Engine) evaluateEntry(ctx context.Context, p *Position, entriesAllowed bool) {
	cctx, cancel := e.callCtx(ctx)
	q, err := e.gw.GetQuote(cctx, p.Code)
	cancel()
	if err != nil {
		// Fail closed; the symbol gets another look next tick.
		logger.Warn(ctx, "Quote fetch failed", "mode", e.mode, "code", p.Code, "error", err)
		return
	}
	p.CurrentPrice = q.CurrentPrice

	signal, reason := e.strategy.EvaluateEntry(p, q, e.state.Phase)
	switch signal {
	case SignalEnter:
		if !entriesAllowed {
			logger.Info(ctx, "Entry suppressed by market filter", "mode", e.mode, "code", p.Code)
			return
		}
		cctx, cancel := e.callCtx(ctx)
		e.exec.ExecuteEntry(cctx, e.state, p, q)
		cancel()
	case SignalDisqualify:
		e.state.transition(ctx, p, StateDisqualified, reason)
	case SignalSkip:
		e.state.transition(ctx, p, StateSkipped, reason)
	}
}

// pollPendingEntry confirms fills and enforces the two cancellation rules:
// the absolute pending timeout and the hard cancel-time wall.
func (e *Engine) pollPendingEntry(ctx context.Context, p *Position, now time.Time) {
	cctx, cancel := e.callCtx(ctx)
	e.exec.ConfirmOrder(cctx, e.state, p)
	cancel()
	if p.State != StateEntryPending {
		return
	}

	timeout := time.Duration(e.cfg.Entry.PendingTimeoutSec) * time.Second
	if !p.OrderTime.IsZero() && now.Sub(p.OrderTime) > timeout {
		cctx, cancel := e.callCtx(ctx)
		e.exec.CancelPendingEntry(cctx, e.state, p,
			fmt.Sprintf("unfilled after %ds", e.cfg.Entry.PendingTimeoutSec))
		cancel()
		return
	}

	cancelAt, err := parseHM(e.cfg.Entry.CancelTime)
	if err == nil && now.Hour()*60+now.Minute() >= cancelAt {
		cctx, cancel := e.callCtx(ctx)
		e.exec.CancelPendingEntry(cctx, e.state, p, "unfilled past cancel time "+e.cfg.Entry.CancelTime)
		cancel()
	}
}

func (e *Engine) handleMonitoring(ctx context.Context, now time.Time) {
	e.enforceDailyLossLocked(ctx)

	for _, code := range e.state.sortedCodes() {
		p := e.state.Positions[code]
		switch p.State {
		case StateEntryPending:
			e.pollPendingEntry(ctx, p, now)
		case StateEntered:
			e.evaluateExit(ctx, p)
		case StateExitPending:
			cctx, cancel := e.callCtx(ctx)
			e.exec.ConfirmOrder(cctx, e.state, p)
			cancel()
		}
	}
}

// enforceDailyLossLocked mass-skips remaining WATCHING positions once the
// day's cumulative P&L breaches the configured floor.
func (e *Engine) enforceDailyLossLocked(ctx context.Context) {
	if e.state.TotalAsset <= 0 {
		return
	}
	lossRate := e.state.DailyPnl / e.state.TotalAsset * 100
	if lossRate > e.cfg.Risk.MaxDailyLossPct {
		return
	}

	for _, code := range e.state.sortedCodes() {
		p := e.state.Positions[code]
		if p.State != StateWatching {
			continue
		}
		logger.Risk(ctx, p.Code, "DAILY_LOSS_LIMIT", "mode", e.mode,
			"daily_pnl", e.state.DailyPnl, "loss_rate", lossRate, "floor", e.cfg.Risk.MaxDailyLossPct)
		e.state.transition(ctx, p, StateSkipped,
			fmt.Sprintf("daily loss limit hit: %.2f%% <= %.1f%%", lossRate, e.cfg.Risk.MaxDailyLossPct))
	}
}

// evaluateExit checks TP, then SL, in that priority; EOD is handled by its
// own phase. Exactly one reason fires per tick.
func (e *Engine) evaluateExit(ctx context.Context, p *Position) {
	cctx, cancel := e.callCtx(ctx)
	q, err := e.gw.GetQuote(cctx, p.Code)
	cancel()
	if err != nil {
		logger.Warn(ctx, "Quote fetch failed", "mode", e.mode, "code", p.Code, "error", err)
		return
	}
	p.UpdateUnrealized(q.CurrentPrice)

	var reason ExitReason
	switch {
	case p.UnrealizedPnlRate >= e.cfg.Exit.TakeProfitPct:
		reason = ExitTakeProfit
	case p.UnrealizedPnlRate <= e.cfg.Exit.StopLossPct:
		reason = ExitStopLoss
	default:
		return
	}

	cctx, cancel = e.callCtx(ctx)
	e.exec.ExecuteExit(cctx, e.state, p, reason)
	cancel()
}

func (e *Engine) handleEODClosing(ctx context.Context) {
	for _, code := range e.state.sortedCodes() {
		p := e.state.Positions[code]
		switch p.State {
		case StateEntered:
			cctx, cancel := e.callCtx(ctx)
			e.exec.ExecuteExit(cctx, e.state, p, ExitEndOfDay)
			cancel()
		case StateEntryPending:
			cctx, cancel := e.callCtx(ctx)
			e.exec.CancelPendingEntry(cctx, e.state, p, "session closing")
			cancel()
		case StateExitPending:
			cctx, cancel := e.callCtx(ctx)
			e.exec.ConfirmOrder(cctx, e.state, p)
			cancel()
		}
	}
}

func (e *Engine) handleClosed(ctx context.Context) {
	for _, code := range e.state.sortedCodes() {
		p := e.state.Positions[code]
		if p.State == StateEntered || p.State == StateExitPending {
			logger.Warn(ctx, "Position still open after close", "mode", e.mode,
				"code", p.Code, "state", string(p.State), "quantity", p.Quantity)
		}
	}

	if !e.eodSummarized {
		e.eodSummarized = true
		if path, err := tradelog.SummarizeToday(e.mode); err != nil {
			logger.Warn(ctx, "EOD summary failed", "mode", e.mode, "error", err)
		} else if path != "" {
			logger.Info(ctx, "EOD summary written", "mode", e.mode, "path", path)
		}
	}
}
