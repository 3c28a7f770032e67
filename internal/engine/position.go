package engine

import (
	"time"

	"github.com/Artanis09/mystocks/internal/universe"
)

// PositionState is the per-symbol lifecycle state.
type PositionState string

const (
	StateIdle         PositionState = "IDLE"
	StateWatching     PositionState = "WATCHING"
	StateEntryPending PositionState = "ENTRY_PENDING"
	StateEntered      PositionState = "ENTERED"
	StateExitPending  PositionState = "EXIT_PENDING"
	StateClosed       PositionState = "CLOSED"
	StateSkipped      PositionState = "SKIPPED"
	StateDisqualified PositionState = "DISQUALIFIED"
	StateError        PositionState = "ERROR"
)

// Terminal reports whether the state ends the automatic lifecycle. Only the
// manual-override paths may pull a position back out of a terminal state.
func (s PositionState) Terminal() bool {
	switch s {
	case StateClosed, StateSkipped, StateDisqualified, StateError:
		return true
	}
	return false
}

// ExitReason labels why a sell was fired.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TP"
	ExitStopLoss   ExitReason = "SL"
	ExitEndOfDay   ExitReason = "EOD"
	ExitManual     ExitReason = "MANUAL"
)

// Position tracks one watched symbol through the day. All fields are guarded
// by the owning engine's mutex; the struct itself has no locking.
type Position struct {
	Code string `json:"code"`
	Name string `json:"name"`

	State PositionState `json:"state"`

	PrevClose    float64 `json:"prev_close"`
	PrevHigh     float64 `json:"prev_high"`
	OpenPrice    float64 `json:"open_price"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`

	Quantity        int `json:"quantity"`
	PendingQuantity int `json:"pending_quantity"`

	OrderID         string    `json:"order_id"`
	OrderTime       time.Time `json:"order_time"`
	LimitOrderPrice float64   `json:"limit_order_price"`
	RetryCount      int       `json:"retry_count"`

	UnrealizedPnl     float64 `json:"unrealized_pnl"`
	UnrealizedPnlRate float64 `json:"unrealized_pnl_rate"`

	// GapConfirms counts consecutive ticks the entry trigger has held; it
	// resets to zero whenever the trigger lapses.
	GapConfirms int  `json:"gap_confirms"`
	GapChecked  bool `json:"gap_checked"`

	EntryTime    time.Time  `json:"entry_time"`
	ExitTime     time.Time  `json:"exit_time"`
	ExitReason   ExitReason `json:"exit_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// NewPosition seeds a WATCHING position from a universe member.
func NewPosition(s universe.Stock) *Position {
	return &Position{
		Code:      s.Code,
		Name:      s.Name,
		State:     StateWatching,
		PrevClose: s.PrevClose,
		PrevHigh:  s.PrevHigh,
	}
}

// UpdateUnrealized recomputes mark-to-market P&L while a position is held.
func (p *Position) UpdateUnrealized(current float64) {
	p.CurrentPrice = current
	if p.EntryPrice <= 0 || p.Quantity <= 0 {
		p.UnrealizedPnl = 0
		p.UnrealizedPnlRate = 0
		return
	}
	p.UnrealizedPnl = (current - p.EntryPrice) * float64(p.Quantity)
	p.UnrealizedPnlRate = (current - p.EntryPrice) / p.EntryPrice * 100
}
