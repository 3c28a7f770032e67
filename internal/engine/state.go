package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/universe"
)

// logRingSize bounds the in-memory log tail kept inside the state snapshot.
const logRingSize = 500

// LogEntry is one line of the state's audit tail.
type LogEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Code    string `json:"code,omitempty"`
	Event   string `json:"event"`
	Message string `json:"message"`
}

// State is the whole mutable strategy state for one trading mode. It is
// guarded by the owning engine's mutex and serialized wholesale to the
// snapshot store after every tick.
type State struct {
	Mode  string `json:"mode"`
	Today string `json:"today"`
	Phase Phase  `json:"phase"`

	TotalAsset    float64 `json:"total_asset"`
	AvailableCash float64 `json:"available_cash"`
	DailyPnl      float64 `json:"daily_pnl"`

	Universe  []universe.Stock     `json:"universe"`
	Positions map[string]*Position `json:"positions"`

	TotalTrades   int `json:"total_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`

	Logs       []LogEntry `json:"logs"`
	LastUpdate time.Time  `json:"last_update"`

	// sink mirrors transition logs into durable storage; not serialized.
	sink func(level, code, event, msg string)
}

// NewState builds a fresh empty state for a mode and date.
func NewState(mode, today string) *State {
	return &State{
		Mode:      mode,
		Today:     today,
		Phase:     PhaseIdle,
		Positions: map[string]*Position{},
	}
}

// SetSink installs the durable event mirror. Must be re-installed after a
// snapshot restore since it does not serialize.
func (st *State) SetSink(f func(level, code, event, msg string)) { st.sink = f }

// transition moves a position to a new state with logging and the terminal
// guard: once a position lands in a terminal state the automatic machinery
// can never move it again. Manual overrides use forceTransition.
func (st *State) transition(ctx context.Context, p *Position, to PositionState, reason string) {
	if p.State.Terminal() {
		logger.Warn(ctx, "Transition out of terminal state refused",
			"code", p.Code, "from", string(p.State), "to", string(to), "reason", reason)
		return
	}
	st.applyTransition(ctx, p, to, reason)
}

// forceTransition bypasses the terminal guard for operator intervention.
func (st *State) forceTransition(ctx context.Context, p *Position, to PositionState, reason string) {
	st.applyTransition(ctx, p, to, reason)
}

func (st *State) applyTransition(ctx context.Context, p *Position, to PositionState, reason string) {
	from := p.State
	p.State = to
	switch to {
	case StateSkipped, StateDisqualified, StateError:
		p.ErrorMessage = reason
	}
	logger.Transition(ctx, p.Code, string(from), string(to), reason)
	st.appendLog("INFO", p.Code, "TRANSITION", string(from)+" -> "+string(to)+": "+reason)
}

// appendLog pushes one line onto the bounded audit tail and mirrors it to
// the durable sink.
func (st *State) appendLog(level, code, event, msg string) {
	st.Logs = append(st.Logs, LogEntry{
		Time:    time.Now().Format("2006-01-02 15:04:05"),
		Level:   level,
		Code:    code,
		Event:   event,
		Message: msg,
	})
	if len(st.Logs) > logRingSize {
		st.Logs = st.Logs[len(st.Logs)-logRingSize:]
	}
	if st.sink != nil {
		st.sink(level, code, event, msg)
	}
}

// sortedCodes returns position keys in deterministic order; phase handlers
// iterate positions this way so runs are reproducible.
func (st *State) sortedCodes() []string {
	codes := make([]string, 0, len(st.Positions))
	for c := range st.Positions {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Marshal serializes the state for the snapshot store.
func (st *State) Marshal() ([]byte, error) {
	return json.Marshal(st)
}

// UnmarshalState rebuilds a state from a stored snapshot.
func UnmarshalState(b []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	if st.Positions == nil {
		st.Positions = map[string]*Position{}
	}
	return &st, nil
}
