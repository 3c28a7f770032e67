package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Artanis09/mystocks/internal/store"
)

// Phase is the strategy clock's output: which handler runs this tick.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhasePreparing   Phase = "PREPARING"
	PhaseEntryWindow Phase = "ENTRY_WINDOW"
	PhaseMonitoring  Phase = "MONITORING"
	PhaseEODClosing  Phase = "EOD_CLOSING"
	PhaseClosed      Phase = "CLOSED"
)

// Sessions holds the day's phase boundaries as minutes since midnight KST.
type Sessions struct {
	PreparingStart int
	Open           int
	EntryEnd       int
	EODStart       int
	Close          int
}

func parseHM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: out of range", s)
	}
	return h*60 + m, nil
}

// SessionsFromConfig resolves the configured HH:MM boundaries.
func SessionsFromConfig(cfg *store.Config) (Sessions, error) {
	var s Sessions
	var err error
	if s.PreparingStart, err = parseHM(cfg.Session.PreparingStart); err != nil {
		return s, err
	}
	if s.Open, err = parseHM(cfg.Session.Open); err != nil {
		return s, err
	}
	if s.EntryEnd, err = parseHM(cfg.Session.EntryEnd); err != nil {
		return s, err
	}
	if s.EODStart, err = parseHM(cfg.Session.EODStart); err != nil {
		return s, err
	}
	if s.Close, err = parseHM(cfg.Session.Close); err != nil {
		return s, err
	}
	if !(s.PreparingStart < s.Open && s.Open < s.EntryEnd && s.EntryEnd < s.EODStart && s.EODStart < s.Close) {
		return s, fmt.Errorf("session boundaries must be strictly increasing")
	}
	return s, nil
}

// PhaseAt maps a wall-clock instant to a phase. tradingDay is false on
// weekends and holidays, which forces IDLE for the whole day.
func PhaseAt(now time.Time, tradingDay bool, s Sessions) Phase {
	if !tradingDay {
		return PhaseIdle
	}
	minute := now.Hour()*60 + now.Minute()
	switch {
	case minute < s.PreparingStart:
		return PhaseIdle
	case minute < s.Open:
		return PhasePreparing
	case minute < s.EntryEnd:
		return PhaseEntryWindow
	case minute < s.EODStart:
		return PhaseMonitoring
	case minute < s.Close:
		return PhaseEODClosing
	default:
		return PhaseClosed
	}
}

// tickInterval is the loop's sleep per phase: tight in the entry window,
// relaxed when nothing can happen.
func tickInterval(ph Phase) time.Duration {
	switch ph {
	case PhaseEntryWindow:
		return 1 * time.Second
	case PhaseEODClosing:
		return 2 * time.Second
	case PhaseMonitoring:
		return 3 * time.Second
	case PhasePreparing:
		return 5 * time.Second
	default:
		return 30 * time.Second
	}
}
