package engine

import (
	"fmt"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/store"
)

// Signal is an entry strategy's verdict for one WATCHING position this tick.
type Signal int

const (
	// SignalHold means no action; re-evaluate next tick.
	SignalHold Signal = iota
	// SignalEnter fires the entry order.
	SignalEnter
	// SignalDisqualify permanently drops the symbol for the day.
	SignalDisqualify
	// SignalSkip drops the symbol without the disqualification stigma, e.g.
	// when the price has already run away.
	SignalSkip
)

// EntryStrategy decides when a WATCHING position should fire its entry.
// Implementations mutate only the position's signal bookkeeping fields.
type EntryStrategy interface {
	Name() string
	EvaluateEntry(p *Position, q broker.Quote, phase Phase) (Signal, string)
}

// NewEntryStrategy selects the configured strategy.
func NewEntryStrategy(cfg *store.Config) EntryStrategy {
	if cfg.Strategy == "SCHEDULED" {
		return &ScheduledStrategy{}
	}
	return &GapMomentumStrategy{cfg: cfg}
}

// GapMomentumStrategy enters prior-day movers that open with a moderate gap
// and pull back toward the previous close.
//
// The gap check is one-shot: the first tick that sees a real opening price
// decides pass or disqualify, and a failed gap is never re-examined. The
// pullback trigger must then hold for a configured number of consecutive
// ticks before the entry fires.
type GapMomentumStrategy struct {
	cfg *store.Config
}

func (s *GapMomentumStrategy) Name() string { return "GAP_MOMENTUM" }

func (s *GapMomentumStrategy) EvaluateEntry(p *Position, q broker.Quote, phase Phase) (Signal, string) {
	if phase != PhaseEntryWindow {
		return SignalHold, ""
	}
	if p.PrevClose <= 0 {
		return SignalDisqualify, "no previous close on record"
	}

	if p.OpenPrice == 0 {
		if q.OpenPrice <= 0 {
			// Quote has no open yet; fail closed and retry next tick.
			return SignalHold, ""
		}
		p.OpenPrice = q.OpenPrice
	}

	if !p.GapChecked {
		p.GapChecked = true
		gapRate := (p.OpenPrice - p.PrevClose) / p.PrevClose * 100
		if gapRate < s.cfg.Entry.GapMinPct || gapRate > s.cfg.Entry.GapMaxPct {
			return SignalDisqualify, fmt.Sprintf("gap %.2f%% outside [%.1f%%, %.1f%%]",
				gapRate, s.cfg.Entry.GapMinPct, s.cfg.Entry.GapMaxPct)
		}
	}

	if q.CurrentPrice <= 0 {
		return SignalHold, ""
	}

	riseRate := (q.CurrentPrice - p.PrevClose) / p.PrevClose * 100
	if riseRate > s.cfg.Entry.MaxRisePct {
		return SignalSkip, fmt.Sprintf("already up %.2f%%, past the %.1f%% chase limit",
			riseRate, s.cfg.Entry.MaxRisePct)
	}

	// Pullback trigger: price at or below prev close plus tolerance, held
	// for ConfirmCount consecutive ticks to suppress single-tick noise.
	if q.CurrentPrice <= p.PrevClose*(1+s.cfg.Entry.ToleranceRate/100) {
		p.GapConfirms++
		if p.GapConfirms >= s.cfg.Entry.ConfirmCount {
			return SignalEnter, fmt.Sprintf("pullback held %d ticks at %.0f", p.GapConfirms, q.CurrentPrice)
		}
		return SignalHold, ""
	}
	p.GapConfirms = 0
	return SignalHold, ""
}

// ScheduledStrategy enters every watched symbol the moment the entry window
// opens. It serves user-curated watchlists where selection already happened
// upstream.
type ScheduledStrategy struct{}

func (s *ScheduledStrategy) Name() string { return "SCHEDULED" }

func (s *ScheduledStrategy) EvaluateEntry(p *Position, q broker.Quote, phase Phase) (Signal, string) {
	if phase != PhaseEntryWindow {
		return SignalHold, ""
	}
	if q.CurrentPrice <= 0 {
		return SignalHold, ""
	}
	return SignalEnter, "entry window open"
}
