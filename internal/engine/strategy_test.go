package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/store"
)

func gapStrategy(t *testing.T) *GapMomentumStrategy {
	t.Helper()
	cfg := &store.Config{}
	cfg.ApplyDefaults()
	return &GapMomentumStrategy{cfg: cfg}
}

func watching(prevClose float64) *Position {
	return &Position{Code: "005930", Name: "Samsung Electronics", State: StateWatching, PrevClose: prevClose}
}

func TestGapBandPasses(t *testing.T) {
	s := gapStrategy(t)
	p := watching(1000)

	// +3% open is inside the [2%, 5%] band: no disqualification.
	q := broker.Quote{OpenPrice: 1030, CurrentPrice: 1030}
	sig, _ := s.EvaluateEntry(p, q, PhaseEntryWindow)
	assert.NotEqual(t, SignalDisqualify, sig)
	assert.True(t, p.GapChecked)
}

func TestGapBandDisqualifies(t *testing.T) {
	s := gapStrategy(t)

	cases := []struct {
		name string
		open float64
	}{
		{"gap_too_small", 1010}, // +1%
		{"gap_too_large", 1080}, // +8%
		{"gap_down", 950},       // -5%
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := watching(1000)
			q := broker.Quote{OpenPrice: tc.open, CurrentPrice: tc.open}
			sig, reason := s.EvaluateEntry(p, q, PhaseEntryWindow)
			require.Equal(t, SignalDisqualify, sig)
			assert.Contains(t, reason, "gap")
			rate := (tc.open - 1000) / 1000 * 100
			assert.Contains(t, reason, fmt.Sprintf("%.2f", rate))
		})
	}
}

func TestGapCheckIsOneShot(t *testing.T) {
	s := gapStrategy(t)
	p := watching(1000)

	// First tick sees no open yet: hold, gap still unchecked.
	sig, _ := s.EvaluateEntry(p, broker.Quote{CurrentPrice: 1005}, PhaseEntryWindow)
	assert.Equal(t, SignalHold, sig)
	assert.False(t, p.GapChecked)

	// The open arrives and passes; later ticks never re-check the gap even
	// though the struct keeps the recorded open.
	sig, _ = s.EvaluateEntry(p, broker.Quote{OpenPrice: 1030, CurrentPrice: 1030}, PhaseEntryWindow)
	assert.NotEqual(t, SignalDisqualify, sig)
	assert.True(t, p.GapChecked)

	sig, _ = s.EvaluateEntry(p, broker.Quote{OpenPrice: 1030, CurrentPrice: 1002}, PhaseEntryWindow)
	assert.NotEqual(t, SignalDisqualify, sig)
}

func TestPullbackConfirmCount(t *testing.T) {
	s := gapStrategy(t)
	p := watching(1000)
	q := broker.Quote{OpenPrice: 1030, CurrentPrice: 1002} // within 0.3% tolerance

	sig, _ := s.EvaluateEntry(p, q, PhaseEntryWindow)
	assert.Equal(t, SignalHold, sig)
	assert.Equal(t, 1, p.GapConfirms)

	sig, _ = s.EvaluateEntry(p, q, PhaseEntryWindow)
	assert.Equal(t, SignalEnter, sig)
	assert.Equal(t, 2, p.GapConfirms)
}

func TestPullbackConfirmResetsOnLapse(t *testing.T) {
	s := gapStrategy(t)
	p := watching(1000)

	sig, _ := s.EvaluateEntry(p, broker.Quote{OpenPrice: 1030, CurrentPrice: 1002}, PhaseEntryWindow)
	assert.Equal(t, SignalHold, sig)
	assert.Equal(t, 1, p.GapConfirms)

	// Price pops back above the tolerance band: counter resets.
	sig, _ = s.EvaluateEntry(p, broker.Quote{OpenPrice: 1030, CurrentPrice: 1020}, PhaseEntryWindow)
	assert.Equal(t, SignalHold, sig)
	assert.Equal(t, 0, p.GapConfirms)
}

func TestMaxRiseSkips(t *testing.T) {
	s := gapStrategy(t)
	p := watching(1000)

	// +9% run-up is past the 8% chase limit.
	sig, reason := s.EvaluateEntry(p, broker.Quote{OpenPrice: 1030, CurrentPrice: 1090}, PhaseEntryWindow)
	assert.Equal(t, SignalSkip, sig)
	assert.Contains(t, reason, "chase limit")
}

func TestGapStrategyHoldsOutsideEntryWindow(t *testing.T) {
	s := gapStrategy(t)
	p := watching(1000)

	for _, ph := range []Phase{PhaseIdle, PhasePreparing, PhaseMonitoring, PhaseEODClosing, PhaseClosed} {
		sig, _ := s.EvaluateEntry(p, broker.Quote{OpenPrice: 1010, CurrentPrice: 1010}, ph)
		assert.Equal(t, SignalHold, sig, string(ph))
	}
	// The out-of-band gap was never examined outside the window.
	assert.False(t, p.GapChecked)
}

func TestScheduledStrategy(t *testing.T) {
	s := &ScheduledStrategy{}
	p := watching(1000)

	sig, _ := s.EvaluateEntry(p, broker.Quote{CurrentPrice: 1000}, PhaseEntryWindow)
	assert.Equal(t, SignalEnter, sig)

	sig, _ = s.EvaluateEntry(p, broker.Quote{CurrentPrice: 1000}, PhaseMonitoring)
	assert.Equal(t, SignalHold, sig)

	sig, _ = s.EvaluateEntry(p, broker.Quote{}, PhaseEntryWindow)
	assert.Equal(t, SignalHold, sig)
}

func TestNewEntryStrategySelection(t *testing.T) {
	cfg := &store.Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "GAP_MOMENTUM", NewEntryStrategy(cfg).Name())

	cfg.Strategy = "SCHEDULED"
	assert.Equal(t, "SCHEDULED", NewEntryStrategy(cfg).Name())
}
