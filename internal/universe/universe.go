// Package universe selects the day's candidate symbols: either a momentum
// scan of the prior session's bars (upper-limit movers) or a user-maintained
// watchlist.
package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Artanis09/mystocks/internal/calendar"
	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/storage"
	"github.com/Artanis09/mystocks/internal/store"
)

// Stock is an immutable universe member, built once per trading day.
type Stock struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	PrevClose  float64 `json:"prev_close"`
	PrevHigh   float64 `json:"prev_high"`
	ChangeRate float64 `json:"change_rate"` // prior-day move, percent
	MarketCap  float64 `json:"market_cap"`  // 억원
	AddedDate  string  `json:"added_date"`
}

// BarSource serves prior-session daily bars by date.
type BarSource interface {
	DailyBars(date string) ([]storage.DailyBar, error)
}

// MarketCapLookup resolves a symbol's market cap; broker.Gateway satisfies it.
type MarketCapLookup interface {
	GetMarketCap(ctx context.Context, code string) (float64, error)
}

// ErrBuildWindowClosed is returned between 16:00 and 18:00 KST, while the
// exchange's end-of-day data is still being finalized.
var ErrBuildWindowClosed = errors.New("universe: build not available between 16:00 and 18:00 KST")

// Builder produces the day's universe.
type Builder struct {
	cfg  *store.Config
	cal  *calendar.Calendar
	bars BarSource
	caps MarketCapLookup
	now  func() time.Time
}

func NewBuilder(cfg *store.Config, cal *calendar.Calendar, bars BarSource, caps MarketCapLookup) *Builder {
	return &Builder{
		cfg:  cfg,
		cal:  cal,
		bars: bars,
		caps: caps,
		now:  func() time.Time { return time.Now().In(calendar.KST) },
	}
}

// WithClock overrides the builder's clock, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// TargetDate picks which session's bars to scan. After 18:00 today's bars
// feed tomorrow's universe; before 16:00 the previous trading day's bars
// feed today's. In between the data is indeterminate.
func (b *Builder) TargetDate() (time.Time, error) {
	now := b.now()
	switch {
	case now.Hour() >= 16 && now.Hour() < 18:
		return time.Time{}, ErrBuildWindowClosed
	case now.Hour() >= 18:
		if b.cal.IsTradingDay(now) {
			return now, nil
		}
		return b.cal.PreviousTradingDay(now), nil
	default:
		return b.cal.PreviousTradingDay(now), nil
	}
}

// Build assembles the universe for today (the AddedDate stamp). The result
// is sorted by market cap descending, which doubles as entry priority.
func (b *Builder) Build(ctx context.Context, today string) ([]Stock, error) {
	if b.cfg.Universe.Source == "WATCHLIST" {
		return b.fromWatchlist(today), nil
	}
	return b.fromBars(ctx, today)
}

func (b *Builder) fromWatchlist(today string) []Stock {
	out := make([]Stock, 0, len(b.cfg.Universe.Watchlist))
	for _, w := range b.cfg.Universe.Watchlist {
		out = append(out, Stock{
			Code:      w.Code,
			Name:      w.Name,
			PrevClose: w.ReferencePrice,
			MarketCap: w.MarketCap,
			AddedDate: today,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketCap > out[j].MarketCap })
	return out
}

func (b *Builder) fromBars(ctx context.Context, today string) ([]Stock, error) {
	target, err := b.TargetDate()
	if err != nil {
		return nil, err
	}
	targetDate := target.Format("2006-01-02")

	bars, err := b.bars.DailyBars(targetDate)
	if err != nil {
		return nil, fmt.Errorf("universe: load bars for %s: %w", targetDate, err)
	}
	logger.Info(ctx, "Universe scan started", "target_date", targetDate, "bars", len(bars))

	var out []Stock
	for _, bar := range bars {
		if bar.ChangeRate < b.cfg.Universe.UpperLimitRate {
			continue
		}

		// Trading value in 억원: close * volume / 1e8.
		tradingValue := bar.Close * float64(bar.Volume) / 1e8
		if tradingValue < b.cfg.Universe.MinTradingValue {
			logger.Debug(ctx, "Universe candidate below trading value floor",
				"code", bar.Code, "name", bar.Name, "trading_value", tradingValue)
			continue
		}

		mcap, err := b.caps.GetMarketCap(ctx, bar.Code)
		if err != nil {
			logger.Warn(ctx, "Market cap lookup failed, candidate dropped",
				"code", bar.Code, "name", bar.Name, "error", err)
			continue
		}
		if mcap < b.cfg.Universe.MinMarketCap {
			logger.Debug(ctx, "Universe candidate below market cap floor",
				"code", bar.Code, "name", bar.Name, "market_cap", mcap)
			continue
		}

		out = append(out, Stock{
			Code:       bar.Code,
			Name:       bar.Name,
			PrevClose:  bar.Close,
			PrevHigh:   bar.High,
			ChangeRate: bar.ChangeRate,
			MarketCap:  mcap,
			AddedDate:  today,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MarketCap > out[j].MarketCap })

	logger.Info(ctx, "Universe scan complete", "target_date", targetDate, "selected", len(out))
	return out, nil
}
