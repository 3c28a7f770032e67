package engine

import (
	"context"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/store"
)

// kospiIndexCode is the exchange's industry-index code for the KOSPI
// composite.
const kospiIndexCode = "0001"

// MarketFilter gates all entries on broad-market health: the KOSPI index
// must sit at or above its short moving average. On any lookup failure the
// filter falls back to the configured bias; the stock default is ALLOW,
// trading opportunity over caution.
type MarketFilter struct {
	cfg *store.Config
	gw  broker.Gateway
}

func NewMarketFilter(cfg *store.Config, gw broker.Gateway) *MarketFilter {
	return &MarketFilter{cfg: cfg, gw: gw}
}

// Allow reports whether entries may fire this tick.
func (f *MarketFilter) Allow(ctx context.Context) bool {
	if !f.cfg.MarketFilter.Enabled {
		return true
	}

	permissive := f.cfg.MarketFilter.OnError == "ALLOW"

	index, err := f.gw.GetIndexQuote(ctx, kospiIndexCode)
	if err != nil {
		logger.Warn(ctx, "Market filter index lookup failed", "error", err, "fallback_allow", permissive)
		return permissive
	}

	closes, err := f.gw.GetIndexCloses(ctx, kospiIndexCode, f.cfg.MarketFilter.MADays)
	if err != nil || len(closes) == 0 {
		logger.Warn(ctx, "Market filter MA lookup failed", "error", err, "fallback_allow", permissive)
		return permissive
	}

	var sum float64
	for _, c := range closes {
		sum += c
	}
	ma := sum / float64(len(closes))

	allowed := index >= ma
	if !allowed {
		logger.Info(ctx, "Market filter blocking entries", "index", index, "ma", ma, "ma_days", len(closes))
	}
	return allowed
}
