// Package tradelog writes human-auditable daily trade files (one JSON line
// per fill) and the end-of-day per-symbol CSV summary. Files are keyed by
// KST calendar date and split by trading mode.
package tradelog

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Artanis09/mystocks/internal/calendar"
)

var mu sync.Mutex

// Entry is one filled order.
type Entry struct {
	Time    string         `json:"time"`
	Mode    string         `json:"mode"`
	Symbol  string         `json:"symbol"`
	Name    string         `json:"name"`
	Side    string         `json:"side"`
	Qty     int            `json:"qty"`
	Price   float64        `json:"price"`
	OrderID string         `json:"order_id"`
	Reason  string         `json:"reason,omitempty"`
	PnL     float64        `json:"pnl,omitempty"`
	PnLRate float64        `json:"pnl_rate,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func logDir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

func kstNow() time.Time { return time.Now().In(calendar.KST) }

func dailyFilepath(t time.Time, mode string) string {
	d := t.Format("2006-01-02")
	return filepath.Join(logDir(), d+"_"+strings.ToLower(mode)+".txt")
}

func eodCSVPath(t time.Time, mode string) string {
	d := t.Format("2006-01-02")
	return filepath.Join(logDir(), "eod", d+"_"+strings.ToLower(mode)+".csv")
}

// Append writes one fill to today's trade file.
func Append(e Entry) error {
	mu.Lock()
	defer mu.Unlock()
	now := kstNow()
	e.Time = now.Format("2006-01-02 15:04:05")
	p := dailyFilepath(now, e.Mode)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, _ := json.Marshal(e)
	_, err = fmt.Fprintln(f, string(b))
	return err
}

type aggRow struct {
	Symbol      string
	BuyQty      int
	BuyValue    float64
	SellQty     int
	SellValue   float64
	RealizedPnL float64
}

// SummarizeDay aggregates a day's trade file into a per-symbol CSV. Returns
// "" with no error when there were no trades.
func SummarizeDay(t time.Time, mode string) (string, error) {
	inPath := dailyFilepath(t, mode)
	if _, err := os.Stat(inPath); err != nil {
		return "", nil
	}
	f, err := os.Open(inPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	aggs := map[string]*aggRow{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		row := aggs[e.Symbol]
		if row == nil {
			row = &aggRow{Symbol: e.Symbol}
			aggs[e.Symbol] = row
		}
		if e.Side == "BUY" {
			row.BuyQty += e.Qty
			row.BuyValue += float64(e.Qty) * e.Price
		}
		if e.Side == "SELL" {
			row.SellQty += e.Qty
			row.SellValue += float64(e.Qty) * e.Price
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if len(aggs) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outPath := eodCSVPath(t, mode)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	w := csv.NewWriter(out)
	defer w.Flush()

	headers := []string{"symbol", "buy_qty", "buy_avg", "sell_qty", "sell_avg", "realized_pnl", "gross_buy_value", "gross_sell_value"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	var totalBuy, totalSell, totalPnL float64
	for _, k := range keys {
		r := aggs[k]
		var buyAvg, sellAvg float64
		if r.BuyQty > 0 {
			buyAvg = r.BuyValue / float64(r.BuyQty)
		}
		if r.SellQty > 0 {
			sellAvg = r.SellValue / float64(r.SellQty)
		}
		matched := r.BuyQty
		if r.SellQty < matched {
			matched = r.SellQty
		}
		r.RealizedPnL = float64(matched) * (sellAvg - buyAvg)
		rec := []string{
			r.Symbol,
			strconv.Itoa(r.BuyQty), fmt.Sprintf("%.2f", buyAvg),
			strconv.Itoa(r.SellQty), fmt.Sprintf("%.2f", sellAvg),
			fmt.Sprintf("%.0f", r.RealizedPnL),
			fmt.Sprintf("%.0f", r.BuyValue), fmt.Sprintf("%.0f", r.SellValue),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
		totalBuy += r.BuyValue
		totalSell += r.SellValue
		totalPnL += r.RealizedPnL
	}
	_ = w.Write([]string{"TOTAL", "", "", "", "", fmt.Sprintf("%.0f", totalPnL), fmt.Sprintf("%.0f", totalBuy), fmt.Sprintf("%.0f", totalSell)})
	return outPath, nil
}

// SummarizeToday runs the EOD summary for today's KST date.
func SummarizeToday(mode string) (string, error) { return SummarizeDay(kstNow(), mode) }

// CompressOlder gzips trade files older than the retention window.
func CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	root := logDir()
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, er := os.Stat(p)
		if er != nil {
			return nil
		}
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		if _, e2 := os.Stat(gz); e2 == nil {
			_ = os.Remove(p)
			return nil
		}
		in, e3 := os.Open(p)
		if e3 != nil {
			return nil
		}
		defer in.Close()
		out, e4 := os.OpenFile(gz, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if e4 != nil {
			return nil
		}
		gw := gzip.NewWriter(out)
		if _, e5 := io.Copy(gw, in); e5 == nil {
			_ = gw.Close()
			_ = out.Close()
			_ = os.Remove(p)
		} else {
			_ = gw.Close()
			_ = out.Close()
		}
		return nil
	})
}
