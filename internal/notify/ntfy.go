// Package notify delivers push notifications for key trading lifecycle
// events via ntfy.sh. Delivery is best-effort: failures are logged and never
// surface to the trading loop.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Artanis09/mystocks/internal/logger"
)

// Notifier posts to a single ntfy topic. A zero-value topic URL disables it.
type Notifier struct {
	topicURL   string
	httpClient *http.Client
	enabled    bool
}

func NewNotifier(topicURL string) *Notifier {
	return &Notifier{
		topicURL:   topicURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		enabled:    topicURL != "",
	}
}

// IsEnabled returns true when a topic URL is configured.
func (n *Notifier) IsEnabled() bool {
	return n.enabled
}

func (n *Notifier) send(ctx context.Context, title, message, priority string, tags ...string) {
	if !n.enabled {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.topicURL, strings.NewReader(message))
	if err != nil {
		logger.Warn(ctx, "Notification build failed", "title", title, "error", err)
		return
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		logger.Warn(ctx, "Notification delivery failed", "title", title, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn(ctx, "Notification rejected", "title", title, "status", resp.StatusCode)
	}
}

// UniverseBuilt announces the day's candidate list.
func (n *Notifier) UniverseBuilt(ctx context.Context, day string, names []string) {
	list := strings.Join(names, ", ")
	if len(names) > 10 {
		list = strings.Join(names[:10], ", ") + fmt.Sprintf(" +%d more", len(names)-10)
	}
	n.send(ctx, "🎯 Universe built",
		fmt.Sprintf("[%s] watching %d symbols\n%s", day, len(names), list),
		"default", "chart_with_upwards_trend", "stock")
}

// EntryFilled announces a completed buy.
func (n *Notifier) EntryFilled(ctx context.Context, name string, qty int, price float64) {
	n.send(ctx, "✅ Entry filled",
		fmt.Sprintf("[%s] %d shares @ %.0f KRW", name, qty, price),
		"high", "white_check_mark", "moneybag")
}

// ExitFilled announces a completed sell with its realized result.
func (n *Notifier) ExitFilled(ctx context.Context, name, reason string, qty int, price, pnl, pnlRate float64) {
	emoji := "🎉"
	tag := "chart_with_upwards_trend"
	if pnl < 0 {
		emoji = "😢"
		tag = "chart_with_downwards_trend"
	}
	priority := "default"
	if pnlRate >= 5 || pnlRate <= -5 {
		priority = "high"
	}
	n.send(ctx, fmt.Sprintf("%s Exit filled (%s)", emoji, reason),
		fmt.Sprintf("[%s] %d shares @ %.0f KRW\nP&L: %+.0f KRW (%+.2f%%)", name, qty, price, pnl, pnlRate),
		priority, tag, "money_with_wings")
}

// EngineStarted announces the loop coming up.
func (n *Notifier) EngineStarted(ctx context.Context, mode string) {
	n.send(ctx, "🚀 Trading engine started", "mode: "+mode, "default", "rocket")
}

// Errorf announces an engine-level error condition.
func (n *Notifier) Errorf(ctx context.Context, mode, format string, args ...any) {
	n.send(ctx, "⚠️ Engine error", "["+mode+"] "+fmt.Sprintf(format, args...), "high", "warning")
}

// EngineStopped announces the loop going down.
func (n *Notifier) EngineStopped(ctx context.Context, mode string) {
	n.send(ctx, "⏹️ Trading engine stopped", "mode: "+mode, "default", "stop_button")
}
