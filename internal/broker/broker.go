// Package broker defines the brokerage gateway capability the trading engine
// consumes. Implementations live in subpackages (kis for the Korea
// Investment & Securities OpenAPI).
package broker

import "context"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Quote is a point-in-time price snapshot for one symbol.
type Quote struct {
	CurrentPrice float64
	OpenPrice    float64
	HighPrice    float64
	LowPrice     float64
	PrevClose    float64
	ChangeRate   float64
	Volume       int64
	AskPrice     float64
	BidPrice     float64
}

// Holding is one account position as reported by the brokerage.
type Holding struct {
	Name         string
	Quantity     int
	AvgPrice     float64
	CurrentPrice float64
	EvalAmount   float64
	ProfitLoss   float64
	ProfitRate   float64
}

// Balance is the account snapshot.
type Balance struct {
	Holdings  map[string]Holding // keyed by symbol code
	TotalEval float64            // total evaluation incl. deposit
	TotalPnL  float64
	Deposit   float64
	Available float64
}

// OrderResult acknowledges an accepted order.
type OrderResult struct {
	OrderID   string
	OrderTime string
}

// OrderStatus reports fill progress for an order.
type OrderStatus struct {
	OrderID   string
	Code      string
	OrderQty  int
	ExecQty   int
	ExecPrice float64
	RemainQty int
}

// Gateway is the synchronous brokerage capability consumed by the engine.
// Every call must respect ctx cancellation and deadlines; token refresh is
// the implementation's responsibility.
type Gateway interface {
	Authenticate(ctx context.Context) error
	GetQuote(ctx context.Context, code string) (Quote, error)
	GetMarketCap(ctx context.Context, code string) (float64, error)
	GetAccountBalance(ctx context.Context) (Balance, error)
	// PlaceOrder submits a cash order. price 0 means market order.
	PlaceOrder(ctx context.Context, code string, qty int, side Side, price float64) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, code string, qty int) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	// GetIndexQuote returns the current level of a market index (e.g. KOSPI).
	GetIndexQuote(ctx context.Context, indexCode string) (float64, error)
	// GetIndexCloses returns up to n most recent daily closes, oldest first.
	GetIndexCloses(ctx context.Context, indexCode string, n int) ([]float64, error)
}
