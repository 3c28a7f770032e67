package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Artanis09/mystocks/internal/broker"
	"github.com/Artanis09/mystocks/internal/calendar"
	"github.com/Artanis09/mystocks/internal/notify"
	"github.com/Artanis09/mystocks/internal/storage"
	"github.com/Artanis09/mystocks/internal/store"
	"github.com/Artanis09/mystocks/internal/universe"
)

type placedOrder struct {
	Code  string
	Qty   int
	Side  broker.Side
	Price float64
}

// fakeGateway is an in-memory broker.Gateway for tests.
type fakeGateway struct {
	mu sync.Mutex

	authErr error

	quotes   map[string]broker.Quote
	quoteErr error

	marketCaps map[string]float64
	capErr     error

	balance    broker.Balance
	balanceErr error

	placed        []placedOrder
	placeFailures int // fail this many placements before succeeding
	placeErr      error
	nextOrderSeq  int

	statuses  map[string]broker.OrderStatus
	statusErr error

	cancelled []string
	cancelErr error

	indexQuote  float64
	indexCloses []float64
	indexErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		quotes:     map[string]broker.Quote{},
		marketCaps: map[string]float64{},
		statuses:   map[string]broker.OrderStatus{},
		balance:    broker.Balance{Holdings: map[string]broker.Holding{}, TotalEval: 10_000_000, Available: 10_000_000},
	}
}

func (g *fakeGateway) Authenticate(ctx context.Context) error { return g.authErr }

func (g *fakeGateway) GetQuote(ctx context.Context, code string) (broker.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.quoteErr != nil {
		return broker.Quote{}, g.quoteErr
	}
	q, ok := g.quotes[code]
	if !ok {
		return broker.Quote{}, errors.New("no quote for " + code)
	}
	return q, nil
}

func (g *fakeGateway) GetMarketCap(ctx context.Context, code string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.capErr != nil {
		return 0, g.capErr
	}
	return g.marketCaps[code], nil
}

func (g *fakeGateway) GetAccountBalance(ctx context.Context) (broker.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return broker.Balance{}, g.balanceErr
	}
	return g.balance, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, code string, qty int, side broker.Side, price float64) (broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeFailures > 0 {
		g.placeFailures--
		return broker.OrderResult{}, errors.New("order rejected")
	}
	if g.placeErr != nil {
		return broker.OrderResult{}, g.placeErr
	}
	g.nextOrderSeq++
	id := fmt.Sprintf("ORD-%04d", g.nextOrderSeq)
	g.placed = append(g.placed, placedOrder{Code: code, Qty: qty, Side: side, Price: price})
	return broker.OrderResult{OrderID: id, OrderTime: "090001"}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, orderID, code string, qty int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return broker.OrderStatus{}, g.statusErr
	}
	s, ok := g.statuses[orderID]
	if !ok {
		return broker.OrderStatus{OrderID: orderID}, nil
	}
	return s, nil
}

func (g *fakeGateway) GetIndexQuote(ctx context.Context, indexCode string) (float64, error) {
	if g.indexErr != nil {
		return 0, g.indexErr
	}
	return g.indexQuote, nil
}

func (g *fakeGateway) GetIndexCloses(ctx context.Context, indexCode string, n int) ([]float64, error) {
	if g.indexErr != nil {
		return nil, g.indexErr
	}
	return g.indexCloses, nil
}

// lastOrderID returns the id of the most recently accepted order.
func (g *fakeGateway) lastOrderID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("ORD-%04d", g.nextOrderSeq)
}

// fill marks an order fully executed at the given price.
func (g *fakeGateway) fill(orderID string, qty int, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[orderID] = broker.OrderStatus{OrderID: orderID, ExecQty: qty, ExecPrice: price, RemainQty: 0}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func testConfig() *store.Config {
	cfg := &store.Config{}
	cfg.Modes = []string{"MOCK"}
	cfg.ApplyDefaults()
	cfg.MarketFilter.Enabled = false
	return cfg
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// kstDay is the canonical test trading day (a Tuesday).
func kstDay(hh, mm int) time.Time {
	return time.Date(2025, 7, 1, hh, mm, 0, 0, calendar.KST)
}

// newTestEngine wires an engine against the fake gateway with a controllable
// clock pinned to the canonical test day.
func newTestEngine(t *testing.T, cfg *store.Config, gw *fakeGateway) (*Engine, *fakeClock, *storage.Store) {
	t.Helper()
	db := testStore(t)
	cal := calendar.New(nil)
	clock := &fakeClock{t: kstDay(8, 45)}

	builder := universe.NewBuilder(cfg, cal, db, gw).WithClock(clock.Now)
	e, err := New("MOCK", cfg, gw, db, notify.NewNotifier(""), cal, builder)
	require.NoError(t, err)

	e.now = clock.Now
	e.state = NewState("MOCK", clock.Now().Format("2006-01-02"))
	e.state.SetSink(e.eventSink)
	return e, clock, db
}
