package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/core"
	"trading-engine/internal/events"
	"trading-engine/internal/exchange"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
)

type stubOrder struct {
	side core.OrderSide
	qty  float64
	cb   exchange.Callback
	id   core.OrderID
}

type stubAdapter struct {
	mu      sync.Mutex
	orders  []*stubOrder
	cancels int
}

func (a *stubAdapter) Name() string                      { return "stub" }
func (a *stubAdapter) Connect(ctx context.Context) error { return nil }
func (a *stubAdapter) Close() error                      { return nil }

func (a *stubAdapter) SendOrder(sec *core.Security, currency string, qty float64, price *core.ScaledPrice, params core.OrderParams, side core.OrderSide, tif core.TimeInForce, cb exchange.Callback) (core.OrderID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := &stubOrder{side: side, qty: qty, cb: cb, id: core.OrderID(fmt.Sprintf("ord-%d", len(a.orders)+1))}
	a.orders = append(a.orders, o)
	return o.id, nil
}

func (a *stubAdapter) CancelOrder(core.OrderID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return nil
}

func (a *stubAdapter) order(i int) *stubOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orders[i]
}

type testHandler struct {
	BaseHandler
	mu              sync.Mutex
	tradeErr        error
	panicOnTrade    bool
	trades          int
	positionUpdates int
}

func (h *testHandler) OnNewTrade(s *Strategy, trade events.Trade) error {
	h.mu.Lock()
	h.trades++
	h.mu.Unlock()
	if h.panicOnTrade {
		panic("boom")
	}
	return h.tradeErr
}

func (h *testHandler) OnPositionUpdate(s *Strategy, p *position.Position) error {
	h.mu.Lock()
	h.positionUpdates++
	h.mu.Unlock()
	return nil
}

func (h *testHandler) tradeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trades
}

func (h *testHandler) positionUpdateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionUpdates
}

func disabledGate(t *testing.T) *risk.Gate {
	t.Helper()
	gate, err := risk.NewGate(risk.Config{Disabled: true}, core.ProfileRelaxed, time.Now, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return gate
}

func strategySecurity(t *testing.T) *core.Security {
	t.Helper()
	sec, err := core.NewSecurity(core.Symbol{Name: "BTC/USD", Base: "BTC", Quote: "USD"}, 100)
	if err != nil {
		t.Fatalf("NewSecurity: %v", err)
	}
	return sec
}

func newStrategy(t *testing.T, h Handler) (*Strategy, *stubAdapter) {
	t.Helper()
	adapter := &stubAdapter{}
	s := New(Options{
		Name:    "test",
		Profile: core.ProfileRelaxed,
		Gate:    disabledGate(t),
		Adapter: adapter,
		Handler: h,
	})
	return s, adapter
}

func TestHandlerErrorBlocksStrategy(t *testing.T) {
	h := &testHandler{tradeErr: errors.New("strategy logic failed")}
	s, _ := newStrategy(t, h)
	sec := strategySecurity(t)

	s.RaiseNewTrade(events.Trade{Security: sec, Qty: 1})
	if !s.IsBlocked() {
		t.Fatal("strategy not blocked after handler error")
	}
	if s.BlockReason() == "" {
		t.Fatal("no block reason recorded")
	}

	// Blocked strategies drop further events without touching the handler.
	s.RaiseNewTrade(events.Trade{Security: sec, Qty: 2})
	if h.tradeCount() != 1 {
		t.Fatalf("handler invoked %d times, expected 1", h.tradeCount())
	}
}

func TestHandlerPanicBlocksStrategy(t *testing.T) {
	h := &testHandler{panicOnTrade: true}
	s, _ := newStrategy(t, h)

	// Must not propagate: a panic would take down the notification task.
	s.RaiseNewTrade(events.Trade{Security: strategySecurity(t), Qty: 1})
	if !s.IsBlocked() {
		t.Fatal("strategy not blocked after handler panic")
	}
}

func TestPositionLifecycleThroughStrategy(t *testing.T) {
	s, adapter := newStrategy(t, &testHandler{})
	sec := strategySecurity(t)
	price := sec.ScalePrice(100)

	p := s.NewPosition(sec, "BTC", position.Long, 10, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := adapter.order(0)
	o.cb(o.id, "e1", core.OrderStatusFilled, 0, 0, &core.Trade{ID: "t1", Price: price, Qty: 10})

	if !p.IsOpened() || p.OpenedQty() != 10 {
		t.Fatalf("opened=%v qty=%v", p.IsOpened(), p.OpenedQty())
	}
	snaps := s.Snapshots()
	if len(snaps) != 1 || !snaps[0].Opened {
		t.Fatalf("snapshots %+v", snaps)
	}
	if s.Book().Len() != 1 {
		t.Fatalf("book len %d", s.Book().Len())
	}
}

func TestPositionUpdatesReachHandler(t *testing.T) {
	h := &testHandler{}
	adapter := &stubAdapter{}
	d := events.New(events.Options{})
	defer d.Stop()
	d.Activate()

	s := New(Options{
		Name:       "test",
		Profile:    core.ProfileRelaxed,
		Gate:       disabledGate(t),
		Adapter:    adapter,
		Dispatcher: d,
		Handler:    h,
	})
	sec := strategySecurity(t)
	price := sec.ScalePrice(100)

	p := s.NewPosition(sec, "BTC", position.Long, 10, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := adapter.order(0)
	o.cb(o.id, "e1", core.OrderStatusFilled, 0, 0, &core.Trade{ID: "t1", Price: price, Qty: 10})

	deadline := time.Now().Add(2 * time.Second)
	for h.positionUpdateCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("position update never reached the handler")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCloseAll(t *testing.T) {
	s, adapter := newStrategy(t, &testHandler{})
	sec := strategySecurity(t)
	sec.SetLastTrade(time.Now(), sec.ScalePrice(100), 1)
	price := sec.ScalePrice(100)

	// One opened position and one still in flight.
	opened := s.NewPosition(sec, "BTC", position.Long, 10, 0)
	if _, err := opened.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := adapter.order(0)
	o.cb(o.id, "e1", core.OrderStatusFilled, 0, 0, &core.Trade{ID: "t1", Price: price, Qty: 10})

	pending := s.NewPosition(sec, "BTC", position.Long, 5, 0)
	if _, err := pending.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open pending: %v", err)
	}

	n := s.CloseAll(core.CloseTypeEngineStop)
	if n != 2 {
		t.Fatalf("CloseAll acted on %d positions, expected 2", n)
	}
	if !opened.HasActiveCloseOrders() {
		t.Fatal("opened position has no close order working")
	}
	if !pending.IsCancelling() {
		t.Fatal("in-flight position has no cancel scheduled")
	}
}
