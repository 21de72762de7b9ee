package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/core"
	"trading-engine/internal/dropcopy"
	"trading-engine/internal/exchange"
	"trading-engine/internal/risk"
)

type sentOrder struct {
	side  core.OrderSide
	qty   float64
	price *core.ScaledPrice
	cb    exchange.Callback
	id    core.OrderID
}

// fakeAdapter records submissions and lets the test drive callbacks by hand.
// Callbacks are never invoked from inside SendOrder: the real gateway reports
// asynchronously and the strategy lock is held during submission.
type fakeAdapter struct {
	mu       sync.Mutex
	orders   []*sentOrder
	cancels  []core.OrderID
	failNext bool
}

func (a *fakeAdapter) Name() string                      { return "fake" }
func (a *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (a *fakeAdapter) Close() error                      { return nil }

func (a *fakeAdapter) SendOrder(sec *core.Security, currency string, qty float64, price *core.ScaledPrice, params core.OrderParams, side core.OrderSide, tif core.TimeInForce, cb exchange.Callback) (core.OrderID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext {
		a.failNext = false
		return "", errors.New("link down")
	}
	o := &sentOrder{
		side:  side,
		qty:   qty,
		price: price,
		cb:    cb,
		id:    core.OrderID(fmt.Sprintf("ord-%d", len(a.orders)+1)),
	}
	a.orders = append(a.orders, o)
	return o.id, nil
}

func (a *fakeAdapter) CancelOrder(id core.OrderID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, id)
	return nil
}

func (a *fakeAdapter) order(i int) *sentOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orders[i]
}

func (a *fakeAdapter) orderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

func (a *fakeAdapter) cancelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cancels)
}

type fakeTrader struct {
	lk      core.Locker
	gate    *risk.Gate
	adapter *fakeAdapter
	now     time.Time

	registered []*Position
	changes    int
}

func (t *fakeTrader) Name() string                     { return "test" }
func (t *fakeTrader) Locker() core.Locker              { return t.lk }
func (t *fakeTrader) Gate() *risk.Gate                 { return t.gate }
func (t *fakeTrader) RiskScope() risk.Scope            { return t.gate.GlobalScope() }
func (t *fakeTrader) Adapter() exchange.Adapter        { return t.adapter }
func (t *fakeTrader) DropCopy() dropcopy.DropCopy      { return dropcopy.Nop{} }
func (t *fakeTrader) Now() time.Time                   { return t.now }
func (t *fakeTrader) Register(p *Position)             { t.registered = append(t.registered, p) }
func (t *fakeTrader) OnPositionStateChanged(*Position) { t.changes++ }

func newFixture(t *testing.T) (*fakeTrader, *Book, *core.Security) {
	t.Helper()
	gate, err := risk.NewGate(risk.Config{Disabled: true}, core.ProfileRelaxed, time.Now, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	sec, err := core.NewSecurity(core.Symbol{Name: "BTC/USD", Base: "BTC", Quote: "USD"}, 100)
	if err != nil {
		t.Fatalf("NewSecurity: %v", err)
	}
	trader := &fakeTrader{
		lk:      core.NewLocker(core.ProfileRelaxed),
		gate:    gate,
		adapter: &fakeAdapter{},
		now:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	return trader, NewBook(), sec
}

func fill(o *sentOrder, tradeID string, price core.ScaledPrice, qty, remaining float64) {
	status := core.OrderStatusFilled
	if remaining > 0 {
		status = core.OrderStatusFilledPartially
	}
	o.cb(o.id, "exec-"+tradeID, status, remaining, 0, &core.Trade{
		ID:    tradeID,
		Time:  time.Now(),
		Price: price,
		Qty:   qty,
	})
}

func TestOpenLong(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	id, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id == "" {
		t.Fatal("empty order ID")
	}
	o := trader.adapter.order(0)
	if o.side != core.SideBuy || o.qty != 100 || o.price == nil || *o.price != price {
		t.Fatalf("submitted side=%v qty=%v price=%v", o.side, o.qty, o.price)
	}
	if p.IsOpened() {
		t.Fatal("opened before any fill")
	}
	if len(trader.registered) != 1 {
		t.Fatalf("registered %d times, expected 1", len(trader.registered))
	}

	fill(o, "t1", price, 100, 0)

	if !p.IsOpened() {
		t.Fatal("not opened after full fill")
	}
	if p.OpenedQty() != 100 || p.ActiveQty() != 100 || p.ClosedQty() != 0 {
		t.Fatalf("opened=%v active=%v closed=%v", p.OpenedQty(), p.ActiveQty(), p.ClosedQty())
	}
	if p.OpenPrice() != price {
		t.Fatalf("open price %v, expected %v", p.OpenPrice(), price)
	}
	if p.HasActiveOrders() {
		t.Fatal("order still active after terminal fill")
	}
	if p.OpenTime().IsZero() {
		t.Fatal("open time not stamped")
	}
}

func TestSplitFillEqualsSingleFill(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)

	single := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := single.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fill(trader.adapter.order(0), "t1", sec.ScalePrice(100.6), 100, 0)

	split := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := split.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := trader.adapter.order(1)
	fill(o, "t2", sec.ScalePrice(100), 40, 60)
	if split.IsOpened() {
		t.Fatal("opened while order still working")
	}
	fill(o, "t3", sec.ScalePrice(101), 60, 0)

	if split.OpenedQty() != single.OpenedQty() {
		t.Fatalf("split opened %v, single opened %v", split.OpenedQty(), single.OpenedQty())
	}
	// 40 @ 100.00 and 60 @ 101.00 average to the single fill's 100.60.
	if split.OpenPrice() != single.OpenPrice() {
		t.Fatalf("split vwap %v, single price %v", split.OpenPrice(), single.OpenPrice())
	}
}

func TestTerminalRedeliveryIgnored(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(50)

	p := New(trader, book, sec, "BTC", Long, 10, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := trader.adapter.order(0)
	fill(o, "t1", price, 10, 0)
	fill(o, "t1", price, 10, 0) // venue redelivery of the same report

	if p.OpenedQty() != 10 {
		t.Fatalf("opened %v after redelivery, expected 10", p.OpenedQty())
	}
}

func TestLifecycleProtocol(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)

	p := New(trader, book, sec, "BTC", Long, 100, 0)

	if _, err := p.Close(core.CloseTypeRequest, &price, core.TIFGoodTillCancel, core.OrderParams{}); !errors.Is(err, ErrNotOpened) {
		t.Fatalf("close before open: %v, expected ErrNotOpened", err)
	}

	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second open: %v, expected ErrAlreadyStarted", err)
	}
	if _, err := p.Close(core.CloseTypeRequest, &price, core.TIFGoodTillCancel, core.OrderParams{}); !errors.Is(err, ErrNotOpened) {
		t.Fatalf("close while open in flight: %v, expected ErrNotOpened", err)
	}

	fill(trader.adapter.order(0), "t1", price, 100, 0)

	if _, err := p.Close(core.CloseTypeRequest, &price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Close(core.CloseTypeRequest, &price, core.TIFGoodTillCancel, core.OrderParams{}); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second close: %v, expected ErrAlreadyClosed", err)
	}

	fill(trader.adapter.order(1), "t2", price, 100, 0)
	if !p.IsClosed() {
		t.Fatal("not closed after close fill")
	}
	if p.CloseType() != core.CloseTypeRequest {
		t.Fatalf("close type %v", p.CloseType())
	}
}

func TestCancelWhileOpenInFlight(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)
	sec.SetLastTrade(trader.now, price, 1) // market close needs a reference price

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ok, err := p.CancelAtMarketPrice(core.CloseTypeRequest, core.OrderParams{})
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if !p.IsCancelling() {
		t.Fatal("cancel not scheduled")
	}
	if trader.adapter.cancelCount() != 1 {
		t.Fatalf("%d cancel requests, expected 1", trader.adapter.cancelCount())
	}
	if _, err := p.CancelAtMarketPrice(core.CloseTypeRequest, core.OrderParams{}); !errors.Is(err, ErrCanceling) {
		t.Fatalf("second cancel: %v, expected ErrCanceling", err)
	}

	// The venue raced the cancel and filled anyway: the deferred close must
	// fire exactly once, as a market order for the full quantity.
	fill(trader.adapter.order(0), "t1", price, 100, 0)

	if trader.adapter.orderCount() != 2 {
		t.Fatalf("%d orders sent, expected open + deferred close", trader.adapter.orderCount())
	}
	closeOrder := trader.adapter.order(1)
	if closeOrder.side != core.SideSell || closeOrder.qty != 100 || closeOrder.price != nil {
		t.Fatalf("deferred close side=%v qty=%v price=%v", closeOrder.side, closeOrder.qty, closeOrder.price)
	}
	if p.IsCancelling() {
		t.Fatal("still cancelling after terminal status")
	}

	fill(closeOrder, "t2", price, 100, 0)
	if !p.IsClosed() {
		t.Fatal("not closed after deferred close filled")
	}
	if trader.adapter.orderCount() != 2 {
		t.Fatalf("%d orders sent, deferred close fired more than once", trader.adapter.orderCount())
	}
}

func TestCancelWhileCloseInFlight(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)
	sec.SetLastTrade(trader.now, price, 1)

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fill(trader.adapter.order(0), "t1", price, 100, 0)

	if _, err := p.Close(core.CloseTypeTakeProfit, &price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ok, err := p.CancelAtMarketPrice(core.CloseTypeRequest, core.OrderParams{})
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if trader.adapter.cancelCount() != 1 {
		t.Fatalf("%d cancel requests, expected 1", trader.adapter.cancelCount())
	}

	// The venue cancels the limit close with nothing filled: a replacement
	// market close must still go out, the position is not done closing.
	closeOrder := trader.adapter.order(1)
	closeOrder.cb(closeOrder.id, "", core.OrderStatusCancelled, 100, 0, nil)

	if p.IsError() {
		t.Fatal("position errored instead of re-closing")
	}
	if trader.adapter.orderCount() != 3 {
		t.Fatalf("%d orders sent, expected open + close + market close", trader.adapter.orderCount())
	}
	market := trader.adapter.order(2)
	if market.side != core.SideSell || market.qty != 100 || market.price != nil {
		t.Fatalf("market close side=%v qty=%v price=%v", market.side, market.qty, market.price)
	}

	// A repeated cancel after the first one resolved is a no-op, not an
	// error: engine stop may sweep the book more than once.
	if ok, err := p.CancelAtMarketPrice(core.CloseTypeEngineStop, core.OrderParams{}); ok || err != nil {
		t.Fatalf("cancel after resolution: ok=%v err=%v", ok, err)
	}

	fill(market, "t2", price, 100, 0)
	if !p.IsClosed() {
		t.Fatal("not closed after replacement close filled")
	}
	if trader.adapter.orderCount() != 3 {
		t.Fatalf("%d orders sent, replacement close fired more than once", trader.adapter.orderCount())
	}
}

func TestCancelNothingFilled(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)
	sec.SetLastTrade(trader.now, price, 1)

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ok, err := p.CancelAtMarketPrice(core.CloseTypeRequest, core.OrderParams{}); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	o := trader.adapter.order(0)
	o.cb(o.id, "", core.OrderStatusCancelled, 100, 0, nil)

	// Nothing opened, so there is nothing for the deferred close to do.
	if trader.adapter.orderCount() != 1 {
		t.Fatalf("%d orders sent, expected 1", trader.adapter.orderCount())
	}
	if p.IsOpened() || p.IsClosed() {
		t.Fatalf("opened=%v closed=%v after empty cancel", p.IsOpened(), p.IsClosed())
	}
	if ok, err := p.CancelAtMarketPrice(core.CloseTypeRequest, core.OrderParams{}); ok || err != nil {
		t.Fatalf("cancel after resolution: ok=%v err=%v", ok, err)
	}
}

func TestOppositePosition(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)

	long := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := long.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("open long: %v", err)
	}
	fill(trader.adapter.order(0), "t1", price, 100, 0)

	short := NewOpposite(long, 150, price)
	if short.Side() != Short {
		t.Fatalf("opposite side %v, expected Short", short.Side())
	}
	if short.OperationID() != long.OperationID() || short.SubOperationID() != long.SubOperationID()+1 {
		t.Fatalf("opposite operation %s/%d", short.OperationID(), short.SubOperationID())
	}

	// The combined order covers the long's active quantity plus the short's
	// own planned quantity.
	if _, err := short.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("open opposite: %v", err)
	}
	o := trader.adapter.order(1)
	if o.side != core.SideSell || o.qty != 250 {
		t.Fatalf("combined order side=%v qty=%v, expected sell 250", o.side, o.qty)
	}

	// The first 100 of fills close the long; the link dissolves once the
	// long's active quantity is gone.
	fill(o, "t2", price, 100, 150)
	if long.ClosedQty() != 100 || long.ActiveQty() != 0 {
		t.Fatalf("long closed=%v active=%v", long.ClosedQty(), long.ActiveQty())
	}
	if !long.IsClosed() {
		t.Fatal("long not closed by opposite fill")
	}
	if short.Opposite() != 0 {
		t.Fatal("opposite link not cleared")
	}
	if short.OpenedQty() != 0 {
		t.Fatalf("short opened %v before the long was consumed", short.OpenedQty())
	}

	fill(o, "t3", price, 150, 0)
	if short.OpenedQty() != 150 || short.ActiveQty() != 150 {
		t.Fatalf("short opened=%v active=%v", short.OpenedQty(), short.ActiveQty())
	}
	if !short.IsOpened() {
		t.Fatal("short not opened")
	}
}

func TestOppositeRequiresOpenedPosition(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)

	long := New(trader, book, sec, "BTC", Long, 100, 0)
	short := NewOpposite(long, 100, price)

	if _, err := short.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); !errors.Is(err, ErrNotOpened) {
		t.Fatalf("open against unopened: %v, expected ErrNotOpened", err)
	}

	if _, err := long.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("open long: %v", err)
	}
	fill(trader.adapter.order(0), "t1", price, 100, 0)
	if _, err := long.Close(core.CloseTypeRequest, &price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("close long: %v", err)
	}

	if _, err := short.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("open against closing: %v, expected ErrAlreadyClosed", err)
	}
}

func TestSendFailure(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)
	trader.adapter.failNext = true

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err == nil {
		t.Fatal("expected submission error")
	}
	if !p.IsError() {
		t.Fatal("error flag not set")
	}
	if trader.adapter.orderCount() != 0 {
		t.Fatalf("%d orders recorded after failed send", trader.adapter.orderCount())
	}
}

func TestOpenOrCancelTimeout(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)
	sec.SetLastTrade(trader.now, price, 1)

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := p.OpenOrCancel(price, 20*time.Millisecond, core.OrderParams{}); err != nil {
		t.Fatalf("OpenOrCancel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for trader.adapter.cancelCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout cancel never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.IsCancelling() {
		t.Fatal("cancel not scheduled by the timeout")
	}

	// The in-flight order resolves empty; the deferred close has nothing to do.
	o := trader.adapter.order(0)
	o.cb(o.id, "", core.OrderStatusCancelled, 100, 0, nil)
	if p.IsOpened() {
		t.Fatal("opened after timeout cancel")
	}
}

func TestMarkAsCompleted(t *testing.T) {
	trader, book, sec := newFixture(t)
	p := New(trader, book, sec, "BTC", Long, 100, 0)

	if book.Len() != 1 {
		t.Fatalf("book len %d", book.Len())
	}
	p.MarkAsCompleted()
	p.MarkAsCompleted() // idempotent
	if !p.IsCompleted() {
		t.Fatal("not completed")
	}
	if book.Len() != 0 {
		t.Fatalf("book len %d after completion", book.Len())
	}
	if _, ok := book.Get(p.Handle()); ok {
		t.Fatal("released handle still resolves")
	}
}

func TestSnapshot(t *testing.T) {
	trader, book, sec := newFixture(t)
	price := sec.ScalePrice(100)

	p := New(trader, book, sec, "BTC", Long, 100, 0)
	if _, err := p.Open(&price, core.TIFGoodTillCancel, core.OrderParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fill(trader.adapter.order(0), "t1", price, 100, 0)

	s := p.Snapshot()
	if s.Symbol != "BTC/USD" || s.Side != "long" || !s.Opened || s.Closed {
		t.Fatalf("snapshot %+v", s)
	}
	if s.OpenPrice != 100 {
		t.Fatalf("snapshot open price %v, expected 100", s.OpenPrice)
	}
	if s.ActiveQty != 100 {
		t.Fatalf("snapshot active qty %v", s.ActiveQty)
	}
}
