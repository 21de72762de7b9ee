package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"trading-engine/internal/core"
)

// recorder is a subscriber that journals every delivery, in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(kind string) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("waited for %d events, got %d: %v", n, len(got), got)
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) RaiseLevel1Update(sec *core.Security)     { r.add("update:" + sec.Symbol().Name) }
func (r *recorder) RaiseLevel1Tick(Level1Tick)               { r.add("tick") }
func (r *recorder) RaiseNewTrade(trade Trade)                { r.add(fmt.Sprintf("trade:%v", trade.Qty)) }
func (r *recorder) RaisePositionUpdate(Position)             { r.add("position") }
func (r *recorder) RaiseBrokerPositionUpdate(BrokerPosition) { r.add("broker") }
func (r *recorder) RaiseNewBar(*core.Security, Bar)          { r.add("bar") }
func (r *recorder) RaiseBookUpdateTick(BookUpdate)           { r.add("book") }

func newTestSecurity(t *testing.T, name string) *core.Security {
	t.Helper()
	sec, err := core.NewSecurity(core.Symbol{Name: name, Base: "BTC", Quote: "USD"}, 100)
	if err != nil {
		t.Fatalf("NewSecurity: %v", err)
	}
	return sec
}

func TestLevel1UpdateDedup(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	sub := &recorder{}
	sec := newTestSecurity(t, "BTC/USD")

	// Five state changes queued before delivery starts collapse into one.
	for i := 0; i < 5; i++ {
		d.SignalLevel1Update(sub, sec)
	}
	d.Activate()

	got := sub.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond) // no second delivery may trail in
	if got = sub.snapshot(); len(got) != 1 || got[0] != "update:BTC/USD" {
		t.Fatalf("deliveries %v, expected exactly one update", got)
	}
}

func TestDedupIsPerSubscriberAndSecurity(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	subA, subB := &recorder{}, &recorder{}
	secX := newTestSecurity(t, "BTC/USD")
	secY := newTestSecurity(t, "ETH/USD")

	d.SignalLevel1Update(subA, secX)
	d.SignalLevel1Update(subA, secX)
	d.SignalLevel1Update(subA, secY)
	d.SignalLevel1Update(subB, secX)
	d.Activate()

	if got := subA.waitFor(t, 2); len(got) != 2 {
		t.Fatalf("subscriber A got %v", got)
	}
	if got := subB.waitFor(t, 1); len(got) != 1 {
		t.Fatalf("subscriber B got %v", got)
	}
}

func TestSequenceQueueDeliversEveryEvent(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	sub := &recorder{}
	sec := newTestSecurity(t, "BTC/USD")

	for i := 1; i <= 3; i++ {
		d.SignalNewTrade(sub, Trade{Security: sec, Qty: float64(i)})
	}
	d.Activate()

	got := sub.waitFor(t, 3)
	want := []string{"trade:1", "trade:2", "trade:3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, expected %v", got, want)
		}
	}
}

func TestPriorityDrainOrder(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	sub := &recorder{}
	secX := newTestSecurity(t, "BTC/USD")
	secY := newTestSecurity(t, "ETH/USD")

	// Queued while suspended: ticks first, then updates. The market-data task
	// must still deliver every pending update before the first tick.
	for i := 0; i < 3; i++ {
		d.SignalLevel1Tick(sub, Level1Tick{Security: secX}, true)
	}
	d.SignalLevel1Update(sub, secX)
	d.SignalLevel1Update(sub, secY)
	d.Activate()

	got := sub.waitFor(t, 5)
	if got[0] != "update:BTC/USD" || got[1] != "update:ETH/USD" {
		t.Fatalf("updates not delivered first: %v", got)
	}
	for _, e := range got[2:] {
		if e != "tick" {
			t.Fatalf("unexpected trailing delivery %q in %v", e, got)
		}
	}
}

func TestSuspendKeepsQueuedEvents(t *testing.T) {
	d := New(Options{})
	sub := &recorder{}
	sec := newTestSecurity(t, "BTC/USD")

	d.Activate()
	if !d.IsActive() {
		t.Fatal("not active after Activate")
	}
	d.SignalNewTrade(sub, Trade{Security: sec, Qty: 1})
	sub.waitFor(t, 1)

	d.Suspend()
	if d.IsActive() {
		t.Fatal("active after Suspend")
	}
	d.SignalNewTrade(sub, Trade{Security: sec, Qty: 2})
	d.SignalNewTrade(sub, Trade{Security: sec, Qty: 3})
	time.Sleep(20 * time.Millisecond)
	if got := sub.snapshot(); len(got) != 1 {
		t.Fatalf("delivered while suspended: %v", got)
	}
	pending := 0
	for _, s := range d.Stats() {
		if s.Name == "trades" {
			pending = s.Pending
		}
	}
	if pending != 2 {
		t.Fatalf("trades pending %d, expected 2", pending)
	}

	d.Activate()
	if got := sub.waitFor(t, 3); got[1] != "trade:2" || got[2] != "trade:3" {
		t.Fatalf("resumed deliveries %v", got)
	}
	d.Stop()
}

func TestStopJoinsAndRefusesNewEvents(t *testing.T) {
	d := New(Options{})
	sub := &recorder{}
	sec := newTestSecurity(t, "BTC/USD")

	d.Activate()
	d.SignalNewTrade(sub, Trade{Security: sec, Qty: 1})
	sub.waitFor(t, 1)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the notification tasks")
	}

	// Signals after Stop are dropped, not queued.
	d.SignalNewTrade(sub, Trade{Security: sec, Qty: 2})
	if got := sub.snapshot(); len(got) != 1 {
		t.Fatalf("deliveries after Stop: %v", got)
	}
}

func TestSyncFlushDeliversBeforeReturn(t *testing.T) {
	d := New(Options{SyncFlush: true})
	defer d.Stop()
	sub := &recorder{}
	sec := newTestSecurity(t, "BTC/USD")
	d.Activate()

	for i := 1; i <= 10; i++ {
		d.SignalNewTrade(sub, Trade{Security: sec, Qty: float64(i)})
		if got := sub.snapshot(); len(got) != i {
			t.Fatalf("signal %d returned before delivery: %v", i, got)
		}
	}
}

type fakePosition int64

func (p fakePosition) Handle() int64 { return int64(p) }

// resignalingSub signals its own position-update queue from inside the
// delivery callback, the way completing a position from a handler triggers
// one more state-change notification.
type resignalingSub struct {
	recorder
	d    *Dispatcher
	pos  Position
	once sync.Once
}

func (s *resignalingSub) RaisePositionUpdate(Position) {
	s.add("position")
	s.once.Do(func() { s.d.SignalPositionUpdate(s, s.pos) })
}

func TestSyncFlushReentrantSignal(t *testing.T) {
	d := New(Options{SyncFlush: true})
	defer d.Stop()
	d.Activate()

	sub := &resignalingSub{d: d, pos: fakePosition(1)}

	// The producer must not wait on a drain that can only be broadcast by
	// the task currently inside the subscriber callback.
	done := make(chan struct{})
	go func() {
		d.SignalPositionUpdate(sub, sub.pos)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync-flush producer stuck behind its own delivery")
	}

	got := sub.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	if got = sub.snapshot(); len(got) != 2 {
		t.Fatalf("deliveries %v, expected the original and the re-signaled update", got)
	}
}
