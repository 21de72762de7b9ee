package events

import (
	"log"
	"sync"

	"trading-engine/internal/core"
)

// Options configures a Dispatcher.
type Options struct {
	// SyncFlush makes every producer block until its batch is delivered,
	// giving strict event ordering for deterministic replay at the cost of
	// throughput.
	SyncFlush bool
}

// QueueStat is a point-in-time snapshot of one queue.
type QueueStat struct {
	Name    string `json:"name"`
	Pending int    `json:"pending"`
}

// Dispatcher fans market-data and position events out to subscribers. One
// queue per event kind; each notification task owns a priority-ordered group
// of queues and always fully drains the highest-priority non-empty queue
// before consulting the next.
//
// Level1-update and position-update queues deduplicate on (subscriber,
// security|position): re-queuing before the consumer drains is a no-op and
// the subscriber observes only the latest state. All other kinds deliver
// every occurrence in arrival order.
type Dispatcher struct {
	level1Updates   *eventQueue
	level1Ticks     *eventQueue
	trades          *eventQueue
	bars            *eventQueue
	bookTicks       *eventQueue
	positionUpdates *eventQueue
	brokerPositions *eventQueue

	queues []*eventQueue
	wg     sync.WaitGroup
}

// New creates a dispatcher and starts its notification tasks. Delivery stays
// suspended until Activate is called; events queued meanwhile are kept.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		level1Updates:   newEventQueue("level1 updates", true, opts.SyncFlush),
		level1Ticks:     newEventQueue("level1 ticks", false, opts.SyncFlush),
		trades:          newEventQueue("trades", false, opts.SyncFlush),
		bars:            newEventQueue("bars", false, opts.SyncFlush),
		bookTicks:       newEventQueue("book update ticks", false, opts.SyncFlush),
		positionUpdates: newEventQueue("position updates", true, opts.SyncFlush),
		brokerPositions: newEventQueue("broker positions", false, opts.SyncFlush),
	}
	d.queues = []*eventQueue{
		d.level1Updates, d.level1Ticks, d.trades, d.bars, d.bookTicks,
		d.positionUpdates, d.brokerPositions,
	}

	d.startTask("market data", opts.SyncFlush,
		d.level1Updates, d.level1Ticks, d.trades, d.bars, d.bookTicks)
	d.startTask("positions", opts.SyncFlush,
		d.positionUpdates, d.brokerPositions)

	return d
}

func (d *Dispatcher) startTask(name string, syncFlush bool, queues ...*eventQueue) {
	s := newSyncObjects()
	for _, q := range queues {
		q.assignSync(s, syncFlush)
	}
	d.wg.Add(1)
	go d.notificationTask(name, s, queues)
}

// notificationTask drains its queues until all of them are stopped. The
// queues are ordered high to low priority: a lower-priority queue is only
// consulted while every queue above it is empty, and any delivery restarts
// the scan from the top.
func (d *Dispatcher) notificationTask(name string, s *syncObjects, queues []*eventQueue) {
	defer d.wg.Done()
	log.Printf("dispatcher: notification task %q started", name)

	stopped := make([]bool, len(queues))
	s.mu.Lock()
	for {
		for i := 0; i < len(queues); {
			if stopped[i] {
				i++
				continue
			}
			if queues[i].drain() {
				i = 0
				continue
			}
			stopped[i] = queues[i].isStopped()
			i++
		}

		all := true
		for _, st := range stopped {
			if !st {
				all = false
				break
			}
		}
		if all {
			break
		}
		s.newData.Wait()
	}
	s.mu.Unlock()

	log.Printf("dispatcher: notification task %q stopped", name)
}

// IsActive reports whether any queue is currently delivering.
func (d *Dispatcher) IsActive() bool {
	for _, q := range d.queues {
		if q.isActive() {
			return true
		}
	}
	return false
}

// Activate enables delivery on every queue.
func (d *Dispatcher) Activate() {
	for _, q := range d.queues {
		q.activate()
	}
	d.kick()
}

// Suspend pauses delivery without discarding queued events.
func (d *Dispatcher) Suspend() {
	for _, q := range d.queues {
		q.suspend()
	}
}

// Stop shuts every queue down, wakes all waiting tasks and joins them.
func (d *Dispatcher) Stop() {
	for _, q := range d.queues {
		q.stop()
	}
	d.wg.Wait()
}

func (d *Dispatcher) kick() {
	for _, q := range d.queues {
		q.sync.newData.Broadcast()
	}
}

// Stats returns a snapshot of queue depths.
func (d *Dispatcher) Stats() []QueueStat {
	stats := make([]QueueStat, 0, len(d.queues))
	for _, q := range d.queues {
		stats = append(stats, QueueStat{Name: q.name, Pending: q.pending()})
	}
	return stats
}

// SignalLevel1Update queues a top-of-book state change. Repeated signals for
// the same (subscriber, security) before delivery collapse into one.
func (d *Dispatcher) SignalLevel1Update(sub Subscriber, sec *core.Security) {
	d.level1Updates.enqueue(event{
		key:   eventKey{sub: sub, target: sec},
		raise: func() { sub.RaiseLevel1Update(sec) },
	}, true)
}

// SignalLevel1Tick queues one tick. flush=false additionally forces a wake-up
// and, in sync-flush mode, a full drain round trip.
func (d *Dispatcher) SignalLevel1Tick(sub Subscriber, tick Level1Tick, flush bool) {
	d.level1Ticks.enqueue(event{
		raise: func() { sub.RaiseLevel1Tick(tick) },
	}, flush)
}

// SignalNewTrade queues one market trade print.
func (d *Dispatcher) SignalNewTrade(sub Subscriber, trade Trade) {
	d.trades.enqueue(event{
		raise: func() { sub.RaiseNewTrade(trade) },
	}, true)
}

// SignalPositionUpdate queues a position state change. Repeated signals for
// the same (subscriber, position) before delivery collapse into one.
func (d *Dispatcher) SignalPositionUpdate(sub Subscriber, pos Position) {
	d.positionUpdates.enqueue(event{
		key:   eventKey{sub: sub, target: pos},
		raise: func() { sub.RaisePositionUpdate(pos) },
	}, true)
}

// SignalBrokerPositionUpdate queues a broker position snapshot.
func (d *Dispatcher) SignalBrokerPositionUpdate(sub Subscriber, update BrokerPosition) {
	d.brokerPositions.enqueue(event{
		raise: func() { sub.RaiseBrokerPositionUpdate(update) },
	}, true)
}

// SignalNewBar queues one completed bar.
func (d *Dispatcher) SignalNewBar(sub Subscriber, sec *core.Security, bar Bar) {
	d.bars.enqueue(event{
		raise: func() { sub.RaiseNewBar(sec, bar) },
	}, true)
}

// SignalBookUpdateTick queues one order-book depth change.
func (d *Dispatcher) SignalBookUpdateTick(sub Subscriber, tick BookUpdate) {
	d.bookTicks.enqueue(event{
		raise: func() { sub.RaiseBookUpdateTick(tick) },
	}, true)
}
