package events

import (
	"log"
	"sync"
)

type taskState int

const (
	taskStateInactive taskState = iota
	taskStateActive
	taskStateStopped
)

// queueWarnStep is how often (in queued events) a length warning is logged.
// Queues are deliberately unbounded; the warning is the only guard.
const queueWarnStep = 50

// syncObjects is the mutex + condition-variable pair shared by every queue
// assigned to one notification task.
type syncObjects struct {
	mu      sync.Mutex
	newData *sync.Cond

	// delivering is set while the owning task runs subscriber callbacks. A
	// sync-flush producer must not wait for the drain broadcast then: the
	// enqueue may come from inside one of those callbacks, and the broadcast
	// it would wait for cannot happen until the callback returns.
	delivering bool
}

func newSyncObjects() *syncObjects {
	s := &syncObjects{}
	s.newData = sync.NewCond(&s.mu)
	return s
}

// eventKey identifies a deduplicated event: the subscriber plus the security
// or position the update is about. Sequence queues leave it zero.
type eventKey struct {
	sub    Subscriber
	target any
}

type event struct {
	key   eventKey
	raise func()
}

type buffer struct {
	items []event
	index map[eventKey]int // nil for sequence queues
}

func (b *buffer) reset(keyed bool) {
	b.items = b.items[:0]
	if keyed {
		b.index = make(map[eventKey]int)
	}
}

// eventQueue is a double-buffered, unbounded event container. Producers
// append to the current buffer; the notification task swaps buffers and
// delivers from the retired one without holding the task lock. Keyed queues
// collapse re-queued (subscriber, target) pairs: the newest payload wins and
// the event is delivered once.
type eventQueue struct {
	name  string
	keyed bool

	sync    *syncObjects
	bufs    [2]buffer
	current int
	state   taskState

	// drained is non-nil in sync-flush (deterministic replay) mode: the
	// producer blocks on it until the batch it appended to is delivered.
	drained *sync.Cond
}

func newEventQueue(name string, keyed, syncFlush bool) *eventQueue {
	q := &eventQueue{name: name, keyed: keyed}
	if keyed {
		q.bufs[0].index = make(map[eventKey]int)
		q.bufs[1].index = make(map[eventKey]int)
	}
	_ = syncFlush // drained cond is created in assignSync, once the mutex exists
	return q
}

func (q *eventQueue) assignSync(s *syncObjects, syncFlush bool) {
	q.sync = s
	if syncFlush {
		q.drained = sync.NewCond(&s.mu)
	}
}

func (q *eventQueue) activate() {
	q.sync.mu.Lock()
	defer q.sync.mu.Unlock()
	if q.state != taskStateStopped {
		q.state = taskStateActive
	}
}

func (q *eventQueue) suspend() {
	q.sync.mu.Lock()
	defer q.sync.mu.Unlock()
	if q.state != taskStateStopped {
		q.state = taskStateInactive
	}
}

func (q *eventQueue) stop() {
	q.sync.mu.Lock()
	q.state = taskStateStopped
	q.sync.mu.Unlock()
	q.sync.newData.Broadcast()
	if q.drained != nil {
		q.drained.Broadcast()
	}
}

func (q *eventQueue) isActive() bool {
	q.sync.mu.Lock()
	defer q.sync.mu.Unlock()
	return q.state == taskStateActive
}

// enqueue appends an event to the current buffer. A keyed queue returns the
// event in place if the key is already pending, so the consumer sees only the
// latest state. flush=false forces a wake-up (and, in replay mode, a drain
// round trip) even when the event was collapsed.
func (q *eventQueue) enqueue(e event, flush bool) {
	q.sync.mu.Lock()
	defer q.sync.mu.Unlock()

	if q.state == taskStateStopped {
		return
	}

	buf := &q.bufs[q.current]
	isNew := true
	if q.keyed {
		if i, ok := buf.index[e.key]; ok {
			buf.items[i] = e
			isNew = false
		} else {
			buf.index[e.key] = len(buf.items)
			buf.items = append(buf.items, e)
		}
	} else {
		buf.items = append(buf.items, e)
	}

	if isNew || !flush {
		q.sync.newData.Signal()
		if q.drained != nil && !q.sync.delivering {
			q.drained.Wait()
		}
	}

	if n := len(buf.items); n > 0 && n%queueWarnStep == 0 {
		log.Printf("dispatcher: queue %q is too long (%d events)", q.name, n)
	}
}

// drain delivers everything queued so far. Must be called with the task lock
// held; the lock is released around delivery so producers never block on
// subscriber callbacks. Returns whether anything was delivered.
func (q *eventQueue) drain() bool {
	delivered := false
	rounds := 0
	for len(q.bufs[q.current].items) > 0 && q.state == taskStateActive {
		rounds++
		if rounds%500 == 0 {
			log.Printf("dispatcher: queue %q is heavy loaded (%d drain rounds)", q.name, rounds)
		}

		reading := &q.bufs[q.current]
		q.current = 1 - q.current

		q.sync.delivering = true
		q.sync.mu.Unlock()
		for _, e := range reading.items {
			e.raise()
		}
		reading.reset(q.keyed)
		q.sync.mu.Lock()
		q.sync.delivering = false

		if q.drained != nil {
			q.drained.Broadcast()
		}
		delivered = true
	}
	return delivered
}

func (q *eventQueue) isStopped() bool {
	return q.state == taskStateStopped
}

func (q *eventQueue) pending() int {
	q.sync.mu.Lock()
	defer q.sync.mu.Unlock()
	return len(q.bufs[q.current].items)
}
