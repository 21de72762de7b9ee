// Package strategy is the runtime concrete trading algorithms plug into: the
// per-strategy lock that serializes position and risk-gate mutation, the
// dispatcher subscriber surface, and the blocking policy that keeps callback
// failures from escaping a notification task.
package strategy

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/core"
	"trading-engine/internal/dropcopy"
	"trading-engine/internal/events"
	"trading-engine/internal/exchange"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
)

// Handler is the algorithm plug point. Handlers run on dispatcher
// notification tasks; any returned error or panic blocks the strategy, it is
// never allowed to take the task down.
type Handler interface {
	OnLevel1Update(s *Strategy, sec *core.Security) error
	OnLevel1Tick(s *Strategy, tick events.Level1Tick) error
	OnNewTrade(s *Strategy, trade events.Trade) error
	OnPositionUpdate(s *Strategy, p *position.Position) error
	OnBrokerPositionUpdate(s *Strategy, update events.BrokerPosition) error
	OnNewBar(s *Strategy, sec *core.Security, bar events.Bar) error
	OnBookUpdateTick(s *Strategy, tick events.BookUpdate) error
}

// BaseHandler is a no-op Handler for embedding; algorithms override only the
// events they trade on.
type BaseHandler struct{}

func (BaseHandler) OnLevel1Update(*Strategy, *core.Security) error                { return nil }
func (BaseHandler) OnLevel1Tick(*Strategy, events.Level1Tick) error               { return nil }
func (BaseHandler) OnNewTrade(*Strategy, events.Trade) error                      { return nil }
func (BaseHandler) OnPositionUpdate(*Strategy, *position.Position) error          { return nil }
func (BaseHandler) OnBrokerPositionUpdate(*Strategy, events.BrokerPosition) error { return nil }
func (BaseHandler) OnNewBar(*Strategy, *core.Security, events.Bar) error          { return nil }
func (BaseHandler) OnBookUpdateTick(*Strategy, events.BookUpdate) error           { return nil }

// Options wires one strategy instance.
type Options struct {
	Name       string
	Profile    core.ConcurrencyProfile
	Gate       *risk.Gate
	Scope      risk.Scope // nil uses the gate's Global scope
	Adapter    exchange.Adapter
	DropCopy   dropcopy.DropCopy
	Dispatcher *events.Dispatcher
	Handler    Handler
	Now        func() time.Time
}

// Strategy owns one trading algorithm's runtime state. It is both the
// dispatcher subscriber and the position Trader; the embedded locker is the
// single serialization point for everything the strategy's positions mutate.
type Strategy struct {
	id         string
	name       string
	lk         core.Locker
	gate       *risk.Gate
	scope      risk.Scope
	adapter    exchange.Adapter
	drop       dropcopy.DropCopy
	dispatcher *events.Dispatcher
	handler    Handler
	now        func() time.Time
	book       *position.Book

	blocked     atomic.Bool
	blockReason atomic.Value // string

	// registered holds every position that ever opened; guarded by lk, the
	// position engine registers under it.
	registered []*position.Position
}

func New(opts Options) *Strategy {
	if opts.Handler == nil {
		opts.Handler = BaseHandler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	scope := opts.Scope
	if scope == nil {
		scope = opts.Gate.GlobalScope()
	}
	if opts.DropCopy == nil {
		opts.DropCopy = dropcopy.Nop{}
	}
	return &Strategy{
		id:         uuid.NewString(),
		name:       opts.Name,
		lk:         core.NewLocker(opts.Profile),
		gate:       opts.Gate,
		scope:      scope,
		adapter:    opts.Adapter,
		drop:       opts.DropCopy,
		dispatcher: opts.Dispatcher,
		handler:    opts.Handler,
		now:        opts.Now,
		book:       position.NewBook(),
	}
}

func (s *Strategy) ID() string           { return s.id }
func (s *Strategy) Name() string         { return s.name }
func (s *Strategy) Book() *position.Book { return s.book }

// NewPosition builds an unstarted position owned by this strategy.
func (s *Strategy) NewPosition(sec *core.Security, currency string, side position.Side, qty float64, startPrice core.ScaledPrice) *position.Position {
	return position.New(s, s.book, sec, currency, side, qty, startPrice)
}

// Block stops the strategy from acting on any further event. Existing orders
// keep flowing through their callbacks; only new decisions stop.
func (s *Strategy) Block(reason string) {
	if s.blocked.CompareAndSwap(false, true) {
		s.blockReason.Store(reason)
		log.Printf("strategy %q: BLOCKED: %s", s.name, reason)
	}
}

func (s *Strategy) IsBlocked() bool { return s.blocked.Load() }

func (s *Strategy) BlockReason() string {
	if r, ok := s.blockReason.Load().(string); ok {
		return r
	}
	return ""
}

// Trader surface, used by the position engine.

func (s *Strategy) Locker() core.Locker         { return s.lk }
func (s *Strategy) Gate() *risk.Gate            { return s.gate }
func (s *Strategy) RiskScope() risk.Scope       { return s.scope }
func (s *Strategy) Adapter() exchange.Adapter   { return s.adapter }
func (s *Strategy) DropCopy() dropcopy.DropCopy { return s.drop }
func (s *Strategy) Now() time.Time              { return s.now() }

func (s *Strategy) Register(p *position.Position) {
	s.registered = append(s.registered, p)
}

func (s *Strategy) OnPositionStateChanged(p *position.Position) {
	if s.dispatcher != nil {
		s.dispatcher.SignalPositionUpdate(s, p)
	}
}

// Subscriber surface, driven by the dispatcher. Every callback runs the
// outermost-frame policy: risk violations and any other failure block the
// strategy instead of escaping the notification task.

func (s *Strategy) RaiseLevel1Update(sec *core.Security) {
	s.invoke("level1 update", func() error { return s.handler.OnLevel1Update(s, sec) })
}

func (s *Strategy) RaiseLevel1Tick(tick events.Level1Tick) {
	s.invoke("level1 tick", func() error { return s.handler.OnLevel1Tick(s, tick) })
}

func (s *Strategy) RaiseNewTrade(trade events.Trade) {
	s.invoke("new trade", func() error { return s.handler.OnNewTrade(s, trade) })
}

func (s *Strategy) RaisePositionUpdate(pos events.Position) {
	p, ok := pos.(*position.Position)
	if !ok {
		return
	}
	s.invoke("position update", func() error { return s.handler.OnPositionUpdate(s, p) })
}

func (s *Strategy) RaiseBrokerPositionUpdate(update events.BrokerPosition) {
	s.invoke("broker position update", func() error { return s.handler.OnBrokerPositionUpdate(s, update) })
}

func (s *Strategy) RaiseNewBar(sec *core.Security, bar events.Bar) {
	s.invoke("new bar", func() error { return s.handler.OnNewBar(s, sec, bar) })
}

func (s *Strategy) RaiseBookUpdateTick(tick events.BookUpdate) {
	s.invoke("book update tick", func() error { return s.handler.OnBookUpdateTick(s, tick) })
}

func (s *Strategy) invoke(what string, fn func() error) {
	if s.IsBlocked() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.Block(fmt.Sprintf("%s handler panicked: %v", what, r))
		}
	}()
	if err := fn(); err != nil {
		s.Block(fmt.Sprintf("%s handler failed: %v", what, err))
	}
}

// CloseAll cancels or closes every live position, used by the engine-stop
// pass. Returns the number of positions acted on.
func (s *Strategy) CloseAll(closeType core.CloseType) int {
	n := 0
	for _, p := range s.book.All() {
		acted, err := p.CancelAtMarketPrice(closeType, core.OrderParams{})
		if err != nil {
			log.Printf("strategy %q: close position %d: %v", s.name, p.Handle(), err)
			continue
		}
		if acted {
			n++
		}
	}
	return n
}

// Snapshots reports every registered position for the status API.
func (s *Strategy) Snapshots() []position.Snapshot {
	s.lk.Lock()
	registered := make([]*position.Position, len(s.registered))
	copy(registered, s.registered)
	s.lk.Unlock()

	out := make([]position.Snapshot, 0, len(registered))
	for _, p := range registered {
		out = append(out, p.Snapshot())
	}
	return out
}
