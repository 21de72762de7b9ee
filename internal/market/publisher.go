// Package market brings security market data into the engine: a fan-out
// publisher in front of the dispatcher, a synthetic source for local
// development and a websocket stream source.
package market

import (
	"context"
	"sync"
	"time"

	"trading-engine/internal/core"
	"trading-engine/internal/events"
)

// Source provides tradable securities and starts their data flow.
type Source interface {
	Name() string
	CreateSecurity(symbol core.Symbol) (*core.Security, error)
	Start(ctx context.Context) error
}

// Publisher routes one security's market data to its subscribers through the
// dispatcher, updating the security's own book state first so subscribers
// always observe consistent top-of-book values. It also aggregates trades
// into fixed-size bars.
type Publisher struct {
	dispatcher *events.Dispatcher
	barSize    time.Duration

	mu   sync.RWMutex
	subs map[*core.Security][]events.Subscriber
	bars map[*core.Security]*barBuilder
}

func NewPublisher(d *events.Dispatcher, barSize time.Duration) *Publisher {
	return &Publisher{
		dispatcher: d,
		barSize:    barSize,
		subs:       make(map[*core.Security][]events.Subscriber),
		bars:       make(map[*core.Security]*barBuilder),
	}
}

// Subscribe adds sub to sec's fan-out list. Duplicate subscriptions are
// collapsed.
func (p *Publisher) Subscribe(sec *core.Security, sub events.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs[sec] {
		if s == sub {
			return
		}
	}
	p.subs[sec] = append(p.subs[sec], sub)
}

func (p *Publisher) subscribers(sec *core.Security) []events.Subscriber {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subs[sec]
}

// PublishLevel1 records a top-of-book change and signals both the collapsing
// update queue and the tick sequence.
func (p *Publisher) PublishLevel1(sec *core.Security, t time.Time, bid, ask core.ScaledPrice) {
	sec.SetLevel1(t, bid, ask)
	tick := events.Level1Tick{Security: sec, Time: t, Bid: bid, Ask: ask}
	for _, sub := range p.subscribers(sec) {
		p.dispatcher.SignalLevel1Update(sub, sec)
		p.dispatcher.SignalLevel1Tick(sub, tick, true)
	}
}

// PublishTrade records a trade print, signals it and feeds the bar builder.
func (p *Publisher) PublishTrade(sec *core.Security, t time.Time, price core.ScaledPrice, qty float64) {
	sec.SetLastTrade(t, price, qty)
	trade := events.Trade{Security: sec, Time: t, Price: price, Qty: qty}
	for _, sub := range p.subscribers(sec) {
		p.dispatcher.SignalNewTrade(sub, trade)
	}
	if p.barSize <= 0 {
		return
	}
	p.mu.Lock()
	b, ok := p.bars[sec]
	if !ok {
		b = &barBuilder{size: p.barSize}
		p.bars[sec] = b
	}
	done, bar := b.add(t, price, qty)
	p.mu.Unlock()
	if done {
		for _, sub := range p.subscribers(sec) {
			p.dispatcher.SignalNewBar(sub, sec, bar)
		}
	}
}

// PublishBook signals one order-book depth change.
func (p *Publisher) PublishBook(sec *core.Security, t time.Time, isBid bool, price core.ScaledPrice, qty float64) {
	tick := events.BookUpdate{Security: sec, Time: t, IsBid: isBid, Price: price, Qty: qty}
	for _, sub := range p.subscribers(sec) {
		p.dispatcher.SignalBookUpdateTick(sub, tick)
	}
}

// PublishBrokerPosition signals a broker-reported position snapshot.
func (p *Publisher) PublishBrokerPosition(sec *core.Security, qty float64, isInitial bool) {
	update := events.BrokerPosition{Security: sec, Qty: qty, IsInitial: isInitial}
	for _, sub := range p.subscribers(sec) {
		p.dispatcher.SignalBrokerPositionUpdate(sub, update)
	}
}

// barBuilder accumulates trade prints into fixed-size OHLCV bars. A bar is
// emitted when the first print of the next interval arrives.
type barBuilder struct {
	size    time.Duration
	started bool
	current events.Bar
}

func (b *barBuilder) add(t time.Time, price core.ScaledPrice, qty float64) (bool, events.Bar) {
	slot := t.Truncate(b.size)
	if !b.started {
		b.started = true
		b.current = newBar(slot, b.size, price, qty)
		return false, events.Bar{}
	}
	if slot.After(b.current.Time) {
		done := b.current
		b.current = newBar(slot, b.size, price, qty)
		return true, done
	}
	if price > b.current.High {
		b.current.High = price
	}
	if price < b.current.Low {
		b.current.Low = price
	}
	b.current.Close = price
	b.current.Volume += qty
	return false, events.Bar{}
}

func newBar(slot time.Time, size time.Duration, price core.ScaledPrice, qty float64) events.Bar {
	return events.Bar{
		Time:   slot,
		Size:   size,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: qty,
	}
}
