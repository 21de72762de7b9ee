package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trading-engine/internal/core"
)

var (
	ErrNotConnected  = errors.New("exchange: not connected")
	ErrUnknownOrder  = errors.New("exchange: unknown order")
	ErrOrderFinished = errors.New("exchange: order already finished")
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	FeeRate          float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps      float64 // basis points applied against the order on fills
	LatencyMin       time.Duration
	LatencyMax       time.Duration
	PartialFillProb  float64 // chance the first report is a partial fill
	OrdersPerSecond  float64 // gateway pacing, 0 = unlimited
	RejectUnpriced   bool    // reject market orders with no market data
}

// Paper simulates a venue in memory. Orders fill at their limit price (or at
// the last traded price for market orders) after a randomized latency, with
// optional partial fills. Callbacks run on the adapter's own goroutines, never
// on the caller's.
type Paper struct {
	cfg     PaperConfig
	limiter *rate.Limiter
	rng     *rand.Rand
	rngMu   sync.Mutex

	mu        sync.Mutex
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	orders    map[core.OrderID]*paperOrder
	wg        sync.WaitGroup
}

type paperOrder struct {
	id        core.OrderID
	sec       *core.Security
	side      core.OrderSide
	qty       float64
	remaining float64          // unfilled quantity, updated as reports go out
	price     core.ScaledPrice // resolved, never zero once accepted
	cb        Callback
	canceled  bool
	done      bool
}

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	limit := rate.Inf
	if cfg.OrdersPerSecond > 0 {
		limit = rate.Limit(cfg.OrdersPerSecond)
	}
	return &Paper{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		orders:  make(map[core.OrderID]*paperOrder),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.connected = true
	log.Printf("exchange: paper venue connected (fee=%.4f, latency=%v..%v)",
		p.cfg.FeeRate, p.cfg.LatencyMin, p.cfg.LatencyMax)
	return nil
}

func (p *Paper) Close() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Paper) SendOrder(sec *core.Security, currency string, qty float64, price *core.ScaledPrice, params core.OrderParams, side core.OrderSide, tif core.TimeInForce, cb Callback) (core.OrderID, error) {
	if qty <= 0 {
		return "", fmt.Errorf("exchange: bad qty %v", qty)
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return "", ErrNotConnected
	}
	ctx := p.ctx
	p.mu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("exchange: gateway pacing: %w", err)
	}

	fillPrice, err := p.resolvePrice(sec, price, side)
	if err != nil {
		return "", err
	}

	o := &paperOrder{
		id:        core.OrderID(uuid.NewString()),
		sec:       sec,
		side:      side,
		qty:       qty,
		remaining: qty,
		price:     fillPrice,
		cb:        cb,
	}
	p.mu.Lock()
	p.orders[o.id] = o
	p.mu.Unlock()

	p.wg.Add(1)
	go p.simulate(ctx, o)
	return o.id, nil
}

func (p *Paper) CancelOrder(id core.OrderID) error {
	p.mu.Lock()
	o, ok := p.orders[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownOrder
	}
	if o.done {
		p.mu.Unlock()
		return ErrOrderFinished
	}
	o.canceled = true
	p.mu.Unlock()
	return nil
}

func (p *Paper) resolvePrice(sec *core.Security, price *core.ScaledPrice, side core.OrderSide) (core.ScaledPrice, error) {
	base := sec.LastPrice()
	if price != nil {
		base = *price
	}
	if base == 0 {
		if p.cfg.RejectUnpriced {
			return 0, fmt.Errorf("exchange: no market data for %s", sec.Symbol().Name)
		}
		return 0, errors.New("exchange: cannot price order")
	}
	if p.cfg.SlippageBps > 0 {
		p.rngMu.Lock()
		noise := p.rng.Float64() * p.cfg.SlippageBps / 10000.0
		p.rngMu.Unlock()
		raw := sec.DescalePrice(base)
		if side == core.SideBuy {
			raw *= 1 + noise
		} else {
			raw *= 1 - noise
		}
		base = sec.ScalePrice(raw)
	}
	return base, nil
}

// simulate delivers the order lifecycle: optional partial fill, then the
// terminal report. A cancel observed between reports wins over the fill.
func (p *Paper) simulate(ctx context.Context, o *paperOrder) {
	defer p.wg.Done()

	if !p.sleep(ctx, o) {
		return
	}

	remaining := o.qty
	p.rngMu.Lock()
	partial := p.cfg.PartialFillProb > 0 && p.rng.Float64() < p.cfg.PartialFillProb
	frac := 0.25 + p.rng.Float64()*0.5
	p.rngMu.Unlock()

	if partial {
		fillQty := o.qty * frac
		remaining -= fillQty
		if !p.report(o, core.OrderStatusFilledPartially, remaining, fillQty) {
			return
		}
		if !p.sleep(ctx, o) {
			return
		}
	}
	p.report(o, core.OrderStatusFilled, 0, remaining)
}

// report emits one execution, or the cancel report if a cancel raced in.
// Returns false when the order reached a terminal state.
func (p *Paper) report(o *paperOrder, status core.OrderStatus, remaining, fillQty float64) bool {
	p.mu.Lock()
	if o.done {
		p.mu.Unlock()
		return false
	}
	if o.canceled {
		o.done = true
		canceledQty := o.remaining
		p.mu.Unlock()
		o.cb(o.id, uuid.NewString(), core.OrderStatusCancelled, canceledQty, 0, nil)
		return false
	}
	terminal := status.IsTerminal() || status == core.OrderStatusFilled
	if terminal {
		o.done = true
	}
	o.remaining = remaining
	p.mu.Unlock()

	trade := &core.Trade{
		ID:    uuid.NewString(),
		Time:  time.Now(),
		Price: o.price,
		Qty:   fillQty,
	}
	commission := o.sec.DescalePrice(o.price) * fillQty * p.cfg.FeeRate
	o.cb(o.id, uuid.NewString(), status, remaining, commission, trade)
	return !terminal
}

func (p *Paper) sleep(ctx context.Context, o *paperOrder) bool {
	d := p.cfg.LatencyMin
	if span := p.cfg.LatencyMax - p.cfg.LatencyMin; span > 0 {
		p.rngMu.Lock()
		d += time.Duration(p.rng.Int63n(int64(span) + 1))
		p.rngMu.Unlock()
	}
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		p.mu.Lock()
		done := o.done
		o.done = true
		remaining := o.remaining
		p.mu.Unlock()
		if !done {
			o.cb(o.id, uuid.NewString(), core.OrderStatusError, remaining, 0, nil)
		}
		return false
	case <-time.After(d):
		return true
	}
}
