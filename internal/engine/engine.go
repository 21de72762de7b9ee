// Package engine wires the subsystems into one running trading context: the
// ordering clock, the risk gate, the dispatcher, the market data source, the
// exchange adapter and the strategy runner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-engine/internal/core"
	"trading-engine/internal/dropcopy"
	"trading-engine/internal/events"
	"trading-engine/internal/exchange"
	"trading-engine/internal/market"
	"trading-engine/internal/risk"
	"trading-engine/internal/strategy"
)

// Options assembles an engine.
type Options struct {
	Profile core.ConcurrencyProfile
	// Replay derives the ordering clock from market data instead of the wall
	// clock, for deterministic replays. Implies synchronous event flushing.
	Replay     bool
	RiskConfig risk.Config
	// ExposureStore persists per-scope currency exposure; may be nil.
	ExposureStore risk.ExposureStore
	DropCopy      dropcopy.DropCopy
	Adapter       exchange.Adapter
	// NewSource builds the market data source on top of the engine's
	// publisher.
	NewSource func(pub *market.Publisher) (market.Source, error)
	BarSize   time.Duration
}

// Engine owns the lifecycle of one trading context.
type Engine struct {
	opts       Options
	gate       *risk.Gate
	dispatcher *events.Dispatcher
	publisher  *market.Publisher
	source     market.Source
	runner     *strategy.Runner

	mu         sync.Mutex
	securities []*core.Security
	cancel     context.CancelFunc
	started    bool
}

func New(opts Options) (*Engine, error) {
	if opts.Adapter == nil {
		return nil, errors.New("engine: no exchange adapter")
	}
	if opts.NewSource == nil {
		return nil, errors.New("engine: no market data source")
	}
	if opts.DropCopy == nil {
		opts.DropCopy = dropcopy.Nop{}
	}
	if opts.BarSize == 0 {
		opts.BarSize = time.Minute
	}

	e := &Engine{opts: opts}
	gate, err := risk.NewGate(opts.RiskConfig, opts.Profile, e.Now, opts.ExposureStore)
	if err != nil {
		return nil, fmt.Errorf("engine: build risk gate: %w", err)
	}
	e.gate = gate
	e.dispatcher = events.New(events.Options{SyncFlush: opts.Replay})
	e.publisher = market.NewPublisher(e.dispatcher, opts.BarSize)
	e.runner = strategy.NewRunner(e.publisher)
	source, err := opts.NewSource(e.publisher)
	if err != nil {
		e.dispatcher.Stop()
		return nil, fmt.Errorf("engine: build market data source: %w", err)
	}
	e.source = source
	return e, nil
}

// Now is the engine's ordering clock: wall time normally, the latest market
// data time seen across securities in replay mode.
func (e *Engine) Now() time.Time {
	if !e.opts.Replay {
		return time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var latest time.Time
	for _, sec := range e.securities {
		if t := sec.LastMarketDataTime(); t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return time.Now()
	}
	return latest
}

// CreateSecurity registers a tradable symbol with the source and the risk
// gate. Must happen before the first order on the symbol.
func (e *Engine) CreateSecurity(symbol core.Symbol) (*core.Security, error) {
	sec, err := e.source.CreateSecurity(symbol)
	if err != nil {
		return nil, fmt.Errorf("engine: create security %s: %w", symbol, err)
	}
	e.gate.CreateSymbolContext(sec)
	e.mu.Lock()
	e.securities = append(e.securities, sec)
	e.mu.Unlock()
	return sec, nil
}

// AddStrategy builds a strategy, gives it its own risk scope when scopeCfg is
// set, and subscribes it to the given securities' market data.
func (e *Engine) AddStrategy(name string, scopeCfg *risk.ScopeConfig, handler strategy.Handler, secs ...*core.Security) (*strategy.Strategy, error) {
	var scope risk.Scope
	if scopeCfg != nil {
		var err error
		scope, err = e.gate.CreateScope(name, *scopeCfg)
		if err != nil {
			return nil, fmt.Errorf("engine: risk scope for %q: %w", name, err)
		}
	}
	s := strategy.New(strategy.Options{
		Name:       name,
		Profile:    e.opts.Profile,
		Gate:       e.gate,
		Scope:      scope,
		Adapter:    e.opts.Adapter,
		DropCopy:   e.opts.DropCopy,
		Dispatcher: e.dispatcher,
		Handler:    handler,
		Now:        e.Now,
	})
	e.runner.Add(s)
	for _, sec := range secs {
		e.runner.SubscribeMarketData(s, sec)
	}
	return s, nil
}

// Start connects the adapter, starts the market data flow and activates event
// delivery.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	if err := e.opts.Adapter.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("engine: connect %s: %w", e.opts.Adapter.Name(), err)
	}
	if err := e.source.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("engine: start market data: %w", err)
	}
	e.dispatcher.Activate()
	log.Printf("engine: started (adapter=%s, source=%s, replay=%v)",
		e.opts.Adapter.Name(), e.source.Name(), e.opts.Replay)
	return nil
}

// Stop closes every live position with close type engine-stop, drains and
// stops the dispatcher and disconnects the adapter.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	e.runner.CloseAll(core.CloseTypeEngineStop)
	e.dispatcher.Stop()
	cancel()
	if err := e.opts.Adapter.Close(); err != nil {
		log.Printf("engine: close adapter: %v", err)
	}
	log.Printf("engine: stopped")
}

func (e *Engine) Gate() *risk.Gate               { return e.gate }
func (e *Engine) Dispatcher() *events.Dispatcher { return e.dispatcher }
func (e *Engine) Runner() *strategy.Runner       { return e.runner }

func (e *Engine) Securities() []*core.Security {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.Security, len(e.securities))
	copy(out, e.securities)
	return out
}
