package risk

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"trading-engine/internal/core"
)

// scopeInfo remembers how an overlay scope was configured so later-created
// symbols can be retrofitted with its funds records.
type scopeInfo struct {
	scope *standardScope
	cfg   ScopeConfig
	cache *currencyCache
}

// Gate is the risk control for one trading connection. It owns the Global
// scope, the named overlay scopes added at runtime, and a funds context per
// registered security.
type Gate struct {
	profile core.ConcurrencyProfile
	now     func() time.Time
	store   ExposureStore

	lastOperationID atomic.Int64

	// mu guards the scope topology and the symbol list, not the per-scope
	// numbers; those live behind each scope's own lock.
	mu          sync.Mutex
	global      *standardScope
	globalCfg   ScopeConfig
	globalCache *currencyCache
	overlays    []*scopeInfo
	contexts    map[*core.Security]*SymbolContext
}

// NewGate builds a gate from config. A disabled gate hands out empty scopes
// and zero operation IDs. now is the ordering clock; store may be nil.
func NewGate(cfg Config, profile core.ConcurrencyProfile, now func() time.Time, store ExposureStore) (*Gate, error) {
	g := &Gate{
		profile:  profile,
		now:      now,
		store:    store,
		contexts: make(map[*core.Security]*SymbolContext),
	}
	if cfg.Disabled {
		log.Printf("risk: gate disabled, all checks pass")
		return g, nil
	}
	global, err := newStandardScope("Global", 0, cfg.Global.Settings, profile, now, store)
	if err != nil {
		return nil, err
	}
	g.global = global
	g.globalCfg = cfg.Global
	g.globalCache = newCurrencyCache("Global", store)
	return g, nil
}

// Enabled reports whether checks are live.
func (g *Gate) Enabled() bool { return g.global != nil }

// CreateSymbolContext registers a security with every existing scope. Must be
// called before the first order on the security.
func (g *Gate) CreateSymbolContext(sec *core.Security) *SymbolContext {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ctx, ok := g.contexts[sec]; ok {
		return ctx
	}
	ctx := newSymbolContext(sec.Symbol())
	if g.global != nil {
		ctx.setScope(0, buildFunds(ctx.symbol, g.globalCfg, g.globalCache))
		for _, info := range g.overlays {
			ctx.setScope(info.scope.scopeIdx, buildFunds(ctx.symbol, info.cfg, info.cache))
		}
	}
	g.contexts[sec] = ctx
	return ctx
}

func buildFunds(symbol core.Symbol, cfg ScopeConfig, cache *currencyCache) *scopeFunds {
	return &scopeFunds{
		base:  cache.get(symbol.Base, cfg.Limits[symbol.Base]),
		quote: cache.get(symbol.Quote, cfg.Limits[symbol.Quote]),
	}
}

// CreateScope adds a named overlay scope. Every already-registered symbol
// context is retrofitted with funds records for the new scope index; this is
// a structural migration, not a config reload.
func (g *Gate) CreateScope(name string, cfg ScopeConfig) (Scope, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.global == nil {
		return &emptyScope{name: name}, nil
	}

	index := len(g.overlays) + 1 // zero is always Global
	scope, err := newStandardScope(name, index, cfg.Settings, g.profile, g.now, g.store)
	if err != nil {
		return nil, err
	}
	info := &scopeInfo{scope: scope, cfg: cfg, cache: newCurrencyCache(name, g.store)}
	for _, ctx := range g.contexts {
		ctx.setScope(index, buildFunds(ctx.symbol, cfg, info.cache))
	}
	g.overlays = append(g.overlays, info)
	return scope, nil
}

// GlobalScope exposes the Global scope for P&L checks on strategies that run
// without an overlay of their own.
func (g *Gate) GlobalScope() Scope {
	if g.global == nil {
		return &emptyScope{name: "Global"}
	}
	return g.global
}

func (g *Gate) context(sec *core.Security) (*SymbolContext, error) {
	g.mu.Lock()
	ctx, ok := g.contexts[sec]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: security %s is not registered with the risk gate", ErrWrongSettings, sec.Symbol())
	}
	return ctx, nil
}

// CheckNewBuyOrder runs flood control and fund blocking for a buy against the
// caller's scope and the Global scope, returning the operation ID for the
// later confirm.
func (g *Gate) CheckNewBuyOrder(scope Scope, sec *core.Security, currency string, qty, price float64) (OperationID, error) {
	return g.checkNewOrder(scope, sec, currency, qty, price, longSide)
}

// CheckNewSellOrder is CheckNewBuyOrder for a sell.
func (g *Gate) CheckNewSellOrder(scope Scope, sec *core.Security, currency string, qty, price float64) (OperationID, error) {
	return g.checkNewOrder(scope, sec, currency, qty, price, shortSide)
}

func (g *Gate) checkNewOrder(scope Scope, sec *core.Security, currency string, qty, price float64, sd side) (OperationID, error) {
	if g.global == nil {
		return 0, nil
	}
	ctx, err := g.context(sec)
	if err != nil {
		return 0, err
	}
	opID := OperationID(g.lastOperationID.Add(1))
	if err := scope.checkNewOrder(opID, ctx, currency, qty, price, sd); err != nil {
		return 0, err
	}
	if scope.index() != 0 {
		if err := g.global.checkNewOrder(opID, ctx, currency, qty, price, sd); err != nil {
			return 0, err
		}
	}
	return opID, nil
}

// ConfirmBuyOrder settles or reverses the block of a prior buy check: fills
// re-block at the actual trade price, terminal failures unblock the unfilled
// remainder. The Global scope is confirmed first, then the caller's scope.
func (g *Gate) ConfirmBuyOrder(opID OperationID, scope Scope, status core.OrderStatus, sec *core.Security, currency string, orderPrice float64, remainingQty float64, trade *core.Trade) {
	g.confirmOrder(opID, scope, status, sec, currency, orderPrice, remainingQty, trade, longSide)
}

// ConfirmSellOrder is ConfirmBuyOrder for a sell.
func (g *Gate) ConfirmSellOrder(opID OperationID, scope Scope, status core.OrderStatus, sec *core.Security, currency string, orderPrice float64, remainingQty float64, trade *core.Trade) {
	g.confirmOrder(opID, scope, status, sec, currency, orderPrice, remainingQty, trade, shortSide)
}

func (g *Gate) confirmOrder(opID OperationID, scope Scope, status core.OrderStatus, sec *core.Security, currency string, orderPrice, remainingQty float64, trade *core.Trade, sd side) {
	if g.global == nil {
		return
	}
	ctx, err := g.context(sec)
	if err != nil {
		log.Printf("risk: confirm %d: %v", opID, err)
		return
	}
	var tradePrice float64
	if trade != nil {
		tradePrice = sec.DescalePrice(trade.Price)
	}
	if err := g.global.confirmOrder(opID, status, ctx, currency, orderPrice, remainingQty, trade, tradePrice, sd); err != nil {
		log.Printf("risk: confirm %d on Global: %v", opID, err)
	}
	if scope.index() != 0 {
		if err := scope.confirmOrder(opID, status, ctx, currency, orderPrice, remainingQty, trade, tradePrice, sd); err != nil {
			log.Printf("risk: confirm %d on %q: %v", opID, scope.Name(), err)
		}
	}
}

// CheckTotalPnl verifies the scope's and the Global scope's P&L range.
func (g *Gate) CheckTotalPnl(scope Scope, pnl float64) error {
	if g.global == nil {
		return nil
	}
	if err := scope.checkTotalPnl(pnl); err != nil {
		return err
	}
	if scope.index() != 0 {
		return g.global.checkTotalPnl(pnl)
	}
	return nil
}

// CheckTotalWinRatio verifies the win-ratio floor, in percent, skipping the
// configured first operations.
func (g *Gate) CheckTotalWinRatio(scope Scope, winRatio, operationsCount int) error {
	if g.global == nil {
		return nil
	}
	if err := scope.checkTotalWinRatio(winRatio, operationsCount); err != nil {
		return err
	}
	if scope.index() != 0 {
		return g.global.checkTotalWinRatio(winRatio, operationsCount)
	}
	return nil
}

// ExposureSnapshot reports every scope's currency records.
func (g *Gate) ExposureSnapshot() []Exposure {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.global == nil {
		return nil
	}
	out := g.global.exposure(g.globalCache)
	for _, info := range g.overlays {
		out = append(out, info.scope.exposure(info.cache)...)
	}
	return out
}

// ScopeNames lists the configured scopes, Global first.
func (g *Gate) ScopeNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.global == nil {
		return nil
	}
	names := []string{g.global.name}
	for _, info := range g.overlays {
		names = append(names, info.scope.name)
	}
	return names
}
