package risk

import (
	"sync"

	"trading-engine/internal/core"
)

// CurrencyPosition is the fund-exposure record for one currency inside one
// scope: immutable directional limits plus the signed running net position.
// One instance is shared by every symbol in the scope that references the
// currency, so exposure is never double-counted. The owning scope's lock
// guards position.
type CurrencyPosition struct {
	Currency   string
	ShortLimit float64
	LongLimit  float64

	position float64
}

// scopeFunds is one symbol's exposure records inside one scope.
type scopeFunds struct {
	base  *CurrencyPosition
	quote *CurrencyPosition
}

// SymbolContext carries a symbol's exposure records for every scope, indexed
// by scope number (0 is always Global). Adding a scope at runtime retrofits
// every existing context with a fresh entry.
type SymbolContext struct {
	symbol core.Symbol

	mu     sync.RWMutex
	scopes []*scopeFunds
}

func newSymbolContext(symbol core.Symbol) *SymbolContext {
	return &SymbolContext{symbol: symbol}
}

func (c *SymbolContext) Symbol() core.Symbol { return c.symbol }

func (c *SymbolContext) setScope(index int, funds *scopeFunds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.scopes) <= index {
		c.scopes = append(c.scopes, nil)
	}
	c.scopes[index] = funds
}

func (c *SymbolContext) scope(index int) *scopeFunds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= len(c.scopes) {
		return nil
	}
	return c.scopes[index]
}

// currencyCache shares CurrencyPosition records across the symbols of one
// scope and seeds new records from the persisted exposure table.
type currencyCache struct {
	scopeName string
	store     ExposureStore
	persisted map[string]float64
	records   map[string]*CurrencyPosition
}

func newCurrencyCache(scopeName string, store ExposureStore) *currencyCache {
	c := &currencyCache{
		scopeName: scopeName,
		store:     store,
		records:   make(map[string]*CurrencyPosition),
	}
	if store != nil {
		if saved, err := store.LoadExposure(scopeName); err == nil {
			c.persisted = saved
		}
	}
	return c
}

func (c *currencyCache) get(currency string, limit Limit) *CurrencyPosition {
	if rec, ok := c.records[currency]; ok {
		return rec
	}
	rec := &CurrencyPosition{
		Currency:   currency,
		ShortLimit: limit.Short,
		LongLimit:  limit.Long,
		position:   c.persisted[currency],
	}
	c.records[currency] = rec
	return rec
}
