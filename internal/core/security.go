package core

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Symbol is a traded pair: base currency against quote currency.
type Symbol struct {
	Name  string // e.g. "EUR/USD"
	Base  string
	Quote string
}

func (s Symbol) String() string { return s.Name }

// HasCurrency reports whether currency is one of the symbol's two legs.
func (s Symbol) HasCurrency(currency string) bool {
	return currency == s.Base || currency == s.Quote
}

// Security is one tradable instrument on one connection. It owns the price
// scale and the last observed market data, which replay clocks and market
// orders read.
type Security struct {
	symbol     Symbol
	priceScale int64

	mu       sync.RWMutex
	lastTime time.Time
	bid      ScaledPrice
	ask      ScaledPrice
	last     ScaledPrice
	lastQty  float64
}

// NewSecurity creates a security with the given price scale (ticks per unit,
// e.g. 100000 for 5 decimal places).
func NewSecurity(symbol Symbol, priceScale int64) (*Security, error) {
	if priceScale <= 0 {
		return nil, fmt.Errorf("security %s: price scale must be positive, got %d", symbol, priceScale)
	}
	if symbol.Base == "" || symbol.Quote == "" || symbol.Base == symbol.Quote {
		return nil, fmt.Errorf("security %s: bad currency pair %q/%q", symbol, symbol.Base, symbol.Quote)
	}
	return &Security{symbol: symbol, priceScale: priceScale}, nil
}

func (s *Security) Symbol() Symbol    { return s.symbol }
func (s *Security) PriceScale() int64 { return s.priceScale }

// ScalePrice converts a raw price into ticks, rounding to nearest.
func (s *Security) ScalePrice(price float64) ScaledPrice {
	return ScaledPrice(math.Round(price * float64(s.priceScale)))
}

// DescalePrice converts ticks back into a raw price.
func (s *Security) DescalePrice(price ScaledPrice) float64 {
	return float64(price) / float64(s.priceScale)
}

// SetLevel1 records the latest top-of-book snapshot.
func (s *Security) SetLevel1(t time.Time, bid, ask ScaledPrice) {
	s.mu.Lock()
	s.lastTime = t
	s.bid = bid
	s.ask = ask
	s.mu.Unlock()
}

// SetLastTrade records the latest trade print.
func (s *Security) SetLastTrade(t time.Time, price ScaledPrice, qty float64) {
	s.mu.Lock()
	s.lastTime = t
	s.last = price
	s.lastQty = qty
	s.mu.Unlock()
}

// Level1 returns the last top-of-book snapshot.
func (s *Security) Level1() (bid, ask ScaledPrice) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bid, s.ask
}

// LastPrice returns the most recent trade price, falling back to the book
// midpoint when no trade has printed yet.
func (s *Security) LastPrice() ScaledPrice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last != 0 {
		return s.last
	}
	if s.bid != 0 && s.ask != 0 {
		return (s.bid + s.ask) / 2
	}
	return 0
}

// LastMarketDataTime returns the timestamp of the most recent update; replay
// clocks use it instead of wall time.
func (s *Security) LastMarketDataTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTime
}
