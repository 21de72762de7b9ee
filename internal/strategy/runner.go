package strategy

import (
	"log"
	"sync"

	"trading-engine/internal/core"
	"trading-engine/internal/market"
)

// Runner is the strategy registry: it wires strategies to the securities they
// trade and runs the engine-stop close pass over all of them.
type Runner struct {
	pub *market.Publisher

	mu         sync.RWMutex
	strategies []*Strategy
}

func NewRunner(pub *market.Publisher) *Runner {
	return &Runner{pub: pub}
}

// Add registers a strategy.
func (r *Runner) Add(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	log.Printf("strategy runner: added %q", s.Name())
}

// SubscribeMarketData routes sec's market data to s.
func (r *Runner) SubscribeMarketData(s *Strategy, sec *core.Security) {
	r.pub.Subscribe(sec, s)
}

// Strategies snapshots the registry.
func (r *Runner) Strategies() []*Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}

// CloseAll closes every strategy's live positions, used on engine stop.
func (r *Runner) CloseAll(closeType core.CloseType) {
	for _, s := range r.Strategies() {
		if n := s.CloseAll(closeType); n > 0 {
			log.Printf("strategy runner: %q closing %d positions (%s)", s.Name(), n, closeType)
		}
	}
}
