package market

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"trading-engine/internal/core"
)

// MockConfig tunes the synthetic feed.
type MockConfig struct {
	PriceScale int64
	StartPrice float64
	Step       float64
	SpreadBps  float64
	Interval   time.Duration
}

// MockSource generates a random-walk Level1 stream plus occasional trade
// prints for local development, the same role the dry-run feed plays in
// production-less environments.
type MockSource struct {
	pub *Publisher
	cfg MockConfig
	rng *rand.Rand

	mu         sync.Mutex
	securities []*core.Security
	prices     map[*core.Security]float64
}

func NewMockSource(pub *Publisher, cfg MockConfig) *MockSource {
	if cfg.PriceScale == 0 {
		cfg.PriceScale = 100
	}
	if cfg.StartPrice == 0 {
		cfg.StartPrice = 100.0
	}
	if cfg.Step == 0 {
		cfg.Step = 0.5
	}
	if cfg.SpreadBps == 0 {
		cfg.SpreadBps = 5
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	return &MockSource{
		pub:    pub,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		prices: make(map[*core.Security]float64),
	}
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) CreateSecurity(symbol core.Symbol) (*core.Security, error) {
	sec, err := core.NewSecurity(symbol, m.cfg.PriceScale)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.securities = append(m.securities, sec)
	m.prices[sec] = m.cfg.StartPrice
	m.mu.Unlock()
	return sec, nil
}

func (m *MockSource) Start(ctx context.Context) error {
	go m.run(ctx)
	return nil
}

func (m *MockSource) run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	log.Printf("market: mock feed started (%d securities, every %v)", len(m.securities), m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.tick(now)
		}
	}
}

func (m *MockSource) tick(now time.Time) {
	m.mu.Lock()
	secs := m.securities
	m.mu.Unlock()
	for _, sec := range secs {
		m.mu.Lock()
		// simple random walk
		price := m.prices[sec] + (m.rng.Float64()*2-1)*m.cfg.Step
		if price < m.cfg.Step {
			price = m.cfg.Step
		}
		m.prices[sec] = price
		trade := m.rng.Intn(4) == 0
		qty := 0.1 + m.rng.Float64()
		m.mu.Unlock()

		half := price * m.cfg.SpreadBps / 10000 / 2
		bid := sec.ScalePrice(price - half)
		ask := sec.ScalePrice(price + half)
		m.pub.PublishLevel1(sec, now, bid, ask)
		if trade {
			m.pub.PublishTrade(sec, now, sec.ScalePrice(price), qty)
		}
	}
}
