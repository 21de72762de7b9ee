package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-engine/internal/core"
)

// streamFrame is one JSON message of the upstream feed.
type streamFrame struct {
	Type   string  `json:"type"` // "level1" | "trade" | "book"
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
	IsBid  bool    `json:"is_bid"`
	TS     int64   `json:"ts"` // unix milliseconds
}

// StreamConfig configures the websocket source.
type StreamConfig struct {
	URL        string
	PriceScale int64
	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait time.Duration
}

// StreamSource consumes a websocket Level1/trade feed and publishes it. The
// read loop reconnects until its context is cancelled.
type StreamSource struct {
	pub    *Publisher
	cfg    StreamConfig
	dialer *websocket.Dialer

	mu         sync.Mutex
	securities map[string]*core.Security
}

func NewStreamSource(pub *Publisher, cfg StreamConfig) *StreamSource {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 5 * time.Second
	}
	if cfg.PriceScale == 0 {
		cfg.PriceScale = 100
	}
	return &StreamSource{
		pub:        pub,
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		securities: make(map[string]*core.Security),
	}
}

func (s *StreamSource) Name() string { return "stream" }

func (s *StreamSource) CreateSecurity(symbol core.Symbol) (*core.Security, error) {
	sec, err := core.NewSecurity(symbol, s.cfg.PriceScale)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.securities[symbol.Name] = sec
	s.mu.Unlock()
	return sec, nil
}

func (s *StreamSource) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("market: stream url is not configured")
	}
	go s.run(ctx)
	return nil
}

func (s *StreamSource) run(ctx context.Context) {
	for {
		if err := s.readLoop(ctx); err != nil {
			log.Printf("market: stream %s: %v", s.cfg.URL, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectWait):
		}
	}
}

func (s *StreamSource) readLoop(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	log.Printf("market: stream connected to %s", s.cfg.URL)

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var frame streamFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Printf("market: stream parse error: %v", err)
			continue
		}
		s.handle(frame)
	}
}

func (s *StreamSource) handle(frame streamFrame) {
	s.mu.Lock()
	sec, ok := s.securities[frame.Symbol]
	s.mu.Unlock()
	if !ok {
		return
	}
	t := time.UnixMilli(frame.TS)
	if frame.TS == 0 {
		t = time.Now()
	}
	switch frame.Type {
	case "level1":
		s.pub.PublishLevel1(sec, t, sec.ScalePrice(frame.Bid), sec.ScalePrice(frame.Ask))
	case "trade":
		s.pub.PublishTrade(sec, t, sec.ScalePrice(frame.Price), frame.Qty)
	case "book":
		s.pub.PublishBook(sec, t, frame.IsBid, sec.ScalePrice(frame.Price), frame.Qty)
	default:
		log.Printf("market: stream frame type %q ignored", frame.Type)
	}
}
