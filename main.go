package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trading-engine/internal/api"
	"trading-engine/internal/core"
	"trading-engine/internal/dropcopy"
	"trading-engine/internal/engine"
	"trading-engine/internal/exchange"
	"trading-engine/internal/market"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	riskCfg, namedScopes, err := config.LoadRisk(cfg.RiskConfigPath, cfg.RiskDisabled)
	if err != nil {
		log.Fatalf("load risk config: %v", err)
	}

	var sink dropcopy.DropCopy = dropcopy.Nop{}
	if cfg.DropCopyEnabled {
		sink = dropcopy.NewStore(database)
	}

	adapter := exchange.NewPaper(exchange.PaperConfig{
		FeeRate:         cfg.PaperFeeRate,
		SlippageBps:     cfg.PaperSlippageBps,
		LatencyMin:      time.Duration(cfg.PaperLatencyMinMs) * time.Millisecond,
		LatencyMax:      time.Duration(cfg.PaperLatencyMaxMs) * time.Millisecond,
		PartialFillProb: cfg.PaperPartialFillProb,
		OrdersPerSecond: cfg.PaperOrdersPerSec,
	})

	eng, err := engine.New(engine.Options{
		Profile:       core.ConcurrencyProfile(cfg.ConcurrencyProfile),
		Replay:        cfg.Replay,
		RiskConfig:    riskCfg,
		ExposureStore: database,
		DropCopy:      sink,
		Adapter:       adapter,
		NewSource:     sourceFactory(cfg),
		BarSize:       time.Duration(cfg.BarSizeSec) * time.Second,
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	securities := make([]*core.Security, 0, len(cfg.Symbols))
	for _, raw := range cfg.Symbols {
		symbol, err := parseSymbol(raw)
		if err != nil {
			log.Fatalf("bad symbol %q: %v", raw, err)
		}
		sec, err := eng.CreateSecurity(symbol)
		if err != nil {
			log.Fatalf("create security %q: %v", raw, err)
		}
		securities = append(securities, sec)
	}

	// One passive strategy per configured overlay scope: algorithms are
	// plugged in by replacing the handler.
	for _, scope := range namedScopes {
		scopeCfg := scope.Config
		if _, err := eng.AddStrategy(scope.Name, &scopeCfg, nil, securities...); err != nil {
			log.Fatalf("add strategy %q: %v", scope.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	server := api.NewServer(eng, database, api.SystemMeta{
		Venue:   adapter.Name(),
		Symbols: cfg.Symbols,
		Replay:  cfg.Replay,
		Version: buildVersion,
	})
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		log.Printf("api: listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	eng.Stop()
}

func sourceFactory(cfg *config.Config) func(pub *market.Publisher) (market.Source, error) {
	return func(pub *market.Publisher) (market.Source, error) {
		switch cfg.FeedKind {
		case "stream":
			return market.NewStreamSource(pub, market.StreamConfig{
				URL:        cfg.StreamURL,
				PriceScale: cfg.PriceScale,
			}), nil
		case "mock", "":
			return market.NewMockSource(pub, market.MockConfig{
				PriceScale: cfg.PriceScale,
			}), nil
		default:
			return nil, fmt.Errorf("unknown feed kind %q", cfg.FeedKind)
		}
	}
}

func parseSymbol(raw string) (core.Symbol, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return core.Symbol{}, fmt.Errorf("want BASE/QUOTE")
	}
	return core.Symbol{Name: raw, Base: parts[0], Quote: parts[1]}, nil
}
