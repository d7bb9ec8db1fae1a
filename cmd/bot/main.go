package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"github.com/vitos/hedge_trade_bot/internal/infrastructure/exchange"
	"github.com/vitos/hedge_trade_bot/internal/infrastructure/logger"
	"github.com/vitos/hedge_trade_bot/internal/infrastructure/storage"
	"github.com/vitos/hedge_trade_bot/internal/usecase"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Credentials []struct {
		ID        string `yaml:"id"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
		Testnet   bool   `yaml:"testnet"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"credentials"`
	Positions []struct {
		UserID              string              `yaml:"user_id"`
		Symbol              string              `yaml:"symbol"`
		Primary             domain.LegConfig    `yaml:"primary"`
		Hedge               domain.LegConfig    `yaml:"hedge"`
		PrimaryCredentialID string              `yaml:"primary_credential_id"`
		HedgeCredentialID   string              `yaml:"hedge_credential_id"`
		Parts               int                 `yaml:"parts"`
		PartDelayMs         int                 `yaml:"part_delay_ms"`
		Strategy            domain.StrategyKind `yaml:"strategy"`
		PrimaryFundingRate  float64             `yaml:"primary_funding_rate"`
		HedgeFundingRate    float64             `yaml:"hedge_funding_rate"`
	} `yaml:"positions"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// 1. Load Config
	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "hedge_bot.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Seed Credentials
	ctx := context.Background()
	credentials := make(map[string]*domain.ExchangeCredentials)
	for _, c := range cfg.Credentials {
		creds := &domain.ExchangeCredentials{
			ID:        c.ID,
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
			Testnet:   c.Testnet,
			AuthToken: c.AuthToken,
		}
		if err := store.SaveCredentials(ctx, creds); err != nil {
			log.Fatal("Failed to store credentials", zap.String("id", c.ID), zap.Error(err))
		}
		credentials[c.ID] = creds
	}

	// 5. Init Service
	factory := func(exchangeName string, creds *domain.ExchangeCredentials) (domain.Connector, error) {
		return exchange.NewConnector(exchangeName, creds, log)
	}
	svc := usecase.NewPositionService(store, store, factory, domain.NewEventBus(), log)

	// Log every lifecycle event.
	svc.Bus().Subscribe(func(e domain.Event) {
		fields := []zap.Field{
			zap.String("type", string(e.Type)),
			zap.String("position_id", e.PositionID),
		}
		if e.PartNumber > 0 {
			fields = append(fields, zap.Int("part", e.PartNumber), zap.Int("total_parts", e.TotalParts))
		}
		if e.Err != "" {
			fields = append(fields, zap.String("error", e.Err), zap.String("source", string(e.Source)))
		}
		log.Info("Position event", fields...)
	})

	// 6. Restore Stored Positions
	if err := svc.RestoreOnBoot(ctx); err != nil {
		log.Error("Boot restoration failed", zap.Error(err))
	}

	// 7. Metrics Endpoint
	if cfg.Metrics.Port > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("Metrics listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// 8. Start Configured Positions
	for _, p := range cfg.Positions {
		primaryCreds, ok := credentials[p.PrimaryCredentialID]
		if !ok {
			log.Error("Unknown primary credential id", zap.String("id", p.PrimaryCredentialID))
			continue
		}
		hedgeCreds, ok := credentials[p.HedgeCredentialID]
		if !ok {
			log.Error("Unknown hedge credential id", zap.String("id", p.HedgeCredentialID))
			continue
		}

		posCfg := domain.PositionConfig{
			UserID:             p.UserID,
			Symbol:             p.Symbol,
			Primary:            p.Primary,
			Hedge:              p.Hedge,
			Parts:              p.Parts,
			PartDelay:          time.Duration(p.PartDelayMs) * time.Millisecond,
			Strategy:           p.Strategy,
			PrimaryFundingRate: p.PrimaryFundingRate,
			HedgeFundingRate:   p.HedgeFundingRate,
		}
		id, err := svc.StartPosition(ctx, posCfg, primaryCreds, hedgeCreds)
		if err != nil {
			log.Error("Failed to start position",
				zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		log.Info("Position started from config",
			zap.String("position_id", id), zap.String("symbol", p.Symbol))
	}

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
}
