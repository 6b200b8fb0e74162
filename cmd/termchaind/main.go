package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"termchain/config"
	"termchain/integrations/markets"
	"termchain/integrations/webhooks"
	nativecommon "termchain/native/common"
	"termchain/native/vault"
	"termchain/observability/logging"
	"termchain/rpc"
	"termchain/state/vaultstore"
	"termchain/storage"
)

const (
	webhookURLEnv    = "TERMCHAIN_WEBHOOK_URL"
	webhookSecretEnv = "TERMCHAIN_WEBHOOK_SECRET"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TERMCHAIN_ENV"))
	logger := logging.Setup("termchaind", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		logger.Error("failed to wire vault engine", slog.Any("error", err))
		os.Exit(1)
	}
	engine.SetState(vaultstore.New(db))

	if endpoint := strings.TrimSpace(os.Getenv(webhookURLEnv)); endpoint != "" {
		secret := os.Getenv(webhookSecretEnv)
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(secret))
		if err != nil {
			logger.Error("failed to start webhook dispatcher", slog.Any("error", err))
			os.Exit(1)
		}
		defer dispatcher.Close()
		engine.SetEmitter(dispatcher)
		logger.Info("webhook deliveries enabled", "endpoint", endpoint)
	}

	server := rpc.NewServer(engine, logger)
	if cfg.RPCRequestsPerMinute > 0 {
		server.SetQuota(nativecommon.Quota{MaxRequestsPerMin: cfg.RPCRequestsPerMinute})
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("termchaind starting", "network", cfg.NetworkName, "rpc", cfg.RPCAddress)
	if err := server.Start(ctx, cfg.RPCAddress); err != nil {
		logger.Error("rpc server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("termchaind stopped")
}

func buildEngine(cfg *config.Config, logger *slog.Logger) (*vault.Engine, error) {
	reserve, err := cfg.Vault.DecodedReserveAddress()
	if err != nil {
		return nil, err
	}
	admin, err := cfg.Vault.DecodedAdminAddress()
	if err != nil {
		return nil, err
	}

	engine := vault.NewEngine(reserve, admin)
	engine.SetSettlementFee(cfg.Vault.SettlementFeeBps)
	engine.SetPauses(cfg.Pauses)

	timeout := time.Duration(cfg.Integrations.RequestTimeoutMs) * time.Millisecond
	opts := []markets.Option{markets.WithTimeout(timeout)}
	if token := strings.TrimSpace(cfg.Integrations.AuthToken); token != "" {
		opts = append(opts, markets.WithAuthToken(token))
	}

	if url := strings.TrimSpace(cfg.Integrations.ExecutorURL); url != "" {
		executor, err := markets.NewExecutorClient(url, opts...)
		if err != nil {
			return nil, err
		}
		engine.SetExecutor(executor)
	} else {
		logger.Warn("no executor configured; borrow and lend operations will fail")
	}

	if url := strings.TrimSpace(cfg.Integrations.StrategyURL); url != "" {
		strategy, err := markets.NewStrategyClient(url, opts...)
		if err != nil {
			return nil, err
		}
		engine.SetStrategy(strategy)
	} else {
		logger.Warn("no strategy configured; vault entries will fail")
	}

	if url := strings.TrimSpace(cfg.Integrations.QuoteOracleURL); url != "" {
		quotes, err := markets.NewQuoteClient(url, opts...)
		if err != nil {
			return nil, err
		}
		engine.SetQuoteOracle(quotes)
	}

	if url := strings.TrimSpace(cfg.Integrations.CollateralOracleURL); url != "" {
		collateral, err := markets.NewCollateralClient(url, opts...)
		if err != nil {
			return nil, err
		}
		engine.SetFreeCollateralOracle(collateral)
	}

	return engine, nil
}
