package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-swapchat/internal/api"
	"github.com/npezzotti/go-swapchat/internal/broker"
	"github.com/npezzotti/go-swapchat/internal/config"
	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/server"
	"github.com/npezzotti/go-swapchat/internal/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// openStore returns the configured repository and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (database.ChatRepository, func() error, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return database.NewMemoryChatRepository(), func() error { return nil }, nil
	}

	if cfg.Migrate {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	db, err := database.NewPgChatRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}

	return db, db.Close, nil
}

func openBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger, su stats.StatsProvider) (broker.Broker, error) {
	if cfg.BrokerURL == "" {
		logger.Info("no broker configured, events stay in this process")
		return broker.NewLocalBroker(logger), nil
	}

	return broker.NewRedisBroker(ctx, cfg.BrokerURL, logger, su)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}

	var (
		opts           config.Options
		allowedOrigins stringSliceFlag
	)

	flag.StringVar(&opts.ServerAddr, "addr", envString("SWAPCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&opts.StoreDriver, "store", envString("SWAPCHAT_STORE", config.StoreDriverPostgres), "store driver (postgres or memory)")
	flag.StringVar(&opts.DatabaseDSN, "dsn", envString("SWAPCHAT_DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&opts.SigningKey, "signing-key", os.Getenv("SWAPCHAT_SIGNING_KEY"), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&opts.BrokerURL, "broker-url", os.Getenv("SWAPCHAT_BROKER_URL"), "redis URL shared by all server processes")
	flag.StringVar(&opts.BrokerPrefix, "broker-prefix", envString("SWAPCHAT_BROKER_PREFIX", config.DefaultBrokerPrefix), "prefix of broker channel names")
	flag.DurationVar(&opts.StoreTimeout, "store-timeout", envDuration("SWAPCHAT_STORE_TIMEOUT", config.DefaultStoreTimeout), "timeout of a single store call")
	flag.DurationVar(&opts.IdleTimeout, "idle-timeout", envDuration("SWAPCHAT_IDLE_TIMEOUT", config.DefaultIdleTimeout), "time before an unused conversation is unloaded")
	flag.IntVar(&opts.MaxMessageLength, "max-message-length", envInt("SWAPCHAT_MAX_MESSAGE_LENGTH", config.DefaultMaxMessageLength), "maximum message length in characters")
	flag.Float64Var(&opts.ClientRateLimit, "client-rate-limit", envFloat("SWAPCHAT_CLIENT_RATE_LIMIT", config.DefaultClientRateLimit), "frames per second accepted from one connection")
	flag.IntVar(&opts.ClientBurst, "client-burst", envInt("SWAPCHAT_CLIENT_BURST", config.DefaultClientBurst), "burst of frames accepted from one connection")
	flag.StringVar(&opts.LogLevel, "log-level", envString("SWAPCHAT_LOG_LEVEL", config.DefaultLogLevel), "log level")
	flag.BoolVar(&opts.Migrate, "migrate", envBool("SWAPCHAT_MIGRATE", false), "apply database migrations on start")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("SWAPCHAT_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}
	opts.AllowedOrigins = allowedOrigins

	cfg, err := config.NewConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	db, closeStore, err := openStore(startCtx, cfg, logger)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	b, err := openBroker(startCtx, cfg, logger, statsUpdater)
	if err != nil {
		logger.Fatal("broker connect", zap.Error(err))
	}

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, b, broker.Channels{Prefix: cfg.BrokerPrefix}, server.Options{
		StoreTimeout:     cfg.StoreTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		MaxMessageLength: cfg.MaxMessageLength,
		ClientRateLimit:  cfg.ClientRateLimit,
		ClientBurst:      cfg.ClientBurst,
	})
	if err != nil {
		logger.Fatal("new chat server", zap.Error(err))
	}

	srv := api.NewSwapChatApp(mux, logger, chatServer, db, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server", zap.Error(err))
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		config.DefaultShutdownTimeout,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
	}

	if err := b.Close(); err != nil {
		logger.Error("broker close", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
