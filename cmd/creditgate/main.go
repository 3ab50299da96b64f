// Command creditgate runs the metered summarize gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/httpapi"
	"github.com/ineyio/creditgate/invoker/anthropic"
	"github.com/ineyio/creditgate/invoker/mock"
	"github.com/ineyio/creditgate/invoker/openaicompat"
	"github.com/ineyio/creditgate/ledger"
	"github.com/ineyio/creditgate/ledger/postgres"
	"github.com/ineyio/creditgate/ledger/redis"
	"github.com/ineyio/creditgate/ledger/sqlite"
	"github.com/ineyio/creditgate/meter"
	"github.com/ineyio/creditgate/oauth"
	"github.com/ineyio/creditgate/oauth/google"
	"github.com/ineyio/creditgate/token"
)

func main() {
	configPath := flag.String("config", "creditgate.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := creditgate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("creditgate stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg creditgate.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Ledger, cfg.Pricing.CreditPriceUSD)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens, err := token.LoadFiles(cfg.Auth.Algorithm, cfg.Auth.PrivateKeyFile, cfg.Auth.PublicKeyFile)
	if err != nil {
		return err
	}

	exchangers, err := newExchangers(ctx, cfg.OAuth, logger)
	if err != nil {
		return err
	}

	m := meter.NewLogMeter(logger)
	opts := append(creditgate.ConfigOptions(cfg),
		creditgate.WithMeter(m),
		creditgate.WithAlerter(m),
	)
	gate, err := creditgate.NewGate(tokens, store, newInvoker(cfg.Invoker), opts...)
	if err != nil {
		return err
	}

	srv := httpapi.New(gate, exchangers, append(httpapi.ConfigOptions(cfg), httpapi.WithLogger(logger))...)
	if l := srv.Limiter(); l != nil {
		go l.Run(ctx, cfg.RateLimit.Period.Std())
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(addr) }()

	logger.Info("creditgate started",
		"addr", addr,
		"ledger", cfg.Ledger.Driver,
		"invoker", cfg.Invoker.Provider,
		"model", cfg.Invoker.Model,
		"oauth", exchangers.Names(),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(w io.Writer, cfg creditgate.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func openStore(ctx context.Context, cfg creditgate.LedgerConfig, creditPrice float64) (creditgate.Store, func(), error) {
	switch cfg.Driver {
	case creditgate.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		opts := []postgres.Option{postgres.WithCreditPrice(creditPrice)}
		if cfg.Prefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.Prefix))
		}
		s := postgres.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case creditgate.DriverRedis:
		redisOpts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		opts := []redis.Option{redis.WithCreditPrice(creditPrice)}
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Prefix))
		}
		return redis.New(client, opts...), func() { client.Close() }, nil

	case creditgate.DriverSQLite:
		s, err := sqlite.Open(cfg.DSN, sqlite.WithCreditPrice(creditPrice))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case creditgate.DriverMemory:
		return ledger.NewMemoryStore(ledger.WithCreditPrice(creditPrice)), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
}

func newInvoker(cfg creditgate.InvokerConfig) creditgate.Invoker {
	switch cfg.Provider {
	case creditgate.InvokerAnthropic:
		var opts []anthropic.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.APIKey, opts...)
	case creditgate.InvokerOpenAI:
		if cfg.BaseURL == "" || cfg.BaseURL == anthropic.DefaultBaseURL {
			return openaicompat.NewOpenAI(cfg.APIKey)
		}
		return openaicompat.New(cfg.BaseURL, cfg.APIKey)
	default:
		return mock.New()
	}
}

func newExchangers(ctx context.Context, cfg creditgate.OAuthConfig, logger *slog.Logger) (*oauth.Registry, error) {
	var list []oauth.Exchanger
	if g := cfg.Google; g.ClientID != "" {
		ex, err := google.New(ctx, g.ClientID, g.ClientSecret, g.RedirectURL, google.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("google oauth: %w", err)
		}
		list = append(list, ex)
	}
	if len(list) == 0 {
		logger.Warn("no identity providers configured; login is disabled")
	}
	return oauth.NewRegistry(list...), nil
}
