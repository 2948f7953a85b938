// Command tradecored runs the trading coordination daemon: event bus,
// heartbeat, asset pollers and the configured trading sessions.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coachpo/tradecore/config"
	"github.com/coachpo/tradecore/internal/assetsvc"
	"github.com/coachpo/tradecore/internal/bus"
	"github.com/coachpo/tradecore/internal/domain"
	"github.com/coachpo/tradecore/internal/event"
	"github.com/coachpo/tradecore/internal/heartbeat"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/session"
	"github.com/coachpo/tradecore/internal/venues/binance"
	"github.com/coachpo/tradecore/internal/venues/fake"
	"github.com/coachpo/tradecore/internal/venues/okx"
	"github.com/coachpo/tradecore/lib/sched"
)

const (
	defaultConfigPath = "config/tradecore.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	metricsAddr := flag.String("metrics", "", "listen address for the metrics endpoint, empty disables it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := setupObservability(cfg.Environment, *metricsAddr); err != nil {
		log.Fatalf("setup observability: %v", err)
	}
	logger := observability.Log()
	logger.Info("configuration loaded",
		observability.F("server_id", cfg.ServerID),
		observability.F("environment", string(cfg.Environment)),
		observability.F("accounts", len(cfg.Accounts)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failures := observability.NewFailureLog(256)
	scheduler := sched.New(failures)

	transport := bus.NewAMQPTransport(cfg.Broker.Host, cfg.Broker.Port,
		cfg.Broker.Username, cfg.Broker.Password)
	center := bus.New(cfg.ServerID, transport, scheduler,
		bus.WithBindDelay(cfg.Broker.BindDelay.Std()),
		bus.WithHealthInterval(cfg.Broker.HealthInterval.Std()))
	center.Start(ctx)
	defer center.Close()

	beat := heartbeat.New(cfg.ServerID, center, scheduler, cfg.HeartbeatInterval.Std())
	beat.Start()
	defer beat.Stop()

	var sessions []*session.Session
	for _, acct := range cfg.Accounts {
		s, err := startAccount(ctx, cfg.ServerID, acct, scheduler, center)
		if err != nil {
			logger.Error("account start failed",
				observability.F("platform", acct.Platform),
				observability.F("account", acct.Account),
				observability.F("error", err.Error()))
			continue
		}
		sessions = append(sessions, s)
	}
	logger.Info("tradecored running", observability.F("sessions", len(sessions)))

	<-ctx.Done()
	logger.Info("shutdown requested")

	for _, s := range sessions {
		if err := s.Stop(); err != nil {
			logger.Warn("session stop failed", observability.F("error", err.Error()))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler drain incomplete", observability.F("error", err.Error()))
	}
	for _, failure := range failures.Drain() {
		logger.Warn("unresolved task failure",
			observability.F("origin", failure.Origin),
			observability.F("error", failure.Err.Error()))
	}
}

func setupObservability(env config.Environment, metricsAddr string) error {
	var logger *observability.ZapLogger
	if env == config.EnvProd {
		base, err := zap.NewProduction()
		if err != nil {
			return err
		}
		logger = observability.NewZapLogger(base)
	} else {
		logger = observability.NewDevelopmentLogger()
	}
	observability.SetLogger(logger)

	metrics := observability.NewPromMetrics(nil)
	observability.SetMetrics(metrics)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
			server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				observability.Log().Error("metrics server failed",
					observability.F("error", err.Error()))
			}
		}()
	}
	return nil
}

func startAccount(ctx context.Context, serverID string, acct config.AccountSettings, scheduler *sched.Scheduler, center *bus.Center) (*session.Session, error) {
	sessionCfg := session.Config{
		ServerID:             serverID,
		Account:              acct.Account,
		Strategy:             acct.Strategy,
		Symbol:               acct.Symbol,
		PositionPollInterval: acct.PositionPollInterval.Std(),
		Callbacks: session.Callbacks{
			OnOrder: func(o domain.Order) {
				_ = center.Publish(ctx, event.NewOrder(serverID, o))
			},
			OnInitResult: func(ok bool, err error) {
				if ok {
					observability.Log().Info("session ready",
						observability.F("platform", acct.Platform),
						observability.F("account", acct.Account))
					return
				}
				observability.Log().Error("session init failed",
					observability.F("platform", acct.Platform),
					observability.F("account", acct.Account),
					observability.F("error", err.Error()))
			},
		},
	}

	var (
		driver  session.StreamDriver
		fetcher assetsvc.AccountFetcher
		opts    []session.Option
	)
	opts = append(opts, session.WithBus(center))

	switch acct.Platform {
	case "binance":
		d, err := binance.New(binance.Options{
			APIKey:    acct.APIKey,
			SecretKey: acct.SecretKey,
			RestBase:  acct.RestBase,
			WssBase:   acct.WssURL,
			Symbol:    acct.Symbol,
			Timeout:   acct.HTTPTimeout.Std(),
		}, scheduler)
		if err != nil {
			return nil, err
		}
		driver, fetcher = d, d
	case "okx":
		okxOpts := okx.Options{
			APIKey:     acct.APIKey,
			SecretKey:  acct.SecretKey,
			Passphrase: acct.Passphrase,
			RestBase:   acct.RestBase,
			WssURL:     acct.WssURL,
			Symbol:     acct.Symbol,
			Timeout:    acct.HTTPTimeout.Std(),
		}
		d, err := okx.New(okxOpts)
		if err != nil {
			return nil, err
		}
		driver, fetcher = d, d
		if acct.Futures {
			opts = append(opts, session.WithPositionDriver(okx.NewPositions(okxOpts)))
		}
	default:
		d := fake.New(fake.Options{Symbol: acct.Symbol, FillAfter: 2 * time.Second})
		driver, fetcher = d, d
	}

	s, err := session.New(sessionCfg, driver, scheduler, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	var assetOpts []assetsvc.Option
	if acct.AssetPollInterval > 0 {
		assetOpts = append(assetOpts, assetsvc.WithInterval(acct.AssetPollInterval.Std()))
	}
	assetsvc.New(serverID, acct.Account, fetcher, center, scheduler, assetOpts...).Start()
	return s, nil
}
