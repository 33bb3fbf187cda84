package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/config"
	"github.com/hitushen/nettrace/internal/geo"
	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/metrics"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/monitor"
	"github.com/hitushen/nettrace/internal/netprobe"
	"github.com/hitushen/nettrace/internal/realtime"
	"github.com/hitushen/nettrace/internal/scanner"
	"github.com/hitushen/nettrace/internal/server"
	"github.com/hitushen/nettrace/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "nettrace",
		Usage: "trace and visualise the remote endpoints this host talks to",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file", EnvVars: []string{"NETTRACE_CONFIG"}},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "unprivileged", Usage: "use datagram ICMP sockets; path tracing is disabled"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("db"); v != "" {
		cfg.DBPath = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if c.Bool("unprivileged") {
		cfg.Privileged = false
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.New(cfg.DBPath, nil)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	broker := realtime.NewBroker()
	var notifier realtime.Notifier = broker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		pub := realtime.NewRedisPublisher(client, cfg.RedisChannel, logger)
		pub.Start()
		defer pub.Stop()
		notifier = realtime.Fanout{broker, pub}
		logger.Info("redis event sink enabled", zap.String("channel", cfg.RedisChannel))
	}

	locator, closeLocator, err := buildLocator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocator()

	tracer := netprobe.New(netprobe.Options{
		Privileged: cfg.Privileged,
		MaxHops:    cfg.TraceMaxHops,
		Count:      cfg.TraceCount,
		Timeout:    cfg.TraceTimeout,
		Interval:   cfg.TraceInterval,
		Logger:     logger,
	})
	pinger := netprobe.New(netprobe.Options{
		Privileged: cfg.Privileged,
		Count:      1,
		Timeout:    cfg.ProbeTimeout,
		Logger:     logger,
	})
	if !cfg.Privileged {
		logger.Warn("running unprivileged, path tracing disabled")
	}

	var sentinel models.Endpoint
	if cfg.SentinelIP != "" {
		sentinel = models.Endpoint{
			IP:       cfg.SentinelIP,
			Port:     cfg.SentinelPort,
			Protocol: scanner.NameForPort(cfg.SentinelPort),
		}
	}

	mon := monitor.New(monitor.Config{
		Store:              st,
		Notifier:           notifier,
		Source:             scanner.SystemSource{},
		Tracer:             tracer,
		Pinger:             pinger,
		Locator:            locator,
		Logger:             logger,
		Metrics:            m,
		ScanInterval:       cfg.ScanInterval,
		ProbeInterval:      cfg.ProbeInterval,
		RateStatusInterval: cfg.RateStatusInterval,
		TracePollInterval:  cfg.TracePollInterval,
		HistoryLimit:       cfg.HistoryLimit,
		GeoLimit:           cfg.GeoRateLimit,
		GeoWindow:          cfg.GeoWindow,
		Sentinel:           sentinel,
	})

	srv := server.New(mon, broker, server.Options{
		CSRFKey:  cfg.CSRFKey,
		Gatherer: reg,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(ctx) }()

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("nettrace listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	// 优雅地关闭服务
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
		stop()
	}
	logger.Info("shutting down")

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := <-monDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("monitor stopped with error", zap.Error(err))
	}
	return nil
}

// buildLocator 配置了 GeoLite2 时优先离线查询，失败再回退到在线接口。
func buildLocator(cfg *config.Config, logger *zap.Logger) (geo.Locator, func(), error) {
	online := geo.NewIPAPI(cfg.GeoEndpoint, cfg.GeoTimeout)
	if cfg.GeoLite2City == "" {
		return online, func() {}, nil
	}
	offline, err := geo.OpenGeoLite2(cfg.GeoLite2City, cfg.GeoLite2ASN)
	if err != nil {
		return nil, nil, fmt.Errorf("geolite2: %w", err)
	}
	logger.Info("offline geolocation enabled", zap.String("city_db", cfg.GeoLite2City))
	return geo.Chain{offline, online}, func() {
		if err := offline.Close(); err != nil {
			logger.Warn("close geolite2 failed", zap.Error(err))
		}
	}, nil
}
