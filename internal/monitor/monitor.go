// Package monitor 组装并协调扫描、路径追踪、时延探测与配额上报这些后台任务。
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hitushen/nettrace/internal/geo"
	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/metrics"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/prober"
	"github.com/hitushen/nettrace/internal/realtime"
	"github.com/hitushen/nettrace/internal/scanner"
	"github.com/hitushen/nettrace/internal/schedule"
	"github.com/hitushen/nettrace/internal/targets"
	"github.com/hitushen/nettrace/internal/tracer"
)

// Store 是整个流水线使用的持久化能力。
type Store interface {
	tracer.Store
	AllConnections(ctx context.Context) ([]models.Connection, error)
	ClearHistory(ctx context.Context, olderThan time.Duration) error
}

// Config 汇总 Monitor 的依赖与周期参数，零值周期使用默认值。
type Config struct {
	Store    Store
	Notifier realtime.Notifier
	Source   scanner.Source
	Tracer   tracer.PathTracer
	Pinger   prober.Pinger
	Locator  geo.Locator
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	ScanInterval       time.Duration
	ProbeInterval      time.Duration
	RateStatusInterval time.Duration
	TracePollInterval  time.Duration
	HistoryLimit       int
	GeoLimit           int
	GeoWindow          time.Duration
	Sentinel           models.Endpoint
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 2 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	if c.RateStatusInterval <= 0 {
		c.RateStatusInterval = time.Second
	}
	if c.TracePollInterval <= 0 {
		c.TracePollInterval = time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
}

// Monitor 拥有已见地址集合、地理位置缓存和追踪队列。
type Monitor struct {
	store    Store
	notifier realtime.Notifier
	log      *zap.Logger

	seen    *targets.Set
	geo     *geo.Cache
	queue   *tracer.Queue
	scanner *scanner.Scanner
	worker  *tracer.Worker
	prober  *prober.Prober

	scanLoop  *schedule.Periodic
	probeLoop *schedule.Periodic
	rateLoop  *schedule.Periodic

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

// New 组装流水线，周期任务在 Run 中才开始计时。
func New(cfg Config) *Monitor {
	cfg.applyDefaults()
	log := logging.OrNop(cfg.Logger)

	m := &Monitor{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		log:      log.Named("monitor"),
		seen:     targets.NewSet(),
		queue:    tracer.NewQueue(cfg.Metrics),
	}
	m.geo = geo.NewCache(cfg.Locator, geo.Options{
		Limit:   cfg.GeoLimit,
		Window:  cfg.GeoWindow,
		Clock:   cfg.Clock,
		Logger:  log,
		Metrics: cfg.Metrics,
	})
	m.scanner = scanner.New(scanner.Config{
		Source:   cfg.Source,
		Seen:     m.seen,
		Store:    cfg.Store,
		Queue:    m.queue,
		Notifier: cfg.Notifier,
		Clock:    cfg.Clock,
		Logger:   log,
		Metrics:  cfg.Metrics,
		Sentinel: cfg.Sentinel,
	})
	m.worker = tracer.NewWorker(tracer.WorkerConfig{
		Queue:        m.queue,
		Tracer:       cfg.Tracer,
		Geo:          m.geo,
		Store:        cfg.Store,
		Notifier:     cfg.Notifier,
		Clock:        cfg.Clock,
		PollInterval: cfg.TracePollInterval,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       log,
		Metrics:      cfg.Metrics,
	})
	m.prober = prober.New(prober.Config{
		Targets:  m.seen,
		Pinger:   cfg.Pinger,
		Store:    cfg.Store,
		Notifier: cfg.Notifier,
		Clock:    cfg.Clock,
		Logger:   log,
		Metrics:  cfg.Metrics,
	})

	m.scanLoop = schedule.New("scan", cfg.Clock, cfg.ScanInterval, m.scan,
		schedule.Immediately(), schedule.WithLogger(log))
	m.probeLoop = schedule.New("probe", cfg.Clock, cfg.ProbeInterval, m.prober.Cycle,
		schedule.WithLogger(log))
	m.rateLoop = schedule.New("rate", cfg.Clock, cfg.RateStatusInterval, m.reportRate,
		schedule.Immediately(), schedule.WithLogger(log))
	return m
}

// Run 恢复历史连接后运行所有后台任务，直到 ctx 被取消。只能调用一次。
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	restored, err := m.restore(ctx)
	if err != nil {
		m.log.Warn("restore history failed", zap.Error(err))
	} else {
		m.log.Info("history restored", zap.Int("connections", restored))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.scanLoop.Run(gctx) })
	g.Go(func() error { return m.worker.Run(gctx) })
	g.Go(func() error { return m.probeLoop.Run(gctx) })
	g.Go(func() error { return m.rateLoop.Run(gctx) })
	err = g.Wait()

	m.mu.Lock()
	m.base = nil
	m.mu.Unlock()
	m.wg.Wait()
	m.log.Info("monitor stopped")
	return err
}

// TriggerScan 异步执行一次扫描，Run 之外调用时忽略。
func (m *Monitor) TriggerScan() {
	m.mu.Lock()
	ctx := m.base
	if ctx == nil || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.scan(ctx)
	}()
}

// ClearHistory 清理历史记录，通知观察者并立即重新扫描。
// 已见地址集合与追踪状态保持不变，清理后重新出现的连接只会刷新记录。
func (m *Monitor) ClearHistory(ctx context.Context, olderThan time.Duration) error {
	if err := m.store.ClearHistory(ctx, olderThan); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	m.log.Info("history cleared", zap.Duration("older_than", olderThan))
	m.notifier.Publish(realtime.Event{Type: models.EventHistoryCleared, Payload: struct{}{}})
	m.TriggerScan()
	return nil
}

// RateStatus 返回地理位置查询的配额状态。
func (m *Monitor) RateStatus() geo.Status {
	return m.geo.Status()
}

// Connections 返回全部持久化的连接。
func (m *Monitor) Connections(ctx context.Context) ([]models.Connection, error) {
	return m.store.AllConnections(ctx)
}

// LatencyHistory 返回地址最近 limit 条时延样本。
func (m *Monitor) LatencyHistory(ctx context.Context, ip string, limit int) ([]models.LatencySample, error) {
	return m.store.LatencyHistory(ctx, ip, limit)
}

// Replay 把持久化的连接转换为 history 形式的 new_connection 事件，供新订阅者补齐状态。
func (m *Monitor) Replay(ctx context.Context) ([]realtime.Event, error) {
	conns, err := m.store.AllConnections(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]realtime.Event, 0, len(conns))
	for _, c := range conns {
		events = append(events, historyEvent(c))
	}
	return events, nil
}

// QueueLen 返回等待追踪的地址数量。
func (m *Monitor) QueueLen() int {
	return m.queue.Len()
}

// restore 把持久化的连接加入已见集合并广播，这些地址不会重新追踪。
func (m *Monitor) restore(ctx context.Context) (int, error) {
	conns, err := m.store.AllConnections(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range conns {
		if !m.seen.Add(c.IP) {
			continue
		}
		n++
		m.notifier.Publish(historyEvent(c))
	}
	return n, nil
}

func (m *Monitor) scan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("scan panicked", zap.Any("panic", r))
		}
	}()
	if err := m.scanner.Scan(ctx); err != nil {
		m.log.Warn("scan failed", zap.Error(err))
	}
}

func (m *Monitor) reportRate(context.Context) {
	st := m.geo.Status()
	m.notifier.Publish(realtime.Event{
		Type:    models.EventRateLimitStatus,
		Payload: models.RateLimitPayload{Remaining: st.Remaining, ResetIn: st.ResetIn},
	})
}

func historyEvent(c models.Connection) realtime.Event {
	return realtime.Event{
		Type: models.EventNewConnection,
		Payload: models.NewConnectionPayload{
			IP:        c.IP,
			Protocol:  c.Protocol,
			FirstSeen: models.UnixSeconds(c.FirstSeen),
			History:   true,
			Geo:       c.Geo,
		},
	}
}
