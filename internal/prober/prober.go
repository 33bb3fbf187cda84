// Package prober 周期性地对所有已知地址做一次批量探测并记录时延。
package prober

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/metrics"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/realtime"
)

// Pinger 对一组地址并发执行一次探测。
type Pinger interface {
	PingAll(ctx context.Context, ips []string) ([]models.PingResult, error)
}

// Targets 提供当前需要探测的地址快照。
type Targets interface {
	Snapshot() []string
}

// Recorder 保存时延样本。
type Recorder interface {
	AddLatencySample(ctx context.Context, ip string, rtt float64, ts time.Time) error
}

// Config 汇总 Prober 的依赖。
type Config struct {
	Targets  Targets
	Pinger   Pinger
	Store    Recorder
	Notifier realtime.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Prober 执行批量时延探测。
type Prober struct {
	targets  Targets
	pinger   Pinger
	store    Recorder
	notifier realtime.Notifier
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New 创建 Prober。
func New(cfg Config) *Prober {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Prober{
		targets:  cfg.Targets,
		pinger:   cfg.Pinger,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		log:      logging.OrNop(cfg.Logger).Named("prober"),
		metrics:  cfg.Metrics,
	}
}

// Cycle 执行一轮探测：不可达的目标被跳过，批量失败时本轮直接结束。
func (p *Prober) Cycle(ctx context.Context) {
	ips := p.targets.Snapshot()
	if len(ips) == 0 {
		return
	}

	results, err := p.pinger.PingAll(ctx, ips)
	if err != nil {
		p.metrics.ProbeCycle(metrics.ResultFailure)
		p.log.Warn("batch probe failed", zap.Int("targets", len(ips)), zap.Error(err))
		return
	}
	p.metrics.ProbeCycle(metrics.ResultSuccess)

	now := p.clock.Now()
	reachable := 0
	for _, res := range results {
		if !res.Reachable {
			continue
		}
		reachable++
		if err := p.store.AddLatencySample(ctx, res.IP, res.AvgRTT, now); err != nil {
			p.metrics.StoreError("add_latency_sample")
			p.log.Warn("record latency failed", zap.String("ip", res.IP), zap.Error(err))
			continue
		}
		p.metrics.LatencySample(metrics.SourceProbe)
		p.notifier.Publish(realtime.Event{
			Type:    models.EventLatencyUpdate,
			Payload: models.LatencyPayload{IP: res.IP, RTT: res.AvgRTT},
		})
	}
	p.log.Debug("probe cycle finished", zap.Int("targets", len(ips)), zap.Int("reachable", reachable))
}
