// Package scanner 周期性读取活动连接，登记新出现的远端地址并交给路径追踪。
package scanner

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/metrics"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/realtime"
	"github.com/hitushen/nettrace/internal/store"
	"github.com/hitushen/nettrace/internal/targets"
)

// ConnectionWriter 持久化扫描到的连接。
type ConnectionWriter interface {
	UpsertConnection(ctx context.Context, ip string, upd store.ConnectionUpdate) error
}

// Enqueuer 接收需要追踪的新地址。
type Enqueuer interface {
	Enqueue(ip string) bool
}

// Config 汇总 Scanner 的依赖。
type Config struct {
	Source   Source
	Seen     *targets.Set
	Store    ConnectionWriter
	Queue    Enqueuer
	Notifier realtime.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// Sentinel 在主机没有任何外部连接时注入一次，IP 为空表示关闭。
	Sentinel models.Endpoint
}

// Scanner 把系统连接表转换为连接记录与追踪任务。
type Scanner struct {
	source   Source
	seen     *targets.Set
	store    ConnectionWriter
	queue    Enqueuer
	notifier realtime.Notifier
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	sentinel models.Endpoint

	running sync.Mutex
}

// New 创建 Scanner。
func New(cfg Config) *Scanner {
	if cfg.Source == nil {
		cfg.Source = SystemSource{}
	}
	if cfg.Seen == nil {
		cfg.Seen = targets.NewSet()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scanner{
		source:   cfg.Source,
		seen:     cfg.Seen,
		store:    cfg.Store,
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		log:      logging.OrNop(cfg.Logger).Named("scanner"),
		metrics:  cfg.Metrics,
		sentinel: cfg.Sentinel,
	}
}

// Snapshot 返回已建立连接的远端端点，排除回环地址，同一地址只保留第一次出现。
func (s *Scanner) Snapshot(ctx context.Context) ([]models.Endpoint, error) {
	conns, err := s.source.Connections(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(conns))
	endpoints := make([]models.Endpoint, 0, len(conns))
	for _, c := range conns {
		if c.Status != StatusEstablished {
			continue
		}
		ip := targets.Normalize(c.RemoteIP)
		if ip == "" || targets.IsLoopback(ip) {
			continue
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		endpoints = append(endpoints, models.Endpoint{
			IP:       ip,
			Port:     c.RemotePort,
			Protocol: NameForPort(c.RemotePort),
		})
	}

	if len(endpoints) == 0 && s.sentinel.IP != "" && !s.seen.Has(s.sentinel.IP) {
		s.log.Info("no remote connections, injecting sentinel", zap.String("ip", s.sentinel.IP))
		endpoints = append(endpoints, s.sentinel)
	}
	return endpoints, nil
}

// Scan 执行一次扫描。已有扫描在进行时直接跳过。
func (s *Scanner) Scan(ctx context.Context) error {
	if !s.running.TryLock() {
		s.log.Debug("scan already running, skipped")
		return nil
	}
	defer s.running.Unlock()

	endpoints, err := s.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	for _, ep := range endpoints {
		if ctx.Err() != nil {
			return nil
		}
		s.record(ctx, ep)
	}
	return nil
}

func (s *Scanner) record(ctx context.Context, ep models.Endpoint) {
	now := s.clock.Now()
	err := s.store.UpsertConnection(ctx, ep.IP, store.ConnectionUpdate{Port: ep.Port, Protocol: ep.Protocol})
	if err != nil {
		s.metrics.StoreError("upsert_connection")
		s.log.Warn("upsert connection failed", zap.String("ip", ep.IP), zap.Error(err))
		return
	}
	if !s.seen.Add(ep.IP) {
		return
	}

	s.metrics.ConnectionDiscovered()
	s.log.Info("new connection", zap.String("ip", ep.IP), zap.Int("port", ep.Port), zap.String("protocol", ep.Protocol))
	s.notifier.Publish(realtime.Event{
		Type: models.EventNewConnection,
		Payload: models.NewConnectionPayload{
			IP:        ep.IP,
			Protocol:  ep.Protocol,
			FirstSeen: models.UnixSeconds(now),
		},
	})
	s.queue.Enqueue(ep.IP)
}
