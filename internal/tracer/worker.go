package tracer

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/geo"
	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/metrics"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/realtime"
	"github.com/hitushen/nettrace/internal/store"
)

// PathTracer 对目标执行一次路径追踪，返回按距离排列的应答跳。
type PathTracer interface {
	Trace(ctx context.Context, ip string) ([]models.Hop, error)
}

// GeoLookup 查询地址的地理位置。
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (*models.GeoLocation, error)
}

// Store 是工作协程需要的持久化操作。
type Store interface {
	UpsertConnection(ctx context.Context, ip string, upd store.ConnectionUpdate) error
	AddLatencySample(ctx context.Context, ip string, rtt float64, ts time.Time) error
	LatencyHistory(ctx context.Context, ip string, limit int) ([]models.LatencySample, error)
}

// WorkerConfig 汇总 Worker 的依赖。
type WorkerConfig struct {
	Queue        *Queue
	Tracer       PathTracer
	Geo          GeoLookup
	Store        Store
	Notifier     realtime.Notifier
	Clock        clock.Clock
	PollInterval time.Duration
	HistoryLimit int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Worker 是追踪队列的唯一消费者。
type Worker struct {
	queue        *Queue
	tracer       PathTracer
	geo          GeoLookup
	store        Store
	notifier     realtime.Notifier
	clock        clock.Clock
	poll         time.Duration
	historyLimit int
	log          *zap.Logger
	metrics      *metrics.Metrics
}

// NewWorker 创建工作协程，轮询间隔默认 1 秒，历史长度默认 20。
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Worker{
		queue:        cfg.Queue,
		tracer:       cfg.Tracer,
		geo:          cfg.Geo,
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		poll:         cfg.PollInterval,
		historyLimit: cfg.HistoryLimit,
		log:          logging.OrNop(cfg.Logger).Named("tracer"),
		metrics:      cfg.Metrics,
	}
}

// Run 持续消费队列直到 ctx 被取消。队列为空时等待入队信号或下一个轮询周期。
func (w *Worker) Run(ctx context.Context) error {
	ticker := w.clock.Ticker(w.poll)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return nil
			}
			ip, ok := w.queue.Dequeue()
			if !ok {
				break
			}
			w.Process(ctx, ip)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.queue.Ready():
		case <-ticker.C:
		}
	}
}

// Process 追踪单个地址。无论成功、失败还是 panic，地址最终都会被标记为已完成。
func (w *Worker) Process(ctx context.Context, ip string) {
	defer w.queue.Done(ip)
	defer func() {
		if r := recover(); r != nil {
			w.metrics.TraceCompleted(metrics.ResultFailure)
			w.log.Error("trace panicked", zap.String("ip", ip), zap.Any("panic", r))
		}
	}()

	w.log.Info("tracing", zap.String("ip", ip))
	hops, err := w.tracer.Trace(ctx, ip)
	if err != nil {
		w.metrics.TraceCompleted(metrics.ResultFailure)
		w.log.Warn("trace failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	path := make([]models.Hop, 0, len(hops))
	for _, hop := range hops {
		hop.GeoLocation = w.locate(ctx, hop.Address)
		path = append(path, hop)
	}

	var latest *float64
	if n := len(hops); n > 0 && hops[n-1].Address == ip {
		rtt := hops[n-1].AvgRTT
		latest = &rtt
		if err := w.store.AddLatencySample(ctx, ip, rtt, w.clock.Now()); err != nil {
			w.metrics.StoreError("add_latency_sample")
			w.log.Warn("record latency failed", zap.String("ip", ip), zap.Error(err))
		} else {
			w.metrics.LatencySample(metrics.SourceTrace)
		}
	}

	targetGeo := w.locate(ctx, ip)
	if targetGeo != nil {
		if err := w.store.UpsertConnection(ctx, ip, store.ConnectionUpdate{Geo: targetGeo}); err != nil {
			w.metrics.StoreError("upsert_connection")
			w.log.Warn("update connection geo failed", zap.String("ip", ip), zap.Error(err))
		}
	}

	history, err := w.store.LatencyHistory(ctx, ip, w.historyLimit)
	if err != nil {
		w.metrics.StoreError("latency_history")
		w.log.Warn("load latency history failed", zap.String("ip", ip), zap.Error(err))
	}

	w.notifier.Publish(realtime.Event{
		Type: models.EventTracerouteResult,
		Payload: models.TraceroutePayload{
			Target:         ip,
			Path:           path,
			TargetGeo:      targetGeo,
			LatestRTT:      latest,
			LatencyHistory: models.HistoryPoints(history),
		},
	})

	result := metrics.ResultSuccess
	if latest == nil {
		result = metrics.ResultUnreachable
	}
	w.metrics.TraceCompleted(result)
	w.log.Info("trace completed", zap.String("ip", ip), zap.Int("hops", len(path)), zap.Bool("reached", latest != nil))
}

func (w *Worker) locate(ctx context.Context, ip string) *models.GeoLocation {
	loc, err := w.geo.Lookup(ctx, ip)
	switch {
	case err == nil:
		return loc
	case errors.Is(err, geo.ErrRateLimited):
		w.log.Debug("geo lookup rate limited", zap.String("ip", ip))
	default:
		w.log.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
	}
	return nil
}
