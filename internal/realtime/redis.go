package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/logging"
)

const (
	redisQueueSize    = 1024
	redisWriteTimeout = 2 * time.Second
)

// Publisher 是 RedisPublisher 依赖的最小 Redis 能力。
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher 把事件异步发布到 Redis 频道，队列满时丢弃。
type RedisPublisher struct {
	client  Publisher
	channel string
	log     *zap.Logger

	queue   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewRedisPublisher 创建发布器，需调用 Start 后才会真正写出。
func NewRedisPublisher(client Publisher, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		log:     logging.OrNop(logger).Named("redis"),
		queue:   make(chan []byte, redisQueueSize),
		done:    make(chan struct{}),
	}
}

// Start 启动后台写出协程。
func (p *RedisPublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.loop()
}

// Stop 停止写出协程，并尽力发送队列中剩余的事件。
func (p *RedisPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	p.log.Info("redis publisher stopped",
		zap.Uint64("published", p.published.Load()),
		zap.Uint64("dropped", p.dropped.Load()))
}

// Publish 实现 Notifier。
func (p *RedisPublisher) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case p.queue <- data:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.log.Warn("redis queue full, dropping events", zap.Uint64("dropped", n))
		}
	}
}

// Stats 返回发布统计。
func (p *RedisPublisher) Stats() (published, dropped uint64) {
	return p.published.Load(), p.dropped.Load()
}

func (p *RedisPublisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case data := <-p.queue:
			p.send(data)
		case <-p.done:
			for {
				select {
				case data := <-p.queue:
					p.send(data)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) send(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warn("redis publish failed", zap.Error(err))
		return
	}
	p.published.Add(1)
}
