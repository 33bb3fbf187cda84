// Package schedule 提供可取消、可注入时钟的周期任务。
package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/logging"
)

// Task 是一次周期执行的工作单元。
type Task func(ctx context.Context)

// Periodic 以固定间隔重复执行 Task。ticker 只在 Run 期间存在。
type Periodic struct {
	name      string
	clock     clock.Clock
	interval  time.Duration
	immediate bool
	task      Task
	log       *zap.Logger

	// ready 在 Run 创建好 ticker 后关闭。
	ready chan struct{}
}

// Option 调整 Periodic 的行为。
type Option func(*Periodic)

// Immediately 让 Run 在等待第一个周期前先执行一次。
func Immediately() Option {
	return func(p *Periodic) { p.immediate = true }
}

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(p *Periodic) { p.log = logger }
}

// New 创建名为 name、间隔为 interval 的周期任务。
func New(name string, clk clock.Clock, interval time.Duration, task Task, opts ...Option) *Periodic {
	if clk == nil {
		clk = clock.New()
	}
	p := &Periodic{
		name:     name,
		clock:    clk,
		interval: interval,
		task:     task,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.OrNop(p.log).Named(name)
	return p
}

// Ready 在 Run 开始计时后关闭。
func (p *Periodic) Ready() <-chan struct{} {
	return p.ready
}

// Run 阻塞执行直到 ctx 被取消，只能调用一次。单次执行中的 panic 会被记录并吞掉，循环继续。
func (p *Periodic) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	close(p.ready)

	if p.immediate {
		p.runOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("periodic task panicked", zap.Any("panic", r))
		}
	}()
	p.task(ctx)
}
