// Package geo 提供带滑动窗口限流与进程内缓存的地理位置查询。
package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/metrics"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/targets"
)

var (
	// ErrRateLimited 表示当前窗口内的查询配额已用尽，稍后可重试。
	ErrRateLimited = errors.New("geolocation rate limited")
	// ErrLookupFailed 表示外部查询失败，结果不会被缓存。
	ErrLookupFailed = errors.New("geolocation lookup failed")
)

// Locator 是外部地理位置查询服务。
type Locator interface {
	Locate(ctx context.Context, ip string) (*models.GeoLocation, error)
}

// Status 是限流器当前的配额状态。
type Status struct {
	Remaining int `json:"remaining"`
	ResetIn   int `json:"reset_in"`
}

// Options 配置 Cache。
type Options struct {
	Limit   int
	Window  time.Duration
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Cache 记忆化地理位置查询结果，并以滑动窗口限制外部查询次数。
// 窗口裁剪、计数检查、时间戳追加与缓存写入都在同一把锁下完成。
type Cache struct {
	locator Locator
	limit   int
	window  time.Duration
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	entries  map[string]models.GeoLocation
	attempts []time.Time

	inflight singleflight.Group
}

// NewCache 创建查询缓存，未设置的选项使用 45 次 / 60 秒的默认限额。
func NewCache(locator Locator, opts Options) *Cache {
	if opts.Limit <= 0 {
		opts.Limit = 45
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Cache{
		locator: locator,
		limit:   opts.Limit,
		window:  opts.Window,
		clock:   opts.Clock,
		log:     logging.OrNop(opts.Logger).Named("geo"),
		metrics: opts.Metrics,
		entries: make(map[string]models.GeoLocation),
	}
}

// Lookup 返回地址的地理位置。
// 私有或回环地址返回 (nil, nil) 且不消耗配额；配额耗尽返回 ErrRateLimited；
// 外部查询失败返回 ErrLookupFailed，均不写入缓存。
func (c *Cache) Lookup(ctx context.Context, ip string) (*models.GeoLocation, error) {
	if targets.IsLocal(ip) {
		c.metrics.GeoLookup(metrics.ResultLocal)
		return nil, nil
	}
	if geo, ok := c.cached(ip); ok {
		c.metrics.GeoLookup(metrics.ResultCached)
		return geo, nil
	}

	// 同一地址的并发查询共享一次外部调用，只消耗一份配额。
	// 共享调用不随发起者取消，调用者取消时只是不再等待结果。
	shared := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(ip, func() (interface{}, error) {
		return c.fetch(shared, ip)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	geo := *res.Val.(*models.GeoLocation)
	return &geo, nil
}

// Status 返回剩余配额和最早一次查询离开窗口的剩余秒数。
func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.pruneLocked(now)
	st := Status{Remaining: c.limit - len(c.attempts)}
	if len(c.attempts) > 0 {
		st.ResetIn = int((c.window - now.Sub(c.attempts[0])).Seconds())
	}
	return st
}

// Len 返回已缓存的地址数量。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) cached(ip string) (*models.GeoLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	geo, ok := c.entries[ip]
	if !ok {
		return nil, false
	}
	return &geo, true
}

func (c *Cache) fetch(ctx context.Context, ip string) (*models.GeoLocation, error) {
	c.mu.Lock()
	if geo, ok := c.entries[ip]; ok {
		c.mu.Unlock()
		return &geo, nil
	}
	now := c.clock.Now()
	c.pruneLocked(now)
	if len(c.attempts) >= c.limit {
		c.mu.Unlock()
		c.metrics.GeoLookup(metrics.ResultRateLimited)
		c.log.Debug("lookup rate limited", zap.String("ip", ip))
		return nil, ErrRateLimited
	}
	c.attempts = append(c.attempts, now)
	c.mu.Unlock()

	geo, err := c.locator.Locate(ctx, ip)
	if err == nil && geo == nil {
		err = errors.New("empty result")
	}
	if err != nil {
		c.metrics.GeoLookup(metrics.ResultFailure)
		c.log.Warn("lookup failed", zap.String("ip", ip), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrLookupFailed, ip, err)
	}

	c.mu.Lock()
	c.entries[ip] = *geo
	c.mu.Unlock()
	c.metrics.GeoLookup(metrics.ResultSuccess)
	return geo, nil
}

func (c *Cache) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.attempts) && !c.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.attempts = append(c.attempts[:0], c.attempts[i:]...)
	}
}
