package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"

	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/models"
)

// ErrUnprivileged 表示当前模式无法收到逐跳的超时报文。
var ErrUnprivileged = errors.New("path tracing requires a privileged ICMP socket")

// Options 配置 ICMP 探测参数。
type Options struct {
	Privileged bool
	MaxHops    int
	Count      int
	Timeout    time.Duration
	Interval   time.Duration
	Logger     *zap.Logger
}

func (o *Options) normalize() {
	if o.MaxHops <= 0 {
		o.MaxHops = 20
	}
	if o.Count <= 0 {
		o.Count = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
}

// Prober 同时提供路径追踪与批量探测。
type Prober struct {
	opts Options
	id   int
	log  *zap.Logger

	mu  sync.Mutex
	seq int

	// pingGroup 对同一地址族的目标执行一次批量探测。
	pingGroup func(ctx context.Context, f family, group []*pingTarget) error
}

// New 创建 Prober。
func New(opts Options) *Prober {
	opts.normalize()
	p := &Prober{
		opts: opts,
		id:   echoID(),
		log:  logging.OrNop(opts.Logger).Named("netprobe"),
	}
	p.pingGroup = p.pingFamily
	return p
}

func (p *Prober) nextSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = (p.seq + 1) & 0xffff
	return p.seq
}

// Trace 逐跳递增 TTL 发送回显请求，只返回有应答的跳，抵达目标后停止。
func (p *Prober) Trace(ctx context.Context, ip string) ([]models.Hop, error) {
	if !p.opts.Privileged {
		return nil, ErrUnprivileged
	}
	target, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	target = target.Unmap()
	f := familyOf(target)

	conn, err := listen(f, true)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var hops []models.Hop
	for ttl := 1; ttl <= p.opts.MaxHops; ttl++ {
		if err := ctx.Err(); err != nil {
			return hops, err
		}
		if err := setHopLimit(conn, f, ttl); err != nil {
			return hops, fmt.Errorf("set ttl %d: %w", ttl, err)
		}

		hop, done, err := p.probeHop(ctx, conn, f, target, ttl)
		if err != nil {
			return hops, err
		}
		if hop != nil {
			hops = append(hops, *hop)
		}
		if done {
			break
		}
		if p.opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return hops, ctx.Err()
			case <-time.After(p.opts.Interval):
			}
		}
	}
	return hops, nil
}

func (p *Prober) probeHop(ctx context.Context, conn *icmp.PacketConn, f family, target netip.Addr, ttl int) (*models.Hop, bool, error) {
	var (
		address string
		total   time.Duration
		replies int
		done    bool
	)
	for i := 0; i < p.opts.Count; i++ {
		seq := p.nextSeq()
		wb, err := marshalEcho(f, p.id, seq)
		if err != nil {
			return nil, false, fmt.Errorf("marshal echo: %w", err)
		}
		sent := time.Now()
		if _, err := conn.WriteTo(wb, destination(target, true)); err != nil {
			return nil, false, fmt.Errorf("send echo ttl %d: %w", ttl, err)
		}

		deadline := sent.Add(p.opts.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		err = readUntil(conn, f, deadline, func(pkt packet) bool {
			kind := hopReply(pkt, f, p.id, seq, target)
			if kind == replyNone {
				return false
			}
			address = pkt.peer
			total += pkt.at.Sub(sent)
			replies++
			// 目标的回显应答或不可达报文都意味着无法再向前推进。
			if kind == replyEcho || kind == replyUnreachable {
				done = true
			}
			return true
		})
		if err != nil {
			return nil, false, err
		}
	}
	if replies == 0 {
		p.log.Debug("no reply", zap.String("target", target.String()), zap.Int("ttl", ttl))
		return nil, false, nil
	}
	return &models.Hop{
		Distance: ttl,
		Address:  address,
		AvgRTT:   millis(total / time.Duration(replies)),
	}, done, nil
}
