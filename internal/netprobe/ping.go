package netprobe

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/sync/errgroup"

	"github.com/hitushen/nettrace/internal/models"
)

type pingTarget struct {
	ip      string
	addr    netip.Addr
	total   time.Duration
	replies int
}

// PingAll 对所有地址各发送 Count 个回显请求，每个地址族共用一个套接字。
// 结果顺序与输入一致，无法解析的地址记为不可达。
func (p *Prober) PingAll(ctx context.Context, ips []string) ([]models.PingResult, error) {
	byFamily := map[family][]*pingTarget{}
	all := make([]*pingTarget, 0, len(ips))
	for _, ip := range ips {
		t := &pingTarget{ip: ip}
		all = append(all, t)
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		t.addr = addr.Unmap()
		f := familyOf(t.addr)
		byFamily[f] = append(byFamily[f], t)
	}

	// 某个地址族失败时只把该族的目标记为不可达，全部失败才返回错误。
	var (
		mu     sync.Mutex
		errs   error
		failed int
	)
	var g errgroup.Group
	for f, group := range byFamily {
		f, group := f, group
		g.Go(func() error {
			if err := p.pingGroup(ctx, f, group); err != nil {
				p.log.Warn("batch probe failed", zap.Bool("ipv6", f.v6), zap.Int("targets", len(group)), zap.Error(err))
				for _, t := range group {
					t.total, t.replies = 0, 0
				}
				mu.Lock()
				errs = multierr.Append(errs, err)
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if failed > 0 && failed == len(byFamily) {
		return nil, errs
	}

	results := make([]models.PingResult, 0, len(all))
	for _, t := range all {
		res := models.PingResult{IP: t.ip}
		if t.replies > 0 {
			res.Reachable = true
			res.AvgRTT = millis(t.total / time.Duration(t.replies))
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *Prober) pingFamily(ctx context.Context, f family, group []*pingTarget) error {
	conn, err := listen(f, p.opts.Privileged)
	if err != nil {
		return err
	}
	defer conn.Close()

	for round := 0; round < p.opts.Count; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if round > 0 && p.opts.Interval > 0 {
			time.Sleep(p.opts.Interval)
		}
		if err := p.pingRound(ctx, conn, f, group); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prober) pingRound(ctx context.Context, conn *icmp.PacketConn, f family, group []*pingTarget) error {
	type inflight struct {
		target *pingTarget
		sent   time.Time
	}
	pending := make(map[int]inflight, len(group))

	for _, t := range group {
		seq := p.nextSeq()
		wb, err := marshalEcho(f, p.id, seq)
		if err != nil {
			return fmt.Errorf("marshal echo: %w", err)
		}
		sent := time.Now()
		if _, err := conn.WriteTo(wb, destination(t.addr, p.opts.Privileged)); err != nil {
			// 单个目标发送失败只影响该目标。
			p.log.Debug("send echo failed", zap.String("ip", t.ip), zap.Error(err))
			continue
		}
		pending[seq] = inflight{target: t, sent: sent}
	}
	if len(pending) == 0 {
		return nil
	}

	deadline := time.Now().Add(p.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return readUntil(conn, f, deadline, func(pkt packet) bool {
		echo, ok := pkt.msg.Body.(*icmp.Echo)
		if !ok {
			return false
		}
		in, ok := pending[echo.Seq]
		if !ok || classify(pkt.msg, f, p.id, echo.Seq, p.opts.Privileged) != replyEcho {
			return false
		}
		if pkt.peer != in.target.addr.String() {
			return false
		}
		in.target.total += pkt.at.Sub(in.sent)
		in.target.replies++
		delete(pending, echo.Seq)
		return len(pending) == 0
	})
}
