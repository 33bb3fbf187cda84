// Package netprobe 基于 ICMP 回显实现路径追踪与批量探测。
package netprobe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolICMPv6   = 58
	ipv6HeaderLength = 40
)

type replyKind int

const (
	replyNone replyKind = iota
	replyEcho
	replyTimeExceeded
	replyUnreachable
)

// family 描述一种地址族下的套接字参数。
type family struct {
	v6       bool
	proto    int
	echoType icmp.Type
}

var (
	familyV4 = family{proto: protocolICMP, echoType: ipv4.ICMPTypeEcho}
	familyV6 = family{v6: true, proto: protocolICMPv6, echoType: ipv6.ICMPTypeEchoRequest}
)

func familyOf(addr netip.Addr) family {
	if addr.Unmap().Is4() {
		return familyV4
	}
	return familyV6
}

// listen 打开 ICMP 套接字。特权模式使用原始套接字，否则使用 Linux 的 ping 套接字。
func listen(f family, privileged bool) (*icmp.PacketConn, error) {
	network, addr := "udp4", "0.0.0.0"
	switch {
	case f.v6 && privileged:
		network, addr = "ip6:ipv6-icmp", "::"
	case f.v6:
		network, addr = "udp6", "::"
	case privileged:
		network = "ip4:icmp"
	}
	conn, err := icmp.ListenPacket(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", network, err)
	}
	return conn, nil
}

func setHopLimit(conn *icmp.PacketConn, f family, ttl int) error {
	if f.v6 {
		return conn.IPv6PacketConn().SetHopLimit(ttl)
	}
	return conn.IPv4PacketConn().SetTTL(ttl)
}

var instances atomic.Uint32

// echoID 为每个 Prober 分配不同的回显标识。原始套接字会收到本机所有 ICMP 报文，
// 同进程内的多个 Prober 必须靠标识区分各自的应答。
func echoID() int {
	n := int(instances.Add(1) - 1)
	return (os.Getpid() + n) & 0xffff
}

func marshalEcho(f family, id, seq int) ([]byte, error) {
	msg := icmp.Message{
		Type: f.echoType,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("nettrace")},
	}
	return msg.Marshal(nil)
}

func destination(ip netip.Addr, privileged bool) net.Addr {
	if privileged {
		return &net.IPAddr{IP: ip.AsSlice()}
	}
	return &net.UDPAddr{IP: ip.AsSlice()}
}

func peerIP(addr net.Addr) string {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return ""
	}
	parsed, ok := netip.AddrFromSlice(ip)
	if !ok {
		return ""
	}
	return parsed.Unmap().String()
}

// classify 判断一条 ICMP 消息是否是对 (id, seq) 回显请求的应答。
// checkID 为 false 时只比较序号，ping 套接字的标识由内核改写。
func classify(msg *icmp.Message, f family, id, seq int, checkID bool) replyKind {
	switch body := msg.Body.(type) {
	case *icmp.Echo:
		if msg.Type != ipv4.ICMPTypeEchoReply && msg.Type != ipv6.ICMPTypeEchoReply {
			return replyNone
		}
		if body.Seq != seq || (checkID && body.ID != id) {
			return replyNone
		}
		return replyEcho
	case *icmp.TimeExceeded:
		if matchQuoted(body.Data, f, id, seq, checkID) {
			return replyTimeExceeded
		}
	case *icmp.DstUnreach:
		if matchQuoted(body.Data, f, id, seq, checkID) {
			return replyUnreachable
		}
	}
	return replyNone
}

// hopReply 在 classify 的基础上要求回显应答来自追踪目标本身。
func hopReply(pkt packet, f family, id, seq int, target netip.Addr) replyKind {
	kind := classify(pkt.msg, f, id, seq, true)
	if kind == replyEcho && pkt.peer != target.String() {
		return replyNone
	}
	return kind
}

func matchQuoted(data []byte, f family, id, seq int, checkID bool) bool {
	qid, qseq, ok := quotedEcho(data, f.v6)
	if !ok {
		return false
	}
	return qseq == seq && (!checkID || qid == id)
}

// quotedEcho 从差错报文携带的原始 IP 报头中取出回显请求的标识与序号。
func quotedEcho(data []byte, v6 bool) (id, seq int, ok bool) {
	var offset int
	var echoType byte
	if v6 {
		offset, echoType = ipv6HeaderLength, byte(ipv6.ICMPTypeEchoRequest)
	} else {
		if len(data) < ipv4.HeaderLen {
			return 0, 0, false
		}
		offset, echoType = int(data[0]&0x0f)*4, byte(ipv4.ICMPTypeEcho)
	}
	if len(data) < offset+8 || data[offset] != echoType {
		return 0, 0, false
	}
	id = int(binary.BigEndian.Uint16(data[offset+4 : offset+6]))
	seq = int(binary.BigEndian.Uint16(data[offset+6 : offset+8]))
	return id, seq, true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type packet struct {
	peer string
	msg  *icmp.Message
	at   time.Time
}

// readUntil 读取并解析应答直到 deadline，handle 返回 true 时提前结束。
func readUntil(conn *icmp.PacketConn, f family, deadline time.Time, handle func(packet) bool) error {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return fmt.Errorf("read icmp: %w", err)
		}
		at := time.Now()
		msg, err := icmp.ParseMessage(f.proto, buf[:n])
		if err != nil {
			continue
		}
		if handle(packet{peer: peerIP(peer), msg: msg, at: at}) {
			return nil
		}
	}
}
