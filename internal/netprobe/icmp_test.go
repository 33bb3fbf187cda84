package netprobe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func quotedV4(t *testing.T, id, seq int) []byte {
	t.Helper()
	echo, err := marshalEcho(familyV4, id, seq)
	require.NoError(t, err)
	hdr := make([]byte, ipv4.HeaderLen)
	hdr[0] = 0x45
	hdr[9] = protocolICMP
	return append(hdr, echo...)
}

func quotedV6(t *testing.T, id, seq int) []byte {
	t.Helper()
	echo, err := marshalEcho(familyV6, id, seq)
	require.NoError(t, err)
	hdr := make([]byte, ipv6HeaderLength)
	hdr[0] = 0x60
	hdr[6] = protocolICMPv6
	return append(hdr, echo...)
}

func TestQuotedEcho(t *testing.T) {
	id, seq, ok := quotedEcho(quotedV4(t, 0x1234, 77), false)
	require.True(t, ok)
	assert.Equal(t, 0x1234, id)
	assert.Equal(t, 77, seq)

	id, seq, ok = quotedEcho(quotedV6(t, 9, 65535), true)
	require.True(t, ok)
	assert.Equal(t, 9, id)
	assert.Equal(t, 65535, seq)

	_, _, ok = quotedEcho([]byte{0x45, 0}, false)
	assert.False(t, ok)

	// 引用的不是回显请求
	data := quotedV4(t, 1, 1)
	data[ipv4.HeaderLen] = byte(ipv4.ICMPTypeEchoReply)
	_, _, ok = quotedEcho(data, false)
	assert.False(t, ok)
}

func TestQuotedEchoHonoursIPv4Options(t *testing.T) {
	echo, err := marshalEcho(familyV4, 5, 6)
	require.NoError(t, err)
	hdr := make([]byte, 24)
	hdr[0] = 0x46
	id, seq, ok := quotedEcho(append(hdr, echo...), false)
	require.True(t, ok)
	assert.Equal(t, 5, id)
	assert.Equal(t, 6, seq)
}

func TestClassify(t *testing.T) {
	reply := &icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: 42, Seq: 7}}
	assert.Equal(t, replyEcho, classify(reply, familyV4, 42, 7, true))
	assert.Equal(t, replyNone, classify(reply, familyV4, 42, 8, true))
	assert.Equal(t, replyNone, classify(reply, familyV4, 41, 7, true))
	assert.Equal(t, replyEcho, classify(reply, familyV4, 41, 7, false))

	request := &icmp.Message{Type: ipv4.ICMPTypeEcho, Body: &icmp.Echo{ID: 42, Seq: 7}}
	assert.Equal(t, replyNone, classify(request, familyV4, 42, 7, true))

	exceeded := &icmp.Message{Type: ipv4.ICMPTypeTimeExceeded, Body: &icmp.TimeExceeded{Data: quotedV4(t, 42, 7)}}
	assert.Equal(t, replyTimeExceeded, classify(exceeded, familyV4, 42, 7, true))
	assert.Equal(t, replyNone, classify(exceeded, familyV4, 42, 9, true))

	unreach := &icmp.Message{Type: ipv6.ICMPTypeDestinationUnreachable, Body: &icmp.DstUnreach{Data: quotedV6(t, 42, 7)}}
	assert.Equal(t, replyUnreachable, classify(unreach, familyV6, 42, 7, true))
}

func TestClassifyParsedTimeExceeded(t *testing.T) {
	msg := icmp.Message{Type: ipv4.ICMPTypeTimeExceeded, Body: &icmp.TimeExceeded{Data: quotedV4(t, 300, 12)}}
	wire, err := msg.Marshal(nil)
	require.NoError(t, err)

	parsed, err := icmp.ParseMessage(protocolICMP, wire)
	require.NoError(t, err)
	assert.Equal(t, replyTimeExceeded, classify(parsed, familyV4, 300, 12, true))
}

func TestPeerIP(t *testing.T) {
	assert.Equal(t, "192.0.2.1", peerIP(&net.IPAddr{IP: net.ParseIP("192.0.2.1")}))
	assert.Equal(t, "2001:db8::1", peerIP(&net.UDPAddr{IP: net.ParseIP("2001:db8::1")}))
	assert.Equal(t, "", peerIP(&net.TCPAddr{IP: net.ParseIP("192.0.2.1")}))
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, familyV4, familyOf(netip.MustParseAddr("8.8.8.8")))
	assert.Equal(t, familyV4, familyOf(netip.MustParseAddr("::ffff:8.8.8.8")))
	assert.Equal(t, familyV6, familyOf(netip.MustParseAddr("2001:4860:4860::8888")))
}

func TestTraceRequiresPrivilege(t *testing.T) {
	p := New(Options{Privileged: false})
	_, err := p.Trace(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrUnprivileged)
}

func TestNextSeqWraps(t *testing.T) {
	p := New(Options{})
	p.seq = 0xffff
	assert.Equal(t, 0, p.nextSeq())
	assert.Equal(t, 1, p.nextSeq())
}

func TestPingAllUnparsableAddresses(t *testing.T) {
	p := New(Options{})
	results, err := p.PingAll(context.Background(), []string{"not-an-ip"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "not-an-ip", results[0].IP)
	assert.False(t, results[0].Reachable)
}

func echoReply(id, seq int) *icmp.Message {
	return &icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: id, Seq: seq}}
}

func TestHopReplyRequiresTargetEcho(t *testing.T) {
	target := netip.MustParseAddr("93.184.216.34")
	const id, seq = 0x2222, 3

	fromTarget := packet{peer: "93.184.216.34", msg: echoReply(id, seq)}
	assert.Equal(t, replyEcho, hopReply(fromTarget, familyV4, id, seq, target))

	// 另一台被探测主机的应答即使标识和序号相同也不能结束追踪
	fromOther := packet{peer: "1.1.1.1", msg: echoReply(id, seq)}
	assert.Equal(t, replyNone, hopReply(fromOther, familyV4, id, seq, target))

	router := packet{peer: "10.0.0.1", msg: &icmp.Message{
		Type: ipv4.ICMPTypeTimeExceeded,
		Body: &icmp.TimeExceeded{Data: quotedV4(t, id, seq)},
	}}
	assert.Equal(t, replyTimeExceeded, hopReply(router, familyV4, id, seq, target))
}

func TestProbersUseDistinctIDs(t *testing.T) {
	tracer := New(Options{Privileged: true})
	pinger := New(Options{Privileged: true})
	require.NotEqual(t, tracer.id, pinger.id)

	seq := pinger.nextSeq()
	assert.Equal(t, seq, tracer.nextSeq())
	assert.Equal(t, replyNone, classify(echoReply(pinger.id, seq), familyV4, tracer.id, seq, true))
}

func TestPingAllKeepsHealthyFamily(t *testing.T) {
	p := New(Options{})
	p.pingGroup = func(_ context.Context, f family, group []*pingTarget) error {
		if f.v6 {
			return errors.New("listen ip6:ipv6-icmp: address family not supported by protocol")
		}
		for _, tg := range group {
			tg.total, tg.replies = 4*time.Millisecond, 1
		}
		return nil
	}

	results, err := p.PingAll(context.Background(), []string{"1.1.1.1", "2606:4700::1111", "8.8.8.8"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Reachable)
	assert.Equal(t, 4.0, results[0].AvgRTT)
	assert.Equal(t, "2606:4700::1111", results[1].IP)
	assert.False(t, results[1].Reachable)
	assert.True(t, results[2].Reachable)
}

func TestPingAllFailsWhenEveryFamilyFails(t *testing.T) {
	p := New(Options{})
	p.pingGroup = func(context.Context, family, []*pingTarget) error {
		return errors.New("socket: operation not permitted")
	}

	results, err := p.PingAll(context.Background(), []string{"1.1.1.1", "2606:4700::1111"})
	require.Error(t, err)
	assert.Nil(t, results)
}
