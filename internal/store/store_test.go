package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/nettrace/internal/models"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	st, err := New(filepath.Join(t.TempDir(), "nettrace.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func TestUpsertConnectionFirstAndLastSeen(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConnection(ctx, "8.8.8.8", ConnectionUpdate{Port: 53, Protocol: "DNS"}))
	conns, err := st.AllConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	first := conns[0]
	assert.Equal(t, first.FirstSeen, first.LastSeen)
	assert.Equal(t, "DNS", first.Protocol)
	assert.Equal(t, 53, first.Port)
	assert.Nil(t, first.Geo)

	clk.Add(5 * time.Second)
	require.NoError(t, st.UpsertConnection(ctx, "8.8.8.8", ConnectionUpdate{Port: 443, Protocol: "HTTPS"}))
	conns, err = st.AllConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, first.FirstSeen, conns[0].FirstSeen)
	assert.True(t, conns[0].LastSeen.After(first.LastSeen))
	assert.Equal(t, "HTTPS", conns[0].Protocol)
	assert.Equal(t, 443, conns[0].Port)
}

func TestUpsertConnectionKeepsFieldsWhenOmitted(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConnection(ctx, "1.1.1.1", ConnectionUpdate{Port: 443, Protocol: "HTTPS"}))
	clk.Add(time.Second)
	geo := &models.GeoLocation{Lat: -33.49, Lon: 143.21, City: "Sydney", ISP: "Cloudflare", Org: "APNIC", ASN: "AS13335 Cloudflare, Inc.", Country: "AU"}
	require.NoError(t, st.UpsertConnection(ctx, "1.1.1.1", ConnectionUpdate{Geo: geo}))

	conns, err := st.AllConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "HTTPS", conns[0].Protocol)
	assert.Equal(t, 443, conns[0].Port)
	assert.Equal(t, geo, conns[0].Geo)
}

func TestLastSeenNeverMovesBackwards(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConnection(ctx, "9.9.9.9", ConnectionUpdate{}))
	before, err := st.AllConnections(ctx)
	require.NoError(t, err)

	clk.Set(clk.Now().Add(-time.Hour))
	require.NoError(t, st.UpsertConnection(ctx, "9.9.9.9", ConnectionUpdate{}))
	after, err := st.AllConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, before[0].LastSeen, after[0].LastSeen)
	assert.False(t, after[0].FirstSeen.After(after[0].LastSeen))
}

func TestAllConnectionsOrderedByLastSeen(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	for _, ip := range []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"} {
		require.NoError(t, st.UpsertConnection(ctx, ip, ConnectionUpdate{}))
		clk.Add(time.Second)
	}
	require.NoError(t, st.UpsertConnection(ctx, "1.1.1.1", ConnectionUpdate{}))

	conns, err := st.AllConnections(ctx)
	require.NoError(t, err)
	ips := make([]string, 0, len(conns))
	for _, c := range conns {
		ips = append(ips, c.IP)
	}
	assert.Equal(t, []string{"1.1.1.1", "9.9.9.9", "8.8.8.8"}, ips)
}

func TestLatencyHistoryReturnsMostRecentOldestFirst(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	for _, rtt := range []float64{10, 20, 30, 40} {
		require.NoError(t, st.AddLatencySample(ctx, "8.8.8.8", rtt, clk.Now()))
		clk.Add(time.Second)
	}
	require.NoError(t, st.AddLatencySample(ctx, "1.1.1.1", 99, clk.Now()))

	samples, err := st.LatencyHistory(ctx, "8.8.8.8", 3)
	require.NoError(t, err)
	rtts := make([]float64, 0, len(samples))
	for _, s := range samples {
		rtts = append(rtts, s.RTT)
	}
	assert.Equal(t, []float64{20, 30, 40}, rtts)
	assert.True(t, samples[0].Timestamp.Before(samples[2].Timestamp))

	none, err := st.LatencyHistory(ctx, "8.8.8.8", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLatencySampleWithoutConnection(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddLatencySample(ctx, "203.0.113.9", 12.5, clk.Now()))
	samples, err := st.LatencyHistory(ctx, "203.0.113.9", 20)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 12.5, samples[0].RTT)
}

func TestClearHistoryAll(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConnection(ctx, "8.8.8.8", ConnectionUpdate{Port: 53}))
	require.NoError(t, st.AddLatencySample(ctx, "8.8.8.8", 10, clk.Now()))

	require.NoError(t, st.ClearHistory(ctx, 0))

	conns, err := st.AllConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
	samples, err := st.LatencyHistory(ctx, "8.8.8.8", 20)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestClearHistoryOlderThan(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConnection(ctx, "8.8.8.8", ConnectionUpdate{}))
	require.NoError(t, st.AddLatencySample(ctx, "8.8.8.8", 10, clk.Now()))
	clk.Add(2 * time.Hour)
	require.NoError(t, st.UpsertConnection(ctx, "1.1.1.1", ConnectionUpdate{}))
	require.NoError(t, st.AddLatencySample(ctx, "1.1.1.1", 20, clk.Now()))

	require.NoError(t, st.ClearHistory(ctx, time.Hour))

	conns, err := st.AllConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "1.1.1.1", conns[0].IP)

	old, err := st.LatencyHistory(ctx, "8.8.8.8", 20)
	require.NoError(t, err)
	assert.Empty(t, old)
	kept, err := st.LatencyHistory(ctx, "1.1.1.1", 20)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	st, clk := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, st.UpsertConnection(ctx, "8.8.8.8", ConnectionUpdate{Port: 53}))
				assert.NoError(t, st.AddLatencySample(ctx, "8.8.8.8", float64(j), clk.Now()))
			}
		}()
	}
	wg.Wait()

	samples, err := st.LatencyHistory(ctx, "8.8.8.8", 1000)
	require.NoError(t, err)
	assert.Len(t, samples, 80)
	conns, err := st.AllConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nettrace.db")
	st, err := New(path, clock.NewMock())
	require.NoError(t, err)
	require.NoError(t, st.UpsertConnection(context.Background(), "8.8.8.8", ConnectionUpdate{}))
	require.NoError(t, st.Close())

	st, err = New(path, clock.NewMock())
	require.NoError(t, err)
	defer st.Close()
	conns, err := st.AllConnections(context.Background())
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}
