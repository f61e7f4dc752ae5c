package classify

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowscope/internal/engine/aggregate"
	"flowscope/internal/engine/header"
	"flowscope/internal/model"
	"flowscope/internal/watchlist"
)

func mustIP(t *testing.T, s string) uint32 {
	t.Helper()
	ip, err := model.ParseIPv4(s)
	require.NoError(t, err)
	return ip
}

// frame builds a minimal Ethernet+IPv4+transport frame with the given
// addressing. The buffer is exactly long enough for the transport header.
func frame(t *testing.T, proto uint8, srcIP, dstIP string, srcPort, dstPort uint16, totalLen uint16) []byte {
	t.Helper()
	transportLen := header.TCPLen
	if proto == model.ProtocolUDP {
		transportLen = header.UDPLen
	}
	buf := make([]byte, header.EthernetLen+header.IPv4Len+transportLen)
	binary.BigEndian.PutUint16(buf[12:14], header.EtherTypeIPv4)
	binary.BigEndian.PutUint16(buf[16:18], totalLen)
	buf[23] = proto
	binary.BigEndian.PutUint32(buf[26:30], mustIP(t, srcIP))
	binary.BigEndian.PutUint32(buf[30:34], mustIP(t, dstIP))
	binary.BigEndian.PutUint16(buf[34:36], srcPort)
	binary.BigEndian.PutUint16(buf[36:38], dstPort)
	return buf
}

func fixedClock(ns uint64) Clock {
	return func() uint64 { return ns }
}

func TestWatchedDestinationRecordsOutbound(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := NewWithClock(tables, watch, fixedClock(12345))

	verdict, err := c.Classify(frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 1500))
	require.NoError(t, err)
	assert.Equal(t, Pass, verdict)

	key := model.FlowKey{
		IP:        mustIP(t, "10.0.0.1"),
		Port:      51000,
		Protocol:  model.ProtocolTCP,
		Direction: model.DirectionOutbound,
	}
	stats, ok := tables.Flow(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.OutboundPackets)
	assert.Equal(t, uint64(1500), stats.OutboundBytes)
	assert.Equal(t, uint64(0), stats.InboundPackets)
	assert.Equal(t, uint64(0), stats.InboundBytes)
	assert.Equal(t, uint32(1), stats.ConnectionCount)
	assert.Equal(t, uint64(12345), stats.LastSeen)

	// The unwatched peer contributes nothing.
	_, ok = tables.Flow(model.FlowKey{
		IP:        mustIP(t, "10.0.0.5"),
		Port:      443,
		Protocol:  model.ProtocolTCP,
		Direction: model.DirectionInbound,
	})
	assert.False(t, ok)

	proto, ok := tables.Protocol(mustIP(t, "10.0.0.1"))
	require.True(t, ok)
	assert.Equal(t, uint64(1500), proto.TcpBytes)
	assert.Equal(t, uint64(1), proto.TcpPackets)
	assert.Equal(t, uint32(1), proto.TcpFlows)
	assert.Equal(t, uint64(0), proto.UdpBytes)

	port, ok := tables.Port(51000)
	require.True(t, ok)
	assert.Equal(t, uint64(1500), port.TotalBytes)
	assert.Equal(t, uint64(1), port.TotalPackets)
	assert.Equal(t, uint32(1), port.ActiveConnections)
}

func TestWatchedSourceRecordsInbound(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.5")
	c := NewWithClock(tables, watch, fixedClock(1))

	_, err := c.Classify(frame(t, model.ProtocolUDP, "10.0.0.5", "10.0.0.1", 53, 40000, 120))
	require.NoError(t, err)

	stats, ok := tables.Flow(model.FlowKey{
		IP:        mustIP(t, "10.0.0.5"),
		Port:      53,
		Protocol:  model.ProtocolUDP,
		Direction: model.DirectionInbound,
	})
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.InboundPackets)
	assert.Equal(t, uint64(120), stats.InboundBytes)
	assert.Equal(t, uint64(0), stats.OutboundPackets)
}

func TestBothEndpointsWatchedUpdatesBothBuckets(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.5")
	watch.AddIP("10.0.0.1")
	c := NewWithClock(tables, watch, fixedClock(1))

	_, err := c.Classify(frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 1500))
	require.NoError(t, err)

	src, ok := tables.Flow(model.FlowKey{
		IP: mustIP(t, "10.0.0.5"), Port: 443,
		Protocol: model.ProtocolTCP, Direction: model.DirectionInbound,
	})
	require.True(t, ok)
	assert.Equal(t, uint64(1), src.InboundPackets)

	dst, ok := tables.Flow(model.FlowKey{
		IP: mustIP(t, "10.0.0.1"), Port: 51000,
		Protocol: model.ProtocolTCP, Direction: model.DirectionOutbound,
	})
	require.True(t, ok)
	assert.Equal(t, uint64(1), dst.OutboundPackets)

	// One packet, two matched endpoints: the port table counts both sides.
	assert.Equal(t, 2, tables.FlowLen())
	proto, _ := tables.Protocol(mustIP(t, "10.0.0.5"))
	assert.Equal(t, uint64(1), proto.TcpPackets)
}

func TestRepeatedPacketsAccumulate(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := NewWithClock(tables, watch, fixedClock(7))

	f := frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 1000)
	for i := 0; i < 3; i++ {
		_, err := c.Classify(f)
		require.NoError(t, err)
	}

	stats, ok := tables.Flow(model.FlowKey{
		IP: mustIP(t, "10.0.0.1"), Port: 51000,
		Protocol: model.ProtocolTCP, Direction: model.DirectionOutbound,
	})
	require.True(t, ok)
	assert.Equal(t, uint64(3), stats.OutboundPackets)
	assert.Equal(t, uint64(3000), stats.OutboundBytes)
	assert.Equal(t, uint32(3), stats.ConnectionCount)
	assert.Equal(t, 1, tables.FlowLen())
}

func TestNonIPv4Passes(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := New(tables, watch)

	buf := make([]byte, header.EthernetLen)
	binary.BigEndian.PutUint16(buf[12:14], 0x0806) // ARP

	verdict, err := c.Classify(buf)
	require.NoError(t, err)
	assert.Equal(t, Pass, verdict)
	assert.Equal(t, 0, tables.FlowLen())
}

func TestUnsupportedTransportPasses(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := New(tables, watch)

	f := frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 0, 0, 84)
	f[23] = 1 // ICMP

	verdict, err := c.Classify(f)
	require.NoError(t, err)
	assert.Equal(t, Pass, verdict)
	assert.Equal(t, 0, tables.FlowLen())
}

func TestUnwatchedTrafficLeavesNoTrace(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("192.168.1.1")
	c := New(tables, watch)

	verdict, err := c.Classify(frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 1500))
	require.NoError(t, err)
	assert.Equal(t, Pass, verdict)
	assert.Equal(t, 0, tables.FlowLen())
	_, ok := tables.Port(51000)
	assert.False(t, ok)
}

func TestTruncatedFrameAbortsWithoutSideEffects(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := New(tables, watch)

	full := frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 1500)
	truncations := []int{
		header.EthernetLen - 1,                              // inside Ethernet
		header.EthernetLen + header.IPv4Len - 1,             // inside IPv4
		header.EthernetLen + header.IPv4Len + header.TCPLen - 1, // inside TCP
	}
	for _, n := range truncations {
		verdict, err := c.Classify(full[:n])
		assert.Equal(t, Aborted, verdict)
		assert.ErrorIs(t, err, header.ErrOutOfBounds)
	}
	assert.Equal(t, 0, tables.FlowLen())
}

func TestTruncatedUDPAborts(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := New(tables, watch)

	full := frame(t, model.ProtocolUDP, "10.0.0.5", "10.0.0.1", 53, 40000, 120)
	verdict, err := c.Classify(full[:header.EthernetLen+header.IPv4Len+header.UDPLen-1])
	assert.Equal(t, Aborted, verdict)
	assert.ErrorIs(t, err, header.ErrOutOfBounds)
}

// Concurrent lanes classifying the same flow may lose counter updates to
// the tables' load-mutate-store window; the result must still be a single
// coherent bucket whose totals never exceed the injected traffic.
func TestConcurrentClassifyStaysCoherent(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	watch.AddIP("10.0.0.1")
	c := NewWithClock(tables, watch, fixedClock(1))

	f := frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 100)

	const lanes = 4
	const perLane = 250

	var wg sync.WaitGroup
	wg.Add(lanes)
	for i := 0; i < lanes; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perLane; j++ {
				verdict, err := c.Classify(f)
				assert.NoError(t, err)
				assert.Equal(t, Pass, verdict)
			}
		}()
	}
	wg.Wait()

	stats, ok := tables.Flow(model.FlowKey{
		IP: mustIP(t, "10.0.0.1"), Port: 51000,
		Protocol: model.ProtocolTCP, Direction: model.DirectionOutbound,
	})
	require.True(t, ok)
	assert.Greater(t, stats.OutboundPackets, uint64(0))
	assert.LessOrEqual(t, stats.OutboundPackets, uint64(lanes*perLane))
	assert.Equal(t, stats.OutboundPackets*100, stats.OutboundBytes)
	assert.Equal(t, 1, tables.FlowLen())
}

func TestWatchlistChangesApplyToSubsequentPackets(t *testing.T) {
	tables := aggregate.NewTables()
	watch := watchlist.New("test0")
	c := New(tables, watch)

	f := frame(t, model.ProtocolTCP, "10.0.0.5", "10.0.0.1", 443, 51000, 100)

	_, err := c.Classify(f)
	require.NoError(t, err)
	assert.Equal(t, 0, tables.FlowLen())

	watch.AddIP("10.0.0.1")
	_, err = c.Classify(f)
	require.NoError(t, err)
	assert.Equal(t, 1, tables.FlowLen())

	watch.RemoveIP("10.0.0.1")
	_, err = c.Classify(f)
	require.NoError(t, err)
	stats, _ := tables.Flow(model.FlowKey{
		IP: mustIP(t, "10.0.0.1"), Port: 51000,
		Protocol: model.ProtocolTCP, Direction: model.DirectionOutbound,
	})
	assert.Equal(t, uint64(1), stats.OutboundPackets)
}
