package aggregate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowscope/internal/model"
)

func TestUpdateFlowFirstSight(t *testing.T) {
	tables := NewTables()
	key := model.FlowKey{IP: 0x0a000001, Port: 443, Protocol: model.ProtocolTCP, Direction: model.DirectionInbound}

	tables.UpdateFlow(key, 1500, 99)

	stats, ok := tables.Flow(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.InboundPackets)
	assert.Equal(t, uint64(1500), stats.InboundBytes)
	assert.Equal(t, uint64(0), stats.OutboundPackets)
	assert.Equal(t, model.ProtocolTCP, stats.Protocol)
	assert.Equal(t, uint64(99), stats.LastSeen)
	assert.Equal(t, uint32(1), stats.ConnectionCount)
	assert.Equal(t, 1, tables.FlowLen())
}

func TestUpdateFlowDirections(t *testing.T) {
	tables := NewTables()
	in := model.FlowKey{IP: 1, Port: 80, Protocol: model.ProtocolTCP, Direction: model.DirectionInbound}
	out := in
	out.Direction = model.DirectionOutbound

	tables.UpdateFlow(in, 100, 1)
	tables.UpdateFlow(out, 200, 2)

	// Opposite directions are distinct buckets.
	assert.Equal(t, 2, tables.FlowLen())

	inStats, _ := tables.Flow(in)
	assert.Equal(t, uint64(100), inStats.InboundBytes)
	assert.Equal(t, uint64(0), inStats.OutboundBytes)

	outStats, _ := tables.Flow(out)
	assert.Equal(t, uint64(200), outStats.OutboundBytes)
	assert.Equal(t, uint64(0), outStats.InboundBytes)
}

func TestUpdateFlowAccumulates(t *testing.T) {
	tables := NewTables()
	key := model.FlowKey{IP: 1, Port: 80, Protocol: model.ProtocolTCP, Direction: model.DirectionOutbound}

	tables.UpdateFlow(key, 100, 1)
	tables.UpdateFlow(key, 250, 2)

	stats, _ := tables.Flow(key)
	assert.Equal(t, uint64(2), stats.OutboundPackets)
	assert.Equal(t, uint64(350), stats.OutboundBytes)
	assert.Equal(t, uint64(2), stats.LastSeen)
	assert.Equal(t, uint32(2), stats.ConnectionCount)
	assert.Equal(t, 1, tables.FlowLen())
}

func TestUpdateProtocol(t *testing.T) {
	tables := NewTables()

	tables.UpdateProtocol(1, model.ProtocolTCP, 1000)
	tables.UpdateProtocol(1, model.ProtocolTCP, 500)
	tables.UpdateProtocol(1, model.ProtocolUDP, 200)

	stats, ok := tables.Protocol(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1500), stats.TcpBytes)
	assert.Equal(t, uint64(2), stats.TcpPackets)
	assert.Equal(t, uint32(2), stats.TcpFlows)
	assert.Equal(t, uint64(200), stats.UdpBytes)
	assert.Equal(t, uint64(1), stats.UdpPackets)
	assert.Equal(t, uint32(1), stats.UdpFlows)
	assert.Equal(t, uint64(1700), stats.TotalBytes())
}

func TestUpdateProtocolIgnoresOtherProtocols(t *testing.T) {
	tables := NewTables()

	tables.UpdateProtocol(1, 1, 100) // ICMP

	_, ok := tables.Protocol(1)
	assert.False(t, ok)
}

func TestUpdatePort(t *testing.T) {
	tables := NewTables()

	tables.UpdatePort(443, model.ProtocolTCP, 1000, 5)
	tables.UpdatePort(443, model.ProtocolTCP, 500, 9)

	stats, ok := tables.Port(443)
	require.True(t, ok)
	assert.Equal(t, uint16(443), stats.Port)
	assert.Equal(t, model.ProtocolTCP, stats.Protocol)
	assert.Equal(t, uint64(1500), stats.TotalBytes)
	assert.Equal(t, uint64(2), stats.TotalPackets)
	assert.Equal(t, uint32(2), stats.ActiveConnections)
	assert.Equal(t, uint64(9), stats.LastActive)
}

func TestPortCapacityRejectsNewKeysKeepsUpdatingExisting(t *testing.T) {
	tables := NewTables()

	for i := 0; i < MaxPortEntries; i++ {
		tables.UpdatePort(uint16(i+1), model.ProtocolTCP, 10, 1)
	}
	assert.Equal(t, int64(MaxPortEntries), tables.portCount.Load())

	// A new key past capacity is silently dropped.
	overflow := uint16(MaxPortEntries + 1)
	tables.UpdatePort(overflow, model.ProtocolTCP, 10, 2)
	_, ok := tables.Port(overflow)
	assert.False(t, ok)
	assert.Equal(t, int64(MaxPortEntries), tables.portCount.Load())

	// An existing key keeps accepting updates at capacity.
	tables.UpdatePort(1, model.ProtocolTCP, 90, 3)
	stats, _ := tables.Port(1)
	assert.Equal(t, uint64(100), stats.TotalBytes)
	assert.Equal(t, uint64(2), stats.TotalPackets)
}

func TestFlowCapacityRejectsNewKeysKeepsUpdatingExisting(t *testing.T) {
	tables := NewTables()

	for i := 0; i < MaxFlowEntries; i++ {
		key := model.FlowKey{IP: uint32(i + 1), Port: 443, Protocol: model.ProtocolTCP, Direction: model.DirectionInbound}
		tables.UpdateFlow(key, 10, 1)
	}
	assert.Equal(t, MaxFlowEntries, tables.FlowLen())

	// A distinct key at capacity is silently dropped and the size stays put.
	overflow := model.FlowKey{IP: uint32(MaxFlowEntries + 1), Port: 443, Protocol: model.ProtocolTCP, Direction: model.DirectionInbound}
	tables.UpdateFlow(overflow, 10, 2)
	_, ok := tables.Flow(overflow)
	assert.False(t, ok)
	assert.Equal(t, MaxFlowEntries, tables.FlowLen())

	// Existing keys keep accepting updates at capacity.
	first := model.FlowKey{IP: 1, Port: 443, Protocol: model.ProtocolTCP, Direction: model.DirectionInbound}
	tables.UpdateFlow(first, 90, 3)
	stats, _ := tables.Flow(first)
	assert.Equal(t, uint64(100), stats.InboundBytes)
	assert.Equal(t, uint64(2), stats.InboundPackets)
}

func TestProtocolCapacityRejectsNewKeys(t *testing.T) {
	tables := NewTables()

	for i := 0; i < MaxProtocolEntries; i++ {
		tables.UpdateProtocol(uint32(i+1), model.ProtocolUDP, 10)
	}
	tables.UpdateProtocol(uint32(MaxProtocolEntries+1), model.ProtocolUDP, 10)

	_, ok := tables.Protocol(uint32(MaxProtocolEntries + 1))
	assert.False(t, ok)
	assert.Equal(t, int64(MaxProtocolEntries), tables.protocolCount.Load())
}

// Racing lanes on one key may lose updates to the load-mutate-store window,
// but every stored value must be internally consistent: the counters that
// move together per update stay in lockstep, and totals never exceed the
// injected amount.
func TestConcurrentUpdatesOnSharedKeyStayCoherent(t *testing.T) {
	tables := NewTables()
	key := model.FlowKey{IP: 1, Port: 443, Protocol: model.ProtocolTCP, Direction: model.DirectionInbound}

	const lanes = 8
	const perLane = 500

	var wg sync.WaitGroup
	wg.Add(lanes)
	for i := 0; i < lanes; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perLane; j++ {
				tables.UpdateFlow(key, 10, 1)
				tables.UpdateProtocol(key.IP, key.Protocol, 10)
				tables.UpdatePort(key.Port, key.Protocol, 10, 1)
			}
		}()
	}
	wg.Wait()

	const injected = lanes * perLane

	stats, ok := tables.Flow(key)
	require.True(t, ok)
	assert.Greater(t, stats.InboundPackets, uint64(0))
	assert.LessOrEqual(t, stats.InboundPackets, uint64(injected))
	assert.Equal(t, stats.InboundPackets*10, stats.InboundBytes)
	assert.Equal(t, uint32(stats.InboundPackets), stats.ConnectionCount)
	assert.Equal(t, 1, tables.FlowLen())

	proto, ok := tables.Protocol(key.IP)
	require.True(t, ok)
	assert.LessOrEqual(t, proto.TcpPackets, uint64(injected))
	assert.Equal(t, proto.TcpPackets*10, proto.TcpBytes)
	assert.Equal(t, uint32(proto.TcpPackets), proto.TcpFlows)

	port, ok := tables.Port(key.Port)
	require.True(t, ok)
	assert.LessOrEqual(t, port.TotalPackets, uint64(injected))
	assert.Equal(t, port.TotalPackets*10, port.TotalBytes)
}

// Disjoint key sets never race, so concurrent injection over distinct keys
// must come out exact.
func TestConcurrentUpdatesOnDistinctKeysAreExact(t *testing.T) {
	tables := NewTables()

	const lanes = 8
	const keysPerLane = 100
	const updatesPerKey = 3

	var wg sync.WaitGroup
	wg.Add(lanes)
	for i := 0; i < lanes; i++ {
		go func(lane int) {
			defer wg.Done()
			for k := 0; k < keysPerLane; k++ {
				key := model.FlowKey{
					IP:        uint32(lane*keysPerLane + k + 1),
					Port:      80,
					Protocol:  model.ProtocolTCP,
					Direction: model.DirectionOutbound,
				}
				for u := 0; u < updatesPerKey; u++ {
					tables.UpdateFlow(key, 100, uint64(u+1))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, lanes*keysPerLane, tables.FlowLen())
	for ip := uint32(1); ip <= lanes*keysPerLane; ip++ {
		key := model.FlowKey{IP: ip, Port: 80, Protocol: model.ProtocolTCP, Direction: model.DirectionOutbound}
		stats, ok := tables.Flow(key)
		require.True(t, ok)
		assert.Equal(t, uint64(updatesPerKey), stats.OutboundPackets)
		assert.Equal(t, uint64(updatesPerKey*100), stats.OutboundBytes)
	}
}
