// Package aggregate holds the bounded concurrent counter tables updated on
// every classified packet, and the collector that drains them into
// snapshots.
//
// Updates follow a load-or-default, mutate, store-back contract with no
// atomic compound operation: two lanes racing on the same key can both read
// the old value and the second store clobbers the first increment. That lost
// update is an accepted approximation; the tables trade exact counts for
// lock-free, bounded-latency updates at line rate.
package aggregate

import (
	"sync"
	"sync/atomic"

	"flowscope/internal/model"
)

// Fixed maximum entry counts, sized generously above expected cardinality.
// Inserts beyond capacity are silently dropped; existing keys keep updating.
const (
	MaxFlowEntries     = 8192
	MaxProtocolEntries = 1024
	MaxPortEntries     = 1024
)

// Tables is the flow aggregation store: three independently-keyed bounded
// maps. The zero value is not usable; call NewTables.
type Tables struct {
	flows     sync.Map // model.FlowKey -> model.FlowStats
	protocols sync.Map // uint32 -> model.ProtocolStats
	ports     sync.Map // uint16 -> model.PortStats

	// Entry counts are advisory: a simultaneous-insert race can briefly
	// overshoot the cap by the number of racing lanes, which still bounds
	// memory. They are never decremented (the live maps have no eviction).
	flowCount     atomic.Int64
	protocolCount atomic.Int64
	portCount     atomic.Int64
}

func NewTables() *Tables {
	return &Tables{}
}

// UpdateFlow applies one packet observation to the flow bucket identified by
// key. On first sight the counters reflect this packet only.
func (t *Tables) UpdateFlow(key model.FlowKey, packetLen uint64, now uint64) {
	var stats model.FlowStats
	v, ok := t.flows.Load(key)
	if ok {
		stats = v.(model.FlowStats)
	} else {
		if t.flowCount.Load() >= MaxFlowEntries {
			return
		}
		stats = model.FlowStats{Protocol: key.Protocol}
	}

	if key.Direction == model.DirectionInbound {
		stats.InboundPackets++
		stats.InboundBytes += packetLen
	} else {
		stats.OutboundPackets++
		stats.OutboundBytes += packetLen
	}
	stats.LastSeen = now
	stats.ConnectionCount++

	t.flows.Store(key, stats)
	if !ok {
		t.flowCount.Add(1)
	}
}

// UpdateProtocol accumulates one packet into the per-IP protocol counters.
// The flow counters increment once per packet, matching the literal
// semantics of the original counters (see DESIGN.md).
func (t *Tables) UpdateProtocol(ip uint32, protocol uint8, packetLen uint64) {
	var stats model.ProtocolStats
	v, ok := t.protocols.Load(ip)
	if ok {
		stats = v.(model.ProtocolStats)
	} else if t.protocolCount.Load() >= MaxProtocolEntries {
		return
	}

	switch protocol {
	case model.ProtocolTCP:
		stats.TcpBytes += packetLen
		stats.TcpPackets++
		stats.TcpFlows++
	case model.ProtocolUDP:
		stats.UdpBytes += packetLen
		stats.UdpPackets++
		stats.UdpFlows++
	default:
		return
	}

	t.protocols.Store(ip, stats)
	if !ok {
		t.protocolCount.Add(1)
	}
}

// UpdatePort accumulates one packet into the per-port counters.
func (t *Tables) UpdatePort(port uint16, protocol uint8, packetLen uint64, now uint64) {
	var stats model.PortStats
	v, ok := t.ports.Load(port)
	if ok {
		stats = v.(model.PortStats)
	} else {
		if t.portCount.Load() >= MaxPortEntries {
			return
		}
		stats = model.PortStats{Port: port, Protocol: protocol}
	}

	stats.TotalBytes += packetLen
	stats.TotalPackets++
	stats.ActiveConnections++
	stats.LastActive = now

	t.ports.Store(port, stats)
	if !ok {
		t.portCount.Add(1)
	}
}

// Flow returns the current stats for a flow key.
func (t *Tables) Flow(key model.FlowKey) (model.FlowStats, bool) {
	v, ok := t.flows.Load(key)
	if !ok {
		return model.FlowStats{}, false
	}
	return v.(model.FlowStats), true
}

// Protocol returns the current per-IP protocol stats.
func (t *Tables) Protocol(ip uint32) (model.ProtocolStats, bool) {
	v, ok := t.protocols.Load(ip)
	if !ok {
		return model.ProtocolStats{}, false
	}
	return v.(model.ProtocolStats), true
}

// Port returns the current per-port stats.
func (t *Tables) Port(port uint16) (model.PortStats, bool) {
	v, ok := t.ports.Load(port)
	if !ok {
		return model.PortStats{}, false
	}
	return v.(model.PortStats), true
}

// FlowLen reports the advisory flow entry count.
func (t *Tables) FlowLen() int {
	return int(t.flowCount.Load())
}
