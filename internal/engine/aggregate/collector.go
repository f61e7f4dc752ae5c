package aggregate

import (
	"time"

	"flowscope/internal/model"
)

// Collect drains the three tables into a snapshot. The tables are enumerated
// sequentially, not under a shared lock, so a snapshot taken while packets
// are in flight can mix values from slightly different instants. That gap is
// acceptable for a monitoring view; callers must not assume cross-map
// consistency. Enumeration order is unspecified.
func (t *Tables) Collect(now time.Time) *model.Snapshot {
	snap := &model.Snapshot{
		Timestamp: now,
		Flows:     make(map[model.FlowKey]model.FlowStats),
		Protocols: make(map[uint32]model.ProtocolStats),
		Ports:     make(map[uint16]model.PortStats),
	}

	t.flows.Range(func(k, v any) bool {
		snap.Flows[k.(model.FlowKey)] = v.(model.FlowStats)
		return true
	})
	t.protocols.Range(func(k, v any) bool {
		snap.Protocols[k.(uint32)] = v.(model.ProtocolStats)
		return true
	})
	t.ports.Range(func(k, v any) bool {
		snap.Ports[k.(uint16)] = v.(model.PortStats)
		return true
	})

	return snap
}
