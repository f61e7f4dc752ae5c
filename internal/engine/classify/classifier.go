// Package classify implements the per-packet entry point of the telemetry
// engine. The classifier only observes traffic; every packet terminates with
// a Pass verdict unless a header read runs past the captured data, in which
// case processing of that packet aborts and the error is handed back to the
// caller without affecting subsequent packets.
package classify

import (
	"time"

	"flowscope/internal/engine/aggregate"
	"flowscope/internal/engine/header"
	"flowscope/internal/model"
	"flowscope/internal/watchlist"
)

// Verdict is the outcome of classifying one packet.
type Verdict int

const (
	// Pass means the packet was observed (or short-circuited as an
	// unsupported protocol) and normal processing continues.
	Pass Verdict = iota
	// Aborted means a header read exceeded the captured data; the packet
	// contributed nothing to the counters.
	Aborted
)

// Clock supplies monotonic nanosecond timestamps for last-seen tracking.
type Clock func() uint64

func defaultClock() uint64 {
	return uint64(time.Now().UnixNano())
}

// Classifier holds the shared state a packet observation touches. Classify
// keeps no cross-packet state of its own and is safe to call concurrently
// from multiple processing lanes.
type Classifier struct {
	tables *aggregate.Tables
	watch  *watchlist.List
	now    Clock
}

// New creates a classifier over the given tables and watch-list.
func New(tables *aggregate.Tables, watch *watchlist.List) *Classifier {
	return &Classifier{tables: tables, watch: watch, now: defaultClock}
}

// NewWithClock is New with an explicit clock, for tests.
func NewWithClock(tables *aggregate.Tables, watch *watchlist.List, clock Clock) *Classifier {
	return &Classifier{tables: tables, watch: watch, now: clock}
}

// Classify runs the linear per-packet state machine over one raw frame.
// len(frame) is the trusted end of captured data.
func (c *Classifier) Classify(frame []byte) (Verdict, error) {
	eth, err := header.Ethernet(frame, 0)
	if err != nil {
		return Aborted, err
	}
	if eth.EtherType != header.EtherTypeIPv4 {
		return Pass, nil
	}

	ip, err := header.IPv4(frame, header.EthernetLen)
	if err != nil {
		return Aborted, err
	}

	var srcPort, dstPort uint16
	switch ip.Protocol {
	case model.ProtocolTCP:
		tcp, err := header.TCP(frame, header.EthernetLen+header.IPv4Len)
		if err != nil {
			return Aborted, err
		}
		srcPort, dstPort = tcp.SrcPort, tcp.DstPort
	case model.ProtocolUDP:
		udp, err := header.UDP(frame, header.EthernetLen+header.IPv4Len)
		if err != nil {
			return Aborted, err
		}
		srcPort, dstPort = udp.SrcPort, udp.DstPort
	default:
		return Pass, nil
	}

	view := c.watch.View()
	packetLen := uint64(ip.TotalLen)
	now := c.now()

	// Source and destination are tested independently: traffic between two
	// watched hosts updates both the inbound bucket of the source and the
	// outbound bucket of the destination from the same packet.
	if view.ContainsIP(ip.SrcAddr) {
		c.record(model.FlowKey{
			IP:        ip.SrcAddr,
			Port:      srcPort,
			Protocol:  ip.Protocol,
			Direction: model.DirectionInbound,
		}, packetLen, now)
	}
	if view.ContainsIP(ip.DstAddr) {
		c.record(model.FlowKey{
			IP:        ip.DstAddr,
			Port:      dstPort,
			Protocol:  ip.Protocol,
			Direction: model.DirectionOutbound,
		}, packetLen, now)
	}

	return Pass, nil
}

// record fans one matched observation out to the three counter tables.
func (c *Classifier) record(key model.FlowKey, packetLen, now uint64) {
	c.tables.UpdateFlow(key, packetLen, now)
	c.tables.UpdateProtocol(key.IP, key.Protocol, packetLen)
	c.tables.UpdatePort(key.Port, key.Protocol, packetLen, now)
}
