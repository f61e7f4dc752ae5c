package model

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// IP protocol numbers tracked by the classifier.
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// Flow directions relative to the watched address: inbound means the watched
// IP was the packet's source, outbound means it was the destination.
const (
	DirectionInbound  uint8 = 0
	DirectionOutbound uint8 = 1
)

// FlowKey uniquely identifies one flow-count bucket.
type FlowKey struct {
	IP        uint32 `json:"ip"`
	Port      uint16 `json:"port"`
	Protocol  uint8  `json:"protocol"`
	Direction uint8  `json:"direction"`
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d/%s/%s", IPString(k.IP), k.Port,
		ProtocolName(k.Protocol), DirectionName(k.Direction))
}

// FlowStats holds the per-flow counters. Counters only grow for the lifetime
// of a key; they reset only on process restart.
type FlowStats struct {
	InboundPackets  uint64 `json:"inbound_packets"`
	InboundBytes    uint64 `json:"inbound_bytes"`
	OutboundPackets uint64 `json:"outbound_packets"`
	OutboundBytes   uint64 `json:"outbound_bytes"`
	Protocol        uint8  `json:"protocol"`
	LastSeen        uint64 `json:"last_seen"` // monotonic nanoseconds
	// ConnectionCount increments once per observed packet, not per
	// established connection. The name is kept for record compatibility.
	ConnectionCount uint32 `json:"connection_count"`
}

func (s FlowStats) TotalPackets() uint64 {
	return s.InboundPackets + s.OutboundPackets
}

func (s FlowStats) TotalBytes() uint64 {
	return s.InboundBytes + s.OutboundBytes
}

// ProtocolStats accumulates per-IP TCP/UDP counters across both directions.
// The *Flows fields count packets, not distinct flows (see DESIGN.md).
type ProtocolStats struct {
	TcpFlows   uint32 `json:"tcp_flows"`
	UdpFlows   uint32 `json:"udp_flows"`
	TcpBytes   uint64 `json:"tcp_bytes"`
	UdpBytes   uint64 `json:"udp_bytes"`
	TcpPackets uint64 `json:"tcp_packets"`
	UdpPackets uint64 `json:"udp_packets"`
}

func (s ProtocolStats) TotalFlows() uint32 {
	return s.TcpFlows + s.UdpFlows
}

func (s ProtocolStats) TotalBytes() uint64 {
	return s.TcpBytes + s.UdpBytes
}

func (s ProtocolStats) TotalPackets() uint64 {
	return s.TcpPackets + s.UdpPackets
}

// PortStats aggregates one observed port across all IPs.
// ActiveConnections increments once per observed packet (see DESIGN.md).
type PortStats struct {
	Port              uint16 `json:"port"`
	Protocol          uint8  `json:"protocol"`
	TotalBytes        uint64 `json:"total_bytes"`
	TotalPackets      uint64 `json:"total_packets"`
	ActiveConnections uint32 `json:"active_connections"`
	LastActive        uint64 `json:"last_active"` // monotonic nanoseconds
}

// Snapshot is a collected copy of all current counters at one instant. The
// three maps are enumerated sequentially, not under a shared lock, so values
// may mix slightly different instants if packets land during collection.
type Snapshot struct {
	Timestamp time.Time
	Flows     map[FlowKey]FlowStats
	Protocols map[uint32]ProtocolStats
	Ports     map[uint16]PortStats
}

// IPString renders a host-order uint32 address in dotted-quad form.
func IPString(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return net.IP(b[:]).String()
}

// ParseIPv4 converts a dotted-quad string to the uint32 form used as map and
// storage keys. Non-IPv4 input (including IPv6) is rejected.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IP address: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// ProtocolName returns "TCP", "UDP" or a numeric fallback.
func ProtocolName(p uint8) string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return fmt.Sprintf("Protocol %d", p)
	}
}

// DirectionName returns "inbound" or "outbound".
func DirectionName(d uint8) string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}
