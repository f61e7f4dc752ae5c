// Package analytics derives the human-facing dashboard view from raw
// counter snapshots: rates, top-N rankings and protocol breakdowns.
package analytics

import (
	"sort"
	"time"

	"flowscope/internal/model"
)

// DashboardData is the derived, read-mostly view recomputed every cycle.
type DashboardData struct {
	RealtimeMetrics   RealtimeMetrics      `json:"realtime_metrics"`
	TopIPs            []IPTrafficSummary   `json:"top_ips"`
	TopPorts          []PortTrafficSummary `json:"top_ports"`
	ProtocolBreakdown ProtocolBreakdown    `json:"protocol_breakdown"`
	TimelineData      []TimelinePoint      `json:"timeline_data"`
}

// RealtimeMetrics carries the per-cycle rate figures.
type RealtimeMetrics struct {
	TotalBandwidthBps  uint64    `json:"total_bandwidth_bps"`
	TotalPacketRatePps uint64    `json:"total_packet_rate_pps"`
	ActiveFlows        uint32    `json:"active_flows"`
	ActiveIPs          uint32    `json:"active_ips"`
	TcpConnections     uint32    `json:"tcp_connections"`
	UdpConnections     uint32    `json:"udp_connections"`
	LastUpdated        time.Time `json:"last_updated"`
}

// IPTrafficSummary aggregates one IP's traffic across its flows.
type IPTrafficSummary struct {
	IP              string            `json:"ip"`
	InboundBytes    uint64            `json:"inbound_bytes"`
	OutboundBytes   uint64            `json:"outbound_bytes"`
	InboundPackets  uint64            `json:"inbound_packets"`
	OutboundPackets uint64            `json:"outbound_packets"`
	TotalFlows      uint32            `json:"total_flows"`
	TopPorts        []uint16          `json:"top_ports"`
	Protocols       ProtocolBreakdown `json:"protocols"`
	LastActive      time.Time         `json:"last_active"`
}

// PortTrafficSummary aggregates one port across all IPs.
type PortTrafficSummary struct {
	Port              uint16    `json:"port"`
	ServiceName       *string   `json:"service_name"`
	Protocol          string    `json:"protocol"`
	TotalBytes        uint64    `json:"total_bytes"`
	TotalPackets      uint64    `json:"total_packets"`
	ActiveConnections uint32    `json:"active_connections"`
	AssociatedIPs     []string  `json:"associated_ips"`
	LastActive        time.Time `json:"last_active"`
}

// ProtocolBreakdown splits traffic between TCP and UDP.
type ProtocolBreakdown struct {
	TcpBytes      uint64  `json:"tcp_bytes"`
	TcpPackets    uint64  `json:"tcp_packets"`
	TcpFlows      uint32  `json:"tcp_flows"`
	UdpBytes      uint64  `json:"udp_bytes"`
	UdpPackets    uint64  `json:"udp_packets"`
	UdpFlows      uint32  `json:"udp_flows"`
	TcpPercentage float64 `json:"tcp_percentage"`
	UdpPercentage float64 `json:"udp_percentage"`
}

// TimelinePoint is one aggregate sample per cycle. Accumulating the series
// is left to the consumer; Build emits only the current cycle's point.
type TimelinePoint struct {
	Timestamp    time.Time `json:"timestamp"`
	TotalBytes   uint64    `json:"total_bytes"`
	TotalPackets uint64    `json:"total_packets"`
	TcpBytes     uint64    `json:"tcp_bytes"`
	UdpBytes     uint64    `json:"udp_bytes"`
	ActiveFlows  uint32    `json:"active_flows"`
}

// Analyzer computes dashboard data from snapshots. It is stateful across
// cycles: the previous totals feed the rate computation. Not safe for
// concurrent use; the collection cycle is its single caller.
type Analyzer struct {
	lastSnapshotTime time.Time
	prevTotalBytes   uint64
	prevTotalPackets uint64
}

// NewAnalyzer returns an analyzer whose first cycle reports zero rates.
func NewAnalyzer() *Analyzer {
	return &Analyzer{lastSnapshotTime: time.Now()}
}

// Build derives the full dashboard view from one snapshot.
func (a *Analyzer) Build(snap *model.Snapshot) *DashboardData {
	now := snap.Timestamp

	elapsed := uint64(now.Sub(a.lastSnapshotTime) / time.Second)
	if elapsed == 0 {
		elapsed = 1
	}

	metrics := a.realtimeMetrics(snap, elapsed, now)
	a.lastSnapshotTime = now

	return &DashboardData{
		RealtimeMetrics:   metrics,
		TopIPs:            topIPs(snap.Flows),
		TopPorts:          topPorts(snap.Ports, snap.Flows),
		ProtocolBreakdown: protocolBreakdown(snap.Protocols),
		TimelineData:      []TimelinePoint{timelinePoint(snap.Flows, now)},
	}
}

func (a *Analyzer) realtimeMetrics(snap *model.Snapshot, elapsed uint64, now time.Time) RealtimeMetrics {
	var totalBytes, totalPackets uint64
	var tcpConns, udpConns uint32
	activeIPs := make(map[uint32]struct{})

	for key, stats := range snap.Flows {
		totalBytes += stats.TotalBytes()
		totalPackets += stats.TotalPackets()
		activeIPs[key.IP] = struct{}{}
		switch key.Protocol {
		case model.ProtocolTCP:
			tcpConns += stats.ConnectionCount
		case model.ProtocolUDP:
			udpConns += stats.ConnectionCount
		}
	}

	// Totals shrink only when the counters reset (process restart); report
	// zero rather than a wrapped rate in that case.
	var bandwidth, packetRate uint64
	if totalBytes > a.prevTotalBytes {
		bandwidth = (totalBytes - a.prevTotalBytes) / elapsed
	}
	if totalPackets > a.prevTotalPackets {
		packetRate = (totalPackets - a.prevTotalPackets) / elapsed
	}
	a.prevTotalBytes = totalBytes
	a.prevTotalPackets = totalPackets

	return RealtimeMetrics{
		TotalBandwidthBps:  bandwidth,
		TotalPacketRatePps: packetRate,
		ActiveFlows:        uint32(len(snap.Flows)),
		ActiveIPs:          uint32(len(activeIPs)),
		TcpConnections:     tcpConns,
		UdpConnections:     udpConns,
		LastUpdated:        now,
	}
}

func topIPs(flows map[model.FlowKey]model.FlowStats) []IPTrafficSummary {
	type ipAggregate struct {
		summary IPTrafficSummary
		ports   map[uint16]uint64 // port -> bytes, for the per-IP top ports
	}
	aggregates := make(map[uint32]*ipAggregate)

	for key, stats := range flows {
		agg, ok := aggregates[key.IP]
		if !ok {
			agg = &ipAggregate{
				summary: IPTrafficSummary{IP: model.IPString(key.IP)},
				ports:   make(map[uint16]uint64),
			}
			aggregates[key.IP] = agg
		}

		s := &agg.summary
		s.InboundBytes += stats.InboundBytes
		s.OutboundBytes += stats.OutboundBytes
		s.InboundPackets += stats.InboundPackets
		s.OutboundPackets += stats.OutboundPackets
		s.TotalFlows++

		switch key.Protocol {
		case model.ProtocolTCP:
			s.Protocols.TcpBytes += stats.TotalBytes()
			s.Protocols.TcpPackets += stats.TotalPackets()
			s.Protocols.TcpFlows++
		case model.ProtocolUDP:
			s.Protocols.UdpBytes += stats.TotalBytes()
			s.Protocols.UdpPackets += stats.TotalPackets()
			s.Protocols.UdpFlows++
		}

		if seen := nanosToTime(stats.LastSeen); seen.After(s.LastActive) {
			s.LastActive = seen
		}
		agg.ports[key.Port] += stats.TotalBytes()
	}

	summaries := make([]IPTrafficSummary, 0, len(aggregates))
	for _, agg := range aggregates {
		s := agg.summary
		total := s.Protocols.TcpBytes + s.Protocols.UdpBytes
		if total > 0 {
			s.Protocols.TcpPercentage = float64(s.Protocols.TcpBytes) / float64(total) * 100.0
			s.Protocols.UdpPercentage = float64(s.Protocols.UdpBytes) / float64(total) * 100.0
		}
		s.TopPorts = topPortsByBytes(agg.ports, 5)
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].InboundBytes+summaries[i].OutboundBytes >
			summaries[j].InboundBytes+summaries[j].OutboundBytes
	})
	if len(summaries) > 10 {
		summaries = summaries[:10]
	}
	return summaries
}

func topPorts(ports map[uint16]model.PortStats, flows map[model.FlowKey]model.FlowStats) []PortTrafficSummary {
	summaries := make([]PortTrafficSummary, 0, len(ports))

	for port, stats := range ports {
		ipSet := make(map[string]struct{})
		for key := range flows {
			if key.Port == port {
				ipSet[model.IPString(key.IP)] = struct{}{}
			}
		}
		ips := make([]string, 0, len(ipSet))
		for ip := range ipSet {
			ips = append(ips, ip)
		}
		sort.Strings(ips)

		summaries = append(summaries, PortTrafficSummary{
			Port:              port,
			ServiceName:       ServiceName(port),
			Protocol:          model.ProtocolName(stats.Protocol),
			TotalBytes:        stats.TotalBytes,
			TotalPackets:      stats.TotalPackets,
			ActiveConnections: stats.ActiveConnections,
			AssociatedIPs:     ips,
			LastActive:        nanosToTime(stats.LastActive),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].TotalBytes > summaries[j].TotalBytes
	})
	if len(summaries) > 10 {
		summaries = summaries[:10]
	}
	return summaries
}

func protocolBreakdown(protocols map[uint32]model.ProtocolStats) ProtocolBreakdown {
	var b ProtocolBreakdown
	for _, stats := range protocols {
		b.TcpBytes += stats.TcpBytes
		b.TcpPackets += stats.TcpPackets
		b.TcpFlows += stats.TcpFlows
		b.UdpBytes += stats.UdpBytes
		b.UdpPackets += stats.UdpPackets
		b.UdpFlows += stats.UdpFlows
	}
	total := b.TcpBytes + b.UdpBytes
	if total > 0 {
		b.TcpPercentage = float64(b.TcpBytes) / float64(total) * 100.0
		b.UdpPercentage = float64(b.UdpBytes) / float64(total) * 100.0
	}
	return b
}

func timelinePoint(flows map[model.FlowKey]model.FlowStats, now time.Time) TimelinePoint {
	point := TimelinePoint{
		Timestamp:   now,
		ActiveFlows: uint32(len(flows)),
	}
	for key, stats := range flows {
		point.TotalBytes += stats.TotalBytes()
		point.TotalPackets += stats.TotalPackets()
		switch key.Protocol {
		case model.ProtocolTCP:
			point.TcpBytes += stats.TotalBytes()
		case model.ProtocolUDP:
			point.UdpBytes += stats.TotalBytes()
		}
	}
	return point
}

// topPortsByBytes returns up to n ports ranked by descending byte count.
func topPortsByBytes(ports map[uint16]uint64, n int) []uint16 {
	type portBytes struct {
		port  uint16
		bytes uint64
	}
	ranked := make([]portBytes, 0, len(ports))
	for port, bytes := range ports {
		ranked = append(ranked, portBytes{port, bytes})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].bytes != ranked[j].bytes {
			return ranked[i].bytes > ranked[j].bytes
		}
		return ranked[i].port < ranked[j].port
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]uint16, len(ranked))
	for i, pb := range ranked {
		out[i] = pb.port
	}
	return out
}

var serviceNames = map[uint16]string{
	22:   "SSH",
	53:   "DNS",
	80:   "HTTP",
	443:  "HTTPS",
	3000: "Development Server",
	3306: "MySQL",
	5432: "PostgreSQL",
	6379: "Redis",
	8080: "HTTP Alt",
	8443: "HTTPS Alt",
}

// ServiceName resolves a well-known port to its service name, or nil.
func ServiceName(port uint16) *string {
	if name, ok := serviceNames[port]; ok {
		return &name
	}
	return nil
}

func nanosToTime(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns))
}
