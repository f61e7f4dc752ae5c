package storage

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"flowscope/internal/model"
)

// Key families. Flow records are written three times (primary plus two
// secondary indexes), protocol records twice, port records once. IPs are
// rendered as decimal uint32 and timestamps as 10-digit zero-padded Unix
// seconds so that lexicographic order equals chronological order within a
// family and dimension prefix. The formats are load-bearing: stored data
// must stay readable across versions.
const (
	familyFlow       = "flow"
	familyIPFlows    = "ip_flows"
	familyPortFlows  = "port_flows"
	familyProtocol   = "protocol"
	familyIPProtocol = "ip_protocol"
	familyPortStats  = "port_stats"
)

func ts10(t time.Time) string {
	return fmt.Sprintf("%010d", t.Unix())
}

// flowKeys returns the primary, by-IP and by-port keys for one flow record.
func flowKeys(ts string, k model.FlowKey) (primary, byIP, byPort string) {
	primary = fmt.Sprintf("%s:%s:%d:%d:%d:%d", familyFlow, ts, k.IP, k.Port, k.Protocol, k.Direction)
	byIP = fmt.Sprintf("%s:%d:%s:%d:%d:%d", familyIPFlows, k.IP, ts, k.Port, k.Protocol, k.Direction)
	byPort = fmt.Sprintf("%s:%d:%s:%d:%d:%d", familyPortFlows, k.Port, ts, k.IP, k.Protocol, k.Direction)
	return
}

// protocolKeys returns the primary and by-IP keys for one protocol record.
func protocolKeys(ts string, ip uint32) (primary, byIP string) {
	primary = fmt.Sprintf("%s:%s:%d", familyProtocol, ts, ip)
	byIP = fmt.Sprintf("%s:%d:%s", familyIPProtocol, ip, ts)
	return
}

func portStatsKey(ts string, port uint16) string {
	return fmt.Sprintf("%s:%s:%d", familyPortStats, ts, port)
}

// tsSegmentIndex maps a key family to the colon-separated segment holding
// its timestamp. Primary families carry the timestamp right after the tag;
// the by-dimension indexes carry the dimension first.
var tsSegmentIndex = map[string]int{
	familyFlow:       1,
	familyIPFlows:    2,
	familyPortFlows:  2,
	familyProtocol:   1,
	familyIPProtocol: 2,
	familyPortStats:  1,
}

// keyTimestamp extracts the Unix-second timestamp from a stored key. The
// second return is false for keys outside the known families or with a
// malformed timestamp segment.
func keyTimestamp(key []byte) (int64, bool) {
	parts := bytes.Split(key, []byte{':'})
	if len(parts) < 2 {
		return 0, false
	}
	idx, ok := tsSegmentIndex[string(parts[0])]
	if !ok || idx >= len(parts) || len(parts[idx]) != 10 {
		return 0, false
	}
	ts, err := strconv.ParseInt(string(parts[idx]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
