// Package storage persists periodic counter snapshots into an embedded
// ordered key-value store (bbolt) and answers time-range queries over them.
//
// Each flow record is written under three key encodings (by time, by IP, by
// port) so that all three query axes are forward range scans; the ~3x write
// amplification is the intended trade for O(log n + k) lookups without a
// separate index structure. A whole snapshot is applied as one atomic batch.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"flowscope/internal/model"
)

var bucketName = []byte("traffic")

// FlowRecord is the stored form of one flow bucket at one snapshot instant.
type FlowRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	FlowKey   model.FlowKey   `json:"flow_key"`
	Stats     model.FlowStats `json:"stats"`
}

// ProtocolRecord is the stored form of one per-IP protocol bucket.
type ProtocolRecord struct {
	Timestamp time.Time           `json:"timestamp"`
	IP        uint32              `json:"ip"`
	Stats     model.ProtocolStats `json:"stats"`
}

// PortRecord is the stored form of one per-port bucket.
type PortRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Port      uint16          `json:"port"`
	Stats     model.PortStats `json:"stats"`
}

// Store is the time-series storage engine.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if missing) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreSnapshot writes all records of one snapshot in a single transaction.
func (s *Store) StoreSnapshot(snap *model.Snapshot) error {
	ts := ts10(snap.Timestamp)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		for key, stats := range snap.Flows {
			rec := FlowRecord{Timestamp: snap.Timestamp, FlowKey: key, Stats: stats}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode flow record: %w", err)
			}
			primary, byIP, byPort := flowKeys(ts, key)
			for _, k := range []string{primary, byIP, byPort} {
				if err := b.Put([]byte(k), val); err != nil {
					return err
				}
			}
		}

		for ip, stats := range snap.Protocols {
			rec := ProtocolRecord{Timestamp: snap.Timestamp, IP: ip, Stats: stats}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode protocol record: %w", err)
			}
			primary, byIP := protocolKeys(ts, ip)
			for _, k := range []string{primary, byIP} {
				if err := b.Put([]byte(k), val); err != nil {
					return err
				}
			}
		}

		for port, stats := range snap.Ports {
			rec := PortRecord{Timestamp: snap.Timestamp, Port: port, Stats: stats}
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode port record: %w", err)
			}
			if err := b.Put([]byte(portStatsKey(ts, port)), val); err != nil {
				return err
			}
		}

		return nil
	})
}

// scan walks keys forward from startKey while they carry prefix and their
// timestamp segment stays below endTs ([start, end)). Only the timestamp
// segment is compared against the end bound, so trailing dimension fields
// cannot mis-bound the scan when timestamps tie. Records that fail to decode
// are skipped and the scan continues.
func (s *Store) scan(prefix, startKey string, endTs int64, visit func(val []byte)) error {
	p := []byte(prefix)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek([]byte(startKey)); k != nil; k, v = c.Next() {
			if !bytes.HasPrefix(k, p) {
				break
			}
			ts, ok := keyTimestamp(k)
			if !ok {
				continue
			}
			if ts >= endTs {
				break
			}
			visit(v)
		}
		return nil
	})
}

// IPFlowHistory returns the flow records for one IP in [start, end).
func (s *Store) IPFlowHistory(ip uint32, start, end time.Time) ([]FlowRecord, error) {
	prefix := fmt.Sprintf("%s:%d:", familyIPFlows, ip)
	startKey := prefix + ts10(start) + ":"

	var results []FlowRecord
	err := s.scan(prefix, startKey, end.Unix(), func(val []byte) {
		var rec FlowRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return
		}
		results = append(results, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow history for %s: %w", model.IPString(ip), err)
	}
	return results, nil
}

// TopPorts aggregates the per-port records in [start, end) and returns the
// limit highest by total bytes. Returned records carry end as their
// timestamp since they span the whole window.
func (s *Store) TopPorts(start, end time.Time, limit int) ([]PortRecord, error) {
	prefix := familyPortStats + ":"
	startKey := prefix + ts10(start) + ":"

	aggregates := make(map[uint16]model.PortStats)
	err := s.scan(prefix, startKey, end.Unix(), func(val []byte) {
		var rec PortRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return
		}
		agg, ok := aggregates[rec.Port]
		if !ok {
			agg = model.PortStats{Port: rec.Port, Protocol: rec.Stats.Protocol}
		}
		agg.TotalBytes += rec.Stats.TotalBytes
		agg.TotalPackets += rec.Stats.TotalPackets
		agg.ActiveConnections += rec.Stats.ActiveConnections
		if rec.Stats.LastActive > agg.LastActive {
			agg.LastActive = rec.Stats.LastActive
		}
		aggregates[rec.Port] = agg
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan port stats: %w", err)
	}

	results := make([]PortRecord, 0, len(aggregates))
	for port, stats := range aggregates {
		results = append(results, PortRecord{Timestamp: end, Port: port, Stats: stats})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stats.TotalBytes > results[j].Stats.TotalBytes
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ProtocolHistory returns the per-IP protocol records in [start, end).
func (s *Store) ProtocolHistory(ip uint32, start, end time.Time) ([]ProtocolRecord, error) {
	prefix := fmt.Sprintf("%s:%d:", familyIPProtocol, ip)
	startKey := prefix + ts10(start)

	var results []ProtocolRecord
	err := s.scan(prefix, startKey, end.Unix(), func(val []byte) {
		var rec ProtocolRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return
		}
		results = append(results, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan protocol history for %s: %w", model.IPString(ip), err)
	}
	return results, nil
}

// FlowsInRange returns all flow records in [start, end) via the primary key
// family.
func (s *Store) FlowsInRange(start, end time.Time) ([]FlowRecord, error) {
	prefix := familyFlow + ":"
	startKey := prefix + ts10(start) + ":"

	var results []FlowRecord
	err := s.scan(prefix, startKey, end.Unix(), func(val []byte) {
		var rec FlowRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return
		}
		results = append(results, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan flows: %w", err)
	}
	return results, nil
}

// ProtocolsInRange returns all protocol records in [start, end).
func (s *Store) ProtocolsInRange(start, end time.Time) ([]ProtocolRecord, error) {
	prefix := familyProtocol + ":"
	startKey := prefix + ts10(start) + ":"

	var results []ProtocolRecord
	err := s.scan(prefix, startKey, end.Unix(), func(val []byte) {
		var rec ProtocolRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return
		}
		results = append(results, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan protocols: %w", err)
	}
	return results, nil
}

// PortsInRange returns all port records in [start, end).
func (s *Store) PortsInRange(start, end time.Time) ([]PortRecord, error) {
	prefix := familyPortStats + ":"
	startKey := prefix + ts10(start) + ":"

	var results []PortRecord
	err := s.scan(prefix, startKey, end.Unix(), func(val []byte) {
		var rec PortRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return
		}
		results = append(results, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ports: %w", err)
	}
	return results, nil
}

// LatestSnapshot returns the records of the trailing one-minute window. The
// end bound sits one second past now so a snapshot written within the
// current second is included despite the half-open range contract.
func (s *Store) LatestSnapshot() ([]FlowRecord, []ProtocolRecord, []PortRecord, error) {
	end := time.Now().Add(time.Second)
	start := end.Add(-time.Minute)

	flows, err := s.FlowsInRange(start, end)
	if err != nil {
		return nil, nil, nil, err
	}
	protocols, err := s.ProtocolsInRange(start, end)
	if err != nil {
		return nil, nil, nil, err
	}
	ports, err := s.PortsInRange(start, end)
	if err != nil {
		return nil, nil, nil, err
	}
	return flows, protocols, ports, nil
}

// Cleanup deletes every record of every key family with timestamp <= before
// and returns the number of keys removed. The deletion spans all six key
// families, so it is a full keyspace scan rather than a range scan; run it
// on an infrequent retention interval.
func (s *Store) Cleanup(before time.Time) (int, error) {
	cutoff := before.Unix()
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		var expired [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, ok := keyTimestamp(k)
			if !ok || ts > cutoff {
				continue
			}
			expired = append(expired, append([]byte(nil), k...))
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired records: %w", err)
	}
	return deleted, nil
}
