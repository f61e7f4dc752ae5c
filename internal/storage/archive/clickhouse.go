// Package archive provides optional long-horizon archival of snapshot flow
// records into ClickHouse, alongside the embedded time-series store.
package archive

import (
	"context"
	"fmt"
	"log"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"flowscope/internal/config"
	"flowscope/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS flow_records (
    Timestamp       DateTime,
    IP              String,
    Port            UInt16,
    Protocol        String,
    Direction       String,
    InboundPackets  UInt64,
    InboundBytes    UInt64,
    OutboundPackets UInt64,
    OutboundBytes   UInt64,
    ConnectionCount UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (IP, Timestamp);
`

// ClickHouseArchiver batch-inserts each snapshot's flow records.
type ClickHouseArchiver struct {
	conn driver.Conn
}

// NewClickHouse connects to ClickHouse and ensures the archive table exists.
func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouseArchiver, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}
	log.Println("Connected to ClickHouse and ensured archive table exists.")

	return &ClickHouseArchiver{conn: conn}, nil
}

// ArchiveSnapshot appends all flow records of one snapshot as a single
// batch.
func (a *ClickHouseArchiver) ArchiveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if len(snap.Flows) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO flow_records")
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for key, stats := range snap.Flows {
		err := batch.Append(
			snap.Timestamp,
			model.IPString(key.IP),
			key.Port,
			model.ProtocolName(key.Protocol),
			model.DirectionName(key.Direction),
			stats.InboundPackets,
			stats.InboundBytes,
			stats.OutboundPackets,
			stats.OutboundBytes,
			stats.ConnectionCount,
		)
		if err != nil {
			return fmt.Errorf("failed to append archive row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (a *ClickHouseArchiver) Close() error {
	return a.conn.Close()
}
