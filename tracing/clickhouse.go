package tracing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/tebeka/atexit"
)

// ClickHouseConfig locates the ClickHouse server a ClickHouseBackend writes
// to.
type ClickHouseConfig struct {
	Addr      string
	Database  string
	Username  string
	Password  string
	Table     string
	BatchSize int
}

// ClickHouseBackend writes records into a ClickHouse table in batches.
type ClickHouseBackend struct {
	conn      clickhouse.Conn
	table     string
	batchSize int

	mu      sync.Mutex
	pending []Record
}

// NewClickHouseBackend connects to the server and creates the trace table if
// it does not exist. Pending records are flushed at exit.
func NewClickHouseBackend(cfg ClickHouseConfig) (*ClickHouseBackend, error) {
	if cfg.Table == "" {
		cfg.Table = traceTable
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100000
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     2,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	b := &ClickHouseBackend{
		conn:      conn,
		table:     cfg.Table,
		batchSize: cfg.BatchSize,
	}

	err = conn.Exec(context.Background(), fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ID String,
			Time DateTime64(9),
			Location String,
			What String,
			MsgID UInt64,
			Bytes Int64,
			Err String
		) ENGINE = MergeTree()
		ORDER BY (MsgID, Time)
	`, b.table))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", b.table, err)
	}

	atexit.Register(func() { b.Flush() })

	return b, nil
}

// Write buffers a record.
func (b *ClickHouseBackend) Write(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, r)

	if len(b.pending) >= b.batchSize {
		b.flush()
	}
}

// Flush sends every buffered record.
func (b *ClickHouseBackend) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flush()
}

func (b *ClickHouseBackend) flush() {
	if len(b.pending) == 0 {
		return
	}

	err := b.send(b.pending)
	if err != nil {
		log.Printf("tracing: dropping %d records: %v", len(b.pending), err)
	}

	b.pending = nil
}

func (b *ClickHouseBackend) send(records []Record) error {
	batch, err := b.conn.PrepareBatch(context.Background(),
		fmt.Sprintf("INSERT INTO %s", b.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch for %s: %w", b.table, err)
	}

	for _, r := range records {
		err = batch.Append(r.ID, r.Time, r.Where, r.What, r.MsgID,
			int64(r.Bytes), r.Err)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// Close flushes and closes the connection.
func (b *ClickHouseBackend) Close() error {
	b.Flush()

	return b.conn.Close()
}
