package tracing

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

const traceTable = "trace"

// sqliteRow is how a record is laid out in the database.
type sqliteRow struct {
	ID       string
	Time     int64
	Location string
	What     string
	MsgID    int64
	Bytes    int
	Err      string
}

// SQLiteBackend writes records into a SQLite database in batches.
type SQLiteBackend struct {
	*sql.DB

	mu        sync.Mutex
	dbName    string
	batchSize int
	pending   []sqliteRow
}

// NewSQLiteBackend creates <path>.sqlite3 and a trace table in it. An empty
// path picks a unique name. Pending records are flushed at exit.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	b := &SQLiteBackend{
		dbName:    path,
		batchSize: 100000,
	}

	if err := b.init(); err != nil {
		return nil, err
	}

	atexit.Register(func() { b.Flush() })

	return b, nil
}

// NewSQLiteBackendWithDB creates a backend on an open database.
func NewSQLiteBackendWithDB(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{
		DB:        db,
		batchSize: 100000,
	}

	if err := b.createTable(); err != nil {
		return nil, err
	}

	atexit.Register(func() { b.Flush() })

	return b, nil
}

// SetBatchSize sets how many records are buffered before they are written.
func (b *SQLiteBackend) SetBatchSize(n int) {
	b.mu.Lock()
	b.batchSize = n
	b.mu.Unlock()
}

// FileName returns the database file, or "" for a backend created on an open
// database.
func (b *SQLiteBackend) FileName() string {
	if b.dbName == "" {
		return ""
	}

	return b.dbName + ".sqlite3"
}

func (b *SQLiteBackend) init() error {
	if b.dbName == "" {
		b.dbName = "pfmailbox_trace_" + xid.New().String()
	}

	filename := b.FileName()

	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	fmt.Fprintf(os.Stderr, "Database created for tracing: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return err
	}

	b.DB = db

	return b.createTable()
}

func (b *SQLiteBackend) createTable() error {
	fields := strings.Join(structs.Names(sqliteRow{}), ", \n\t")

	_, err := b.Exec(`CREATE TABLE IF NOT EXISTS ` + traceTable +
		` (` + "\n\t" + fields + "\n" + `);`)
	if err != nil {
		return err
	}

	_, err = b.Exec(`CREATE INDEX IF NOT EXISTS trace_msg_id ON ` +
		traceTable + ` (MsgID);`)

	return err
}

// Write buffers a record.
func (b *SQLiteBackend) Write(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, sqliteRow{
		ID:       r.ID,
		Time:     r.Time.UnixNano(),
		Location: r.Where,
		What:     r.What,
		MsgID:    int64(r.MsgID),
		Bytes:    r.Bytes,
		Err:      r.Err,
	})

	if len(b.pending) >= b.batchSize {
		b.flush()
	}
}

// Flush writes every buffered record.
func (b *SQLiteBackend) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flush()
}

func (b *SQLiteBackend) flush() {
	if len(b.pending) == 0 {
		return
	}

	b.mustExecute("BEGIN TRANSACTION")
	defer b.mustExecute("COMMIT TRANSACTION")

	n := structs.Names(sqliteRow{})
	for i := range n {
		n[i] = "?"
	}

	stmt, err := b.Prepare("INSERT INTO " + traceTable +
		" VALUES (" + strings.Join(n, ", ") + ")")
	if err != nil {
		panic(err)
	}
	defer stmt.Close()

	for _, row := range b.pending {
		_, err := stmt.Exec(structs.Values(row)...)
		if err != nil {
			panic(err)
		}
	}

	b.pending = nil
}

func (b *SQLiteBackend) mustExecute(query string) sql.Result {
	res, err := b.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

// Records reads back records matching an optional message ID, oldest first.
// A zero msgID matches every record.
func (b *SQLiteBackend) Records(msgID uint64) ([]Record, error) {
	b.Flush()

	q := "SELECT ID, Time, Location, What, MsgID, Bytes, Err FROM " +
		traceTable
	args := []any{}

	if msgID != 0 {
		q += " WHERE MsgID = ?"
		args = append(args, int64(msgID))
	}

	q += " ORDER BY Time, rowid"

	rows, err := b.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			r     Record
			t     int64
			msgID int64
		)

		err := rows.Scan(&r.ID, &t, &r.Where, &r.What, &msgID, &r.Bytes, &r.Err)
		if err != nil {
			return nil, err
		}

		r.Time = time.Unix(0, t)
		r.MsgID = uint64(msgID)
		out = append(out, r)
	}

	return out, rows.Err()
}
