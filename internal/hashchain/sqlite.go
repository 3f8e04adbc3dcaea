package hashchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteChain is the durable chain variant: entries live in a local SQLite
// file so the audit log survives restarts. There is exactly one chain owner
// per file; the head (next sequence, last hash) is loaded once at open and
// advanced in process under the mutex, so concurrent appends serialize
// instead of colliding on the sequence number.
type SQLiteChain struct {
	db       *sql.DB
	mu       sync.Mutex
	seq      int64 // next sequence number
	lastHash string
}

const chainSchema = `
CREATE TABLE IF NOT EXISTS chain_entries (
	seq            INTEGER PRIMARY KEY,
	id             TEXT NOT NULL,
	subject_id     TEXT NOT NULL,
	occurred_at    TEXT NOT NULL,
	payload        BLOB NOT NULL,
	nonce          TEXT NOT NULL,
	environment    TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	trace_id       TEXT,
	content_hash   TEXT NOT NULL,
	previous_hash  TEXT NOT NULL
)`

// OpenSQLite opens (creating if needed) a durable chain at path and loads
// the chain head.
func OpenSQLite(ctx context.Context, path string) (*SQLiteChain, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hashchain: open %s: %w", path, err)
	}
	// Single owner; more than one connection would let appends race the head.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("hashchain: set pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, chainSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("hashchain: create schema: %w", err)
	}

	c := &SQLiteChain{db: db}
	if err := c.loadHead(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteChain) loadHead(ctx context.Context) error {
	err := c.db.QueryRowContext(ctx,
		`SELECT seq + 1, content_hash FROM chain_entries ORDER BY seq DESC LIMIT 1`,
	).Scan(&c.seq, &c.lastHash)
	if errors.Is(err, sql.ErrNoRows) {
		c.seq, c.lastHash = 0, ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("hashchain: load chain head: %w", err)
	}
	return nil
}

// Append seals the input into the next entry and persists it.
func (c *SQLiteChain) Append(ctx context.Context, in EntryInput) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := buildEntry(in, c.seq, c.lastHash)
	if err != nil {
		return nil, err
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO chain_entries
		 (seq, id, subject_id, occurred_at, payload, nonce, environment, correlation_id, trace_id, content_hash, previous_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Proof.SequenceNumber, entry.ID.String(), entry.SubjectID.String(),
		entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Payload, entry.Nonce,
		entry.Context.Environment, entry.Context.CorrelationID, entry.Context.TraceID,
		entry.Proof.ContentHash, entry.Proof.PreviousEntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("hashchain: insert entry %d: %w", entry.Proof.SequenceNumber, err)
	}

	c.seq++
	c.lastHash = entry.Proof.ContentHash
	return &entry, nil
}

// VerifyIntegrity loads the whole chain in sequence order and re-walks it.
func (c *SQLiteChain) VerifyIntegrity(ctx context.Context) error {
	entries, err := c.Entries(ctx)
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

// Len returns the number of persisted entries.
func (c *SQLiteChain) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chain_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("hashchain: count entries: %w", err)
	}
	return n, nil
}

// Entries loads all persisted entries in sequence order.
func (c *SQLiteChain) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, id, subject_id, occurred_at, payload, nonce, environment, correlation_id, trace_id, content_hash, previous_hash
		 FROM chain_entries ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("hashchain: read entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			idStr, subjectStr string
			occurredAt        string
			traceID           sql.NullString
		)
		if err := rows.Scan(
			&e.Proof.SequenceNumber, &idStr, &subjectStr, &occurredAt, &e.Payload, &e.Nonce,
			&e.Context.Environment, &e.Context.CorrelationID, &traceID,
			&e.Proof.ContentHash, &e.Proof.PreviousEntryHash,
		); err != nil {
			return nil, fmt.Errorf("hashchain: scan entry: %w", err)
		}
		if e.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("hashchain: parse entry id %q: %w", idStr, err)
		}
		if e.SubjectID, err = uuid.Parse(subjectStr); err != nil {
			return nil, fmt.Errorf("hashchain: parse subject id %q: %w", subjectStr, err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("hashchain: parse entry timestamp %q: %w", occurredAt, err)
		}
		if traceID.Valid {
			e.Context.TraceID = traceID.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (c *SQLiteChain) Close() error {
	return c.db.Close()
}
