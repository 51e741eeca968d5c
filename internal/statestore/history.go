package statestore

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// History is a SQLite ledger of completed rebalances. The active
// checkpoint never lives here; the ledger exists for inspection and
// accounting after the fact.
type History struct {
	db *sql.DB
}

// HistoryEntry is one completed (or abandoned) rebalance. OrderID and
// Price identify the exchange fill that converted the inventory.
type HistoryEntry struct {
	ID         string
	SrcToken   string
	DstToken   string
	AmountSats string
	OrderID    string
	Price      string
	FinalState string
	StartedAt  int64 // unix ms
	FinishedAt int64 // unix ms
}

// OpenHistory opens (and if needed creates) the ledger inside dataDir.
func OpenHistory(dataDir string) (*History, error) {
	dbPath := filepath.Join(dataDir, "hedged.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rebalances (
		id TEXT PRIMARY KEY,
		src_token TEXT NOT NULL,
		dst_token TEXT NOT NULL,

		-- Rebalance notional in satoshis, as a decimal string
		amount_sats TEXT NOT NULL,

		-- Exchange order id and average fill price
		order_id TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '',

		-- Terminal state the rebalance ended in
		final_state TEXT NOT NULL,

		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rebalances_finished ON rebalances(finished_at);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Record inserts a completed rebalance.
func (h *History) Record(entry *HistoryEntry) error {
	_, err := h.db.Exec(`
		INSERT INTO rebalances (id, src_token, dst_token, amount_sats, order_id, price, final_state, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SrcToken, entry.DstToken, entry.AmountSats,
		entry.OrderID, entry.Price, entry.FinalState, entry.StartedAt, entry.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record rebalance: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (h *History) List(limit int) ([]*HistoryEntry, error) {
	rows, err := h.db.Query(`
		SELECT id, src_token, dst_token, amount_sats, order_id, price, final_state, started_at, finished_at
		FROM rebalances ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalances: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry := &HistoryEntry{}
		if err := rows.Scan(&entry.ID, &entry.SrcToken, &entry.DstToken,
			&entry.AmountSats, &entry.OrderID, &entry.Price,
			&entry.FinalState, &entry.StartedAt, &entry.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rebalance: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
