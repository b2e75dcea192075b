// Package persist stores named logical records durably in sqlite. The cache
// is best-effort: records that fail validation are discarded, never fatal.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// Record names for the two independent logical records.
const (
	ChatRecord = "chat"
	AuthRecord = "auth"
)

// Adapter serializes a store's declared state under a store name and
// restores it at startup. Callers apply their own rehydration transforms
// (timestamp parsing, ownership filtering) after LoadRecord.
type Adapter struct {
	db      *sql.DB
	schemas map[string]string
}

// NewAdapter opens (or creates) the database at dbPath.
func NewAdapter(ctx context.Context, dbPath string) (*Adapter, error) {
	// WAL mode for concurrent readers; sqlite only supports one writer.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &Adapter{db: db, schemas: defaultSchemas()}
	if err := a.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

// Close closes the database connection.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		name       TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// SaveRecord serializes v and upserts it under name.
func (a *Adapter) SaveRecord(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", name, err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO records (name, data, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, string(data))
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", name, err)
	}
	return nil
}

// LoadRecord reads the record under name into out. Returns false when the
// record is absent or fails schema validation; a discarded record is logged,
// not an error.
func (a *Adapter) LoadRecord(ctx context.Context, name string, out any) (bool, error) {
	var data string
	err := a.db.QueryRowContext(ctx, "SELECT data FROM records WHERE name = ?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load record %s: %w", name, err)
	}

	if schema, ok := a.schemas[name]; ok {
		if err := validateRecord(schema, data); err != nil {
			log.Printf("discarding invalid %s record: %v", name, err)
			return false, nil
		}
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		log.Printf("discarding unreadable %s record: %v", name, err)
		return false, nil
	}
	return true, nil
}

// DeleteRecord drops the record under name. Absent records are a no-op.
func (a *Adapter) DeleteRecord(ctx context.Context, name string) error {
	if _, err := a.db.ExecContext(ctx, "DELETE FROM records WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	return nil
}
