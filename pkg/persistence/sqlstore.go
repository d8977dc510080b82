package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the placeholder and upsert syntax a SQLBackend targets.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLBackend is a Backend implementation storing one row per extension in a
// single "persistence_records" table, for deployments that want persistence
// state in the same database as the rest of their infrastructure instead of
// flat files.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBackend wraps db as a Backend and ensures the backing table exists.
// db must already be opened against either a "sqlite" or "postgres" driver
// matching dialect.
func NewSQLBackend(db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	s := &SQLBackend{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLBackend) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS persistence_records (
        extension_id TEXT PRIMARY KEY,
        schema_version INTEGER NOT NULL,
        data JSON NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLBackend) Load(extID string) (FileRecord, bool, bool, error) {
	query := s.rebind("SELECT schema_version, data FROM persistence_records WHERE extension_id = ?")
	row := s.db.QueryRowContext(context.Background(), query, extID)

	var schemaVersion int
	var dataJSON string
	err := row.Scan(&schemaVersion, &dataJSON)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, false, nil
	}
	if err != nil {
		return FileRecord{}, false, false, fmt.Errorf("persistence: sql load %q: %w", extID, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return FileRecord{}, false, false, fmt.Errorf("persistence: sql decode %q: %w", extID, err)
	}
	return FileRecord{SchemaVersion: schemaVersion, Data: data}, false, true, nil
}

func (s *SQLBackend) Save(extID string, rec FileRecord) error {
	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("persistence: sql marshal %q: %w", extID, err)
	}

	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `
            INSERT INTO persistence_records (extension_id, schema_version, data)
            VALUES ($1, $2, $3)
            ON CONFLICT (extension_id) DO UPDATE SET
                schema_version = EXCLUDED.schema_version,
                data = EXCLUDED.data`
	default:
		query = `
            INSERT INTO persistence_records (extension_id, schema_version, data)
            VALUES (?, ?, ?)
            ON CONFLICT (extension_id) DO UPDATE SET
                schema_version = excluded.schema_version,
                data = excluded.data`
	}

	if _, err := s.db.ExecContext(context.Background(), query, extID, rec.SchemaVersion, string(dataJSON)); err != nil {
		return fmt.Errorf("persistence: sql save %q: %w", extID, err)
	}
	return nil
}

// rebind rewrites "?" placeholders to "$N" when targeting Postgres.
func (s *SQLBackend) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
