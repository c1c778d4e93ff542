package storage

// sqlite.go: persistencia del control plane de ejecución.
//
// Tablas:
//   calibration_runs   : un intento de calibración/ejecución por fila
//   orders             : una orden por run (market = EXECUTION:<runID>, UNIQUE)
//   execution_control  : singleton del kill-switch (key = 'global')
//   positions          : exposición abierta, sólo lectura para el worker
//
// Los timestamps se guardan como INTEGER (unix ms) para que las ventanas de
// tiempo (órdenes del día, último minuto) sean comparaciones numéricas.
// Los importes (quantity, price, realized_pnl, size) se guardan como TEXT
// decimal para no perder precisión.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/execgate/internal/ports"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS calibration_runs (
    id              TEXT PRIMARY KEY,
    status          TEXT    NOT NULL,
    started_at      INTEGER NOT NULL,
    finished_at     INTEGER,
    notes           TEXT    NOT NULL DEFAULT '',
    idempotency_key TEXT UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON calibration_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS orders (
    id           TEXT PRIMARY KEY,
    market       TEXT    NOT NULL UNIQUE,
    side         TEXT    NOT NULL,
    quantity     TEXT    NOT NULL DEFAULT '0',
    price        TEXT,
    status       TEXT    NOT NULL DEFAULT 'PENDING',
    realized_pnl TEXT    NOT NULL DEFAULT '0',
    created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);

CREATE TABLE IF NOT EXISTS execution_control (
    key         TEXT PRIMARY KEY,
    kill_switch INTEGER NOT NULL DEFAULT 0,
    reason      TEXT,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    market      TEXT PRIMARY KEY,
    size        TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL DEFAULT '0',
    pnl         TEXT NOT NULL DEFAULT '0',
    updated_at  INTEGER NOT NULL
);
`

// SQLiteStorage implementa ports.ExecutionStorage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.ExecutionStorage = (*SQLiteStorage)(nil)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Ping verifica que la base de datos responde.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("storage.Ping: %w", err)
	}
	return nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// isUniqueViolation detecta violaciones de UNIQUE / PRIMARY KEY.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
