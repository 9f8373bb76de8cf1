package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"linewatch/internal/models"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		sensorDataDDL(),
		`CREATE TABLE IF NOT EXISTS alarm_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			line_id TEXT NOT NULL,
			parameter_name TEXT NOT NULL,
			lower_limit REAL,
			upper_limit REAL,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(line_id, parameter_name)
		);`,
		`CREATE TABLE IF NOT EXISTS alarm_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			line_id TEXT NOT NULL,
			parameter_name TEXT NOT NULL,
			parameter_value REAL NOT NULL,
			alarm_message TEXT NOT NULL,
			alarm_rule_id INTEGER,
			is_acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_at DATETIME,
			acknowledged_by TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE(ts, line_id, parameter_name),
			FOREIGN KEY(alarm_rule_id) REFERENCES alarm_rules(id) ON DELETE SET NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_line_ts ON sensor_data(line_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_rules_line ON alarm_rules(line_id, is_enabled);`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_records_ack_ts ON alarm_records(is_acknowledged, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

func sensorDataDDL() string {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS sensor_data (
			ts DATETIME NOT NULL,
			line_id TEXT NOT NULL,
			component_id TEXT NOT NULL,
			batch_product_number TEXT,`)
	for _, f := range models.Fields {
		b.WriteString("\n\t\t\t")
		b.WriteString(f.Name)
		b.WriteString(" REAL,")
	}
	b.WriteString("\n\t\t\tPRIMARY KEY(ts, line_id, component_id)\n\t\t);")
	return b.String()
}

// SeedRules inserts rules that are not present yet. Existing
// (line_id, parameter_name) pairs are left untouched so operator edits
// survive restarts.
func SeedRules(ctx context.Context, db *sql.DB, rules []models.AlarmRule) (int, error) {
	seeded := 0
	now := time.Now().UTC()
	for _, r := range rules {
		res, err := db.ExecContext(ctx, `INSERT INTO alarm_rules (line_id,parameter_name,lower_limit,upper_limit,is_enabled,created_at,updated_at)
			SELECT ?,?,?,?,?,?,?
			WHERE NOT EXISTS (SELECT 1 FROM alarm_rules WHERE line_id = ? AND parameter_name = ?)`,
			r.LineID, r.ParameterName, r.LowerLimit, r.UpperLimit, boolInt(r.Enabled), now, now, r.LineID, r.ParameterName)
		if err != nil {
			return seeded, fmt.Errorf("seed rule %s/%s: %w", r.LineID, r.ParameterName, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
		}
	}
	return seeded, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
