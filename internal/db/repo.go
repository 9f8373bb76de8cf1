package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"linewatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store hands out per-worker sessions.
type Store interface {
	Session(ctx context.Context) (Session, error)
}

// Session is the persistence surface a single worker uses. Each session owns
// one connection; it is not safe for concurrent use.
type Session interface {
	StoreBatch(ctx context.Context, readings []models.Reading) error
	StoreOne(ctx context.Context, reading models.Reading) error
	RulesForLine(ctx context.Context, lineID string) ([]models.AlarmRule, error)
	CreateAlarmRecordIfAbsent(ctx context.Context, rec models.AlarmRecord) (models.AlarmRecord, bool, error)
	Close() error
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type Repository struct {
	queries
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{queries: queries{q: db}, db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Session pins a dedicated pool connection for one worker.
func (r *Repository) Session(ctx context.Context) (Session, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &connSession{queries: queries{q: conn}, conn: conn}, nil
}

type connSession struct {
	queries
	conn *sql.Conn
}

func (s *connSession) Close() error { return s.conn.Close() }

type queries struct {
	q querier
}

var insertReadingSQL = func() string {
	cols := []string{"ts", "line_id", "component_id", "batch_product_number"}
	for _, f := range models.Fields {
		cols = append(cols, f.Name)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return fmt.Sprintf(`INSERT INTO sensor_data (%s) VALUES (%s)`, strings.Join(cols, ","), marks)
}()

func readingArgs(r models.Reading) []any {
	args := make([]any, 0, 4+len(models.Fields))
	args = append(args, r.TS.UTC(), r.LineID, r.ComponentID, r.BatchProductNumber)
	for _, f := range models.Fields {
		args = append(args, *f.Ptr(&r))
	}
	return args
}

// StoreBatch inserts every reading in one transaction. Any row failure rolls
// back the whole batch.
func (s queries) StoreBatch(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.q.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, readingArgs(r)...); err != nil {
			return fmt.Errorf("insert %s/%s@%s: %w", r.LineID, r.ComponentID, r.TS.Format(time.RFC3339Nano), err)
		}
	}
	return tx.Commit()
}

func (s queries) StoreOne(ctx context.Context, r models.Reading) error {
	tx, err := s.q.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, insertReadingSQL, readingArgs(r)...); err != nil {
		return err
	}
	return tx.Commit()
}

const ruleColumns = `id,line_id,parameter_name,lower_limit,upper_limit,is_enabled,created_at,updated_at`

// RulesForLine returns enabled rules for lineID together with wildcard rules.
func (s queries) RulesForLine(ctx context.Context, lineID string) ([]models.AlarmRule, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alarm_rules
		WHERE is_enabled = 1 AND (line_id = ? OR line_id = ?) ORDER BY id`, lineID, models.WildcardLine)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func (s queries) ListRules(ctx context.Context) ([]models.AlarmRule, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alarm_rules ORDER BY line_id, parameter_name`)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]models.AlarmRule, error) {
	defer rows.Close()
	var out []models.AlarmRule
	for rows.Next() {
		var rule models.AlarmRule
		var lower, upper sql.NullFloat64
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.LineID, &rule.ParameterName, &lower, &upper, &enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		if lower.Valid {
			rule.LowerLimit = models.Float(lower.Float64)
		}
		if upper.Valid {
			rule.UpperLimit = models.Float(upper.Float64)
		}
		rule.Enabled = enabled == 1
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpsertRule creates or replaces the rule for (LineID, ParameterName).
func (s queries) UpsertRule(ctx context.Context, rule models.AlarmRule) (int64, error) {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `INSERT INTO alarm_rules (line_id,parameter_name,lower_limit,upper_limit,is_enabled,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(line_id,parameter_name) DO UPDATE SET lower_limit=excluded.lower_limit,upper_limit=excluded.upper_limit,is_enabled=excluded.is_enabled,updated_at=excluded.updated_at`,
		rule.LineID, rule.ParameterName, rule.LowerLimit, rule.UpperLimit, boolInt(rule.Enabled), now, now)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.q.QueryRowContext(ctx, `SELECT id FROM alarm_rules WHERE line_id = ? AND parameter_name = ?`, rule.LineID, rule.ParameterName).Scan(&id)
	return id, err
}

func (s queries) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM alarm_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `id,ts,line_id,parameter_name,parameter_value,alarm_message,alarm_rule_id,is_acknowledged,acknowledged_at,acknowledged_by,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.AlarmRecord, error) {
	var rec models.AlarmRecord
	var ruleID sql.NullInt64
	var acked int
	var ackAt sql.NullTime
	var ackBy sql.NullString
	if err := row.Scan(&rec.ID, &rec.TS, &rec.LineID, &rec.ParameterName, &rec.ParameterValue, &rec.AlarmMessage,
		&ruleID, &acked, &ackAt, &ackBy, &rec.CreatedAt); err != nil {
		return models.AlarmRecord{}, err
	}
	if ruleID.Valid {
		id := ruleID.Int64
		rec.RuleID = &id
	}
	rec.IsAcknowledged = acked == 1
	if ackAt.Valid {
		t := ackAt.Time
		rec.AcknowledgedAt = &t
	}
	if ackBy.Valid {
		by := ackBy.String
		rec.AcknowledgedBy = &by
	}
	return rec, nil
}

// CreateAlarmRecordIfAbsent inserts rec unless a record with the same
// (timestamp, line, parameter) exists. It returns the stored record and
// whether this call created it. Concurrent callers racing on the same key
// all get the single surviving row.
func (s queries) CreateAlarmRecordIfAbsent(ctx context.Context, rec models.AlarmRecord) (models.AlarmRecord, bool, error) {
	ts := rec.TS.UTC()
	res, err := s.q.ExecContext(ctx, `INSERT INTO alarm_records (ts,line_id,parameter_name,parameter_value,alarm_message,alarm_rule_id,is_acknowledged,created_at)
		VALUES (?,?,?,?,?,?,0,?)
		ON CONFLICT(ts,line_id,parameter_name) DO NOTHING`,
		ts, rec.LineID, rec.ParameterName, rec.ParameterValue, rec.AlarmMessage, rec.RuleID, time.Now().UTC())
	if err != nil {
		return models.AlarmRecord{}, false, err
	}
	created := false
	if n, _ := res.RowsAffected(); n > 0 {
		created = true
	}
	stored, err := scanRecord(s.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM alarm_records
		WHERE ts = ? AND line_id = ? AND parameter_name = ?`, ts, rec.LineID, rec.ParameterName))
	if err != nil {
		return models.AlarmRecord{}, false, err
	}
	return stored, created, nil
}

func (s queries) AlarmRecord(ctx context.Context, id int64) (models.AlarmRecord, error) {
	rec, err := scanRecord(s.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM alarm_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlarmRecord{}, ErrNotFound
	}
	return rec, err
}

// Acknowledge marks one record acknowledged by operator. Acknowledging an
// already acknowledged record keeps the first operator and time.
func (s queries) Acknowledge(ctx context.Context, id int64, by string) (models.AlarmRecord, error) {
	if _, err := s.q.ExecContext(ctx, `UPDATE alarm_records SET is_acknowledged=1, acknowledged_at=?, acknowledged_by=?
		WHERE id = ? AND is_acknowledged = 0`, time.Now().UTC(), by, id); err != nil {
		return models.AlarmRecord{}, err
	}
	return s.AlarmRecord(ctx, id)
}

// AcknowledgeAll acknowledges every open record and returns how many changed.
func (s queries) AcknowledgeAll(ctx context.Context, by string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE alarm_records SET is_acknowledged=1, acknowledged_at=?, acknowledged_by=?
		WHERE is_acknowledged = 0`, time.Now().UTC(), by)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s queries) RecentAlarms(ctx context.Context, unacknowledgedOnly bool, limit int) ([]models.AlarmRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where := "1=1"
	if unacknowledgedOnly {
		where = "is_acknowledged = 0"
	}
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM alarm_records WHERE %s ORDER BY ts DESC, id DESC LIMIT ?`, recordColumns, where), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AlarmRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s queries) UnacknowledgedCount(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM alarm_records WHERE is_acknowledged = 0`).Scan(&n)
	return n, err
}

func (s queries) ReadingCount(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_data`).Scan(&n)
	return n, err
}

// DeleteOlderThan removes readings and acknowledged alarm records before
// cutoff. Open alarms are kept regardless of age.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	stmts := []string{
		`DELETE FROM sensor_data WHERE ts < ?`,
		`DELETE FROM alarm_records WHERE ts < ? AND is_acknowledged = 1`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return err
		}
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return nil
}
