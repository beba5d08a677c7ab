// Package sqlite persists custom detection rules and scan report history
// in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/internal/store"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS custom_rules (
			rule_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			updated_ns INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reports (
			report_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			status TEXT NOT NULL,
			overall_risk TEXT NOT NULL,
			total_issues INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_ts ON reports(ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// LoadRules returns every persisted custom rule.
func (s *Store) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM custom_rules ORDER BY updated_ns ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		var r rules.Rule
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRules replaces the whole persisted custom rule set. Replacing,
// rather than diffing, keeps the store in lockstep with the engine's
// in-memory view.
func (s *Store) SaveRules(ctx context.Context, rs []rules.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM custom_rules;`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for _, r := range rs {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal rule %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO custom_rules(rule_id, name, updated_ns, payload_json)
			VALUES(?,?,?,?);`,
			r.ID, r.Name, time.Now().UTC().UnixNano(), string(b))
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveReport(ctx context.Context, rep *types.SecurityReport) error {
	if rep == nil || rep.ID == "" {
		return fmt.Errorf("report missing id")
	}
	b, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reports(
			report_id, ts_unix_ns, status, overall_risk, total_issues, payload_json
		) VALUES(?,?,?,?,?,?);`,
		rep.ID,
		rep.Timestamp.UTC().UnixNano(),
		string(rep.Status),
		string(rep.OverallRisk),
		rep.Summary.TotalIssues,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *Store) Report(ctx context.Context, id string) (*types.SecurityReport, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM reports WHERE report_id = ?;`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}
	return decodeReport(payload)
}

func (s *Store) LatestReport(ctx context.Context) (*types.SecurityReport, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM reports ORDER BY ts_unix_ns DESC LIMIT 1;`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest report: %w", err)
	}
	return decodeReport(payload)
}

func (s *Store) ListReports(ctx context.Context, limit int) ([]types.ReportMeta, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, ts_unix_ns, status, overall_risk, total_issues
		FROM reports ORDER BY ts_unix_ns DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []types.ReportMeta
	for rows.Next() {
		var m types.ReportMeta
		var ns int64
		var status, risk string
		if err := rows.Scan(&m.ID, &ns, &status, &risk, &m.TotalIssues); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		m.Timestamp = time.Unix(0, ns).UTC()
		m.Status = types.ScanStatus(status)
		m.OverallRisk = types.RiskLevel(risk)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE report_id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func decodeReport(payload string) (*types.SecurityReport, error) {
	var rep types.SecurityReport
	if err := json.Unmarshal([]byte(payload), &rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}
