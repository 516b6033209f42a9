// Package store persists per-turn token usage to SQLite.
//
// DESIGN: The usage cache only remembers each session's last turn and is lost
// on restart. The ledger keeps every turn (session, route, tokens) so totals
// survive restarts and can be reported from /stats. It is optional: when
// USAGE_DB is unset the gateway runs without it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
)

// Turn is one completed model turn.
type Turn struct {
	RequestID string
	SessionID string
	Target    string // "provider,model"
	Rule      string
	Usage     adapters.UsageInfo
	At        time.Time
}

// Totals aggregates usage.
type Totals struct {
	Turns        int64 `json:"turns"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UsageLedger records turns in a SQLite database.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type UsageLedger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*UsageLedger, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)

	l := &UsageLedger{db: db}
	if err := l.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *UsageLedger) Close() error {
	return l.db.Close()
}

func (l *UsageLedger) createSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL,
			rule TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_turns_target ON turns(target);
	`)
	return err
}

// Record stores one turn.
func (l *UsageLedger) Record(ctx context.Context, t Turn) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO turns (request_id, session_id, target, rule, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RequestID, t.SessionID, t.Target, t.Rule,
		t.Usage.InputTokens, t.Usage.OutputTokens,
		t.Usage.CacheCreationInputTokens, t.Usage.CacheReadInputTokens,
		t.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// SessionTotals sums usage for one session.
func (l *UsageLedger) SessionTotals(ctx context.Context, session string) (Totals, error) {
	var t Totals
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM turns WHERE session_id = ?`, session,
	).Scan(&t.Turns, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("session totals: %w", err)
	}
	return t, nil
}

// TargetTotals sums usage per routing target.
func (l *UsageLedger) TargetTotals(ctx context.Context) (map[string]Totals, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT target, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM turns GROUP BY target ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("target totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var target string
		var t Totals
		if err := rows.Scan(&target, &t.Turns, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan target totals: %w", err)
		}
		out[target] = t
	}
	return out, rows.Err()
}
