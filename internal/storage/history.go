package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is one persisted execution.
type HistoryRecord struct {
	ID         string
	Tool       string
	Outcome    string
	DurationMS int64
	ExitCode   int
	Error      string
	CreatedAt  time.Time
}

// History persists one row per execution so metrics survive the short-lived
// bridge processes that spawn per client session.
type History struct {
	db *sql.DB
}

// NewHistory creates a History over an open database.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Append records one execution.
func (h *History) Append(ctx context.Context, tool, outcome string, duration time.Duration, exitCode int, errMsg string) (string, error) {
	if tool == "" {
		return "", fmt.Errorf("tool is empty")
	}
	if outcome == "" {
		return "", fmt.Errorf("outcome is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	_, err := h.db.ExecContext(ctx, `
INSERT INTO execution_history(id, tool, outcome, duration_ms, exit_code, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, tool, outcome, duration.Milliseconds(), exitCode, errVal, now)
	if err != nil {
		return "", fmt.Errorf("append history: %w", err)
	}
	return id, nil
}

// Recent returns the newest records, optionally filtered by tool.
func (h *History) Recent(ctx context.Context, tool string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, tool, outcome, duration_ms, exit_code, error, created_at
FROM execution_history
`
	args := []any{}
	if tool != "" {
		query += "WHERE tool = ?\n"
		args = append(args, tool)
	}
	query += "ORDER BY created_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			rec        HistoryRecord
			errMsg     sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&rec.ID, &rec.Tool, &rec.Outcome, &rec.DurationMS, &rec.ExitCode, &errMsg, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than the retention window.
func (h *History) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	res, err := h.db.ExecContext(ctx, `DELETE FROM execution_history WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
