package repo

import (
	"context"
	"database/sql"
	"strings"

	"dtaflow/internal/domain"
)

func scanHistory(row rowScanner) (domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	var notes sql.NullString
	err := row.Scan(&e.ID, &e.RequestID, &e.Action, &e.ActorEmail, &notes, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if notes.Valid {
		e.Notes = notes.String
	}
	return e, err
}

// ListHistory returns the audit trail for one request, oldest first.
func (r Repo) ListHistory(ctx context.Context, requestID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,action,actor_email,notes,created_at FROM transfer_history WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestHistory returns the newest entries first, optionally filtered.
func (r Repo) LatestHistory(ctx context.Context, limit int, requestID, action string) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	if action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, action)
	}
	query := `SELECT id,request_id,action,actor_email,notes,created_at FROM transfer_history WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HistoryAfter returns entries with IDs greater than the cursor in ascending
// order. The webhook dispatcher advances its per-hook cursor with this.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,action,actor_email,notes,created_at FROM transfer_history WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the most recent history ID.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM transfer_history`).Scan(&id)
	return id, err
}
