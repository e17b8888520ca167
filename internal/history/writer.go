package history

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends audit records inside the caller's transaction so a mutation
// and its history entry commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, requestID, action, actorEmail, notes string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO transfer_history(request_id,action,actor_email,notes,created_at) VALUES (?,?,?,?,?)`,
		requestID, action, actorEmail, nullable(notes), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
