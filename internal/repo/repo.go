package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"dtaflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrGuardFailed means a guarded update matched zero rows: the row exists but
// the precondition restated in the WHERE clause no longer holds. Under
// concurrent writers exactly one caller wins; the rest see this.
var ErrGuardFailed = errors.New("precondition no longer holds")

const requestColumns = `id,status,dta_id,classification,source_system,destination_system,description,
origination_scan_status,origination_files_scanned,origination_threats_found,
destination_scan_status,destination_files_scanned,destination_threats_found,
files_transferred_count,transfer_completed_at,dta_signature_date,assigned_sme_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.TransferRequest, error) {
	var t domain.TransferRequest
	var description, completedAt, signedAt, smeID sql.NullString
	err := row.Scan(&t.ID, &t.Status, &t.DTAID, &t.Classification, &t.SourceSystem, &t.DestinationSystem, &description,
		&t.OriginationScan.Result, &t.OriginationScan.FilesScanned, &t.OriginationScan.ThreatsFound,
		&t.DestinationScan.Result, &t.DestinationScan.FilesScanned, &t.DestinationScan.ThreatsFound,
		&t.FilesTransferredCount, &completedAt, &signedAt, &smeID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if completedAt.Valid {
		t.TransferCompletedAt = &completedAt.String
	}
	if signedAt.Valid {
		t.DTASignedAt = &signedAt.String
	}
	if smeID.Valid {
		t.AssignedSmeID = &smeID.String
	}
	t.OriginationScan.Performed = t.OriginationScan.Result != domain.ScanUnset
	t.DestinationScan.Performed = t.DestinationScan.Result != domain.ScanUnset
	return t, nil
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, t domain.TransferRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transfer_requests(id,status,dta_id,classification,source_system,destination_system,description,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Status, t.DTAID, t.Classification, t.SourceSystem, t.DestinationSystem, nullable(t.Description), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.TransferRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id=?`, id))
}

// GetRequestForDTA behaves like GetRequest but hides rows the DTA does not
// own. Ownership failures are indistinguishable from absence on purpose.
func (r Repo) GetRequestForDTA(ctx context.Context, id, dtaID string) (domain.TransferRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id=? AND dta_id=?`, id, dtaID))
}

type RequestFilters struct {
	DTAID  string
	Status string
	Limit  int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.TransferRequest, error) {
	var clauses []string
	var args []any
	if f.DTAID != "" {
		clauses = append(clauses, "dta_id=?")
		args = append(args, f.DTAID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM transfer_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransferRequest
	for rows.Next() {
		t, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func guard(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrGuardFailed
	}
	return nil
}

// RecordScanTx overwrites one scan leg. Only requests still in active
// transfer and not yet DTA-signed accept scan results.
func (r Repo) RecordScanTx(ctx context.Context, tx *sql.Tx, id, leg, result string, filesScanned, threatsFound int, updatedAt string) error {
	col := "origination"
	if leg == domain.LegDestination {
		col = "destination"
	}
	query := `UPDATE transfer_requests SET ` + col + `_scan_status=?, ` + col + `_files_scanned=?, ` + col + `_threats_found=?, updated_at=?
WHERE id=? AND status=? AND dta_signature_date IS NULL`
	return guard(tx.ExecContext(ctx, query, result, filesScanned, threatsFound, updatedAt, id, domain.StatusActiveTransfer))
}

// CompleteTransferTx records the file transfer. The WHERE clause restates
// every gate so two racing callers cannot both win.
func (r Repo) CompleteTransferTx(ctx context.Context, tx *sql.Tx, id string, filesTransferred int, smeID, completedAt, updatedAt string) error {
	return guard(tx.ExecContext(ctx, `UPDATE transfer_requests
SET transfer_completed_at=?, files_transferred_count=?, assigned_sme_id=?, updated_at=?
WHERE id=? AND status=? AND transfer_completed_at IS NULL
  AND origination_scan_status=? AND destination_scan_status=?`,
		completedAt, filesTransferred, smeID, updatedAt, id, domain.StatusActiveTransfer, domain.ScanClean, domain.ScanClean))
}

// SignTransferTx applies the DTA signature and moves the request to
// pending_sme_signature in the same statement.
func (r Repo) SignTransferTx(ctx context.Context, tx *sql.Tx, id, signedAt, updatedAt string) error {
	return guard(tx.ExecContext(ctx, `UPDATE transfer_requests
SET dta_signature_date=?, status=?, updated_at=?
WHERE id=? AND status=? AND transfer_completed_at IS NOT NULL
  AND assigned_sme_id IS NOT NULL AND dta_signature_date IS NULL`,
		signedAt, domain.StatusPendingSmeSignature, updatedAt, id, domain.StatusActiveTransfer))
}

// TransitionStatusTx performs a plain guarded status transition used by the
// intake and terminal handlers.
func (r Repo) TransitionStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	return guard(tx.ExecContext(ctx, `UPDATE transfer_requests SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, updatedAt, id, from))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
