package repo

import (
	"context"
	"database/sql"

	"dtaflow/internal/domain"
)

// InsertSignatureTx appends one record to the chain of custody. The chain is
// append-only; no update or delete path exists for signature_records.
func (r Repo) InsertSignatureTx(ctx context.Context, tx *sql.Tx, s domain.SignatureRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signature_records(id,request_id,step_type,signer_identity,cert_subject,cert_issuer,cert_serial,algorithm,signed_at,is_valid)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RequestID, s.StepType, s.SignerIdentity, nullable(s.CertSubject), nullable(s.CertIssuer), nullable(s.CertSerial), nullable(s.Algorithm), s.SignedAt, s.IsValid)
	return err
}

// ListSignatures returns the chain for a request, oldest first.
func (r Repo) ListSignatures(ctx context.Context, requestID string) ([]domain.SignatureRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,step_type,signer_identity,
COALESCE(cert_subject,''),COALESCE(cert_issuer,''),COALESCE(cert_serial,''),COALESCE(algorithm,''),signed_at,is_valid
FROM signature_records WHERE request_id=? ORDER BY signed_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignatureRecord
	for rows.Next() {
		var s domain.SignatureRecord
		if err := rows.Scan(&s.ID, &s.RequestID, &s.StepType, &s.SignerIdentity, &s.CertSubject, &s.CertIssuer, &s.CertSerial, &s.Algorithm, &s.SignedAt, &s.IsValid); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountSignatures returns how many records a request has for a step type.
func (r Repo) CountSignatures(ctx context.Context, requestID, stepType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM signature_records WHERE request_id=? AND step_type=?`, requestID, stepType).Scan(&n)
	return n, err
}
