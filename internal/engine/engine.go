package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dtaflow/internal/config"
	"dtaflow/internal/domain"
	"dtaflow/internal/engine/signing"
	"dtaflow/internal/history"
	"dtaflow/internal/repo"
	"dtaflow/internal/workflow"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Signer  signing.Signer
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// RequestView is a request with its derived workflow position attached.
type RequestView struct {
	domain.TransferRequest
	Step         int      `json:"step"`
	LegalActions []string `json:"legal_actions,omitempty"`
}

func view(t domain.TransferRequest) RequestView {
	return RequestView{
		TransferRequest: t,
		Step:            workflow.Step(t),
		LegalActions:    workflow.LegalActions(t),
	}
}

// load fetches a request, scoped to the owning DTA when dtaID is set.
func (e Engine) load(ctx context.Context, requestID, dtaID string) (domain.TransferRequest, error) {
	if dtaID != "" {
		return e.Repo.GetRequestForDTA(ctx, requestID, dtaID)
	}
	return e.Repo.GetRequest(ctx, requestID)
}

// reload re-reads a request after a mutation and asserts the persisted
// status still matches the derived one.
func (e Engine) reload(ctx context.Context, requestID string) (domain.TransferRequest, error) {
	t, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return t, err
	}
	if !workflow.Consistent(t) {
		return t, fmt.Errorf("request %s: status %s drifted from derived %s", t.ID, t.Status, workflow.ExpectedStatus(t))
	}
	return t, nil
}

// CreateOptions are parameters for request intake.
type CreateOptions struct {
	ID                string
	DTAID             string
	Classification    string
	SourceSystem      string
	DestinationSystem string
	Description       string
	ActorEmail        string
}

// CreateRequest registers a new transfer request awaiting activation.
func (e Engine) CreateRequest(ctx context.Context, opts CreateOptions) (domain.TransferRequest, error) {
	if opts.DTAID == "" {
		return domain.TransferRequest{}, InvalidInputError{Field: "dta_id", Reason: "required"}
	}
	if opts.SourceSystem == "" {
		return domain.TransferRequest{}, InvalidInputError{Field: "source_system", Reason: "required"}
	}
	if opts.DestinationSystem == "" {
		return domain.TransferRequest{}, InvalidInputError{Field: "destination_system", Reason: "required"}
	}
	if opts.Classification == "" {
		return domain.TransferRequest{}, InvalidInputError{Field: "classification", Reason: "required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	t := domain.TransferRequest{
		ID:                id,
		Status:            domain.StatusPendingDTA,
		DTAID:             opts.DTAID,
		Classification:    opts.Classification,
		SourceSystem:      opts.SourceSystem,
		DestinationSystem: opts.DestinationSystem,
		Description:       opts.Description,
		OriginationScan:   domain.ScanLeg{Result: domain.ScanUnset},
		DestinationScan:   domain.ScanLeg{Result: domain.ScanUnset},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequestTx(ctx, tx, t); err != nil {
		return domain.TransferRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.History.Append(ctx, tx, t.ID, "request.created", opts.ActorEmail, ""); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransferRequest{}, err
	}
	return t, nil
}

// SignatureHandoff carries one upstream signature delivered at activation.
type SignatureHandoff struct {
	StepType       string
	SignerIdentity string
	CertSubject    string
	CertIssuer     string
	CertSerial     string
	Algorithm      string
	SignedAt       string
}

// ActivateOptions are parameters for moving a request into active transfer.
type ActivateOptions struct {
	RequestID  string
	ActorEmail string
	Handoff    []SignatureHandoff
}

// ActivateRequest records the approval-chain handoff and opens the request
// for DTA processing.
func (e Engine) ActivateRequest(ctx context.Context, opts ActivateOptions) (domain.TransferRequest, error) {
	for _, h := range opts.Handoff {
		switch h.StepType {
		case domain.StepRequestor, domain.StepApprover, domain.StepCPSO:
		default:
			return domain.TransferRequest{}, InvalidInputError{Field: "handoff.step_type", Reason: fmt.Sprintf("unknown step type %q", h.StepType)}
		}
		if h.SignerIdentity == "" {
			return domain.TransferRequest{}, InvalidInputError{Field: "handoff.signer_identity", Reason: "required"}
		}
	}
	t, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.Status != domain.StatusPendingDTA {
		return domain.TransferRequest{}, IllegalStateError{Action: "activate request", Reason: fmt.Sprintf("status is %s, not %s", t.Status, domain.StatusPendingDTA)}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.TransitionStatusTx(ctx, tx, t.ID, domain.StatusPendingDTA, domain.StatusActiveTransfer, now); err != nil {
		if errors.Is(err, repo.ErrGuardFailed) {
			return domain.TransferRequest{}, IllegalStateError{Action: "activate request", Reason: "request already activated"}
		}
		return domain.TransferRequest{}, err
	}
	for _, h := range opts.Handoff {
		signedAt := h.SignedAt
		if signedAt == "" {
			signedAt = now
		}
		rec := domain.SignatureRecord{
			ID:             uuid.NewString(),
			RequestID:      t.ID,
			StepType:       h.StepType,
			SignerIdentity: h.SignerIdentity,
			CertSubject:    h.CertSubject,
			CertIssuer:     h.CertIssuer,
			CertSerial:     h.CertSerial,
			Algorithm:      h.Algorithm,
			SignedAt:       signedAt,
			IsValid:        true,
		}
		if err := e.Repo.InsertSignatureTx(ctx, tx, rec); err != nil {
			return domain.TransferRequest{}, fmt.Errorf("insert handoff signature: %w", err)
		}
	}
	if err := e.History.Append(ctx, tx, t.ID, "request.activated", opts.ActorEmail, fmt.Sprintf("%d upstream signatures recorded", len(opts.Handoff))); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransferRequest{}, err
	}
	return e.reload(ctx, t.ID)
}

// ScanOptions are parameters for recording one anti-virus scan leg.
type ScanOptions struct {
	RequestID    string
	DTAID        string
	Leg          string
	Result       string
	FilesScanned int
	ThreatsFound int
	ActorEmail   string
}

// RecordScan stores the outcome of one scan leg. Recording a leg twice is an
// explicit overwrite; each pass leaves its own history entry.
func (e Engine) RecordScan(ctx context.Context, opts ScanOptions) (domain.TransferRequest, error) {
	if !domain.ValidLeg(opts.Leg) {
		return domain.TransferRequest{}, InvalidInputError{Field: "leg", Reason: fmt.Sprintf("unknown leg %q", opts.Leg)}
	}
	if !domain.ValidScanResult(opts.Result) {
		return domain.TransferRequest{}, InvalidInputError{Field: "result", Reason: fmt.Sprintf("unknown result %q", opts.Result)}
	}
	if opts.FilesScanned <= 0 {
		return domain.TransferRequest{}, InvalidInputError{Field: "files_scanned", Reason: "must be greater than zero"}
	}
	if opts.ThreatsFound < 0 {
		return domain.TransferRequest{}, InvalidInputError{Field: "threats_found", Reason: "must not be negative"}
	}
	if opts.Result == domain.ScanClean && opts.ThreatsFound > 0 {
		return domain.TransferRequest{}, InvalidInputError{Field: "threats_found", Reason: "clean result cannot report threats"}
	}
	t, err := e.load(ctx, opts.RequestID, opts.DTAID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.Status != domain.StatusActiveTransfer {
		return domain.TransferRequest{}, IllegalStateError{Action: "record scan", Reason: fmt.Sprintf("status is %s, not %s", t.Status, domain.StatusActiveTransfer)}
	}
	if t.DTASigned() {
		return domain.TransferRequest{}, IllegalStateError{Action: "record scan", Reason: "request already DTA-signed"}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.RecordScanTx(ctx, tx, t.ID, opts.Leg, opts.Result, opts.FilesScanned, opts.ThreatsFound, now); err != nil {
		if errors.Is(err, repo.ErrGuardFailed) {
			return domain.TransferRequest{}, IllegalStateError{Action: "record scan", Reason: "request no longer accepts scan results"}
		}
		return domain.TransferRequest{}, err
	}
	notes := fmt.Sprintf("%s scan %s, %d files", opts.Leg, opts.Result, opts.FilesScanned)
	if opts.ThreatsFound > 0 {
		notes = fmt.Sprintf("%s, %d threats", notes, opts.ThreatsFound)
	}
	if err := e.History.Append(ctx, tx, t.ID, "scan.recorded", opts.ActorEmail, notes); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransferRequest{}, err
	}
	return e.reload(ctx, t.ID)
}

// CompleteOptions are parameters for recording the file transfer.
type CompleteOptions struct {
	RequestID        string
	DTAID            string
	FilesTransferred int
	SmeUserID        string
	ActorEmail       string
	Notes            string
}

// CompleteTransfer records that the files moved and assigns the SME who will
// countersign. The guarded update keeps two racing callers from both
// succeeding.
func (e Engine) CompleteTransfer(ctx context.Context, opts CompleteOptions) (domain.TransferRequest, error) {
	if opts.FilesTransferred < 1 {
		return domain.TransferRequest{}, InvalidInputError{Field: "files_transferred", Reason: "must be at least one"}
	}
	if opts.SmeUserID == "" {
		return domain.TransferRequest{}, InvalidInputError{Field: "sme_user_id", Reason: "required"}
	}
	t, err := e.load(ctx, opts.RequestID, opts.DTAID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	sme, err := e.Repo.GetActiveUserWithRole(ctx, opts.SmeUserID, domain.RoleSME)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.TransferRequest{}, InvalidInputError{Field: "sme_user_id", Reason: "no active SME with that id"}
	}
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.Status != domain.StatusActiveTransfer {
		return domain.TransferRequest{}, IllegalStateError{Action: "complete transfer", Reason: fmt.Sprintf("status is %s, not %s", t.Status, domain.StatusActiveTransfer)}
	}
	if t.TransferCompleted() {
		return domain.TransferRequest{}, IllegalStateError{Action: "complete transfer", Reason: "transfer already completed"}
	}
	if t.OriginationScan.Result != domain.ScanClean {
		return domain.TransferRequest{}, IllegalStateError{Action: "complete transfer", Reason: "origination scan not yet clean"}
	}
	if t.DestinationScan.Result != domain.ScanClean {
		return domain.TransferRequest{}, IllegalStateError{Action: "complete transfer", Reason: "destination scan not yet clean"}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.CompleteTransferTx(ctx, tx, t.ID, opts.FilesTransferred, sme.ID, now, now); err != nil {
		if errors.Is(err, repo.ErrGuardFailed) {
			return domain.TransferRequest{}, IllegalStateError{Action: "complete transfer", Reason: "transfer already completed"}
		}
		return domain.TransferRequest{}, err
	}
	notes := fmt.Sprintf("%d files transferred, SME %s assigned", opts.FilesTransferred, sme.Email)
	if opts.Notes != "" {
		notes = fmt.Sprintf("%s; %s", notes, opts.Notes)
	}
	if err := e.History.Append(ctx, tx, t.ID, "transfer.completed", opts.ActorEmail, notes); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransferRequest{}, err
	}
	return e.reload(ctx, t.ID)
}

// Signature methods for SignTransfer.
const (
	MethodManual      = "manual"
	MethodCertificate = "digital-certificate"
)

// SignOptions are parameters for the DTA signature.
type SignOptions struct {
	RequestID  string
	DTAID      string
	Method     string
	ActorEmail string
	Notes      string
}

// SignTransfer applies the DTA signature and hands the request to the SME.
// For the certificate method the signing service is consulted before any
// transaction opens, so a failed signature leaves no trace.
func (e Engine) SignTransfer(ctx context.Context, opts SignOptions) (domain.TransferRequest, error) {
	if opts.Method != MethodManual && opts.Method != MethodCertificate {
		return domain.TransferRequest{}, InvalidInputError{Field: "method", Reason: fmt.Sprintf("unknown method %q", opts.Method)}
	}
	if opts.ActorEmail == "" {
		return domain.TransferRequest{}, InvalidInputError{Field: "actor_email", Reason: "required"}
	}
	t, err := e.load(ctx, opts.RequestID, opts.DTAID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.DTASigned() {
		return domain.TransferRequest{}, IllegalStateError{Action: "sign transfer", Reason: "request already DTA-signed"}
	}
	if !t.TransferCompleted() {
		return domain.TransferRequest{}, IllegalStateError{Action: "sign transfer", Reason: "transfer not yet completed"}
	}
	if t.AssignedSmeID == nil {
		return domain.TransferRequest{}, IllegalStateError{Action: "sign transfer", Reason: "no SME assigned"}
	}
	if t.Status != domain.StatusActiveTransfer {
		return domain.TransferRequest{}, IllegalStateError{Action: "sign transfer", Reason: fmt.Sprintf("status is %s, not %s", t.Status, domain.StatusActiveTransfer)}
	}

	now := e.now().UTC()
	var artifact signing.Artifact
	if opts.Method == MethodCertificate {
		if e.Signer == nil {
			return domain.TransferRequest{}, SignatureInvalidError{Reason: "signing service not configured"}
		}
		artifact, err = e.Signer.Sign(ctx, signing.Request{
			RequestID:   t.ID,
			SignerEmail: opts.ActorEmail,
			Digest:      requestDigest(t),
		})
		if err != nil {
			return domain.TransferRequest{}, SignatureInvalidError{Reason: err.Error()}
		}
		if !artifact.Covers(now) {
			return domain.TransferRequest{}, SignatureInvalidError{Reason: "certificate validity window does not cover signing time"}
		}
	}

	ts := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.SignTransferTx(ctx, tx, t.ID, ts, ts); err != nil {
		if errors.Is(err, repo.ErrGuardFailed) {
			return domain.TransferRequest{}, IllegalStateError{Action: "sign transfer", Reason: "request no longer signable"}
		}
		return domain.TransferRequest{}, err
	}
	rec := domain.SignatureRecord{
		ID:             uuid.NewString(),
		RequestID:      t.ID,
		StepType:       domain.StepDTA,
		SignerIdentity: opts.ActorEmail,
		CertSubject:    artifact.CertSubject,
		CertIssuer:     artifact.CertIssuer,
		CertSerial:     artifact.CertSerial,
		Algorithm:      artifact.Algorithm,
		SignedAt:       ts,
		IsValid:        true,
	}
	if err := e.Repo.InsertSignatureTx(ctx, tx, rec); err != nil {
		return domain.TransferRequest{}, fmt.Errorf("insert dta signature: %w", err)
	}
	notes := fmt.Sprintf("signed via %s", opts.Method)
	if opts.Notes != "" {
		notes = fmt.Sprintf("%s; %s", notes, opts.Notes)
	}
	if err := e.History.Append(ctx, tx, t.ID, "transfer.signed", opts.ActorEmail, notes); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransferRequest{}, err
	}
	return e.reload(ctx, t.ID)
}

// requestDigest is the stable fingerprint handed to the signing service.
func requestDigest(t domain.TransferRequest) string {
	completedAt := ""
	if t.TransferCompletedAt != nil {
		completedAt = *t.TransferCompletedAt
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%s", t.ID, t.SourceSystem, t.DestinationSystem, t.FilesTransferredCount, completedAt)))
	return hex.EncodeToString(sum[:])
}

// CloseOptions are parameters for the SME-side terminal transition.
type CloseOptions struct {
	RequestID  string
	Outcome    string
	ActorEmail string
	Notes      string
}

// CloseRequest moves a DTA-signed request to its terminal outcome once the
// SME has countersigned.
func (e Engine) CloseRequest(ctx context.Context, opts CloseOptions) (domain.TransferRequest, error) {
	if opts.Outcome != domain.StatusCompleted && opts.Outcome != domain.StatusDisposed {
		return domain.TransferRequest{}, InvalidInputError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", opts.Outcome)}
	}
	t, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.Status != domain.StatusPendingSmeSignature {
		return domain.TransferRequest{}, IllegalStateError{Action: "close request", Reason: fmt.Sprintf("status is %s, not %s", t.Status, domain.StatusPendingSmeSignature)}
	}
	return e.transition(ctx, t, opts.Outcome, "request.closed", opts.ActorEmail, opts.Notes)
}

// CancelRequest abandons a request before it is DTA-signed.
func (e Engine) CancelRequest(ctx context.Context, requestID, actorEmail, notes string) (domain.TransferRequest, error) {
	t, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.Status != domain.StatusPendingDTA && t.Status != domain.StatusActiveTransfer {
		return domain.TransferRequest{}, IllegalStateError{Action: "cancel request", Reason: fmt.Sprintf("status %s is not cancellable", t.Status)}
	}
	return e.transition(ctx, t, domain.StatusCancelled, "request.cancelled", actorEmail, notes)
}

// RejectRequest refuses a request before DTA processing starts.
func (e Engine) RejectRequest(ctx context.Context, requestID, actorEmail, notes string) (domain.TransferRequest, error) {
	t, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if t.Status != domain.StatusPendingDTA {
		return domain.TransferRequest{}, IllegalStateError{Action: "reject request", Reason: fmt.Sprintf("status is %s, not %s", t.Status, domain.StatusPendingDTA)}
	}
	return e.transition(ctx, t, domain.StatusRejected, "request.rejected", actorEmail, notes)
}

func (e Engine) transition(ctx context.Context, t domain.TransferRequest, to, action, actorEmail, notes string) (domain.TransferRequest, error) {
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.TransitionStatusTx(ctx, tx, t.ID, t.Status, to, now); err != nil {
		if errors.Is(err, repo.ErrGuardFailed) {
			return domain.TransferRequest{}, IllegalStateError{Action: action, Reason: "status changed concurrently"}
		}
		return domain.TransferRequest{}, err
	}
	if err := e.History.Append(ctx, tx, t.ID, action, actorEmail, notes); err != nil {
		return domain.TransferRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransferRequest{}, err
	}
	return e.reload(ctx, t.ID)
}

// AppendSignature adds one record to the chain of custody, used for the SME
// countersignature delivered by the SME portal.
func (e Engine) AppendSignature(ctx context.Context, rec domain.SignatureRecord, actorEmail string) (domain.SignatureRecord, error) {
	switch rec.StepType {
	case domain.StepRequestor, domain.StepApprover, domain.StepCPSO, domain.StepDTA, domain.StepSME:
	default:
		return domain.SignatureRecord{}, InvalidInputError{Field: "step_type", Reason: fmt.Sprintf("unknown step type %q", rec.StepType)}
	}
	if rec.SignerIdentity == "" {
		return domain.SignatureRecord{}, InvalidInputError{Field: "signer_identity", Reason: "required"}
	}
	if _, err := e.Repo.GetRequest(ctx, rec.RequestID); err != nil {
		return domain.SignatureRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SignedAt == "" {
		rec.SignedAt = e.timestamp()
	}
	rec.IsValid = true
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SignatureRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSignatureTx(ctx, tx, rec); err != nil {
		return domain.SignatureRecord{}, err
	}
	if err := e.History.Append(ctx, tx, rec.RequestID, "signature.appended", actorEmail, fmt.Sprintf("%s signature by %s", rec.StepType, rec.SignerIdentity)); err != nil {
		return domain.SignatureRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SignatureRecord{}, err
	}
	return rec, nil
}

// Signatures returns the chain of custody for a request, oldest first.
func (e Engine) Signatures(ctx context.Context, requestID string) ([]domain.SignatureRecord, error) {
	if _, err := e.Repo.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.Repo.ListSignatures(ctx, requestID)
}

// ActiveTransfers returns the DTA's in-flight requests with their derived
// workflow position. Nothing here is cached; the projection always reflects
// the row.
func (e Engine) ActiveTransfers(ctx context.Context, dtaID string) ([]RequestView, error) {
	reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{DTAID: dtaID, Status: domain.StatusActiveTransfer})
	if err != nil {
		return nil, err
	}
	views := make([]RequestView, 0, len(reqs))
	for _, t := range reqs {
		views = append(views, view(t))
	}
	return views, nil
}

// GetRequest returns one request with derived state, scoped to the owning
// DTA when dtaID is set.
func (e Engine) GetRequest(ctx context.Context, requestID, dtaID string) (RequestView, error) {
	t, err := e.load(ctx, requestID, dtaID)
	if err != nil {
		return RequestView{}, err
	}
	return view(t), nil
}
