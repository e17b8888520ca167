package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"dtaflow/internal/config"
	"dtaflow/internal/db"
	"dtaflow/internal/domain"
	"dtaflow/internal/engine"
	"dtaflow/internal/engine/signing"
	"dtaflow/internal/migrate"
	"dtaflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	DTA    domain.User
	SME    domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("site-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	dta := seedUser(t, ctx, eng.Repo, "dta@site", domain.RoleDTA, true)
	sme := seedUser(t, ctx, eng.Repo, "sme@site", domain.RoleSME, true)
	return testEnv{Engine: eng, Ctx: ctx, DTA: dta, SME: sme}
}

func seedUser(t *testing.T, ctx context.Context, r repo.Repo, email, role string, active bool) domain.User {
	t.Helper()
	u := domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		Active:    active,
		CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := r.InsertUser(ctx, u); err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return u
}

func createActiveRequest(t *testing.T, env testEnv) domain.TransferRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateOptions{
		DTAID:             env.DTA.ID,
		Classification:    "unclassified",
		SourceSystem:      "sys-low",
		DestinationSystem: "sys-high",
		ActorEmail:        env.DTA.Email,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req, err = env.Engine.ActivateRequest(env.Ctx, engine.ActivateOptions{
		RequestID:  req.ID,
		ActorEmail: "approver@site",
		Handoff: []engine.SignatureHandoff{
			{StepType: domain.StepRequestor, SignerIdentity: "requestor@site"},
			{StepType: domain.StepApprover, SignerIdentity: "approver@site"},
		},
	})
	if err != nil {
		t.Fatalf("activate request: %v", err)
	}
	return req
}

func recordScan(t *testing.T, env testEnv, id, leg, result string, files, threats int) domain.TransferRequest {
	t.Helper()
	req, err := env.Engine.RecordScan(env.Ctx, engine.ScanOptions{
		RequestID:    id,
		Leg:          leg,
		Result:       result,
		FilesScanned: files,
		ThreatsFound: threats,
		ActorEmail:   env.DTA.Email,
	})
	if err != nil {
		t.Fatalf("record %s scan: %v", leg, err)
	}
	return req
}

func TestFullWorkflow(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)
	if req.Status != domain.StatusActiveTransfer {
		t.Fatalf("expected active_transfer, got %s", req.Status)
	}

	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 12, 0)
	req = recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 12, 0)
	if !req.OriginationScan.Performed || !req.DestinationScan.Performed {
		t.Fatalf("expected both legs performed")
	}

	req, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{
		RequestID:        req.ID,
		FilesTransferred: 12,
		SmeUserID:        env.SME.ID,
		ActorEmail:       env.DTA.Email,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !req.TransferCompleted() {
		t.Fatalf("expected completion timestamp")
	}
	if req.AssignedSmeID == nil || *req.AssignedSmeID != env.SME.ID {
		t.Fatalf("expected SME assignment")
	}

	req, err = env.Engine.SignTransfer(env.Ctx, engine.SignOptions{
		RequestID:  req.ID,
		Method:     engine.MethodManual,
		ActorEmail: env.DTA.Email,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if req.Status != domain.StatusPendingSmeSignature {
		t.Fatalf("expected pending_sme_signature, got %s", req.Status)
	}
	if !req.DTASigned() {
		t.Fatalf("expected DTA signature timestamp")
	}

	sigs, err := env.Engine.Signatures(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}
	// two handoff signatures plus the DTA signature
	if len(sigs) != 3 {
		t.Fatalf("expected 3 signatures, got %d", len(sigs))
	}

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	want := []string{"request.created", "request.activated", "scan.recorded", "scan.recorded", "transfer.completed", "transfer.signed"}
	if len(actions) != len(want) {
		t.Fatalf("expected %d history entries, got %v", len(want), actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, actions[i], want[i])
		}
	}

	req, err = env.Engine.CloseRequest(env.Ctx, engine.CloseOptions{
		RequestID:  req.ID,
		Outcome:    domain.StatusCompleted,
		ActorEmail: env.SME.Email,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if req.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", req.Status)
	}
}

func TestScanValidation(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)

	cases := []struct {
		name string
		opts engine.ScanOptions
	}{
		{"zero files", engine.ScanOptions{RequestID: req.ID, Leg: domain.LegOrigination, Result: domain.ScanClean, FilesScanned: 0}},
		{"negative threats", engine.ScanOptions{RequestID: req.ID, Leg: domain.LegOrigination, Result: domain.ScanInfected, FilesScanned: 5, ThreatsFound: -1}},
		{"clean with threats", engine.ScanOptions{RequestID: req.ID, Leg: domain.LegOrigination, Result: domain.ScanClean, FilesScanned: 5, ThreatsFound: 2}},
		{"unknown leg", engine.ScanOptions{RequestID: req.ID, Leg: "sideways", Result: domain.ScanClean, FilesScanned: 5}},
		{"unset result", engine.ScanOptions{RequestID: req.ID, Leg: domain.LegOrigination, Result: domain.ScanUnset, FilesScanned: 5}},
	}
	for _, tc := range cases {
		tc.opts.ActorEmail = env.DTA.Email
		_, err := env.Engine.RecordScan(env.Ctx, tc.opts)
		var invalid engine.InvalidInputError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected InvalidInputError, got %v", tc.name, err)
		}
	}

	// nothing above should have touched the row
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OriginationScan.Performed {
		t.Fatalf("expected origination leg untouched")
	}
}

func TestScanOverwriteLeavesTwoHistoryEntries(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)

	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanInfected, 10, 3)
	got := recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 10, 0)
	if got.OriginationScan.Result != domain.ScanClean {
		t.Fatalf("expected overwrite to clean, got %s", got.OriginationScan.Result)
	}
	if got.OriginationScan.ThreatsFound != 0 {
		t.Fatalf("expected threat count reset, got %d", got.OriginationScan.ThreatsFound)
	}

	entries, err := env.Engine.Repo.LatestHistory(env.Ctx, 50, req.ID, "scan.recorded")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 scan entries, got %d", len(entries))
	}
}

func TestCompleteRequiresCleanScans(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		prepare func(id string)
	}{
		{"no scans", func(id string) {}},
		{"only origination", func(id string) {
			recordScan(t, env, id, domain.LegOrigination, domain.ScanClean, 5, 0)
		}},
		{"infected destination", func(id string) {
			recordScan(t, env, id, domain.LegOrigination, domain.ScanClean, 5, 0)
			recordScan(t, env, id, domain.LegDestination, domain.ScanInfected, 5, 1)
		}},
		{"infected origination", func(id string) {
			recordScan(t, env, id, domain.LegOrigination, domain.ScanInfected, 5, 2)
			recordScan(t, env, id, domain.LegDestination, domain.ScanClean, 5, 0)
		}},
	}
	for _, tc := range cases {
		req := createActiveRequest(t, env)
		tc.prepare(req.ID)
		_, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{
			RequestID:        req.ID,
			FilesTransferred: 5,
			SmeUserID:        env.SME.ID,
			ActorEmail:       env.DTA.Email,
		})
		var illegal engine.IllegalStateError
		if !errors.As(err, &illegal) {
			t.Fatalf("%s: expected IllegalStateError, got %v", tc.name, err)
		}
	}
}

func TestCompleteRequiresActiveSME(t *testing.T) {
	env := newTestEnv(t)
	inactive := seedUser(t, env.Ctx, env.Engine.Repo, "gone@site", domain.RoleSME, false)
	notSME := seedUser(t, env.Ctx, env.Engine.Repo, "dta2@site", domain.RoleDTA, true)

	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)

	for _, smeID := range []string{"", "missing-id", inactive.ID, notSME.ID} {
		_, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{
			RequestID:        req.ID,
			FilesTransferred: 5,
			SmeUserID:        smeID,
			ActorEmail:       env.DTA.Email,
		})
		var invalid engine.InvalidInputError
		if !errors.As(err, &invalid) {
			t.Fatalf("sme %q: expected InvalidInputError, got %v", smeID, err)
		}
	}

	// zero transferred files is rejected before anything else
	_, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{
		RequestID:  req.ID,
		SmeUserID:  env.SME.ID,
		ActorEmail: env.DTA.Email,
	})
	var invalid engine.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError for zero files, got %v", err)
	}
}

func TestDoubleCompleteAndDoubleSign(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)

	complete := engine.CompleteOptions{RequestID: req.ID, FilesTransferred: 5, SmeUserID: env.SME.ID, ActorEmail: env.DTA.Email}
	if _, err := env.Engine.CompleteTransfer(env.Ctx, complete); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := env.Engine.CompleteTransfer(env.Ctx, complete)
	var illegal engine.IllegalStateError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on second complete, got %v", err)
	}

	sign := engine.SignOptions{RequestID: req.ID, Method: engine.MethodManual, ActorEmail: env.DTA.Email}
	if _, err := env.Engine.SignTransfer(env.Ctx, sign); err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = env.Engine.SignTransfer(env.Ctx, sign)
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on second sign, got %v", err)
	}

	count, err := env.Engine.Repo.CountSignatures(env.Ctx, req.ID, domain.StepDTA)
	if err != nil {
		t.Fatalf("count signatures: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one DTA signature, got %d", count)
	}
}

func TestSignBeforeCompletion(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)

	_, err := env.Engine.SignTransfer(env.Ctx, engine.SignOptions{
		RequestID:  req.ID,
		Method:     engine.MethodManual,
		ActorEmail: env.DTA.Email,
	})
	var illegal engine.IllegalStateError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError, got %v", err)
	}
}

func TestScanAfterSignatureRejected(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)
	if _, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{RequestID: req.ID, FilesTransferred: 5, SmeUserID: env.SME.ID, ActorEmail: env.DTA.Email}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.SignTransfer(env.Ctx, engine.SignOptions{RequestID: req.ID, Method: engine.MethodManual, ActorEmail: env.DTA.Email}); err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err := env.Engine.RecordScan(env.Ctx, engine.ScanOptions{
		RequestID:    req.ID,
		Leg:          domain.LegOrigination,
		Result:       domain.ScanClean,
		FilesScanned: 5,
		ActorEmail:   env.DTA.Email,
	})
	var illegal engine.IllegalStateError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError, got %v", err)
	}
}

func TestCertificateSigning(t *testing.T) {
	env := newTestEnv(t)
	now := env.Engine.Now()
	env.Engine.Signer = signing.StaticSigner{Artifact: signing.Artifact{
		CertSubject: "CN=dta@site",
		CertIssuer:  "CN=Site CA",
		CertSerial:  "01AB",
		Algorithm:   "SHA256-RSA",
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(time.Hour),
	}}

	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)
	if _, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{RequestID: req.ID, FilesTransferred: 5, SmeUserID: env.SME.ID, ActorEmail: env.DTA.Email}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.Engine.SignTransfer(env.Ctx, engine.SignOptions{
		RequestID:  req.ID,
		Method:     engine.MethodCertificate,
		ActorEmail: env.DTA.Email,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got.Status != domain.StatusPendingSmeSignature {
		t.Fatalf("expected pending_sme_signature, got %s", got.Status)
	}

	sigs, err := env.Engine.Repo.ListSignatures(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}
	var dtaSig *domain.SignatureRecord
	for i := range sigs {
		if sigs[i].StepType == domain.StepDTA {
			dtaSig = &sigs[i]
		}
	}
	if dtaSig == nil {
		t.Fatalf("expected DTA signature record")
	}
	if dtaSig.CertSubject != "CN=dta@site" || dtaSig.CertSerial != "01AB" {
		t.Fatalf("expected certificate fields on record, got %+v", dtaSig)
	}
}

func TestFailedSignatureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	now := env.Engine.Now()

	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)
	if _, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{RequestID: req.ID, FilesTransferred: 5, SmeUserID: env.SME.ID, ActorEmail: env.DTA.Email}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	signers := []signing.Signer{
		signing.StaticSigner{Err: errors.New("service unavailable")},
		signing.StaticSigner{Artifact: signing.Artifact{
			NotBefore: now.Add(-2 * time.Hour),
			NotAfter:  now.Add(-time.Hour),
		}},
		nil,
	}
	for i, s := range signers {
		env.Engine.Signer = s
		_, err := env.Engine.SignTransfer(env.Ctx, engine.SignOptions{
			RequestID:  req.ID,
			Method:     engine.MethodCertificate,
			ActorEmail: env.DTA.Email,
		})
		var sigErr engine.SignatureInvalidError
		if !errors.As(err, &sigErr) {
			t.Fatalf("signer %d: expected SignatureInvalidError, got %v", i, err)
		}
	}

	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DTASigned() {
		t.Fatalf("expected no signature applied")
	}
	if got.Status != domain.StatusActiveTransfer {
		t.Fatalf("expected active_transfer, got %s", got.Status)
	}
	count, err := env.Engine.Repo.CountSignatures(env.Ctx, req.ID, domain.StepDTA)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no DTA signature records, got %d", count)
	}
}

func TestConcurrentCompleteSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)
	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.CompleteTransfer(env.Ctx, engine.CompleteOptions{
				RequestID:        req.ID,
				FilesTransferred: 5,
				SmeUserID:        env.SME.ID,
				ActorEmail:       env.DTA.Email,
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			continue
		}
		var illegal engine.IllegalStateError
		if !errors.As(err, &illegal) {
			t.Fatalf("worker %d: expected IllegalStateError, got %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FilesTransferredCount != 5 {
		t.Fatalf("expected 5 files recorded, got %d", got.FilesTransferredCount)
	}
}

func TestOwnershipScoping(t *testing.T) {
	env := newTestEnv(t)
	other := seedUser(t, env.Ctx, env.Engine.Repo, "other-dta@site", domain.RoleDTA, true)
	req := createActiveRequest(t, env)

	if _, err := env.Engine.GetRequest(env.Ctx, req.ID, env.DTA.ID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	_, err := env.Engine.GetRequest(env.Ctx, req.ID, other.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign DTA, got %v", err)
	}
	_, err = env.Engine.RecordScan(env.Ctx, engine.ScanOptions{
		RequestID:    req.ID,
		DTAID:        other.ID,
		Leg:          domain.LegOrigination,
		Result:       domain.ScanClean,
		FilesScanned: 5,
		ActorEmail:   other.Email,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign scan, got %v", err)
	}
}

func TestCancelAndReject(t *testing.T) {
	env := newTestEnv(t)

	pending, err := env.Engine.CreateRequest(env.Ctx, engine.CreateOptions{
		DTAID:             env.DTA.ID,
		Classification:    "unclassified",
		SourceSystem:      "a",
		DestinationSystem: "b",
		ActorEmail:        env.DTA.Email,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rejected, err := env.Engine.RejectRequest(env.Ctx, pending.ID, "approver@site", "missing justification")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	// terminal states accept nothing further
	_, err = env.Engine.CancelRequest(env.Ctx, pending.ID, env.DTA.Email, "")
	var illegal engine.IllegalStateError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError, got %v", err)
	}

	active := createActiveRequest(t, env)
	cancelled, err := env.Engine.CancelRequest(env.Ctx, active.ID, env.DTA.Email, "no longer needed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	_, err = env.Engine.RejectRequest(env.Ctx, active.ID, "approver@site", "")
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on rejecting cancelled request, got %v", err)
	}
}

func TestViewExposesStepAndActions(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)

	v, err := env.Engine.GetRequest(env.Ctx, req.ID, "")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.Step != 1 {
		t.Fatalf("expected step 1, got %d", v.Step)
	}
	if len(v.LegalActions) != 1 || v.LegalActions[0] != "record_scan" {
		t.Fatalf("expected record_scan only, got %v", v.LegalActions)
	}

	recordScan(t, env, req.ID, domain.LegOrigination, domain.ScanClean, 5, 0)
	recordScan(t, env, req.ID, domain.LegDestination, domain.ScanClean, 5, 0)
	v, err = env.Engine.GetRequest(env.Ctx, req.ID, "")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.Step != 2 {
		t.Fatalf("expected step 2, got %d", v.Step)
	}
	found := false
	for _, a := range v.LegalActions {
		if a == "complete_transfer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected complete_transfer available, got %v", v.LegalActions)
	}
}

func TestAppendSignature(t *testing.T) {
	env := newTestEnv(t)
	req := createActiveRequest(t, env)

	rec, err := env.Engine.AppendSignature(env.Ctx, domain.SignatureRecord{
		RequestID:      req.ID,
		StepType:       domain.StepSME,
		SignerIdentity: env.SME.Email,
	}, env.SME.Email)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.ID == "" || rec.SignedAt == "" || !rec.IsValid {
		t.Fatalf("expected populated record, got %+v", rec)
	}

	_, err = env.Engine.AppendSignature(env.Ctx, domain.SignatureRecord{
		RequestID:      req.ID,
		StepType:       "witness",
		SignerIdentity: "someone@site",
	}, "someone@site")
	var invalid engine.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}

	_, err = env.Engine.AppendSignature(env.Ctx, domain.SignatureRecord{
		RequestID:      "no-such-request",
		StepType:       domain.StepSME,
		SignerIdentity: env.SME.Email,
	}, env.SME.Email)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
