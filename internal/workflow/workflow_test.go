package workflow_test

import (
	"testing"

	"dtaflow/internal/domain"
	"dtaflow/internal/workflow"
)

func active() domain.TransferRequest {
	return domain.TransferRequest{ID: "req-1", Status: domain.StatusActiveTransfer}
}

func withScan(t domain.TransferRequest, leg, result string) domain.TransferRequest {
	scan := domain.ScanLeg{Performed: true, Result: result, FilesScanned: 10}
	if result == domain.ScanInfected {
		scan.ThreatsFound = 1
	}
	if leg == domain.LegDestination {
		t.DestinationScan = scan
	} else {
		t.OriginationScan = scan
	}
	return t
}

func completed(t domain.TransferRequest) domain.TransferRequest {
	ts := "2024-01-01T00:00:00Z"
	sme := "sme-1"
	t.TransferCompletedAt = &ts
	t.AssignedSmeID = &sme
	t.FilesTransferredCount = 10
	return t
}

func signed(t domain.TransferRequest) domain.TransferRequest {
	ts := "2024-01-01T01:00:00Z"
	t.DTASignedAt = &ts
	t.Status = domain.StatusPendingSmeSignature
	return t
}

func TestStepDerivation(t *testing.T) {
	req := active()
	if got := workflow.Step(req); got != workflow.StepScans {
		t.Fatalf("no scans: step %d", got)
	}
	req = withScan(req, domain.LegOrigination, domain.ScanClean)
	if got := workflow.Step(req); got != workflow.StepScans {
		t.Fatalf("one scan: step %d", got)
	}
	req = withScan(req, domain.LegDestination, domain.ScanClean)
	if got := workflow.Step(req); got != workflow.StepComplete {
		t.Fatalf("both scans: step %d", got)
	}
	// completing the transfer does not move the step on its own
	req = completed(req)
	if got := workflow.Step(req); got != workflow.StepComplete {
		t.Fatalf("completed: step %d", got)
	}
	req = signed(req)
	if got := workflow.Step(req); got != workflow.StepSign {
		t.Fatalf("signed: step %d", got)
	}
}

func TestStepTwoAccessibleWithInfectedLeg(t *testing.T) {
	req := withScan(withScan(active(), domain.LegOrigination, domain.ScanClean), domain.LegDestination, domain.ScanInfected)
	if !workflow.StepAccessible(req, workflow.StepComplete) {
		t.Fatalf("expected step 2 accessible once both legs performed")
	}
	for _, a := range workflow.LegalActions(req) {
		if a == workflow.ActionCompleteTransfer {
			t.Fatalf("complete_transfer legal with infected leg")
		}
	}
}

func TestStepTwoInaccessibleWithOneLeg(t *testing.T) {
	req := withScan(active(), domain.LegOrigination, domain.ScanClean)
	if workflow.StepAccessible(req, workflow.StepComplete) {
		t.Fatalf("step 2 accessible with one leg unset")
	}
}

func TestLegalActionsProgression(t *testing.T) {
	req := active()
	if got := workflow.LegalActions(req); len(got) != 1 || got[0] != workflow.ActionRecordScan {
		t.Fatalf("fresh request actions: %v", got)
	}
	req = withScan(withScan(req, domain.LegOrigination, domain.ScanClean), domain.LegDestination, domain.ScanClean)
	got := workflow.LegalActions(req)
	if !contains(got, workflow.ActionCompleteTransfer) || !contains(got, workflow.ActionRecordScan) {
		t.Fatalf("both clean actions: %v", got)
	}
	if contains(got, workflow.ActionSignTransfer) {
		t.Fatalf("sign legal before completion: %v", got)
	}
	req = completed(req)
	got = workflow.LegalActions(req)
	if !contains(got, workflow.ActionSignTransfer) {
		t.Fatalf("sign missing after completion: %v", got)
	}
	if contains(got, workflow.ActionCompleteTransfer) {
		t.Fatalf("complete legal twice: %v", got)
	}
	req = signed(req)
	if got := workflow.LegalActions(req); got != nil {
		t.Fatalf("actions after signature: %v", got)
	}
}

func TestNoActionsOutsideActiveTransfer(t *testing.T) {
	for _, status := range []string{
		domain.StatusPendingDTA,
		domain.StatusCompleted,
		domain.StatusDisposed,
		domain.StatusCancelled,
		domain.StatusRejected,
	} {
		req := active()
		req.Status = status
		if got := workflow.LegalActions(req); got != nil {
			t.Fatalf("status %s actions: %v", status, got)
		}
	}
}

func TestExpectedStatusTracksSignature(t *testing.T) {
	req := completed(withScan(withScan(active(), domain.LegOrigination, domain.ScanClean), domain.LegDestination, domain.ScanClean))
	if got := workflow.ExpectedStatus(req); got != domain.StatusActiveTransfer {
		t.Fatalf("pre-sign expected status %s", got)
	}
	if !workflow.Consistent(req) {
		t.Fatalf("pre-sign request inconsistent")
	}
	req = signed(req)
	if got := workflow.ExpectedStatus(req); got != domain.StatusPendingSmeSignature {
		t.Fatalf("post-sign expected status %s", got)
	}

	// a row whose status column drifted from its timestamps is flagged
	drifted := req
	drifted.Status = domain.StatusActiveTransfer
	if workflow.Consistent(drifted) {
		t.Fatalf("drifted request reported consistent")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
