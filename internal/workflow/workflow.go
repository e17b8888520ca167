// Package workflow derives the DTA portal's workflow position from persisted
// request fields. Everything here is a pure function; the persisted status
// column is asserted against ExpectedStatus, never trusted on its own.
package workflow

import "dtaflow/internal/domain"

// Steps of the DTA workflow as surfaced to the portal.
const (
	StepScans    = 1
	StepComplete = 2
	StepSign     = 3
)

// Actions a DTA may take next on a request.
const (
	ActionRecordScan       = "record_scan"
	ActionCompleteTransfer = "complete_transfer"
	ActionSignTransfer     = "sign_transfer"
)

// Step returns the request's current workflow step. The derivation uses only
// scan and signature fields; completion does not advance the step on its own.
func Step(t domain.TransferRequest) int {
	if t.DTASigned() {
		return StepSign
	}
	if t.OriginationScan.Performed && t.DestinationScan.Performed {
		return StepComplete
	}
	return StepScans
}

// StepAccessible reports whether the portal may open the given step. Step 2
// opens once both scans are performed regardless of result; an infected scan
// blocks completion through its own precondition, not through navigation.
func StepAccessible(t domain.TransferRequest, step int) bool {
	switch step {
	case StepScans:
		return true
	case StepComplete:
		return t.OriginationScan.Performed && t.DestinationScan.Performed
	case StepSign:
		return t.TransferCompleted() && t.AssignedSmeID != nil
	}
	return false
}

// LegalActions returns the actions currently permitted on the request. The
// engine handlers and the read-side projection share this list.
func LegalActions(t domain.TransferRequest) []string {
	if t.Status != domain.StatusActiveTransfer {
		return nil
	}
	var actions []string
	if !t.DTASigned() {
		actions = append(actions, ActionRecordScan)
	}
	if bothClean(t) && !t.TransferCompleted() {
		actions = append(actions, ActionCompleteTransfer)
	}
	if t.TransferCompleted() && t.AssignedSmeID != nil && !t.DTASigned() {
		actions = append(actions, ActionSignTransfer)
	}
	return actions
}

// ExpectedStatus derives what the status column must hold for a request in
// the DTA-owned stretch of the workflow. Terminal and upstream statuses are
// owned elsewhere and pass through unchanged.
func ExpectedStatus(t domain.TransferRequest) string {
	switch t.Status {
	case domain.StatusActiveTransfer, domain.StatusPendingSmeSignature:
		if t.DTASigned() {
			return domain.StatusPendingSmeSignature
		}
		return domain.StatusActiveTransfer
	}
	return t.Status
}

// Consistent reports whether the persisted status matches the derived one.
func Consistent(t domain.TransferRequest) bool {
	return t.Status == ExpectedStatus(t)
}

func bothClean(t domain.TransferRequest) bool {
	return t.OriginationScan.Result == domain.ScanClean && t.DestinationScan.Result == domain.ScanClean
}
