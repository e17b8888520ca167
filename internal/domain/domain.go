package domain

// Request statuses. Only ActiveTransfer -> PendingSmeSignature is owned by
// this service; the remaining transitions belong to the upstream approval
// chain and the SME portal.
const (
	StatusPendingDTA          = "pending_dta"
	StatusActiveTransfer      = "active_transfer"
	StatusPendingSmeSignature = "pending_sme_signature"
	StatusCompleted           = "completed"
	StatusDisposed            = "disposed"
	StatusCancelled           = "cancelled"
	StatusRejected            = "rejected"
)

// Scan legs and results.
const (
	LegOrigination = "origination"
	LegDestination = "destination"

	ScanUnset    = "unset"
	ScanClean    = "clean"
	ScanInfected = "infected"
)

// Signature step types, one per signed workflow step.
const (
	StepRequestor = "requestor"
	StepApprover  = "approver"
	StepCPSO      = "cpso"
	StepDTA       = "dta"
	StepSME       = "sme"
)

// User roles.
const (
	RoleDTA      = "dta"
	RoleSME      = "sme"
	RoleApprover = "approver"
	RoleCPSO     = "cpso"
)

// ScanLeg is one side of a transfer subject to an independent AV scan.
type ScanLeg struct {
	Performed    bool   `json:"performed"`
	Result       string `json:"result" enum:"unset,clean,infected"`
	FilesScanned int    `json:"files_scanned"`
	ThreatsFound int    `json:"threats_found"`
}

// TransferRequest is the persisted record per transfer. Values returned from
// the repo are snapshots; mutations go through the engine handlers, never
// through field assignment on a returned value.
type TransferRequest struct {
	ID                    string  `json:"id"`
	Status                string  `json:"status" enum:"pending_dta,active_transfer,pending_sme_signature,completed,disposed,cancelled,rejected"`
	DTAID                 string  `json:"dta_id"`
	Classification        string  `json:"classification"`
	SourceSystem          string  `json:"source_system"`
	DestinationSystem     string  `json:"destination_system"`
	Description           string  `json:"description,omitempty"`
	OriginationScan       ScanLeg `json:"origination_scan"`
	DestinationScan       ScanLeg `json:"destination_scan"`
	FilesTransferredCount int     `json:"files_transferred_count"`
	TransferCompletedAt   *string `json:"transfer_completed_at,omitempty" format:"date-time"`
	DTASignedAt           *string `json:"dta_signed_at,omitempty" format:"date-time"`
	AssignedSmeID         *string `json:"assigned_sme_id,omitempty"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

// TransferCompleted reports whether the file transfer has been recorded.
// Presence of the timestamp is the sole source of truth.
func (t TransferRequest) TransferCompleted() bool {
	return t.TransferCompletedAt != nil && *t.TransferCompletedAt != ""
}

// DTASigned reports whether the DTA signature has been applied.
func (t TransferRequest) DTASigned() bool {
	return t.DTASignedAt != nil && *t.DTASignedAt != ""
}

// Leg returns the named scan leg.
func (t TransferRequest) Leg(leg string) ScanLeg {
	if leg == LegDestination {
		return t.DestinationScan
	}
	return t.OriginationScan
}

// HistoryEntry is one append-only audit record per mutating action.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	Action     string `json:"action"`
	ActorEmail string `json:"actor_email"`
	Notes      string `json:"notes,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// SignatureRecord is one append-only entry in the chain of custody.
type SignatureRecord struct {
	ID             string `json:"id"`
	RequestID      string `json:"request_id"`
	StepType       string `json:"step_type" enum:"requestor,approver,cpso,dta,sme"`
	SignerIdentity string `json:"signer_identity"`
	CertSubject    string `json:"cert_subject,omitempty"`
	CertIssuer     string `json:"cert_issuer,omitempty"`
	CertSerial     string `json:"cert_serial,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
	SignedAt       string `json:"signed_at" format:"date-time"`
	IsValid        bool   `json:"is_valid"`
}

// User is a portal account. The SME role backs the two-person integrity
// check at completion time.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"dta,sme,approver,cpso"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKey authenticates non-interactive callers of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidLeg reports whether s names a scan leg.
func ValidLeg(s string) bool {
	return s == LegOrigination || s == LegDestination
}

// ValidScanResult reports whether s is a result a human may record.
// Unset is the initial state only, never an input.
func ValidScanResult(s string) bool {
	return s == ScanClean || s == ScanInfected
}

// ValidRole reports whether s names a portal role.
func ValidRole(s string) bool {
	switch s {
	case RoleDTA, RoleSME, RoleApprover, RoleCPSO:
		return true
	}
	return false
}
