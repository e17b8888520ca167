package server

import (
	"dtaflow/internal/domain"
	"dtaflow/internal/engine"
)

type ScanLegResponse struct {
	Performed    bool   `json:"performed"`
	Result       string `json:"result" enum:"unset,clean,infected"`
	FilesScanned int    `json:"files_scanned"`
	ThreatsFound int    `json:"threats_found"`
}

type TransferResponse struct {
	ID                    string          `json:"id"`
	Status                string          `json:"status"`
	DTAID                 string          `json:"dta_id"`
	Classification        string          `json:"classification"`
	SourceSystem          string          `json:"source_system"`
	DestinationSystem     string          `json:"destination_system"`
	Description           string          `json:"description,omitempty"`
	OriginationScan       ScanLegResponse `json:"origination_scan"`
	DestinationScan       ScanLegResponse `json:"destination_scan"`
	FilesTransferredCount int             `json:"files_transferred_count"`
	TransferCompletedAt   *string         `json:"transfer_completed_at,omitempty"`
	DTASignedAt           *string         `json:"dta_signed_at,omitempty"`
	AssignedSmeID         *string         `json:"assigned_sme_id,omitempty"`
	Step                  int             `json:"step"`
	LegalActions          []string        `json:"legal_actions"`
	CreatedAt             string          `json:"created_at"`
	UpdatedAt             string          `json:"updated_at"`
}

func scanLegResponse(l domain.ScanLeg) ScanLegResponse {
	return ScanLegResponse{Performed: l.Performed, Result: l.Result, FilesScanned: l.FilesScanned, ThreatsFound: l.ThreatsFound}
}

func transferResponse(v engine.RequestView) TransferResponse {
	actions := v.LegalActions
	if actions == nil {
		actions = []string{}
	}
	return TransferResponse{
		ID:                    v.ID,
		Status:                v.Status,
		DTAID:                 v.DTAID,
		Classification:        v.Classification,
		SourceSystem:          v.SourceSystem,
		DestinationSystem:     v.DestinationSystem,
		Description:           v.Description,
		OriginationScan:       scanLegResponse(v.OriginationScan),
		DestinationScan:       scanLegResponse(v.DestinationScan),
		FilesTransferredCount: v.FilesTransferredCount,
		TransferCompletedAt:   v.TransferCompletedAt,
		DTASignedAt:           v.DTASignedAt,
		AssignedSmeID:         v.AssignedSmeID,
		Step:                  v.Step,
		LegalActions:          actions,
		CreatedAt:             v.CreatedAt,
		UpdatedAt:             v.UpdatedAt,
	}
}

func mapTransfers(views []engine.RequestView) []TransferResponse {
	res := make([]TransferResponse, 0, len(views))
	for _, v := range views {
		res = append(res, transferResponse(v))
	}
	return res
}

type CreateTransferRequest struct {
	ID                *string `json:"id,omitempty"`
	DTAID             string  `json:"dta_id,omitempty"`
	Classification    string  `json:"classification"`
	SourceSystem      string  `json:"source_system"`
	DestinationSystem string  `json:"destination_system"`
	Description       *string `json:"description,omitempty"`
}

type HandoffSignatureRequest struct {
	StepType       string `json:"step_type" enum:"requestor,approver,cpso"`
	SignerIdentity string `json:"signer_identity"`
	CertSubject    string `json:"cert_subject,omitempty"`
	CertIssuer     string `json:"cert_issuer,omitempty"`
	CertSerial     string `json:"cert_serial,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
	SignedAt       string `json:"signed_at,omitempty"`
}

type ActivateTransferRequest struct {
	Signatures []HandoffSignatureRequest `json:"signatures,omitempty"`
}

type RecordScanRequest struct {
	Leg          string `json:"leg" enum:"origination,destination"`
	Result       string `json:"result" enum:"clean,infected"`
	FilesScanned int    `json:"files_scanned"`
	ThreatsFound int    `json:"threats_found,omitempty"`
}

type CompleteTransferRequest struct {
	FilesTransferred int    `json:"files_transferred"`
	SmeUserID        string `json:"sme_user_id"`
	Notes            string `json:"notes,omitempty"`
}

type SignTransferRequest struct {
	Method string `json:"method" enum:"manual,digital-certificate"`
	Notes  string `json:"notes,omitempty"`
}

type CloseTransferRequest struct {
	Outcome string `json:"outcome" enum:"completed,disposed"`
	Notes   string `json:"notes,omitempty"`
}

type TerminalTransferRequest struct {
	Notes string `json:"notes,omitempty"`
}

type AppendSignatureRequest struct {
	StepType       string `json:"step_type" enum:"requestor,approver,cpso,dta,sme"`
	SignerIdentity string `json:"signer_identity"`
	CertSubject    string `json:"cert_subject,omitempty"`
	CertIssuer     string `json:"cert_issuer,omitempty"`
	CertSerial     string `json:"cert_serial,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
}

type SignatureResponse struct {
	ID             string `json:"id"`
	RequestID      string `json:"request_id"`
	StepType       string `json:"step_type"`
	SignerIdentity string `json:"signer_identity"`
	CertSubject    string `json:"cert_subject,omitempty"`
	CertIssuer     string `json:"cert_issuer,omitempty"`
	CertSerial     string `json:"cert_serial,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
	SignedAt       string `json:"signed_at"`
	IsValid        bool   `json:"is_valid"`
}

func signatureResponse(s domain.SignatureRecord) SignatureResponse {
	return SignatureResponse{
		ID:             s.ID,
		RequestID:      s.RequestID,
		StepType:       s.StepType,
		SignerIdentity: s.SignerIdentity,
		CertSubject:    s.CertSubject,
		CertIssuer:     s.CertIssuer,
		CertSerial:     s.CertSerial,
		Algorithm:      s.Algorithm,
		SignedAt:       s.SignedAt,
		IsValid:        s.IsValid,
	}
}

func mapSignatures(items []domain.SignatureRecord) []SignatureResponse {
	res := make([]SignatureResponse, 0, len(items))
	for _, s := range items {
		res = append(res, signatureResponse(s))
	}
	return res
}

type HistoryResponse struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	Action     string `json:"action"`
	ActorEmail string `json:"actor_email"`
	Notes      string `json:"notes,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func mapHistory(items []domain.HistoryEntry) []HistoryResponse {
	res := make([]HistoryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, HistoryResponse{
			ID:         e.ID,
			RequestID:  e.RequestID,
			Action:     e.Action,
			ActorEmail: e.ActorEmail,
			Notes:      e.Notes,
			CreatedAt:  e.CreatedAt,
		})
	}
	return res
}

type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role" enum:"dta,sme,approver,cpso"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, Active: u.Active, CreatedAt: u.CreatedAt}
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}
