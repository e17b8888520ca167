package dtaflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal transfer portal HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ScanLeg is one side of a transfer subject to an independent AV scan.
type ScanLeg struct {
	Performed    bool   `json:"performed"`
	Result       string `json:"result"`
	FilesScanned int    `json:"files_scanned"`
	ThreatsFound int    `json:"threats_found"`
}

// Transfer represents the API transfer request model.
type Transfer struct {
	ID                    string   `json:"id"`
	Status                string   `json:"status"`
	DTAID                 string   `json:"dta_id"`
	Classification        string   `json:"classification"`
	SourceSystem          string   `json:"source_system"`
	DestinationSystem     string   `json:"destination_system"`
	Description           string   `json:"description,omitempty"`
	OriginationScan       ScanLeg  `json:"origination_scan"`
	DestinationScan       ScanLeg  `json:"destination_scan"`
	FilesTransferredCount int      `json:"files_transferred_count"`
	TransferCompletedAt   *string  `json:"transfer_completed_at,omitempty"`
	DTASignedAt           *string  `json:"dta_signed_at,omitempty"`
	AssignedSmeID         *string  `json:"assigned_sme_id,omitempty"`
	Step                  int      `json:"step"`
	LegalActions          []string `json:"legal_actions"`
	CreatedAt             string   `json:"created_at"`
	UpdatedAt             string   `json:"updated_at"`
}

// Signature represents one chain-of-custody entry.
type Signature struct {
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

// HistoryEntry represents one audit log record.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	Action     string `json:"action"`
	ActorEmail string `json:"actor_email"`
	Notes      string `json:"notes,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// User represents a portal account.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTransfer registers a new transfer request.
func (c *Client) CreateTransfer(ctx context.Context, dtaID, classification, source, destination, description string) (Transfer, error) {
	body := map[string]any{
		"dta_id":             dtaID,
		"classification":     classification,
		"source_system":      source,
		"destination_system": destination,
	}
	if description != "" {
		body["description"] = description
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, "transfers", body, &resp)
	return resp, err
}

// ListTransfers returns transfers visible to the caller, filtered by status.
func (c *Client) ListTransfers(ctx context.Context, status string) ([]Transfer, error) {
	endpoint := "transfers"
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Transfer
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTransfer fetches one transfer by id.
func (c *Client) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	var resp Transfer
	err := c.do(ctx, http.MethodGet, c.transferPath(id, ""), nil, &resp)
	return resp, err
}

// RecordScan records one anti-virus scan leg.
func (c *Client) RecordScan(ctx context.Context, id, leg, result string, filesScanned, threatsFound int) (Transfer, error) {
	body := map[string]any{
		"leg":           leg,
		"result":        result,
		"files_scanned": filesScanned,
		"threats_found": threatsFound,
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, c.transferPath(id, "scans"), body, &resp)
	return resp, err
}

// CompleteTransfer records the file transfer and assigns the countersigning SME.
func (c *Client) CompleteTransfer(ctx context.Context, id string, filesTransferred int, smeUserID, notes string) (Transfer, error) {
	body := map[string]any{
		"files_transferred": filesTransferred,
		"sme_user_id":       smeUserID,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, c.transferPath(id, "complete"), body, &resp)
	return resp, err
}

// SignTransfer applies the DTA signature. Method is manual or digital-certificate.
func (c *Client) SignTransfer(ctx context.Context, id, method, notes string) (Transfer, error) {
	body := map[string]any{"method": method}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, c.transferPath(id, "sign"), body, &resp)
	return resp, err
}

// CloseTransfer moves a DTA-signed transfer to its terminal outcome.
func (c *Client) CloseTransfer(ctx context.Context, id, outcome, notes string) (Transfer, error) {
	body := map[string]any{"outcome": outcome}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, c.transferPath(id, "close"), body, &resp)
	return resp, err
}

// Signatures returns the chain of custody for a transfer, oldest first.
func (c *Client) Signatures(ctx context.Context, id string) ([]Signature, error) {
	var resp []Signature
	err := c.do(ctx, http.MethodGet, c.transferPath(id, "signatures"), nil, &resp)
	return resp, err
}

// AppendSignature adds one chain-of-custody record, used for the SME countersignature.
func (c *Client) AppendSignature(ctx context.Context, id, stepType, signerIdentity string) (Signature, error) {
	body := map[string]any{
		"step_type":       stepType,
		"signer_identity": signerIdentity,
	}
	var resp Signature
	err := c.do(ctx, http.MethodPost, c.transferPath(id, "signatures"), body, &resp)
	return resp, err
}

// History returns the audit log for a transfer, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, c.transferPath(id, "history"), nil, &resp)
	return resp, err
}

// Me returns the calling user's portal account.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) transferPath(id, suffix string) string {
	p := fmt.Sprintf("transfers/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
