// Package signing talks to the site's digital signature service. The engine
// calls Sign before opening any transaction so a failed or timed-out signing
// attempt leaves the store untouched.
package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request is what gets signed: a stable digest of the transfer record plus
// the identity of the signer.
type Request struct {
	RequestID   string `json:"request_id"`
	SignerEmail string `json:"signer_email"`
	Digest      string `json:"digest"`
}

// Artifact is the signature evidence returned by the service. The validity
// window must cover the signing instant.
type Artifact struct {
	CertSubject string    `json:"cert_subject"`
	CertIssuer  string    `json:"cert_issuer"`
	CertSerial  string    `json:"cert_serial"`
	Algorithm   string    `json:"algorithm"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
}

// Covers reports whether the certificate window contains t.
func (a Artifact) Covers(t time.Time) bool {
	return !t.Before(a.NotBefore) && !t.After(a.NotAfter)
}

type Signer interface {
	Sign(ctx context.Context, req Request) (Artifact, error)
}

// HTTPSigner signs through the configured signature service endpoint.
type HTTPSigner struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (s HTTPSigner) Sign(ctx context.Context, req Request) (Artifact, error) {
	if s.URL == "" {
		return Artifact{}, fmt.Errorf("signing service not configured")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return Artifact{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return Artifact{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Artifact{}, fmt.Errorf("signing service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Artifact{}, fmt.Errorf("signing service returned %d", resp.StatusCode)
	}
	var artifact Artifact
	if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
		return Artifact{}, fmt.Errorf("decode signing response: %w", err)
	}
	return artifact, nil
}

// StaticSigner returns a fixed artifact. Used by tests and dev workspaces
// without a signature service.
type StaticSigner struct {
	Artifact Artifact
	Err      error
}

func (s StaticSigner) Sign(ctx context.Context, req Request) (Artifact, error) {
	if s.Err != nil {
		return Artifact{}, s.Err
	}
	return s.Artifact, nil
}
