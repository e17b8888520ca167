package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dtaflow/internal/config"
	"dtaflow/internal/db"
	"dtaflow/internal/domain"
	"dtaflow/internal/engine"
	"dtaflow/internal/migrate"
	"dtaflow/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	DTA    domain.User
	SME    domain.User
	CPSO   domain.User
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("site-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	dta := seedUser(t, ctx, e.Repo, "dta@site", domain.RoleDTA)
	sme := seedUser(t, ctx, e.Repo, "sme@site", domain.RoleSME)
	cpso := seedUser(t, ctx, e.Repo, "cpso@site", domain.RoleCPSO)
	seedUser(t, ctx, e.Repo, "approver@site", domain.RoleApprover)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 zerolog.Nop(),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		DTA:    dta,
		SME:    sme,
		CPSO:   cpso,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedUser(t *testing.T, ctx context.Context, r repo.Repo, email, role string) domain.User {
	t.Helper()
	u := domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		Active:    true,
		CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := r.InsertUser(ctx, u); err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return u
}

func asActor(email string) map[string]string {
	return map[string]string{"X-Actor-Email": email}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code
}

func createActiveTransfer(t *testing.T, srv *testServer) TransferResponse {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers", map[string]any{
		"dta_id":             srv.DTA.ID,
		"classification":     "unclassified",
		"source_system":      "sys-low",
		"destination_system": "sys-high",
	}, asActor("approver@site"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created TransferResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal transfer: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+created.ID+"/activate", map[string]any{
		"signatures": []map[string]any{
			{"step_type": "requestor", "signer_identity": "requestor@site"},
			{"step_type": "approver", "signer_identity": "approver@site"},
		},
	}, asActor("approver@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}
	var activated TransferResponse
	if err := json.Unmarshal(data, &activated); err != nil {
		t.Fatalf("unmarshal activated: %v", err)
	}
	return activated
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	transfer := createActiveTransfer(t, srv)
	if transfer.Status != domain.StatusActiveTransfer {
		t.Fatalf("expected active_transfer, got %s", transfer.Status)
	}
	if transfer.Step != 1 {
		t.Fatalf("expected step 1, got %d", transfer.Step)
	}

	for _, leg := range []string{"origination", "destination"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/scans", map[string]any{
			"leg":           leg,
			"result":        "clean",
			"files_scanned": 10,
		}, asActor("dta@site"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("scan %s status %d: %s", leg, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/complete", map[string]any{
		"files_transferred": 10,
		"sme_user_id":       srv.SME.ID,
	}, asActor("dta@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed TransferResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal completed: %v", err)
	}
	if completed.TransferCompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}
	if completed.Step != 2 {
		t.Fatalf("expected step 2 after completion, got %d", completed.Step)
	}
	hasSign := false
	for _, a := range completed.LegalActions {
		if a == "sign_transfer" {
			hasSign = true
		}
	}
	if !hasSign {
		t.Fatalf("expected sign_transfer available, got %v", completed.LegalActions)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/sign", map[string]any{
		"method": "manual",
	}, asActor("dta@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign status %d: %s", res.StatusCode, string(data))
	}
	var signed TransferResponse
	if err := json.Unmarshal(data, &signed); err != nil {
		t.Fatalf("unmarshal signed: %v", err)
	}
	if signed.Status != domain.StatusPendingSmeSignature {
		t.Fatalf("expected pending_sme_signature, got %s", signed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/"+transfer.ID+"/signatures", nil, asActor("sme@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signatures status %d: %s", res.StatusCode, string(data))
	}
	var sigs []SignatureResponse
	if err := json.Unmarshal(data, &sigs); err != nil {
		t.Fatalf("unmarshal signatures: %v", err)
	}
	if len(sigs) != 3 {
		t.Fatalf("expected 3 signatures, got %d", len(sigs))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/close", map[string]any{
		"outcome": "completed",
	}, asActor("sme@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
	var closed TransferResponse
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if closed.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", closed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/"+transfer.ID+"/history", nil, asActor("cpso@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []HistoryResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) < 6 {
		t.Fatalf("expected full audit trail, got %d entries", len(history))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/no-such-id", nil, asActor("cpso@site"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	transfer := createActiveTransfer(t, srv)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/scans", map[string]any{
		"leg":           "origination",
		"result":        "clean",
		"files_scanned": 0,
	}, asActor("dta@site"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero files, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("expected bad_request, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/complete", map[string]any{
		"files_transferred": 5,
		"sme_user_id":       srv.SME.ID,
	}, asActor("dta@site"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before scans, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "illegal_state" {
		t.Fatalf("expected illegal_state, got %s", code)
	}

	for _, leg := range []string{"origination", "destination"} {
		doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/scans", map[string]any{
			"leg": leg, "result": "clean", "files_scanned": 5,
		}, asActor("dta@site"))
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/complete", map[string]any{
		"files_transferred": 5,
		"sme_user_id":       srv.SME.ID,
	}, asActor("dta@site"))

	// certificate signing with no configured service
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/sign", map[string]any{
		"method": "digital-certificate",
	}, asActor("dta@site"))
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "signature_invalid" {
		t.Fatalf("expected signature_invalid, got %s", code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	transfer := createActiveTransfer(t, srv)

	// SME cannot record scans
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/scans", map[string]any{
		"leg": "origination", "result": "clean", "files_scanned": 5,
	}, asActor("sme@site"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for SME scan, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	// DTA cannot activate
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/transfers/"+transfer.ID+"/activate", map[string]any{}, asActor("dta@site"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for DTA activate, got %d: %s", res.StatusCode, string(data))
	}

	// unknown account
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/"+transfer.ID, nil, asActor("stranger@site"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown account, got %d: %s", res.StatusCode, string(data))
	}

	// no credentials at all
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/"+transfer.ID, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDTAScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedUser(t, context.Background(), srv.Engine.Repo, "other-dta@site", domain.RoleDTA)

	transfer := createActiveTransfer(t, srv)

	// a foreign DTA sees nothing
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/"+transfer.ID, nil, asActor("other-dta@site"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign DTA, got %d: %s", res.StatusCode, string(data))
	}

	// oversight roles see everything
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers/"+transfer.ID, nil, asActor("cpso@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for CPSO, got %d: %s", res.StatusCode, string(data))
	}

	// the owning DTA's active listing contains the transfer
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers", nil, asActor("dta@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []TransferResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != transfer.ID {
		t.Fatalf("expected the owned transfer, got %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/transfers", nil, asActor("other-dta@site"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var empty []TransferResponse
	if err := json.Unmarshal(data, &empty); err != nil {
		t.Fatalf("unmarshal empty list: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list for foreign DTA, got %d", len(empty))
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   srv.DTA.Email,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt me status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Email != srv.DTA.Email {
		t.Fatalf("expected %s, got %s", srv.DTA.Email, me.Email)
	}

	rawKey := "dtak_test_key_value"
	if err := srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:      uuid.NewString(),
		UserID:  srv.SME.ID,
		Name:    "test",
		KeyHash: repo.HashAPIKey(rawKey),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key me status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Email != srv.SME.Email {
		t.Fatalf("expected %s, got %s", srv.SME.Email, me.Email)
	}

	// a bad bearer token is rejected even with the legacy header allowed
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}
