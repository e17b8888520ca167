package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dtaflow/internal/domain"
	"dtaflow/internal/engine"
	"dtaflow/internal/engine/auth"
	"dtaflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_state"`
	Message string         `json:"message" example:"cannot complete transfer: destination scan not yet clean"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the DTA portal API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the portal envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(metricsMiddleware(basePath))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("DTA Transfer Portal API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTransfers(group, cfg.Engine)
	registerSignatures(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's typed errors onto the wire envelope. Every
// failed precondition surfaces as an error response, never as silent success.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var ie auth.InactiveUserError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusForbidden, "account_inactive", err.Error(), nil)
	}
	var inv engine.InvalidInputError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": inv.Field})
	}
	var ill engine.IllegalStateError
	if errors.As(err, &ill) {
		return newAPIError(http.StatusConflict, "illegal_state", err.Error(), map[string]any{"action": ill.Action})
	}
	var sig engine.SignatureInvalidError
	if errors.As(err, &sig) {
		return newAPIError(http.StatusBadGateway, "signature_invalid", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "illegal_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "signature_invalid"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireRole resolves the caller and checks their portal role against the
// users table.
func requireRole(ctx context.Context, e engine.Engine, roles ...string) (domain.User, huma.StatusError) {
	email, authErr := actorEmailFromContext(ctx)
	if authErr != nil {
		return domain.User{}, authErr
	}
	svc := auth.Service{DB: e.DB}
	u, err := svc.RequireRole(ctx, email, roles...)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, newAPIError(http.StatusForbidden, "forbidden", "unknown portal account", nil)
		}
		return domain.User{}, handleError(err)
	}
	return u, nil
}

func requireAnyUser(ctx context.Context, e engine.Engine) (domain.User, huma.StatusError) {
	return requireRole(ctx, e, domain.RoleDTA, domain.RoleSME, domain.RoleApprover, domain.RoleCPSO)
}

// dtaScope narrows queries to the caller's own requests unless the caller
// holds an oversight role.
func dtaScope(u domain.User) string {
	if u.Role == domain.RoleDTA {
		return u.ID
	}
	return ""
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>DTA Transfer Portal API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTransfers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transfer",
		Method:        http.MethodPost,
		Path:          "/transfers",
		Summary:       "Create transfer request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleDTA, domain.RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			DTAID:             input.Body.DTAID,
			Classification:    input.Body.Classification,
			SourceSystem:      input.Body.SourceSystem,
			DestinationSystem: input.Body.DestinationSystem,
			ActorEmail:        u.Email,
		}
		if opts.DTAID == "" && u.Role == domain.RoleDTA {
			opts.DTAID = u.ID
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		t, err := e.CreateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers",
		Summary:     "List transfer requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireAnyUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		status := input.Status
		if status == "" {
			status = domain.StatusActiveTransfer
		}
		if status == domain.StatusActiveTransfer && u.Role == domain.RoleDTA {
			views, err := e.ActiveTransfers(ctx, u.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []TransferResponse `json:"body"`
			}{Body: mapTransfers(views)}, nil
		}
		reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{DTAID: dtaScope(u), Status: status})
		if err != nil {
			return nil, handleError(err)
		}
		views := make([]engine.RequestView, 0, len(reqs))
		for _, t := range reqs {
			v, err := e.GetRequest(ctx, t.ID, "")
			if err != nil {
				return nil, handleError(err)
			}
			views = append(views, v)
		}
		return &struct {
			Body []TransferResponse `json:"body"`
		}{Body: mapTransfers(views)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transfer",
		Method:      http.MethodGet,
		Path:        "/transfers/{id}",
		Summary:     "Get transfer request",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireAnyUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.GetRequest(ctx, input.ID, dtaScope(u))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/activate",
		Summary:     "Activate transfer request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ActivateTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleApprover, domain.RoleCPSO)
		if authErr != nil {
			return nil, authErr
		}
		handoff := make([]engine.SignatureHandoff, 0, len(input.Body.Signatures))
		for _, s := range input.Body.Signatures {
			handoff = append(handoff, engine.SignatureHandoff{
				StepType:       s.StepType,
				SignerIdentity: s.SignerIdentity,
				CertSubject:    s.CertSubject,
				CertIssuer:     s.CertIssuer,
				CertSerial:     s.CertSerial,
				Algorithm:      s.Algorithm,
				SignedAt:       s.SignedAt,
			})
		}
		t, err := e.ActivateRequest(ctx, engine.ActivateOptions{RequestID: input.ID, ActorEmail: u.Email, Handoff: handoff})
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-scan",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/scans",
		Summary:     "Record an anti-virus scan result",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RecordScanRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleDTA)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RecordScan(ctx, engine.ScanOptions{
			RequestID:    input.ID,
			DTAID:        u.ID,
			Leg:          input.Body.Leg,
			Result:       input.Body.Result,
			FilesScanned: input.Body.FilesScanned,
			ThreatsFound: input.Body.ThreatsFound,
			ActorEmail:   u.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/complete",
		Summary:     "Record transfer completion",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CompleteTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleDTA)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTransfer(ctx, engine.CompleteOptions{
			RequestID:        input.ID,
			DTAID:            u.ID,
			FilesTransferred: input.Body.FilesTransferred,
			SmeUserID:        input.Body.SmeUserID,
			ActorEmail:       u.Email,
			Notes:            input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/sign",
		Summary:     "Apply the DTA signature",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SignTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleDTA)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SignTransfer(ctx, engine.SignOptions{
			RequestID:  input.ID,
			DTAID:      u.ID,
			Method:     input.Body.Method,
			ActorEmail: u.Email,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/close",
		Summary:     "Close a DTA-signed transfer",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CloseTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleSME, domain.RoleCPSO)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CloseRequest(ctx, engine.CloseOptions{
			RequestID:  input.ID,
			Outcome:    input.Body.Outcome,
			ActorEmail: u.Email,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/cancel",
		Summary:     "Cancel a transfer request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body TerminalTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleDTA, domain.RoleApprover, domain.RoleCPSO)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelRequest(ctx, input.ID, u.Email, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/reject",
		Summary:     "Reject a pending transfer request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body TerminalTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleApprover, domain.RoleCPSO)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectRequest(ctx, input.ID, u.Email, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetRequest(ctx, t.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(v)}, nil
	})
}

func registerSignatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signatures",
		Method:      http.MethodGet,
		Path:        "/transfers/{id}/signatures",
		Summary:     "List the chain of custody",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []SignatureResponse `json:"body"`
	}, error) {
		if _, authErr := requireAnyUser(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Signatures(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SignatureResponse `json:"body"`
		}{Body: mapSignatures(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-signature",
		Method:        http.MethodPost,
		Path:          "/transfers/{id}/signatures",
		Summary:       "Append a signature record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body AppendSignatureRequest `json:"body"`
	}) (*struct {
		Body SignatureResponse `json:"body"`
	}, error) {
		u, authErr := requireRole(ctx, e, domain.RoleSME, domain.RoleApprover, domain.RoleCPSO)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.AppendSignature(ctx, domain.SignatureRecord{
			RequestID:      input.ID,
			StepType:       input.Body.StepType,
			SignerIdentity: input.Body.SignerIdentity,
			CertSubject:    input.Body.CertSubject,
			CertIssuer:     input.Body.CertIssuer,
			CertSerial:     input.Body.CertSerial,
			Algorithm:      input.Body.Algorithm,
		}, u.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignatureResponse `json:"body"`
		}{Body: signatureResponse(rec)}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-history",
		Method:      http.MethodGet,
		Path:        "/transfers/{id}/history",
		Summary:     "Transfer audit history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		u, authErr := requireAnyUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetRequest(ctx, input.ID, dtaScope(u)); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: mapHistory(items)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List portal users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireAnyUser(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListUsers(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: mapUsers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create portal user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, domain.RoleCPSO, domain.RoleDTA); authErr != nil {
			return nil, authErr
		}
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		if !domain.ValidRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown role %q", input.Body.Role), nil)
		}
		u, err := createUser(ctx, e, input.Body.Email, input.Body.Name, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func createUser(ctx context.Context, e engine.Engine, email, name, role string) (domain.User, error) {
	u := domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		Role:      role,
		Active:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current portal account",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, authErr := requireAnyUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}
