package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trialsage/api/internal/auth"
	"trialsage/api/internal/config"
	"trialsage/api/internal/store"
)

func newTestServer(t *testing.T, data *fakeStore) *HTTPServer {
	t.Helper()
	service := newForTest(config.Config{JWTSecret: "test-secret"}, data, &fakeSessions{}, newCollectPublisher(8))
	return NewHTTPServer(service, "*")
}

func testToken(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "usr_1",
		Name: "Dana Reviewer",
		Role: role,
		Org:  "org_1",
		JTI:  "jti_1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["ok"] != true {
		t.Fatalf("expected ok response, got %v", payload)
	}
}

func TestRequiresAuthorization(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodGet, "/api/documents", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", payload)
	}
}

func TestRejectsGarbageToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodGet, "/api/documents", "not.a.token", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestViewerCannotCreateDocuments(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodPost, "/api/documents", testToken(t, "viewer"),
		`{"title":"Protocol","documentType":"protocol"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestCreateDocumentEndpoint(t *testing.T) {
	data := &fakeStore{
		getDocumentFn: func(_ context.Context, _, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, Title: "Protocol Amendment 3", DocumentType: "protocol", Status: store.DocStatusDraft}, nil
		},
	}
	server := newTestServer(t, data)

	recorder := doRequest(server, http.MethodPost, "/api/documents", testToken(t, "contributor"),
		`{"title":"Protocol Amendment 3","documentType":"protocol"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["title"] != "Protocol Amendment 3" || payload["status"] != store.DocStatusDraft {
		t.Fatalf("unexpected document payload %v", payload)
	}
}

func TestCreateDocumentValidationError(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodPost, "/api/documents", testToken(t, "contributor"),
		`{"documentType":"protocol"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}
}

func TestGetUnknownDocumentIsNotFound(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodGet, "/api/documents/doc_missing", testToken(t, "viewer"), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", payload)
	}
}

func TestWorkflowApproveEndpoint(t *testing.T) {
	template := twoStepTemplate()
	data := &fakeStore{
		getWorkflowFn: func(_ context.Context, workflowID string) (store.Workflow, error) {
			return store.Workflow{ID: workflowID, DocumentID: "doc_1", TemplateID: "wft_1", Status: store.WorkflowStatusActive, CurrentStep: 1, TotalSteps: 2}, nil
		},
		getDocumentFn: func(_ context.Context, _, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, Status: store.DocStatusInReview}, nil
		},
		getTemplateFn: func(context.Context, string, string) (store.WorkflowTemplate, error) {
			return template, nil
		},
	}
	server := newTestServer(t, data)

	recorder := doRequest(server, http.MethodPost, "/api/workflows/wf_1/approve", testToken(t, "approver"),
		`{"expectedStep":1,"comment":"looks good"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["id"] != "wf_1" {
		t.Fatalf("unexpected workflow payload %v", payload)
	}
}

func TestWorkflowStaleStepConflict(t *testing.T) {
	data := &fakeStore{
		getWorkflowFn: func(_ context.Context, workflowID string) (store.Workflow, error) {
			return store.Workflow{ID: workflowID, DocumentID: "doc_1", TemplateID: "wft_1", Status: store.WorkflowStatusActive, CurrentStep: 2, TotalSteps: 2}, nil
		},
		getDocumentFn: func(_ context.Context, _, documentID string) (store.Document, error) {
			return store.Document{ID: documentID}, nil
		},
		getTemplateFn: func(context.Context, string, string) (store.WorkflowTemplate, error) {
			return twoStepTemplate(), nil
		},
	}
	server := newTestServer(t, data)

	recorder := doRequest(server, http.MethodPost, "/api/workflows/wf_1/approve", testToken(t, "approver"),
		`{"expectedStep":1}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %v", payload)
	}
}

func TestContributorCannotApprove(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodPost, "/api/workflows/wf_1/approve", testToken(t, "contributor"),
		`{"expectedStep":1}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestBulkApproveAccepted(t *testing.T) {
	data := &fakeStore{
		getDocumentFn: func(_ context.Context, orgID, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, OrganizationID: orgID, Status: store.DocStatusDraft, LatestVersion: 1}, nil
		},
	}
	server := newTestServer(t, data)

	recorder := doRequest(server, http.MethodPost, "/api/documents/bulk-approve", testToken(t, "approver"),
		`{"documentIds":["doc_a","doc_b"]}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["success"] != true || payload["processing"] != true {
		t.Fatalf("unexpected bulk approve body %v", payload)
	}
}

func TestBulkApproveEmptyBatchRejected(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodPost, "/api/documents/bulk-approve", testToken(t, "approver"),
		`{"documentIds":[]}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestModuleLookupNotFound(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodGet, "/api/modules/ind/ind-445", testToken(t, "viewer"), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestModuleLookupResolvesDocument(t *testing.T) {
	data := &fakeStore{
		getModuleBindingFn: func(_ context.Context, _, moduleType, originalID string) (store.ModuleBinding, error) {
			if moduleType != "ind" || originalID != "ind-445" {
				return store.ModuleBinding{}, sql.ErrNoRows
			}
			return store.ModuleBinding{ID: "bind_1", DocumentID: "doc_1"}, nil
		},
		getDocumentFn: func(_ context.Context, _, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, Title: "IND Application"}, nil
		},
	}
	server := newTestServer(t, data)

	recorder := doRequest(server, http.MethodGet, "/api/modules/ind/ind-445", testToken(t, "viewer"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["id"] != "doc_1" {
		t.Fatalf("unexpected document payload %v", payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	recorder := doRequest(server, http.MethodGet, "/api/nope", testToken(t, "viewer"), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
