package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/auth"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

func newTestHandler(t *testing.T) (*Handler, *Loader, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "a.json", configuredHook)
	writeFile(t, dir, "b.json", plainHook)

	l := NewLoader(nil, zerolog.Nop())
	l.Load(context.Background(), dir)
	return NewHandler(l, dir, zerolog.Nop()), l, dir
}

func TestHandler_Discovery(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/cds-services", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Discovery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Services []map[string]interface{} `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(body.Services))
	}
	if strings.Contains(rec.Body.String(), "_config") {
		t.Error("discovery must not expose _config")
	}
}

func TestHandler_DiscoveryEmpty(t *testing.T) {
	h := NewHandler(NewLoader(nil, zerolog.Nop()), t.TempDir(), zerolog.Nop())
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/cds-services", nil), rec)

	if err := h.Discovery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"services":[]`) {
		t.Errorf("expected empty services array, got %s", rec.Body.String())
	}
}

func TestHandler_GetService(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("configured")
	if err := h.GetService(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "_config") {
		t.Error("service view must not expose _config")
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if err := h.GetService(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
	}
}

func TestHandler_ReloadAndClear(t *testing.T) {
	h, l, dir := newTestHandler(t)
	writeFile(t, dir, "c.json", `{"id": "third", "hook": "h", "description": "d"}`)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/admin/hooks/_reload", nil), rec)
	if err := h.Reload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"count":3`) {
		t.Errorf("expected count 3, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/admin/hooks", nil), rec)
	if err := h.Clear(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if l.Get().Len() != 0 {
		t.Error("expected registry to be cleared")
	}
}

func TestHandler_Prefetch(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()

	body := retrieveLibrary("{http://hl7.org/fhir}Encounter", "{http://hl7.org/fhir}Slot")
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/admin/prefetch", strings.NewReader(body)), rec)
	if err := h.Prefetch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report struct {
		Prefetch    map[string]string      `json:"prefetch"`
		Unsupported []map[string]string    `json:"unsupported"`
		Outcome     *fhir.OperationOutcome `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Prefetch["Encounter"] != "Encounter?patient={{context.patientId}}" {
		t.Errorf("unexpected prefetch %v", report.Prefetch)
	}
	if len(report.Unsupported) != 1 || report.Unsupported[0]["dataType"] != "{http://hl7.org/fhir}Slot" {
		t.Errorf("unexpected unsupported list %v", report.Unsupported)
	}
	if report.Outcome == nil || len(report.Outcome.Issue) != 1 {
		t.Fatalf("expected one outcome issue, got %+v", report.Outcome)
	}
	issue := report.Outcome.Issue[0]
	if issue.Severity != fhir.IssueSeverityWarning || issue.Code != fhir.IssueTypeNotSupported {
		t.Errorf("unexpected issue %+v", issue)
	}
	if len(issue.Expression) != 1 || issue.Expression[0] != "Def1" {
		t.Errorf("expected the issue to point at Def1, got %v", issue.Expression)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/admin/prefetch", strings.NewReader(`[1]`)), rec)
	if err := h.Prefetch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-object ELM, got %d", rec.Code)
	}
}

func TestHandler_PrefetchAllSupportedHasNoOutcome(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()

	body := retrieveLibrary("{http://hl7.org/fhir}Condition")
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/admin/prefetch", strings.NewReader(body)), rec)
	if err := h.Prefetch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "outcome") {
		t.Errorf("expected no outcome when every retrieve is supported, got %s", rec.Body.String())
	}
}

func TestHandler_ReloadLogsCaller(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.json", plainHook)
	var buf bytes.Buffer
	h := NewHandler(NewLoader(nil, zerolog.Nop()), dir, zerolog.New(&buf))

	e := echo.New()
	e.Group("/admin", auth.DevAuthMiddleware()).POST("/hooks/_reload", h.Reload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/hooks/_reload", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"user_id":"dev-user"`) {
		t.Errorf("expected the caller in the reload log, got %s", buf.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	h.RegisterRoutes(e, e.Group("/admin"))

	want := map[string]bool{
		"GET:/cds-services":         false,
		"GET:/cds-services/:id":     false,
		"POST:/admin/hooks/_reload": false,
		"DELETE:/admin/hooks":       false,
		"POST:/admin/prefetch":      false,
	}
	for _, r := range e.Routes() {
		key := r.Method + ":" + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
