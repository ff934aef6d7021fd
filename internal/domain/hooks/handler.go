package hooks

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/domain/prefetch"
	"github.com/ehr/cdshooks/internal/platform/auth"
	"github.com/ehr/cdshooks/internal/platform/elm"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

const maxELMBodyBytes = 32 << 20

// Handler serves CDS Hooks discovery and the admin endpoints that reload the
// registry or preview a prefetch plan.
type Handler struct {
	loader *Loader
	dir    string
	logger zerolog.Logger
}

func NewHandler(loader *Loader, dir string, logger zerolog.Logger) *Handler {
	return &Handler{loader: loader, dir: dir, logger: logger}
}

// RegisterRoutes mounts discovery on e and the admin endpoints on admin,
// which the caller is expected to have put behind authentication.
func (h *Handler) RegisterRoutes(e *echo.Echo, admin *echo.Group) {
	e.GET("/cds-services", h.Discovery)
	e.GET("/cds-services/:id", h.GetService)

	admin.POST("/hooks/_reload", h.Reload)
	admin.DELETE("/hooks", h.Clear)
	admin.POST("/prefetch", h.Prefetch)
}

// Discovery handles GET /cds-services.
func (h *Handler) Discovery(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": h.loader.Get().All(true),
	})
}

// GetService handles GET /cds-services/:id.
func (h *Handler) GetService(c echo.Context) error {
	id := c.Param("id")
	svc, ok := h.loader.Get().Public(id)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("CDS Service", id))
	}
	return c.JSON(http.StatusOK, svc)
}

// Reload handles POST /admin/hooks/_reload.
func (h *Handler) Reload(c echo.Context) error {
	ctx := c.Request().Context()
	hooks := h.loader.Load(ctx, h.dir)
	h.logger.Info().
		Str("user_id", auth.UserIDFromContext(ctx)).
		Int("hooks", hooks.Len()).
		Msg("hook registry reloaded")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": hooks.Len(),
		"ids":   hooks.IDs(),
	})
}

// Clear handles DELETE /admin/hooks.
func (h *Handler) Clear(c echo.Context) error {
	h.loader.Clear()
	h.logger.Info().
		Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Msg("hook registry cleared")
	return c.NoContent(http.StatusNoContent)
}

// prefetchPreview is the POST /admin/prefetch response. Outcome carries one
// warning per unsupported retrieve and is omitted when there are none.
type prefetchPreview struct {
	prefetch.Report
	Outcome *fhir.OperationOutcome `json:"outcome,omitempty"`
}

func previewOutcome(r prefetch.Report) *fhir.OperationOutcome {
	if len(r.Unsupported) == 0 && !r.Truncated {
		return nil
	}
	b := fhir.NewOutcomeBuilder()
	for _, u := range r.Unsupported {
		msg := fmt.Sprintf("no prefetch template for %s", u.DataType)
		if u.Expression == "" {
			b.AddIssue(fhir.IssueSeverityWarning, fhir.IssueTypeNotSupported, msg)
			continue
		}
		b.AddIssueWithLocation(fhir.IssueSeverityWarning, fhir.IssueTypeNotSupported, msg, u.Expression)
	}
	if r.Truncated {
		b.AddIssue(fhir.IssueSeverityWarning, fhir.IssueTypeTooCostly,
			"expression nesting exceeds the depth limit, deeper branches were skipped")
	}
	return b.Build()
}

// Prefetch handles POST /admin/prefetch. The body is an ELM JSON document;
// the response lists the derived plan and any unsupported retrieves.
func (h *Handler) Prefetch(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxELMBodyBytes+1))
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fmt.Sprintf("read body: %v", err)))
	}
	if len(body) > maxELMBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, fhir.ErrorOutcome("ELM document too large"))
	}

	lib, err := elm.ParseLibrary(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fmt.Sprintf("invalid ELM document: %v", err)))
	}

	report := h.loader.extractor.ExtractReport(lib)
	if report.Unsupported == nil {
		report.Unsupported = []prefetch.Unsupported{}
	}
	return c.JSON(http.StatusOK, prefetchPreview{Report: report, Outcome: previewOutcome(report)})
}
