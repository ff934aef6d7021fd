package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasAnyRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{"cds-admin"}, []string{"cds-admin"}, true},
		{[]string{"reader"}, []string{"cds-admin", "cds-author"}, false},
		{[]string{"reader", "cds-author"}, []string{"cds-admin", "cds-author"}, true},
		{[]string{RoleAdmin}, []string{"cds-admin"}, true},
		{nil, []string{"cds-admin"}, false},
		{[]string{"cds-admin"}, nil, false},
	}
	for _, tt := range tests {
		if got := HasAnyRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasAnyRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func requestWithRoles(roles []string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/admin/hooks/_reload", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := requestWithRoles([]string{"cds-admin"})
	h := RequireRole("cds-admin")(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := requestWithRoles([]string{"reader"})
	h := RequireRole("cds-admin")(func(c echo.Context) error {
		t.Error("handler must not run")
		return nil
	})
	err := h(c)
	if err == nil {
		t.Fatal("expected error for unauthorized role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := RequireRole("cds-admin")(func(c echo.Context) error { return nil })(c)
	if err == nil {
		t.Fatal("expected error without roles")
	}
}
