package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/cosialm/hermitta/internal/db"
)

func TestRenderTemplateSubstitutesTokens(t *testing.T) {
	tmpl := &db.Template{
		Subject:              "Rent reminder for {{property_name}}",
		Body:                 "Hi {{tenant_name}}, rent of {{rent_amount}} is due on {{rent_due_date}}.",
		RequiredPlaceholders: []string{"tenant_name", "rent_amount"},
	}
	renderContext := map[string]string{
		"tenant_name":   "David Otieno",
		"rent_amount":   "50000.00",
		"rent_due_date": "2026-04-05",
		"property_name": "Sunrise Apartments",
	}

	subject, body, err := RenderTemplate(tmpl, renderContext)
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if subject != "Rent reminder for Sunrise Apartments" {
		t.Errorf("subject = %q", subject)
	}
	want := "Hi David Otieno, rent of 50000.00 is due on 2026-04-05."
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestRenderTemplateMissingRequiredPlaceholder(t *testing.T) {
	tmpl := &db.Template{
		Subject:              "Rent reminder",
		Body:                 "Hi {{tenant_name}}, {{rent_amount}} is due.",
		RequiredPlaceholders: []string{"tenant_name", "rent_amount"},
	}

	_, _, err := RenderTemplate(tmpl, map[string]string{"tenant_name": "David Otieno"})
	if !errors.Is(err, ErrMissingPlaceholder) {
		t.Fatalf("err = %v, want ErrMissingPlaceholder", err)
	}
	if !strings.Contains(err.Error(), "rent_amount") {
		t.Errorf("err = %v, want the missing placeholder named", err)
	}
}

func TestRenderTemplateLeavesUnknownTokensVerbatim(t *testing.T) {
	tmpl := &db.Template{
		Subject: "{{greeting}}",
		Body:    "{{greeting}} {{tenant_name}}",
	}

	subject, body, err := RenderTemplate(tmpl, map[string]string{"tenant_name": "Grace"})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if subject != "{{greeting}}" {
		t.Errorf("subject = %q, want unknown token untouched", subject)
	}
	if body != "{{greeting}} Grace" {
		t.Errorf("body = %q", body)
	}
}
