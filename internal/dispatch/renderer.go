package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cosialm/hermitta/internal/db"
)

// ErrMissingPlaceholder indicates a template's required placeholder has
// no value in the render context. This is a data/configuration defect,
// not a transient fault: dispatch fails terminally and is never retried.
var ErrMissingPlaceholder = errors.New("missing required placeholder")

// RenderTemplate substitutes {{name}} tokens in the template's subject
// and body with render context values. Every required placeholder must
// have a context value; tokens without one are left verbatim so the
// defect stays visible in the stored error message.
func RenderTemplate(t *db.Template, renderContext map[string]string) (subject, body string, err error) {
	for _, required := range t.RequiredPlaceholders {
		if _, ok := renderContext[required]; !ok {
			return "", "", fmt.Errorf("%w: %s", ErrMissingPlaceholder, required)
		}
	}

	subject = t.Subject
	body = t.Body
	for key, value := range renderContext {
		token := "{{" + key + "}}"
		subject = strings.ReplaceAll(subject, token, value)
		body = strings.ReplaceAll(body, token, value)
	}
	return subject, body, nil
}
