package templates

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/nust-lifeline/ledger/pkg/config"
)

// Rendered is the {subject, html_body} pair spec §6.6 requires every
// template render to return.
type Rendered struct {
	Subject  string
	HTMLBody string
}

// ErrMissingPlaceholder is returned when data omits a value the template
// definition declares required.
type ErrMissingPlaceholder struct {
	TemplateID config.TemplateID
	Name       string
}

func (e *ErrMissingPlaceholder) Error() string {
	return fmt.Sprintf("templates: %s missing required placeholder %q", e.TemplateID, e.Name)
}

// Render substitutes data into def's subject and body using text/template.
// HTML bodies are pre-escaped content assembled from trusted campaign
// config, not user input, so text/template is used rather than
// html/template. Every name in def.RequiredPlaceholders must be present
// (and non-empty) in data, or rendering fails closed rather than sending
// a half-filled email.
func Render(id config.TemplateID, def config.TemplateDef, data map[string]string) (Rendered, error) {
	for _, name := range def.RequiredPlaceholders {
		v, ok := data[name]
		if !ok || v == "" {
			return Rendered{}, &ErrMissingPlaceholder{TemplateID: id, Name: name}
		}
	}

	subject, err := renderOne(string(id)+".subject", def.Subject, data)
	if err != nil {
		return Rendered{}, err
	}
	body, err := renderOne(string(id)+".body", def.Body, data)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, HTMLBody: body}, nil
}

func renderOne(name, body string, data map[string]string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(toGoTemplate(body))
	if err != nil {
		return "", fmt.Errorf("templates: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// toGoTemplate rewrites the spec's {{placeholder}} token syntax into
// text/template's {{.placeholder}} field-access syntax, since the
// campaign profile stores raw {{name}} tokens, not Go template actions.
func toGoTemplate(body string) string {
	var out strings.Builder
	for {
		start := strings.Index(body, "{{")
		if start == -1 {
			out.WriteString(body)
			break
		}
		end := strings.Index(body[start:], "}}")
		if end == -1 {
			out.WriteString(body)
			break
		}
		end += start
		name := strings.TrimSpace(body[start+2 : end])
		out.WriteString(body[:start])
		fmt.Fprintf(&out, "{{.%s}}", name)
		body = body[end+2:]
	}
	return out.String()
}
