package server

import (
	"embed"
	"fmt"
	"text/template"
	"time"

	"packsync/internal/state"
)

//go:embed templates/status.tmpl
var statusTemplatesFS embed.FS

// StatusData is the template model for GET /status.
type StatusData struct {
	Installed  *state.Installed
	LastRun    *state.Run
	ServerTime string
}

func loadTemplate() (*template.Template, error) {
	b, err := statusTemplatesFS.ReadFile("templates/status.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read embedded status template: %w", err)
	}
	funcs := template.FuncMap{
		"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	}
	t, err := template.New("status.tmpl").Funcs(funcs).Option("missingkey=zero").Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("parse embedded status template: %w", err)
	}
	return t, nil
}
