package email

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
)

var briefingTmpl = template.Must(template.New("briefing").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}).Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif;max-width:640px">
<h2>Your job search briefing</h2>
{{- if .Message}}<p><em>{{.Message}}</em></p>{{end}}
<p>{{.Summary}}</p>
{{- if .ActionsNeeded}}
<h3>Needs your attention</h3>
<ul>{{range .ActionsNeeded}}<li><strong>{{.Title}}</strong>{{if .Detail}}: {{.Detail}}{{end}}{{if .Link}} <a href="{{.Link}}">open</a>{{end}}</li>{{end}}</ul>
{{- end}}
{{- if .NewMatches}}
<h3>New matches</h3>
<ul>{{range .NewMatches}}<li>{{.Title}} at {{.Company}} ({{pct .Score}}){{if .Reason}}: {{.Reason}}{{end}}</li>{{end}}</ul>
{{- end}}
{{- if .ActivityLog}}
<h3>What your agents did</h3>
<ul>{{range .ActivityLog}}<li>{{.Title}}</li>{{end}}</ul>
{{- end}}
</body></html>`))

// RenderBriefing returns the subject line and HTML body for a briefing.
func RenderBriefing(b *domain.Briefing, loc *time.Location) (string, string, error) {
	if loc == nil {
		loc = time.UTC
	}
	var buf bytes.Buffer
	if err := briefingTmpl.Execute(&buf, b.Content); err != nil {
		return "", "", fmt.Errorf("RenderBriefing: %w", err)
	}
	subject := "Your briefing for " + b.GeneratedAt.In(loc).Format("Mon, Jan 2")
	if n := len(b.Content.ActionsNeeded); n > 0 {
		subject += fmt.Sprintf(" (%d to review)", n)
	}
	return subject, buf.String(), nil
}
