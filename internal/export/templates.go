package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/document.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title           string
	StudentName     string
	GraderName      string
	CourseName      string
	AssignmentTitle string
	Score           string
	Feedback        string
	ContentHTML     template.HTML
	FinalizedAt     time.Time
	Annotations     []TemplateAnnotation
}

// TemplateAnnotation holds one annotation for the report's comment list
type TemplateAnnotation struct {
	Number     int
	Body       string
	Author     string
	Provenance string
	Color      string
	Excerpt    string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #c0392b; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .annotation { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #c0392b; }
    mark sup { font-size: 0.7em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.CourseName}} | {{.AssignmentTitle}} | {{.StudentName}}{{if .Score}} | Score: {{.Score}}{{end}}</div>
  <div>{{.ContentHTML | safeHTML}}</div>
  {{if .Feedback}}<h2>Feedback</h2><p>{{.Feedback}}</p>{{end}}
  {{if .Annotations}}
  <h2>Comments</h2>
  {{range .Annotations}}<div class="annotation">[{{.Number}}] {{.Body}} ({{.Author}})</div>{{end}}
  {{end}}
</body>
</html>`
