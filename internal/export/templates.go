package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var notebookTemplate = template.Must(template.New("notebook").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(notebookHTML))

type TemplateData struct {
	Title     string
	Version   string
	UpdatedAt time.Time
	Cells     []TemplateCell
}

type TemplateCell struct {
	ID       string
	Kind     string
	Language string
	HTML     template.HTML
}

func templateData(nb Notebook) TemplateData {
	data := TemplateData{
		Title:     title(nb),
		Version:   nb.Version,
		UpdatedAt: nb.UpdatedAt,
		Cells:     make([]TemplateCell, 0, len(nb.Cells)),
	}
	for _, c := range nb.Cells {
		data.Cells = append(data.Cells, TemplateCell{
			ID:       c.ID,
			Kind:     c.Kind,
			Language: language(c.Kind),
			HTML:     cellHTML(c),
		})
	}
	return data
}

// RenderNotebookHTML renders a complete HTML page for the notebook.
func RenderNotebookHTML(nb Notebook) (string, error) {
	var buf bytes.Buffer
	if err := notebookTemplate.Execute(&buf, templateData(nb)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notebookHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .cell { margin: 1rem 0; }
    .cell pre { background: #f5f5f5; padding: 1rem; border-left: 3px solid #333; overflow-x: auto; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{if .Version}}Checkpoint {{.Version}}{{else}}Live{{end}}{{if not .UpdatedAt.IsZero}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}{{end}}</div>
  {{range .Cells}}<section class="cell cell-{{lower .Kind}}" id="{{.ID}}">{{.HTML}}</section>
  {{end}}
</body>
</html>`
