package emit

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"modbundle/internal/config"
)

const defaultHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
{{range .Styles}}<link href="{{.}}" rel="stylesheet">
{{end}}</head>
<body>
<div id="{{.MountID}}"></div>
{{range .Scripts}}<script type="text/javascript" src="{{.}}"></script>
{{end}}</body>
</html>
`

type htmlData struct {
	Title   string
	MountID string
	Styles  []string
	Scripts []string
}

// renderHTML produces the entry document. A configured template file is
// executed with the same data as the built-in one.
func renderHTML(cfg *config.Config, styles, scripts []string) ([]byte, error) {
	src := defaultHTML
	if name := strings.TrimSpace(cfg.Output.HTML.Template); name != "" {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Root, p)
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("html template: %w", err)
		}
		src = string(raw)
	}
	tmpl, err := template.New("index").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("html template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, htmlData{
		Title:   cfg.Output.HTML.Title,
		MountID: cfg.Output.HTML.MountID,
		Styles:  styles,
		Scripts: scripts,
	})
	if err != nil {
		return nil, fmt.Errorf("html template: %w", err)
	}
	return buf.Bytes(), nil
}
