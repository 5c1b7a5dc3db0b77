package viewer

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
)

//go:embed console.html
var consoleHTML string

var consoleTemplate = template.Must(template.New("console").Parse(consoleHTML))

// PageData carries the per-instance flags injected into the viewer page.
type PageData struct {
	Label        string
	ConsoleMode  string
	AudioEnabled bool
	WebSocketURL string
}

// Render produces the viewer page for the given instance flags.
func Render(data PageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := consoleTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render viewer page: %w", err)
	}
	return buf.Bytes(), nil
}
