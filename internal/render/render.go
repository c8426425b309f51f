// Package render evaluates subject and body templates against events using
// text/template with the sprig function library.
package render

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/shineum/mail-dispatch/internal/event"
)

// Evaluator renders templates against events. Parsed templates are cached,
// so the same subject and body are parsed once per process. It is safe for
// concurrent use.
type Evaluator struct {
	funcs template.FuncMap
	cache sync.Map // template source -> *template.Template
}

// New creates an Evaluator with sprig's hermetic text functions. Functions
// that read the process environment or produce random output are absent.
func New() *Evaluator {
	return &Evaluator{funcs: sprig.HermeticTxtFuncMap()}
}

// Render executes tmpl with ev as the dot. Referencing a key the event does
// not carry is an error.
func (e *Evaluator) Render(tmpl string, ev event.Event) (string, error) {
	t, err := e.parse(tmpl)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := t.Execute(&b, map[string]any(ev)); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return b.String(), nil
}

func (e *Evaluator) parse(src string) (*template.Template, error) {
	if cached, ok := e.cache.Load(src); ok {
		return cached.(*template.Template), nil
	}

	t, err := template.New("message").
		Funcs(e.funcs).
		Option("missingkey=error").
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	actual, _ := e.cache.LoadOrStore(src, t)
	return actual.(*template.Template), nil
}
