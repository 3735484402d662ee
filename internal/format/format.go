// Package format renders alert records as chat messages, through the AI
// backend when a template is configured and a deterministic layout
// otherwise.
package format

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/ai"
	"github.com/ObiAU/alertrelay/internal/models"
)

const (
	maxValueLen   = 100
	maxMessageLen = 4000
)

type Backend interface {
	FormatAlert(ctx context.Context, req ai.FormatRequest) (string, error)
}

// Chain holds the template candidates for one alert, most specific first.
type Chain struct {
	Template             string
	ExampleOutput        string
	DefaultTemplate      string
	DefaultExampleOutput string
}

func (c Chain) Resolve() (template, example string) {
	template, example = c.Template, c.ExampleOutput
	if template == "" {
		template = c.DefaultTemplate
	}
	if example == "" {
		example = c.DefaultExampleOutput
	}
	return strings.TrimSpace(template), strings.TrimSpace(example)
}

type Input struct {
	Fields     models.Fields
	Priority   models.Priority
	Title      string
	TenantName string
	Chain      Chain
	At         time.Time
}

type Formatter struct {
	backend Backend
	logger  *zap.Logger
}

// New builds a formatter. backend may be nil.
func New(backend Backend, logger *zap.Logger) *Formatter {
	return &Formatter{backend: backend, logger: logger.Named("format")}
}

// Format returns the message text and whether the AI backend produced it.
func (f *Formatter) Format(ctx context.Context, in Input) (string, bool) {
	template, example := in.Chain.Resolve()
	if template == "" || f.backend == nil {
		return Fallback(in), false
	}

	text, err := f.backend.FormatAlert(ctx, ai.FormatRequest{
		Data:          in.Fields,
		Template:      template,
		ExampleOutput: example,
		TenantName:    in.TenantName,
		AlertName:     in.Title,
		Timestamp:     in.At,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		f.logger.Warn("ai formatting failed, using fallback", zap.String("title", in.Title), zap.Error(err))
		return Fallback(in), false
	}
	return truncate(text, maxMessageLen, ""), true
}

// Fallback renders the fixed layout: emoji and bold title, the tenant
// name when known, then one line per field.
func Fallback(in Input) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n", in.Priority.Emoji(), html.EscapeString(in.Title)))
	if in.TenantName != "" {
		sb.WriteString(fmt.Sprintf("<b>Empresa:</b> %s\n", html.EscapeString(in.TenantName)))
	}
	sb.WriteString("\n")

	for _, field := range in.Fields {
		value := truncate(models.ValueString(field.Value), maxValueLen, "...")
		sb.WriteString(fmt.Sprintf("<b>%s:</b> %s\n", html.EscapeString(field.Name), html.EscapeString(value)))
	}
	return truncate(strings.TrimRight(sb.String(), "\n"), maxMessageLen, "")
}

func truncate(s string, n int, suffix string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + suffix
}

// MailboxTitle is the title used for mail alerts.
func MailboxTitle(p models.Priority) string {
	return fmt.Sprintf("Nuevo Email - Prioridad %s", strings.ToUpper(string(p)))
}
