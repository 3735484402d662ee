package format

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/ai"
	"github.com/ObiAU/alertrelay/internal/models"
)

type fakeBackend struct {
	out   string
	err   error
	calls int
	last  ai.FormatRequest
}

func (f *fakeBackend) FormatAlert(_ context.Context, req ai.FormatRequest) (string, error) {
	f.calls++
	f.last = req
	return f.out, f.err
}

func sampleInput() Input {
	return Input{
		Fields: models.Fields{
			{Name: "Cliente", Value: "A&B <Ltda>"},
			{Name: "Total", Value: float64(1500)},
			{Name: "Nota", Value: strings.Repeat("x", 150)},
		},
		Priority:   models.PriorityHigh,
		Title:      "Ventas altas",
		TenantName: "Acme",
	}
}

func TestFallbackLayout(t *testing.T) {
	out := Fallback(sampleInput())
	lines := strings.Split(out, "\n")
	assert.Equal(t, "🔴 <b>Ventas altas</b>", lines[0])
	assert.Equal(t, "<b>Empresa:</b> Acme", lines[1])
	assert.Equal(t, "", lines[2])
	assert.Equal(t, "<b>Cliente:</b> A&amp;B &lt;Ltda&gt;", lines[3])
	assert.Equal(t, "<b>Total:</b> 1500", lines[4])
	assert.Equal(t, "<b>Nota:</b> "+strings.Repeat("x", 100)+"...", lines[5])
	assert.Len(t, lines, 6)
}

func TestFallbackWithoutTenantAndUnknownPriority(t *testing.T) {
	in := Input{Title: "Alerta", Fields: models.Fields{{Name: "a", Value: "b"}}}
	assert.Equal(t, "📊 <b>Alerta</b>\n\n<b>a:</b> b", Fallback(in))
}

func TestChainResolve(t *testing.T) {
	tpl, ex := Chain{Template: "def", DefaultTemplate: "tenant", DefaultExampleOutput: "ex"}.Resolve()
	assert.Equal(t, "def", tpl)
	assert.Equal(t, "ex", ex)

	tpl, _ = Chain{DefaultTemplate: "tenant"}.Resolve()
	assert.Equal(t, "tenant", tpl)

	tpl, ex = Chain{}.Resolve()
	assert.Empty(t, tpl)
	assert.Empty(t, ex)
}

func TestFormatUsesBackendOnlyWithTemplate(t *testing.T) {
	backend := &fakeBackend{out: "  formatted  "}
	f := New(backend, zap.NewNop())

	out, usedAI := f.Format(context.Background(), sampleInput())
	assert.False(t, usedAI)
	assert.Equal(t, Fallback(sampleInput()), out)
	assert.Zero(t, backend.calls)

	in := sampleInput()
	in.Chain = Chain{DefaultTemplate: "breve", DefaultExampleOutput: "ejemplo"}
	out, usedAI = f.Format(context.Background(), in)
	assert.True(t, usedAI)
	assert.Equal(t, "formatted", out)
	assert.Equal(t, "breve", backend.last.Template)
	assert.Equal(t, "ejemplo", backend.last.ExampleOutput)
	assert.Equal(t, "Acme", backend.last.TenantName)
}

func TestFormatFallsBackOnBackendFailure(t *testing.T) {
	in := sampleInput()
	in.Chain = Chain{Template: "breve"}

	for _, backend := range []*fakeBackend{{err: errors.New("timeout")}, {out: "   "}} {
		out, usedAI := New(backend, zap.NewNop()).Format(context.Background(), in)
		assert.False(t, usedAI)
		assert.Equal(t, Fallback(in), out)
	}
}

func TestFormatWithoutBackend(t *testing.T) {
	in := sampleInput()
	in.Chain = Chain{Template: "breve"}
	out, usedAI := New(nil, zap.NewNop()).Format(context.Background(), in)
	assert.False(t, usedAI)
	assert.Equal(t, Fallback(in), out)
}

func TestFormatCapsBackendOutput(t *testing.T) {
	in := sampleInput()
	in.Chain = Chain{Template: "breve"}
	out, _ := New(&fakeBackend{out: strings.Repeat("é", 5000)}, zap.NewNop()).Format(context.Background(), in)
	assert.Equal(t, 4000, len([]rune(out)))
}

func TestMailboxTitle(t *testing.T) {
	assert.Equal(t, "Nuevo Email - Prioridad HIGH", MailboxTitle(models.PriorityHigh))
}
