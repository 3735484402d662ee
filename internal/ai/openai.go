package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type OpenAIClient struct {
	client    openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *zap.Logger
}

// FormatRequest is one record to turn into a chat message.
type FormatRequest struct {
	Data          models.Fields
	Template      string
	ExampleOutput string
	TenantName    string
	AlertName     string
	Timestamp     time.Time
}

// NewOpenAIClient returns nil when no API key is configured; callers treat
// a nil client as "no formatting backend".
func NewOpenAIClient(opts Options, logger *zap.Logger) *OpenAIClient {
	if opts.APIKey == "" {
		return nil
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAIClient{
		client:    openai.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		logger:    logger.Named("openai"),
	}
}

// FormatAlert asks the model to render the record as a chat message using
// the tenant's template instructions.
func (c *OpenAIClient) FormatAlert(ctx context.Context, req FormatRequest) (string, error) {
	if c == nil {
		return "", fmt.Errorf("openai client not configured")
	}

	userMsg, err := c.buildUserMessage(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.buildSystemPrompt(req.Template, req.ExampleOutput)),
			openai.UserMessage(userMsg),
		},
		Temperature: openai.Float(0.3),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	content := strings.TrimSpace(response.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty response from openai")
	}
	c.logger.Debug("alert formatted", zap.String("alert", req.AlertName), zap.Int("chars", len(content)))
	return content, nil
}

func (c *OpenAIClient) buildSystemPrompt(template, example string) string {
	var sb strings.Builder
	sb.WriteString("Formateas datos de alertas de negocio como mensajes de Telegram claros y breves.\n\n")
	sb.WriteString("Reglas de formato:\n")
	sb.WriteString("- Solo HTML compatible con Telegram: <b>negrita</b>, <i>cursiva</i>, <code>código</code>\n")
	sb.WriteString("- Pensado para leerse en un teléfono\n")
	sb.WriteString("- Lo más importante primero\n")
	sb.WriteString("- Emojis para indicar prioridad o tipo de alerta\n")
	sb.WriteString("- Máximo 300 palabras\n")

	if template != "" {
		sb.WriteString("\nInstrucciones del cliente:\n")
		sb.WriteString(template)
		sb.WriteString("\n")
	}
	if example != "" {
		sb.WriteString("\nEjemplo del formato esperado:\n")
		sb.WriteString(example)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *OpenAIClient) buildUserMessage(req FormatRequest) (string, error) {
	data, err := json.MarshalIndent(req.Data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Formatea estos datos para una alerta de Telegram:\n\n")
	sb.WriteString("```json\n")
	sb.Write(data)
	sb.WriteString("\n```\n")

	if req.TenantName != "" || req.AlertName != "" || !req.Timestamp.IsZero() {
		sb.WriteString("\nContexto:")
		if req.TenantName != "" {
			sb.WriteString(fmt.Sprintf("\n- Empresa: %s", req.TenantName))
		}
		if req.AlertName != "" {
			sb.WriteString(fmt.Sprintf("\n- Tipo de alerta: %s", req.AlertName))
		}
		if !req.Timestamp.IsZero() {
			sb.WriteString(fmt.Sprintf("\n- Fecha: %s", req.Timestamp.Format("2006-01-02 15:04")))
		}
	}
	return sb.String(), nil
}
