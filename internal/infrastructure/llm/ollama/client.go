package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/resilience"
)

// Models maps agent roles to Ollama model names. Empty role models fall back
// to Default.
type Models struct {
	Default    string
	Chat       string
	Document   string
	Accounting string
}

type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	BreakerEnabled bool
}

type Client struct {
	baseURL    string
	models     Models
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL string, models Models, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	cfg := resilience.FixedDelay(opts.MaxRetries, opts.RetryDelay, opts.Timeout)
	cfg.BreakerEnabled = opts.BreakerEnabled

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		// Per-attempt deadlines come from the executor.
		httpClient: &http.Client{},
		executor:   resilience.NewExecutor(cfg),
	}
}

// Generate runs a single non-streaming completion. Exhausted retries surface
// as domain.ErrLLMTimeout or domain.ErrLLMUnavailable; an HTTP error response
// from the server is domain.ErrLLMRejected and is never retried.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	const op = "ollama generate"
	if strings.TrimSpace(req.Prompt) == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, op, errors.New("prompt is empty"))
	}

	reqBody := map[string]any{
		"model":  c.modelFor(req),
		"prompt": req.Prompt,
		"stream": false,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		reqBody["system"] = req.SystemPrompt
	}
	if req.JSON {
		reqBody["format"] = "json"
	}

	var text string
	err := c.executor.Execute(ctx, "ollama_generate", func(attemptCtx context.Context) error {
		var response struct {
			Response string `json:"response"`
		}
		if err := c.postJSON(attemptCtx, "/api/generate", reqBody, &response, "generate"); err != nil {
			return err
		}
		text = strings.TrimSpace(response.Response)
		return nil
	}, classifyOllamaError)
	if err != nil {
		return "", mapGenerateError(op, err)
	}
	return text, nil
}

func (c *Client) modelFor(req domain.GenerateRequest) string {
	if model := strings.TrimSpace(req.Model); model != "" {
		return model
	}
	var roleModel string
	switch req.Role {
	case domain.RoleChat:
		roleModel = c.models.Chat
	case domain.RoleDocument:
		roleModel = c.models.Document
	case domain.RoleAccounting:
		roleModel = c.models.Accounting
	}
	if strings.TrimSpace(roleModel) != "" {
		return roleModel
	}
	return c.models.Default
}

type Translator struct {
	client *Client
}

func NewTranslator(client *Client) *Translator {
	return &Translator{client: client}
}

func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" || strings.EqualFold(sourceLang, targetLang) {
		return text, nil
	}
	out, err := t.client.Generate(ctx, domain.GenerateRequest{
		Prompt:       buildTranslationPrompt(text, sourceLang, targetLang),
		SystemPrompt: translationSystemPrompt,
		Role:         domain.RoleDocument,
	})
	if err != nil {
		return "", fmt.Errorf("translate %s->%s: %w", sourceLang, targetLang, err)
	}
	return out, nil
}
