// Package azureopenai calls Azure OpenAI deployments for chat completions
// and query embeddings.
package azureopenai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/resilience"
)

const defaultAPIVersion = "2024-02-01"

type Client struct {
	endpoint   string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	APIVersion         string
	HTTPTimeout        time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(endpoint, apiKey string, options Options) *Client {
	version := strings.TrimSpace(options.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	timeout := options.HTTPTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: version,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

// ChatGenerator is bound to one deployment. The main answer model and the
// cheaper classification model are two instances.
type ChatGenerator struct {
	client      *Client
	deployment  string
	temperature float64
}

func NewChatGenerator(client *Client, deployment string, temperature float64) *ChatGenerator {
	return &ChatGenerator{client: client, deployment: deployment, temperature: temperature}
}

func (g *ChatGenerator) Generate(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	type chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		payload = append(payload, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	request := map[string]any{
		"messages":    payload,
		"temperature": g.temperature,
	}
	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := g.client.postJSON(ctx, g.deployment, "chat/completions", request, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrInvalidOutput, "azure chat", errors.New("no choices in response"))
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

type Embedder struct {
	client     *Client
	deployment string
}

func NewEmbedder(client *Client, deployment string) *Embedder {
	return &Embedder{client: client, deployment: deployment}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := e.client.postJSON(ctx, e.deployment, "embeddings", map[string]any{"input": text}, &response); err != nil {
		return nil, err
	}
	if len(response.Data) == 0 || len(response.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return response.Data[0].Embedding, nil
}

func (c *Client) postJSON(ctx context.Context, deployment, operation string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}
	endpoint := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		c.endpoint, url.PathEscape(deployment), operation, url.QueryEscape(c.apiVersion))

	call := func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("azure openai %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	if c.executor != nil {
		err = c.executor.Execute(ctx, "azureopenai."+deployment+"."+operation, call, classifyError)
	} else {
		err = call(ctx)
	}
	if err != nil && isTemporary(err) && !domain.IsKind(err, domain.ErrTemporary) {
		return domain.WrapError(domain.ErrTemporary, "azure openai "+operation, err)
	}
	return err
}

type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("azure openai %s status: %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("azure openai %s status: %d: %s", e.Operation, e.StatusCode, e.Body)
}

func classifyError(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{RecordFailure: false}
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return resilience.ErrorClassification{RecordFailure: transientStatus(statusErr.StatusCode)}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func isTemporary(err error) bool {
	if resilience.IsCircuitOpen(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return transientStatus(statusErr.StatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
