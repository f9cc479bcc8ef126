// Package azuresearch queries an Azure AI Search index over its REST API.
package azuresearch

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

const defaultAPIVersion = "2024-07-01"

type Client struct {
	endpoint   string
	index      string
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

func New(endpoint, index, apiKey string, options Options) *Client {
	version := strings.TrimSpace(options.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	timeout := options.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		index:      index,
		apiKey:     apiKey,
		apiVersion: version,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

type vectorQuery struct {
	Kind       string    `json:"kind"`
	Vector     []float32 `json:"vector"`
	K          int       `json:"k"`
	Fields     string    `json:"fields"`
	Exhaustive bool      `json:"exhaustive"`
}

type searchBody struct {
	Search                string        `json:"search"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	Select                string        `json:"select,omitempty"`
	Top                   int           `json:"top,omitempty"`
	OrderBy               string        `json:"orderby,omitempty"`
}

func buildSearchBody(req domain.SearchRequest) searchBody {
	body := searchBody{
		Search:  req.Text,
		Select:  strings.Join(req.Select, ","),
		Top:     req.Top,
		OrderBy: req.OrderBy,
	}
	for _, vq := range req.Vectors {
		body.VectorQueries = append(body.VectorQueries, vectorQuery{
			Kind:   "vector",
			Vector: vq.Vector,
			K:      vq.K,
			Fields: vq.Field,
		})
	}
	if req.Semantic {
		body.QueryType = "semantic"
		body.SemanticConfiguration = req.SemanticConfig
	}
	return body
}

// Search runs one request. Keyword and vector hits are fused by the service
// itself; with semantic enabled each hit also carries a reranker score.
func (c *Client) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchRecord, error) {
	payload, err := json.Marshal(buildSearchBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		c.endpoint, url.PathEscape(c.index), url.QueryEscape(c.apiVersion))

	var records []domain.SearchRecord
	call := func(callCtx context.Context) error {
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create search request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("api-key", c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("azure search request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		records, err = decodeSearchResponse(resp.Body)
		return err
	}

	if c.executor != nil {
		err = c.executor.Execute(ctx, "azuresearch.search."+string(req.Tier()), call, classifyError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if isTemporary(err) {
			return nil, domain.WrapError(domain.ErrTemporary, "azure search", err)
		}
		return nil, err
	}
	return records, nil
}

func decodeSearchResponse(r io.Reader) ([]domain.SearchRecord, error) {
	var parsed struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.NewDecoder(r).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]domain.SearchRecord, 0, len(parsed.Value))
	for _, hit := range parsed.Value {
		record := domain.SearchRecord{Fields: make(map[string]any, len(hit))}
		for key, value := range hit {
			switch key {
			case "@search.score":
				if f, ok := value.(float64); ok {
					record.Score = f
				}
			case "@search.rerankerScore":
				if f, ok := value.(float64); ok {
					score := f
					record.RerankerScore = &score
				}
			default:
				if strings.HasPrefix(key, "@search.") {
					continue
				}
				record.Fields[key] = value
			}
		}
		out = append(out, record)
	}
	return out, nil
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("azure search status: %d", e.StatusCode)
	}
	return fmt.Sprintf("azure search status: %d: %s", e.StatusCode, e.Body)
}

func classifyError(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{RecordFailure: false}
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// 4xx is a request problem, not an outage.
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
