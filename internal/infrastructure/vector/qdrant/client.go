package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/resilience"
)

// sparseVectorName is the named sparse vector holding hashed BM25 weights of
// embedding_text.
const sparseVectorName = "text_sparse"

// Client serves ranked retrieval from a Qdrant collection whose points carry
// the rulings index fields as payload and named dense vectors per
// embedding field.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	HTTPTimeout        time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string, options Options) *Client {
	timeout := options.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

// Search maps one request onto the Query API. Vector requests prefetch each
// dense field plus the sparse keyword vector and fuse them with RRF; keyword
// requests use the sparse vector alone. Semantic requests are reranked
// locally over a widened candidate pool.
func (c *Client) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchRecord, error) {
	top := req.Top
	if top <= 0 {
		top = 5
	}
	limit := candidateLimit(req, top)

	sparse := encodeSparseQuery(req.Text)
	body, ok := buildQueryBody(req, sparse, limit)
	if !ok {
		return []domain.SearchRecord{}, nil
	}

	var points []queryPoint
	call := func(callCtx context.Context) error {
		var err error
		points, err = c.queryPoints(callCtx, body)
		return err
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "qdrant.query."+string(req.Tier()), call, classifyQdrantError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if isTemporary(err) {
			return nil, domain.WrapError(domain.ErrTemporary, "qdrant query", err)
		}
		return nil, err
	}

	records := make([]domain.SearchRecord, 0, len(points))
	for _, p := range points {
		records = append(records, domain.SearchRecord{Fields: p.Payload, Score: p.Score})
	}
	if req.Semantic {
		records = rerankCandidates(req.Text, records)
	}
	if req.OrderBy != "" {
		sortByOrderClause(records, req.OrderBy)
	}
	if len(records) > top {
		records = records[:top]
	}
	return records, nil
}

// candidateLimit widens the fetch when results are reordered locally, so a
// record outside the top hits by score can still surface after sorting.
func candidateLimit(req domain.SearchRequest, top int) int {
	if !req.Semantic && req.OrderBy == "" {
		return top
	}
	limit := top * rerankPoolFactor
	if req.OrderBy != "" {
		for _, vq := range req.Vectors {
			if vq.K > limit {
				limit = vq.K
			}
		}
	}
	return limit
}

func buildQueryBody(req domain.SearchRequest, sparse sparseVector, limit int) (map[string]any, bool) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
	}
	if len(req.Select) > 0 {
		body["with_payload"] = req.Select
	}

	if len(req.Vectors) == 0 {
		if len(sparse.Indices) == 0 {
			return nil, false
		}
		body["query"] = sparse
		body["using"] = sparseVectorName
		return body, true
	}

	prefetch := make([]map[string]any, 0, len(req.Vectors)+1)
	maxK := limit
	for _, vq := range req.Vectors {
		prefetch = append(prefetch, map[string]any{
			"query": vq.Vector,
			"using": vq.Field,
			"limit": vq.K,
		})
		if vq.K > maxK {
			maxK = vq.K
		}
	}
	if len(sparse.Indices) > 0 {
		prefetch = append(prefetch, map[string]any{
			"query": sparse,
			"using": sparseVectorName,
			"limit": maxK,
		})
	}
	body["prefetch"] = prefetch
	body["query"] = map[string]any{"fusion": "rrf"}
	return body, true
}

type queryPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) queryPoints(ctx context.Context, reqBody map[string]any) ([]queryPoint, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal query body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}

	var queryResp struct {
		Result struct {
			Points []queryPoint `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	for i := range queryResp.Result.Points {
		if queryResp.Result.Points[i].Payload == nil {
			queryResp.Result.Points[i].Payload = map[string]any{}
		}
	}
	return queryResp.Result.Points, nil
}

type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("qdrant query status: %s", e.Status)
	}
	return fmt.Sprintf("qdrant query status: %s: %s", e.Status, e.Body)
}

func classifyQdrantError(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{RecordFailure: false}
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return resilience.ErrorClassification{RecordFailure: statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func isTemporary(err error) bool {
	if resilience.IsCircuitOpen(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
