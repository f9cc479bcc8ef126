package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

const (
	defaultSemanticConfig = "my-semantic-config"
	contentUnavailable    = "Contenido no disponible"
	summaryUnavailable    = "Resumen no disponible"
	notAvailable          = "N/A"
	legalListOrderBy      = domain.FieldFecha + " desc"
)

var standardSelect = []string{
	domain.FieldChunkID,
	domain.FieldNumeroDictamen,
	domain.FieldEmbeddingText,
	domain.FieldURL,
	domain.FieldAISummary,
}

var legalListSelect = []string{
	domain.FieldNumeroDictamen,
	domain.FieldFecha,
	domain.FieldAno,
	domain.FieldAISummary,
	domain.FieldFuentesLegales,
	domain.FieldDictamenesAplicados,
	domain.FieldURL,
	domain.FieldAccion,
	domain.FieldReferencias,
	domain.FieldDescriptores,
	domain.FieldDestinatarios,
}

type RetrievalOptions struct {
	TopN           int
	PrimaryK       int
	SecondaryK     int
	LegalListK     int
	LegalListLimit int
	SemanticConfig string
	EmbedTimeout   time.Duration
	SearchTimeout  time.Duration
}

func (o RetrievalOptions) normalize() RetrievalOptions {
	if o.TopN <= 0 {
		o.TopN = 5
	}
	if o.PrimaryK <= 0 {
		o.PrimaryK = 50
	}
	if o.SecondaryK <= 0 {
		o.SecondaryK = 25
	}
	if o.LegalListK <= 0 {
		o.LegalListK = 20
	}
	if o.LegalListLimit <= 0 {
		o.LegalListLimit = 3
	}
	if strings.TrimSpace(o.SemanticConfig) == "" {
		o.SemanticConfig = defaultSemanticConfig
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 15 * time.Second
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 20 * time.Second
	}
	return o
}

// RetrievalService runs hybrid searches with three degrading tiers:
// keyword+vector+semantic, keyword+vector, keyword only.
type RetrievalService struct {
	embedder ports.Embedder
	backend  ports.SearchBackend
	opts     RetrievalOptions
}

func NewRetrievalService(embedder ports.Embedder, backend ports.SearchBackend, opts RetrievalOptions) *RetrievalService {
	return &RetrievalService{
		embedder: embedder,
		backend:  backend,
		opts:     opts.normalize(),
	}
}

// HybridSearch returns at most TopN documents ranked by the backend. An
// embedding failure returns an empty outcome without touching the backend.
func (s *RetrievalService) HybridSearch(ctx context.Context, queryText string, useSecondaryVector bool) domain.SearchOutcome {
	vector, err := s.embed(ctx, queryText)
	if err != nil {
		slog.Warn("hybrid_search_embed_failed", "error", err)
		return domain.SearchOutcome{Tier: domain.TierNone, Failures: []error{err}}
	}

	vectors := []domain.VectorQuery{{Field: domain.FieldEmbedding, K: s.opts.PrimaryK, Vector: vector}}
	if useSecondaryVector {
		vectors = append(vectors, domain.VectorQuery{Field: domain.FieldSummaryEmbedding, K: s.opts.SecondaryK, Vector: vector})
	}

	records, tier, failures := s.searchTiers(ctx, "hybrid_search", domain.SearchRequest{
		Text:   queryText,
		Select: standardSelect,
		Top:    s.opts.TopN,
	}, vectors)

	docs := make([]domain.RetrievedDocument, 0, len(records))
	for _, rec := range records {
		docs = append(docs, mapStandardRecord(rec))
	}
	if len(docs) > s.opts.TopN {
		docs = docs[:s.opts.TopN]
	}
	return domain.SearchOutcome{Documents: docs, Tier: tier, Failures: failures}
}

// LegalListSearch returns the most recent rulings matching the query, newest
// first. limit <= 0 selects the configured default.
func (s *RetrievalService) LegalListSearch(ctx context.Context, queryText string, limit int) domain.SearchOutcome {
	if limit <= 0 {
		limit = s.opts.LegalListLimit
	}

	vector, err := s.embed(ctx, queryText)
	if err != nil {
		slog.Warn("legal_list_search_embed_failed", "error", err)
		return domain.SearchOutcome{Tier: domain.TierNone, Failures: []error{err}}
	}

	records, tier, failures := s.searchTiers(ctx, "legal_list_search", domain.SearchRequest{
		Text:    queryText,
		Select:  legalListSelect,
		Top:     limit,
		OrderBy: legalListOrderBy,
	}, []domain.VectorQuery{{Field: domain.FieldEmbedding, K: s.opts.LegalListK, Vector: vector}})

	docs := make([]domain.RetrievedDocument, 0, len(records))
	for _, rec := range records {
		docs = append(docs, mapLegalListRecord(rec))
	}
	sortByDateDesc(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return domain.SearchOutcome{Documents: docs, Tier: tier, Failures: failures}
}

func (s *RetrievalService) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, domain.WrapError(domain.ErrUnavailable, "embed query", errors.New("embedder is not configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.EmbedTimeout)
	defer cancel()

	vector, err := s.embedder.EmbedQuery(callCtx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("embed query: empty vector")
	}
	return vector, nil
}

// searchTiers attempts each tier exactly once. Exhaustion yields no records
// and TierNone; the collected failures are returned for observability only.
func (s *RetrievalService) searchTiers(
	ctx context.Context,
	operation string,
	base domain.SearchRequest,
	vectors []domain.VectorQuery,
) ([]domain.SearchRecord, domain.SearchTier, []error) {
	if s.backend == nil {
		err := domain.WrapError(domain.ErrUnavailable, operation, errors.New("search backend is not configured"))
		return nil, domain.TierNone, []error{err}
	}

	tiers := []struct {
		tier domain.SearchTier
		req  domain.SearchRequest
	}{
		{tier: domain.TierSemantic, req: withTier(base, vectors, true, s.opts.SemanticConfig)},
		{tier: domain.TierHybrid, req: withTier(base, vectors, false, "")},
		{tier: domain.TierKeyword, req: withTier(base, nil, false, "")},
	}

	failures := make([]error, 0, len(tiers))
	for _, t := range tiers {
		records, err := s.search(ctx, t.req)
		if err == nil {
			if len(failures) > 0 {
				slog.Info("search_tier_degraded", "operation", operation, "tier", t.tier, "failed_tiers", len(failures))
			}
			return records, t.tier, failures
		}
		slog.Warn("search_tier_failed", "operation", operation, "tier", t.tier, "error", err)
		failures = append(failures, fmt.Errorf("%s tier: %w", t.tier, err))
	}
	slog.Error("search_tiers_exhausted", "operation", operation, "failures", len(failures))
	return nil, domain.TierNone, failures
}

func (s *RetrievalService) search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()
	return s.backend.Search(callCtx, req)
}

func withTier(base domain.SearchRequest, vectors []domain.VectorQuery, semantic bool, semanticConfig string) domain.SearchRequest {
	req := base
	req.Vectors = vectors
	req.Semantic = semantic
	req.SemanticConfig = semanticConfig
	return req
}

func mapStandardRecord(rec domain.SearchRecord) domain.RetrievedDocument {
	return domain.RetrievedDocument{
		Content: metaOr(rec.Fields, domain.FieldEmbeddingText, contentUnavailable),
		Metadata: map[string]any{
			domain.MetaSource:       metaOr(rec.Fields, domain.FieldNumeroDictamen, notAvailable),
			domain.MetaURL:          metaOr(rec.Fields, domain.FieldURL, ""),
			domain.MetaScore:        rerankerScore(rec),
			domain.MetaSummaryMatch: metaOr(rec.Fields, domain.FieldAISummary, ""),
		},
	}
}

func mapLegalListRecord(rec domain.SearchRecord) domain.RetrievedDocument {
	numero := metaOr(rec.Fields, domain.FieldNumeroDictamen, notAvailable)
	return domain.RetrievedDocument{
		Content: metaOr(rec.Fields, domain.FieldAISummary, summaryUnavailable),
		Metadata: map[string]any{
			domain.MetaSource:              numero,
			domain.MetaNumeroDictamen:      numero,
			domain.MetaFecha:               metaOr(rec.Fields, domain.FieldFecha, notAvailable),
			domain.MetaAno:                 metaOr(rec.Fields, domain.FieldAno, notAvailable),
			domain.MetaResumen:             metaOr(rec.Fields, domain.FieldAISummary, summaryUnavailable),
			domain.MetaLeyesAplicadas:      metaOr(rec.Fields, domain.FieldFuentesLegales, notAvailable),
			domain.MetaDictamenesAplicados: metaOr(rec.Fields, domain.FieldDictamenesAplicados, notAvailable),
			domain.MetaURL:                 metaOr(rec.Fields, domain.FieldURL, ""),
			domain.MetaAccion:              metaOr(rec.Fields, domain.FieldAccion, notAvailable),
			domain.MetaReferencias:         metaOr(rec.Fields, domain.FieldReferencias, notAvailable),
			domain.MetaDescriptores:        metaOr(rec.Fields, domain.FieldDescriptores, notAvailable),
			domain.MetaDestinatarios:       metaOr(rec.Fields, domain.FieldDestinatarios, notAvailable),
			domain.MetaScore:               rerankerScore(rec),
		},
	}
}

func rerankerScore(rec domain.SearchRecord) float64 {
	if rec.RerankerScore == nil {
		return 0.0
	}
	return *rec.RerankerScore
}

// sortByDateDesc orders list results newest first. Documents without a
// parseable date keep their relative order after the dated ones.
func sortByDateDesc(docs []domain.RetrievedDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, okI := documentDate(docs[i])
		tj, okJ := documentDate(docs[j])
		switch {
		case okI && okJ:
			return ti.After(tj)
		case okI:
			return true
		default:
			return false
		}
	})
}
