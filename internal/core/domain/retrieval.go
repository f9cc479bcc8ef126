package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Index field names of the rulings index.
const (
	FieldChunkID             = "chunk_id"
	FieldNumeroDictamen      = "numero_dictamen"
	FieldEmbeddingText       = "embedding_text"
	FieldURL                 = "url"
	FieldAISummary           = "ai_summary"
	FieldFecha               = "fecha"
	FieldAno                 = "ano"
	FieldFuentesLegales      = "fuentes_legales"
	FieldDictamenesAplicados = "dictamenes_aplicados"
	FieldAccion              = "accion"
	FieldReferencias         = "referencias"
	FieldDescriptores        = "descriptores"
	FieldDestinatarios       = "destinatarios"

	FieldEmbedding        = "embedding"
	FieldSummaryEmbedding = "summary_embedding"
)

// Metadata keys carried by RetrievedDocument.
const (
	MetaSource              = "source"
	MetaURL                 = "url"
	MetaScore               = "score"
	MetaSummaryMatch        = "summary_match"
	MetaNumeroDictamen      = "numero_dictamen"
	MetaFecha               = "fecha"
	MetaAno                 = "ano"
	MetaResumen             = "resumen"
	MetaLeyesAplicadas      = "leyes_aplicadas"
	MetaDictamenesAplicados = "dictamenes_aplicados"
	MetaAccion              = "accion"
	MetaReferencias         = "referencias"
	MetaDescriptores        = "descriptores"
	MetaDestinatarios       = "destinatarios"
)

type SearchTier string

const (
	TierSemantic SearchTier = "semantic"
	TierHybrid   SearchTier = "hybrid"
	TierKeyword  SearchTier = "keyword"
	TierNone     SearchTier = "none"
)

type VectorQuery struct {
	Field  string
	K      int
	Vector []float32
}

// SearchRequest is one backend call. Vectors are empty for keyword-only
// requests and Semantic toggles backend reranking.
type SearchRequest struct {
	Text           string
	Vectors        []VectorQuery
	Semantic       bool
	SemanticConfig string
	Select         []string
	Top            int
	OrderBy        string
}

// Tier reports which fallback tier the request belongs to. Backends key
// their circuit breakers on it so a failing tier cannot starve the others.
func (r SearchRequest) Tier() SearchTier {
	switch {
	case r.Semantic:
		return TierSemantic
	case len(r.Vectors) > 0:
		return TierHybrid
	default:
		return TierKeyword
	}
}

// SearchRecord is a raw backend hit. RerankerScore is nil when the tier did
// not use semantic reranking.
type SearchRecord struct {
	Fields        map[string]any
	Score         float64
	RerankerScore *float64
}

type RetrievedDocument struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (d RetrievedDocument) Identifier() string {
	if v := MetadataString(d.Metadata, MetaSource); v != "" {
		return v
	}
	if v := MetadataString(d.Metadata, MetaNumeroDictamen); v != "" {
		return v
	}
	return "N/A"
}

func (d RetrievedDocument) URL() string {
	return MetadataString(d.Metadata, MetaURL)
}

func (d RetrievedDocument) Score() float64 {
	return MetadataFloat(d.Metadata, MetaScore)
}

type SearchOutcome struct {
	Documents []RetrievedDocument
	Tier      SearchTier
	Failures  []error
}

// MetadataString renders a metadata value as text; missing or nil values
// yield "".
func MetadataString(meta map[string]any, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(typed, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func MetadataFloat(meta map[string]any, key string) float64 {
	switch typed := meta[key].(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case string:
		f, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
