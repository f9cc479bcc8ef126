package qdrant

import (
	"sort"
	"strings"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

const rerankPoolFactor = 4

// rerankCandidates blends the normalized fusion score with query-token
// overlap against the chunk text and summary, and stores the blend as the
// reranker score.
func rerankCandidates(query string, records []domain.SearchRecord) []domain.SearchRecord {
	if len(records) == 0 {
		return records
	}
	queryTokens := toTokenSet(query)

	minScore, maxScore := records[0].Score, records[0].Score
	for _, r := range records[1:] {
		if r.Score < minScore {
			minScore = r.Score
		}
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	rangeScore := maxScore - minScore
	normalize := func(v float64) float64 {
		if rangeScore <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / rangeScore
	}

	out := make([]domain.SearchRecord, len(records))
	copy(out, records)
	for i := range out {
		text := payloadString(out[i].Fields, domain.FieldEmbeddingText)
		summary := payloadString(out[i].Fields, domain.FieldAISummary)
		overlap := tokenOverlap(queryTokens, toTokenSet(text))
		summaryOverlap := tokenOverlap(queryTokens, toTokenSet(summary))
		idHit := identifierHit(queryTokens, payloadString(out[i].Fields, domain.FieldNumeroDictamen))

		score := 0.55*normalize(out[i].Score) + 0.25*overlap + 0.10*summaryOverlap + 0.10*idHit
		out[i].RerankerScore = &score
	}

	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankerScore > *out[j].RerankerScore
	})
	return out
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func identifierHit(query map[string]struct{}, identifier string) float64 {
	if len(query) == 0 || identifier == "" {
		return 0
	}
	identifier = strings.ToLower(identifier)
	for token := range query {
		if len(token) > 2 && strings.Contains(identifier, token) {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	tokens := tokenizeAlphaNum(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// sortByOrderClause applies an index-style "field asc|desc" clause to payload
// values. Missing values sort last.
func sortByOrderClause(records []domain.SearchRecord, clause string) {
	parts := strings.Fields(clause)
	if len(parts) == 0 {
		return
	}
	field := parts[0]
	desc := len(parts) > 1 && strings.EqualFold(parts[1], "desc")

	sort.SliceStable(records, func(i, j int) bool {
		a := payloadString(records[i].Fields, field)
		b := payloadString(records[j].Fields, field)
		switch {
		case a == b:
			return false
		case a == "":
			return false
		case b == "":
			return true
		case desc:
			return a > b
		default:
			return a < b
		}
	})
}

func payloadString(payload map[string]any, key string) string {
	return domain.MetadataString(payload, key)
}
