package usecase

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed assets/keywords.yaml
var defaultKeywordsYAML []byte

const exemplarsPerCategory = 10

// KeywordSet holds the classifier exemplars and the deterministic fallback
// vocabulary. All entries are matched lower-cased as substrings.
type KeywordSet struct {
	Conversational   []string       `yaml:"conversational"`
	GeneralKnowledge []string       `yaml:"general_knowledge"`
	Specific         []string       `yaml:"specific"`
	LegalList        []string       `yaml:"legal_list"`
	Fallback         FallbackPolicy `yaml:"fallback"`
}

type FallbackPolicy struct {
	ShortQueryMaxChars int      `yaml:"short_query_max_chars"`
	Conversational     []string `yaml:"conversational"`
	GeneralKnowledge   []string `yaml:"general_knowledge"`
	LegalList          []string `yaml:"legal_list"`
}

// DefaultKeywordSet returns the built-in vocabulary.
func DefaultKeywordSet() KeywordSet {
	set, err := ParseKeywordSet(defaultKeywordsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded keywords: %v", err))
	}
	return set
}

// LoadKeywordSet reads a YAML override; an empty path yields the defaults.
func LoadKeywordSet(path string) (KeywordSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultKeywordSet(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeywordSet{}, fmt.Errorf("read keywords file: %w", err)
	}
	return ParseKeywordSet(raw)
}

func ParseKeywordSet(raw []byte) (KeywordSet, error) {
	var set KeywordSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return KeywordSet{}, fmt.Errorf("parse keywords yaml: %w", err)
	}
	if set.Fallback.ShortQueryMaxChars <= 0 {
		set.Fallback.ShortQueryMaxChars = 30
	}
	set.Conversational = normalizeKeywords(set.Conversational)
	set.GeneralKnowledge = normalizeKeywords(set.GeneralKnowledge)
	set.Specific = normalizeKeywords(set.Specific)
	set.LegalList = normalizeKeywords(set.LegalList)
	set.Fallback.Conversational = normalizeKeywords(set.Fallback.Conversational)
	set.Fallback.GeneralKnowledge = normalizeKeywords(set.Fallback.GeneralKnowledge)
	set.Fallback.LegalList = normalizeKeywords(set.Fallback.LegalList)
	return set, nil
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func exemplars(keywords []string) string {
	n := len(keywords)
	if n > exemplarsPerCategory {
		n = exemplarsPerCategory
	}
	return strings.Join(keywords[:n], ", ") + "..."
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
