package domain

import "strings"

type Label string

const (
	LabelConversational   Label = "CONVERSATIONAL"
	LabelGeneralKnowledge Label = "GENERAL_KNOWLEDGE"
	LabelSpecific         Label = "SPECIFIC"
	LabelLegalList        Label = "LEGAL_LIST"
)

// The classification model is prompted with Spanish category names.
var labelAliases = map[string]Label{
	"CONVERSATIONAL":    LabelConversational,
	"CONVERSACIONAL":    LabelConversational,
	"GENERAL_KNOWLEDGE": LabelGeneralKnowledge,
	"GENERAL_CGR":       LabelGeneralKnowledge,
	"SPECIFIC":          LabelSpecific,
	"ESPECIFICA":        LabelSpecific,
	"ESPECÍFICA":        LabelSpecific,
	"LEGAL_LIST":        LabelLegalList,
}

// ParseLabel validates raw model output against the closed label set.
// Surrounding whitespace, quotes and a trailing period are tolerated;
// anything else is rejected.
func ParseLabel(raw string) (Label, bool) {
	token := strings.TrimSpace(raw)
	token = strings.Trim(token, "\"'`*.")
	token = strings.ToUpper(strings.TrimSpace(token))
	label, ok := labelAliases[token]
	return label, ok
}

// NeedsRetrieval reports whether the label routes through the search index.
func (l Label) NeedsRetrieval() bool {
	return l == LabelSpecific || l == LabelLegalList
}

type ClassificationSource string

const (
	ClassifiedByModel    ClassificationSource = "model"
	ClassifiedByFallback ClassificationSource = "fallback"
)

type ClassificationOutcome struct {
	Label          Label                `json:"label"`
	Source         ClassificationSource `json:"source"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
}

type RewriteOutcome struct {
	Query          string `json:"query"`
	Rewritten      bool   `json:"rewritten"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}
