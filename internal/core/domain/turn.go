package domain

import "time"

type TurnRequest struct {
	SessionID          string `json:"session_id"`
	Query              string `json:"query"`
	UseSecondaryVector bool   `json:"use_two_vectors"`
}

type TurnResult struct {
	SessionID      string     `json:"session_id"`
	Response       string     `json:"response"`
	Sources        []Source   `json:"sources"`
	History        []Message  `json:"history"`
	Label          Label      `json:"label"`
	SearchTier     SearchTier `json:"search_tier,omitempty"`
	RewrittenQuery string     `json:"rewritten_query,omitempty"`
}

// TurnLimits bounds every external call made while processing a turn.
type TurnLimits struct {
	HistoryMessages    int           `json:"history_messages"`
	ClassifierMessages int           `json:"classifier_messages"`
	ClassifyTimeout    time.Duration `json:"classify_timeout"`
	RewriteTimeout     time.Duration `json:"rewrite_timeout"`
	EmbedTimeout       time.Duration `json:"embed_timeout"`
	SearchTimeout      time.Duration `json:"search_timeout"`
	GenerateTimeout    time.Duration `json:"generate_timeout"`
	HistoryTimeout     time.Duration `json:"history_timeout"`
}

type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of a structured generation prompt.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// TurnObservation is the routing telemetry of one processed turn.
type TurnObservation struct {
	Label           Label
	ClassifiedBy    ClassificationSource
	ClassifyReason  string
	RewriteFallback string
	Tier            SearchTier
	TierFailures    int
	SourceCount     int
	Duration        time.Duration
	Err             error
}
