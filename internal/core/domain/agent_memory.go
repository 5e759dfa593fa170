package domain

import "time"

type MemoryEntryType string

const (
	MemoryConversation MemoryEntryType = "conversation"
	MemoryAnalysis     MemoryEntryType = "analysis"
	MemoryDecision     MemoryEntryType = "decision"
	MemoryPattern      MemoryEntryType = "pattern"
	MemoryInsight      MemoryEntryType = "insight"
	MemoryError        MemoryEntryType = "error"
	MemoryCorrection   MemoryEntryType = "correction"
)

func (t MemoryEntryType) Valid() bool {
	switch t {
	case MemoryConversation, MemoryAnalysis, MemoryDecision, MemoryPattern, MemoryInsight, MemoryError, MemoryCorrection:
		return true
	default:
		return false
	}
}

// MemoryEntry is one immutable record of an agent's experience.
type MemoryEntry struct {
	ID        string          `json:"entry_id"`
	AgentName string          `json:"agent_name"`
	Type      MemoryEntryType `json:"entry_type"`
	Content   string          `json:"content"`
	Context   map[string]any  `json:"context,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Tags      []string        `json:"tags,omitempty"`
}

// MemoryQuery is the caller-facing search request. Zero values disable a filter.
type MemoryQuery struct {
	Query string
	Type  MemoryEntryType
	Tags  []string
	Limit int
	Days  int
}

// MemoryFilter is pushed down to the durable store.
type MemoryFilter struct {
	AgentName string
	Type      MemoryEntryType
	Tags      []string
	Since     time.Time
	Limit     int
}

type MemoryHealth struct {
	Agent          string    `json:"agent"`
	DurableEnabled bool      `json:"durable_enabled"`
	Degraded       bool      `json:"degraded"`
	FailedOps      int64     `json:"failed_ops"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
	CachedEntries  int       `json:"cached_entries"`
}

type MemoryStats struct {
	Agent  string                    `json:"agent"`
	Total  int64                     `json:"total"`
	ByType map[MemoryEntryType]int64 `json:"by_type"`
}
