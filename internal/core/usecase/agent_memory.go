package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
)

const (
	defaultMemoryCacheSize = 100
	defaultSearchLimit     = 10
	promptSectionSize      = 5
	truncationMarker       = "\n...[truncated]"
)

type MemoryOptions struct {
	CacheSize int
	// OnHealthChange is called whenever the degraded flag flips.
	OnHealthChange func(domain.MemoryHealth)
}

// MemoryDetails carries the optional parts of a memory entry.
type MemoryDetails struct {
	Context  map[string]any
	Metadata map[string]any
	Tags     []string
}

// AgentMemory is the per-agent experience log. The bounded cache is
// authoritative for the running process; the durable store is best-effort.
type AgentMemory struct {
	agent     string
	store     ports.MemoryStore
	cacheSize int
	onHealth  func(domain.MemoryHealth)
	now       func() time.Time

	mu          sync.Mutex
	cache       []domain.MemoryEntry
	initialized bool
	degraded    bool
	failedOps   int64
	lastError   string
	lastErrorAt time.Time
}

func NewAgentMemory(agent string, store ports.MemoryStore, opts MemoryOptions) *AgentMemory {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultMemoryCacheSize
	}
	return &AgentMemory{
		agent:     agent,
		store:     store,
		cacheSize: opts.CacheSize,
		onHealth:  opts.OnHealthChange,
		now:       time.Now,
		cache:     make([]domain.MemoryEntry, 0, opts.CacheSize),
	}
}

func (m *AgentMemory) Agent() string {
	return m.agent
}

// Initialize warms the cache from the durable store. Calling it again after a
// successful warm-up is a no-op; a failed warm-up is retried on the next call.
func (m *AgentMemory) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return
	}
	if m.store == nil {
		m.initialized = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	recent, err := m.store.Find(ctx, domain.MemoryFilter{AgentName: m.agent, Limit: m.cacheSize})
	if err != nil {
		m.recordFailure("initialize", err)
		return
	}
	m.recordSuccess()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return
	}
	seen := make(map[string]struct{}, len(recent))
	warm := make([]domain.MemoryEntry, 0, len(recent)+len(m.cache))
	for i := len(recent) - 1; i >= 0; i-- {
		seen[recent[i].ID] = struct{}{}
		warm = append(warm, recent[i])
	}
	for _, entry := range m.cache {
		if _, ok := seen[entry.ID]; !ok {
			warm = append(warm, entry)
		}
	}
	if len(warm) > m.cacheSize {
		warm = warm[len(warm)-m.cacheSize:]
	}
	m.cache = warm
	m.initialized = true
}

// Add appends an entry and returns its id. An invalid entry type is a caller
// bug: it is logged and nothing is stored.
func (m *AgentMemory) Add(ctx context.Context, entryType domain.MemoryEntryType, content string, details MemoryDetails) string {
	if !entryType.Valid() {
		slog.Error("agent_memory_invalid_entry_type", "agent", m.agent, "entry_type", string(entryType))
		return ""
	}

	entry := domain.MemoryEntry{
		ID:        uuid.NewString(),
		AgentName: m.agent,
		Type:      entryType,
		Content:   content,
		Context:   details.Context,
		Metadata:  details.Metadata,
		Timestamp: m.now().UTC(),
		Tags:      normalizeTags(details.Tags),
	}

	m.mu.Lock()
	m.cache = append(m.cache, entry)
	if overflow := len(m.cache) - m.cacheSize; overflow > 0 {
		// Shift instead of reslicing so the backing array does not grow forever.
		copy(m.cache, m.cache[overflow:])
		m.cache = m.cache[:m.cacheSize]
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Insert(ctx, entry); err != nil {
			m.recordFailure("insert", err)
		} else {
			m.recordSuccess()
		}
	}
	return entry.ID
}

// Search returns matching entries, most recent first.
func (m *AgentMemory) Search(ctx context.Context, q domain.MemoryQuery) []domain.MemoryEntry {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	var since time.Time
	if q.Days > 0 {
		since = m.now().UTC().AddDate(0, 0, -q.Days)
	}
	query := strings.ToLower(strings.TrimSpace(q.Query))
	tags := normalizeTags(q.Tags)

	if m.store != nil {
		fetch := limit
		if query != "" {
			fetch = max(limit*5, 50)
		}
		entries, err := m.store.Find(ctx, domain.MemoryFilter{
			AgentName: m.agent,
			Type:      q.Type,
			Tags:      tags,
			Since:     since,
			Limit:     fetch,
		})
		if err == nil {
			m.recordSuccess()
			out := make([]domain.MemoryEntry, 0, min(limit, len(entries)))
			for _, entry := range entries {
				if query != "" && !entryMatchesQuery(entry, query) {
					continue
				}
				out = append(out, entry)
				if len(out) == limit {
					break
				}
			}
			return out
		}
		m.recordFailure("search", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MemoryEntry, 0, limit)
	for i := len(m.cache) - 1; i >= 0 && len(out) < limit; i-- {
		entry := m.cache[i]
		if q.Type != "" && entry.Type != q.Type {
			continue
		}
		if !since.IsZero() && entry.Timestamp.Before(since) {
			continue
		}
		if len(tags) > 0 && !hasAnyTag(entry.Tags, tags) {
			continue
		}
		if query != "" && !entryMatchesQuery(entry, query) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ContextForPrompt renders a labeled digest of the agent's memory, capped at
// roughly maxTokens tokens (4 bytes per token).
func (m *AgentMemory) ContextForPrompt(ctx context.Context, maxTokens int, relevantQuery string) string {
	if maxTokens <= 0 {
		maxTokens = 500
	}

	type section struct {
		title   string
		entries []domain.MemoryEntry
	}
	sections := []section{
		{"Insights", m.Search(ctx, domain.MemoryQuery{Type: domain.MemoryInsight, Limit: promptSectionSize})},
		{"Patterns", m.Search(ctx, domain.MemoryQuery{Type: domain.MemoryPattern, Limit: promptSectionSize})},
	}
	if strings.TrimSpace(relevantQuery) != "" {
		sections = append(sections, section{"Relevant history", m.Search(ctx, domain.MemoryQuery{Query: relevantQuery, Limit: promptSectionSize})})
	}
	sections = append(sections, section{"Recent decisions", m.Search(ctx, domain.MemoryQuery{Type: domain.MemoryDecision, Limit: promptSectionSize})})

	var b strings.Builder
	for _, s := range sections {
		if len(s.entries) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + s.title + "\n")
		for _, entry := range s.entries {
			fmt.Fprintf(&b, "- [%s] %s\n", entry.Timestamp.Format(domain.DateLayout), entry.Content)
		}
	}
	return truncateDigest(strings.TrimRight(b.String(), "\n"), maxTokens*4)
}

func truncateDigest(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}

func (m *AgentMemory) AddConversation(ctx context.Context, speaker, text string, details MemoryDetails) string {
	details.Context = withValue(details.Context, "speaker", speaker)
	details.Tags = withTags(details.Tags, "conversation", "speaker:"+speaker)
	return m.Add(ctx, domain.MemoryConversation, text, details)
}

func (m *AgentMemory) AddAnalysis(ctx context.Context, summary string, confidence float64, details MemoryDetails) string {
	details.Metadata = withValue(details.Metadata, "confidence", confidence)
	details.Tags = withTags(details.Tags, "analysis")
	return m.Add(ctx, domain.MemoryAnalysis, summary, details)
}

func (m *AgentMemory) AddDecision(ctx context.Context, decision string, confidence float64, details MemoryDetails) string {
	details.Metadata = withValue(details.Metadata, "confidence", confidence)
	details.Tags = withTags(details.Tags, "decision")
	return m.Add(ctx, domain.MemoryDecision, decision, details)
}

func (m *AgentMemory) AddPattern(ctx context.Context, pattern string, details MemoryDetails) string {
	details.Tags = withTags(details.Tags, "pattern")
	return m.Add(ctx, domain.MemoryPattern, pattern, details)
}

func (m *AgentMemory) AddInsight(ctx context.Context, insight string, details MemoryDetails) string {
	details.Tags = withTags(details.Tags, "insight")
	return m.Add(ctx, domain.MemoryInsight, insight, details)
}

func (m *AgentMemory) AddCorrection(ctx context.Context, original, corrected string, details MemoryDetails) string {
	details.Context = withValue(details.Context, "original", original)
	details.Context = withValue(details.Context, "corrected", corrected)
	details.Tags = withTags(details.Tags, "correction")
	return m.Add(ctx, domain.MemoryCorrection, fmt.Sprintf("Corrected %q to %q", original, corrected), details)
}

func (m *AgentMemory) AddError(ctx context.Context, operation string, err error, details MemoryDetails) string {
	details.Context = withValue(details.Context, "operation", operation)
	details.Tags = withTags(details.Tags, "error", "op:"+operation)
	return m.Add(ctx, domain.MemoryError, fmt.Sprintf("%s failed: %v", operation, err), details)
}

// Stats counts entries per type, from the durable store when available.
func (m *AgentMemory) Stats(ctx context.Context) domain.MemoryStats {
	types := []domain.MemoryEntryType{
		domain.MemoryConversation, domain.MemoryAnalysis, domain.MemoryDecision, domain.MemoryPattern,
		domain.MemoryInsight, domain.MemoryError, domain.MemoryCorrection,
	}
	stats := domain.MemoryStats{Agent: m.agent, ByType: make(map[domain.MemoryEntryType]int64, len(types))}

	if m.store != nil {
		ok := true
		for _, entryType := range types {
			count, err := m.store.Count(ctx, domain.MemoryFilter{AgentName: m.agent, Type: entryType})
			if err != nil {
				m.recordFailure("count", err)
				ok = false
				break
			}
			stats.ByType[entryType] = count
			stats.Total += count
		}
		if ok {
			m.recordSuccess()
			return stats
		}
		stats.ByType = make(map[domain.MemoryEntryType]int64, len(types))
		stats.Total = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.cache {
		stats.ByType[entry.Type]++
		stats.Total++
	}
	return stats
}

func (m *AgentMemory) Health() domain.MemoryHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked()
}

func (m *AgentMemory) healthLocked() domain.MemoryHealth {
	return domain.MemoryHealth{
		Agent:          m.agent,
		DurableEnabled: m.store != nil,
		Degraded:       m.degraded,
		FailedOps:      m.failedOps,
		LastError:      m.lastError,
		LastErrorAt:    m.lastErrorAt,
		CachedEntries:  len(m.cache),
	}
}

func (m *AgentMemory) recordFailure(operation string, err error) {
	m.mu.Lock()
	changed := !m.degraded
	m.degraded = true
	m.failedOps++
	m.lastError = fmt.Sprintf("%s: %v", operation, err)
	m.lastErrorAt = m.now().UTC()
	health := m.healthLocked()
	m.mu.Unlock()

	slog.Warn("agent_memory_degraded",
		"agent", m.agent,
		"operation", operation,
		"failed_ops", health.FailedOps,
		"error", err,
	)
	if changed && m.onHealth != nil {
		m.onHealth(health)
	}
}

func (m *AgentMemory) recordSuccess() {
	m.mu.Lock()
	if !m.degraded {
		m.mu.Unlock()
		return
	}
	m.degraded = false
	health := m.healthLocked()
	m.mu.Unlock()

	slog.Info("agent_memory_recovered", "agent", m.agent)
	if m.onHealth != nil {
		m.onHealth(health)
	}
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			set[tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func entryMatchesQuery(entry domain.MemoryEntry, lowerQuery string) bool {
	if strings.Contains(strings.ToLower(entry.Content), lowerQuery) {
		return true
	}
	if len(entry.Context) == 0 {
		return false
	}
	raw, err := json.Marshal(entry.Context)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), lowerQuery)
}

func withTags(tags []string, extra ...string) []string {
	out := make([]string, 0, len(tags)+len(extra))
	out = append(out, tags...)
	return append(out, extra...)
}

func withValue(values map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	out[key] = value
	return out
}
