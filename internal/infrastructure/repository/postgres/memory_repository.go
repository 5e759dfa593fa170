package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// MemoryRepository is the append-only durable log behind agent memory.
type MemoryRepository struct {
	db *sql.DB
}

func NewMemoryRepository(db *sql.DB) *MemoryRepository {
	return &MemoryRepository{db: db}
}

func (r *MemoryRepository) Insert(ctx context.Context, entry domain.MemoryEntry) error {
	contextJSON, err := marshalJSONMap(entry.Context)
	if err != nil {
		return fmt.Errorf("marshal memory context: %w", err)
	}
	metadataJSON, err := marshalJSONMap(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal memory tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO agent_memory (id, agent_name, entry_type, content, context, metadata, tags, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, entry.ID, entry.AgentName, string(entry.Type), entry.Content, contextJSON, metadataJSON, tagsJSON, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// Find returns matching entries, most recent first.
func (r *MemoryRepository) Find(ctx context.Context, filter domain.MemoryFilter) ([]domain.MemoryEntry, error) {
	where, args, err := memoryWhere(filter)
	if err != nil {
		return nil, err
	}
	query := `
SELECT id, agent_name, entry_type, content, context, metadata, tags, created_at
FROM agent_memory
WHERE ` + where + `
ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.MemoryEntry, 0)
	for rows.Next() {
		var entry domain.MemoryEntry
		var entryType string
		var contextRaw, metadataRaw, tagsRaw []byte
		if err := rows.Scan(
			&entry.ID, &entry.AgentName, &entryType, &entry.Content,
			&contextRaw, &metadataRaw, &tagsRaw, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		entry.Type = domain.MemoryEntryType(entryType)
		if err := unmarshalIfPresent(contextRaw, &entry.Context); err != nil {
			return nil, fmt.Errorf("unmarshal memory context: %w", err)
		}
		if err := unmarshalIfPresent(metadataRaw, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal memory metadata: %w", err)
		}
		if err := unmarshalIfPresent(tagsRaw, &entry.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal memory tags: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory entries: %w", err)
	}
	return entries, nil
}

func (r *MemoryRepository) Count(ctx context.Context, filter domain.MemoryFilter) (int64, error) {
	where, args, err := memoryWhere(filter)
	if err != nil {
		return 0, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_memory WHERE `+where, args...)

	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("count memory entries: %w", err)
	}
	return total, nil
}

func memoryWhere(filter domain.MemoryFilter) (string, []any, error) {
	conditions := []string{"agent_name = $1"}
	args := []any{filter.AgentName}

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conditions = append(conditions, fmt.Sprintf("entry_type = $%d", len(args)))
	}
	if len(filter.Tags) > 0 {
		tagsJSON, err := json.Marshal(filter.Tags)
		if err != nil {
			return "", nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		args = append(args, string(tagsJSON))
		conditions = append(conditions, fmt.Sprintf("tags ?| ARRAY(SELECT jsonb_array_elements_text($%d::jsonb))", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	return strings.Join(conditions, " AND "), args, nil
}

func marshalJSONMap(value map[string]any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func unmarshalIfPresent(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
