package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// AuditRepository writes the compliance audit trail for automated decisions.
// Details are stored alongside a SHA-256 hash of their canonical JSON so the
// decision input can be verified later without re-reading receipts.
type AuditRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db, now: time.Now}
}

func (r *AuditRepository) Log(ctx context.Context, event domain.AuditEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	sum := sha256.Sum256(detailsJSON)

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now().UTC()
	}

	agent, _ := details["agent"].(string)
	humanReviewed, _ := details["human_reviewed"].(bool)
	var confidence any
	if value, ok := details["confidence"].(float64); ok {
		confidence = value
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO compliance_audit_log (
	id, action, user_id, resource_type, resource_id, agent, confidence, human_reviewed, input_hash, details, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`,
		uuid.NewString(), event.Action, event.UserID, event.ResourceType, event.ResourceID,
		agent, confidence, humanReviewed, hex.EncodeToString(sum[:]), detailsJSON, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
