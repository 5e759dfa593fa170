package domain

import "time"

const (
	AgentDocument   = "document"
	AgentAccounting = "accounting"
	AgentChat       = "chat"
)

type ModelRole string

const (
	RoleDefault    ModelRole = ""
	RoleChat       ModelRole = "chat"
	RoleDocument   ModelRole = "document"
	RoleAccounting ModelRole = "accounting"
)

type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Role         ModelRole
	JSON         bool
}

type AgentMessage struct {
	ReportID string         `json:"report_id"`
	UserID   string         `json:"user_id,omitempty"`
	Sender   string         `json:"sender"`
	Content  string         `json:"content"`
	Context  map[string]any `json:"context,omitempty"`
}

type AgentResponse struct {
	Agent             string   `json:"agent"`
	Content           string   `json:"content"`
	ActionTaken       string   `json:"action_taken"`
	RequiresUserInput bool     `json:"requires_user_input"`
	NextAgent         string   `json:"next_agent,omitempty"`
	Confidence        float64  `json:"confidence"`
	Issues            []string `json:"issues,omitempty"`
}

// Chat agent actions.
const (
	ActionIssuesPosted          = "issues_posted"
	ActionFollowUpRequested     = "follow_up_requested"
	ActionClarificationAccepted = "clarification_accepted"
	ActionThreadConcluded       = "thread_concluded"
	ActionEscalated             = "escalated_to_accounting"
	ActionReportApproved        = "report_approved"
)

// SenderUser marks transcript lines written by the employee.
const SenderUser = "user"

type ReportMessage struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Action    string    `json:"action,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Bus topics for inter-agent notifications.
const (
	TopicDocumentAnalyzed        = "document.analyzed"
	TopicReconciliationCompleted = "reconciliation.completed"
	TopicReportApproved          = "report.approved"
)

type ReviewEventType string

const (
	ReviewEventUpload    ReviewEventType = "upload"
	ReviewEventReconcile ReviewEventType = "reconcile"
)

type ReviewEvent struct {
	Type      ReviewEventType `json:"type"`
	ReportID  string          `json:"report_id"`
	ReceiptID string          `json:"receipt_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type AuditEvent struct {
	Action       string         `json:"action"`
	UserID       string         `json:"user_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details"`
	CreatedAt    time.Time      `json:"created_at"`
}
