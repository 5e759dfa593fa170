package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
)

// Keys of AgentMessage.Context understood by the chat agent.
const (
	ChatContextIssues  = "issues"
	ChatContextHistory = "history"
)

var rerunKeywords = []string{
	"uploaded", "attached", "done", "corrected", "fixed",
	"hochgeladen", "angehängt", "erledigt", "nachgereicht", "korrigiert",
}

type ChatAgentDeps struct {
	LLM    ports.LanguageModel
	Memory *AgentMemory
	Bus    ports.AgentBus
}

// ChatAgent talks to the employee about open review issues.
type ChatAgent struct {
	llm         ports.LanguageModel
	memory      *AgentMemory
	unsubscribe func()
}

// NewChatAgent subscribes to reconciliation results when a bus is given.
func NewChatAgent(deps ChatAgentDeps) *ChatAgent {
	if deps.Memory == nil {
		deps.Memory = NewAgentMemory(domain.AgentChat, nil, MemoryOptions{})
	}
	agent := &ChatAgent{llm: deps.LLM, memory: deps.Memory, unsubscribe: func() {}}
	if deps.Bus != nil {
		agent.unsubscribe = deps.Bus.Subscribe(domain.TopicReconciliationCompleted, agent.onReconciliation)
	}
	return agent
}

func (a *ChatAgent) Name() string {
	return domain.AgentChat
}

func (a *ChatAgent) Memory() *AgentMemory {
	return a.memory
}

func (a *ChatAgent) Close() {
	a.unsubscribe()
}

func (a *ChatAgent) onReconciliation(ctx context.Context, msg domain.AgentMessage) {
	issues := stringSlice(msg.Context[ChatContextIssues])
	a.memory.AddConversation(ctx, msg.Sender, msg.Content, MemoryDetails{
		Context: map[string]any{"report_id": msg.ReportID, ChatContextIssues: issues},
		Tags:    []string{reportTag(msg.ReportID)},
	})
}

func (a *ChatAgent) ComposeIssueMessage(ctx context.Context, report *domain.Report, issues []string) domain.AgentResponse {
	var b strings.Builder
	if report != nil && report.Month != "" {
		fmt.Fprintf(&b, "While reviewing your travel expense report for %s I found the following points that need your input:\n", report.Month)
	} else {
		b.WriteString("While reviewing your travel expense report I found the following points that need your input:\n")
	}
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. %s\n", i+1, issue)
	}
	b.WriteString("\nPlease reply here or upload the missing documents.")

	resp := domain.AgentResponse{
		Agent:             domain.AgentChat,
		Content:           b.String(),
		ActionTaken:       domain.ActionIssuesPosted,
		RequiresUserInput: true,
		Confidence:        1,
		Issues:            append([]string(nil), issues...),
	}
	reportID := ""
	if report != nil {
		reportID = report.ID
	}
	a.recordReply(ctx, reportID, resp)
	return resp
}

type chatDecision struct {
	Reply           string `json:"reply"`
	Resolved        bool   `json:"resolved"`
	RerunAccounting bool   `json:"rerun_accounting"`
}

// Respond answers one employee message. Open issues come from the message
// context, or from the last reconciliation this agent has seen for the report.
func (a *ChatAgent) Respond(ctx context.Context, msg domain.AgentMessage) (*domain.AgentResponse, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "chat respond", errors.New("message is empty"))
	}
	issues := a.openIssues(ctx, msg)
	a.memory.AddConversation(ctx, domain.SenderUser, content, MemoryDetails{
		Context: map[string]any{"report_id": msg.ReportID},
		Tags:    []string{reportTag(msg.ReportID)},
	})

	if len(issues) == 0 {
		resp := &domain.AgentResponse{
			Agent:       domain.AgentChat,
			Content:     "Thank you. There are no open questions on this report.",
			ActionTaken: domain.ActionThreadConcluded,
			Confidence:  1,
		}
		a.recordReply(ctx, msg.ReportID, *resp)
		return resp, nil
	}

	decision, confidence := a.decide(ctx, msg, issues)
	resp := &domain.AgentResponse{
		Agent:      domain.AgentChat,
		Content:    strings.TrimSpace(decision.Reply),
		Confidence: confidence,
		Issues:     issues,
	}
	switch {
	case decision.RerunAccounting:
		resp.ActionTaken = domain.ActionClarificationAccepted
		resp.NextAgent = domain.AgentAccounting
		if resp.Content == "" {
			resp.Content = "Thank you. I will re-check your report with the new information."
		}
		a.memory.AddCorrection(ctx, strings.Join(issues, "; "), content, MemoryDetails{
			Context: map[string]any{"report_id": msg.ReportID},
			Tags:    []string{reportTag(msg.ReportID)},
		})
	case decision.Resolved:
		resp.ActionTaken = domain.ActionThreadConcluded
		if resp.Content == "" {
			resp.Content = "Thank you for the clarification. The accounting team will take it from here."
		}
	default:
		resp.ActionTaken = domain.ActionFollowUpRequested
		resp.RequiresUserInput = true
		if resp.Content == "" {
			resp.Content = followUpText(issues)
		}
	}
	a.recordReply(ctx, msg.ReportID, *resp)
	return resp, nil
}

// decide asks the model and falls back to keyword matching.
func (a *ChatAgent) decide(ctx context.Context, msg domain.AgentMessage, issues []string) (chatDecision, float64) {
	if a.llm != nil {
		history, _ := msg.Context[ChatContextHistory].([]domain.ReportMessage)
		raw, err := a.llm.Generate(ctx, domain.GenerateRequest{
			Prompt:       buildChatPrompt(issues, history, msg.Content, a.memory.ContextForPrompt(ctx, 300, msg.Content)),
			SystemPrompt: chatSystemPrompt,
			Role:         domain.RoleChat,
			JSON:         true,
		})
		if err == nil {
			var decision chatDecision
			if err = decodeJSONObject(raw, &decision); err == nil {
				return decision, 0.8
			}
		}
		slog.Warn("chat_llm_fallback", "report_id", msg.ReportID, "error", err)
	}

	lower := strings.ToLower(msg.Content)
	for _, keyword := range rerunKeywords {
		if strings.Contains(lower, keyword) {
			return chatDecision{RerunAccounting: true}, 0.6
		}
	}
	return chatDecision{}, 0.5
}

func (a *ChatAgent) openIssues(ctx context.Context, msg domain.AgentMessage) []string {
	if raw, ok := msg.Context[ChatContextIssues]; ok {
		return stringSlice(raw)
	}
	if msg.ReportID == "" {
		return nil
	}
	seen := a.memory.Search(ctx, domain.MemoryQuery{
		Type:  domain.MemoryConversation,
		Tags:  []string{reportTag(msg.ReportID)},
		Limit: 50,
	})
	for _, entry := range seen {
		if entry.Context["speaker"] == domain.AgentAccounting {
			return stringSlice(entry.Context[ChatContextIssues])
		}
	}
	return nil
}

func (a *ChatAgent) recordReply(ctx context.Context, reportID string, resp domain.AgentResponse) {
	a.memory.AddConversation(ctx, domain.AgentChat, resp.Content, MemoryDetails{
		Context:  map[string]any{"report_id": reportID, "action": resp.ActionTaken},
		Metadata: map[string]any{"confidence": resp.Confidence, "requires_user_input": resp.RequiresUserInput},
		Tags:     []string{reportTag(reportID)},
	})
}

func followUpText(issues []string) string {
	var b strings.Builder
	b.WriteString("Thank you for your message. These points are still open:\n")
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. %s\n", i+1, issue)
	}
	b.WriteString("\nPlease upload the requested documents and let me know here when you are done.")
	return b.String()
}

func reportTag(reportID string) string {
	return "report:" + reportID
}

// stringSlice accepts both in-process values and JSON-decoded ones.
func stringSlice(v any) []string {
	switch values := v.(type) {
	case []string:
		return append([]string(nil), values...)
	case []any:
		out := make([]string, 0, len(values))
		for _, item := range values {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
