package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

const maxPromptReceiptText = 4000

// decodeJSONObject tolerates code fences and chatter around the object.
func decodeJSONObject(raw string, out any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty model response")
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return fmt.Errorf("model response has no json object")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), out); err != nil {
		return fmt.Errorf("unmarshal model json: %w", err)
	}
	return nil
}

const fieldAssistSystemPrompt = `You extract structured data from travel expense receipts.
Answer with a single JSON object and nothing else. Use null for values you cannot find.`

func buildFieldAssistPrompt(text string, docType domain.DocumentType, missing []string, memoryDigest string) string {
	if r := []rune(text); len(r) > maxPromptReceiptText {
		text = string(r[:maxPromptReceiptText])
	}
	keys := make([]string, 0, len(missing))
	for _, field := range missing {
		keys = append(keys, fmt.Sprintf("%q:null", field))
	}
	if strings.TrimSpace(memoryDigest) == "" {
		memoryDigest = "(empty)"
	}
	return fmt.Sprintf(`Document type: %s
Find the following fields in the receipt text.
Formats: date as YYYY-MM-DD, amount as decimal number of the total paid, currency as ISO 4217 code.
Schema:
{%s}

Known vendors and earlier findings:
%s

Receipt text:
%s
`, docType, strings.Join(keys, ","), memoryDigest, text)
}

const plausibilitySystemPrompt = `You are an accounting assistant reviewing a monthly travel expense report.
Write a short plain-text review (at most five sentences) for the accounting team.
Mention anything implausible. Do not repeat the raw numbers table.`

func buildPlausibilityPrompt(report *domain.Report, result *domain.AccountingResult, memoryDigest string) string {
	assignmentLines := make([]string, 0, len(result.Assignments))
	for _, a := range result.Assignments {
		assignmentLines = append(assignmentLines, fmt.Sprintf("- %s %s %.2f %s (confidence %.2f)", a.Date, a.Category, a.Amount, a.Currency, a.AssignmentConfidence))
	}
	entryLines := make([]string, 0, len(result.Entries))
	for _, e := range result.Entries {
		entryLines = append(entryLines, fmt.Sprintf("- %s %s hours=%.1f allowance=%.2f (%s)", e.Date, e.CountryCode, e.WorkingHours, e.MealAllowance, e.AllowanceKind))
	}
	issueLines := make([]string, 0, len(result.Issues))
	for _, issue := range result.Issues {
		issueLines = append(issueLines, "- "+issue)
	}
	for _, lines := range []*[]string{&assignmentLines, &entryLines, &issueLines} {
		if len(*lines) == 0 {
			*lines = append(*lines, "(none)")
		}
	}
	if strings.TrimSpace(memoryDigest) == "" {
		memoryDigest = "(empty)"
	}

	return fmt.Sprintf(`Report %s for month %s.

Entries:
%s

Receipt assignments:
%s

Detected issues:
%s

Earlier review experience:
%s
`, report.ID, report.Month, strings.Join(entryLines, "\n"), strings.Join(assignmentLines, "\n"), strings.Join(issueLines, "\n"), memoryDigest)
}

const chatSystemPrompt = `You help an employee resolve open questions about their travel expense report.
Be polite and brief. Reply in the employee's language.
Return ONLY a JSON object: {"reply":"...","resolved":true|false,"rerun_accounting":true|false}.
Set rerun_accounting when the employee says they uploaded or corrected a document.
Set resolved when the employee's answer settles every open issue without new documents.`

func buildChatPrompt(issues []string, history []domain.ReportMessage, userMessage, memoryDigest string) string {
	issueLines := make([]string, 0, len(issues))
	for _, issue := range issues {
		issueLines = append(issueLines, "- "+issue)
	}
	historyLines := make([]string, 0, len(history))
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		historyLines = append(historyLines, fmt.Sprintf("%s: %s", msg.Sender, content))
	}
	if len(historyLines) == 0 {
		historyLines = append(historyLines, "(empty)")
	}
	if strings.TrimSpace(memoryDigest) == "" {
		memoryDigest = "(empty)"
	}

	return fmt.Sprintf(`Open issues:
%s

Conversation so far:
%s

Relevant memory:
%s

Employee message:
%s
`, strings.Join(issueLines, "\n"), strings.Join(historyLines, "\n"), memoryDigest, userMessage)
}
