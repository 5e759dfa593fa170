package ollama

import "fmt"

const translationSystemPrompt = `You translate business receipts. Keep amounts, dates, currency codes,
tax identifiers and invoice numbers exactly as written. Output only the translation.`

func buildTranslationPrompt(text, sourceLang, targetLang string) string {
	const maxSnippet = 6000
	snippet := text
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}
	return fmt.Sprintf(`Translate the receipt below from %q to %q.

Receipt:
%s
`, sourceLang, targetLang, snippet)
}
