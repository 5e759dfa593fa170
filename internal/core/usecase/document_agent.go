package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
)

const (
	maxReceiptBytes        = 32 << 20
	defaultDeviationFactor = 3.0
	vendorHistoryLimit     = 20
	// A vendor pattern is written once this many receipts are known and
	// refreshed every vendorPatternRefresh receipts after that.
	vendorPatternMinSamples = 2
	vendorPatternRefresh    = 5
	fieldAssistDigestTokens = 200
)

var errNoText = errors.New("no extraction strategy returned text")

type DocumentRules struct {
	TargetLanguage string
	// DeviationFactor flags amounts above this multiple of the vendor's mean.
	DeviationFactor float64
}

// DocumentAgentDeps wires the collaborators of the document agent. Encryptor,
// LLM, Language, Translator and Bus are optional; translation needs both
// Language and Translator.
type DocumentAgentDeps struct {
	Storage    ports.ObjectStorage
	Encryptor  ports.Encryptor
	Extractors []ports.TextExtractor
	LLM        ports.LanguageModel
	Language   ports.LanguageDetector
	Translator ports.Translator
	Memory     *AgentMemory
	Bus        ports.AgentBus
}

type DocumentAgent struct {
	storage    ports.ObjectStorage
	encryptor  ports.Encryptor
	extractors []ports.TextExtractor
	llm        ports.LanguageModel
	language   ports.LanguageDetector
	translator ports.Translator
	memory     *AgentMemory
	bus        ports.AgentBus
	rules      DocumentRules
}

func NewDocumentAgent(deps DocumentAgentDeps, rules DocumentRules) *DocumentAgent {
	if rules.DeviationFactor <= 0 {
		rules.DeviationFactor = defaultDeviationFactor
	}
	if deps.Memory == nil {
		deps.Memory = NewAgentMemory(domain.AgentDocument, nil, MemoryOptions{})
	}
	return &DocumentAgent{
		storage:    deps.Storage,
		encryptor:  deps.Encryptor,
		extractors: deps.Extractors,
		llm:        deps.LLM,
		language:   deps.Language,
		translator: deps.Translator,
		memory:     deps.Memory,
		bus:        deps.Bus,
		rules:      rules,
	}
}

func (a *DocumentAgent) Name() string {
	return domain.AgentDocument
}

func (a *DocumentAgent) Memory() *AgentMemory {
	return a.memory
}

// AnalyzeDocument extracts, classifies and validates one receipt. Every
// failure is reported inside the returned analysis.
func (a *DocumentAgent) AnalyzeDocument(ctx context.Context, req domain.DocumentRequest) domain.DocumentAnalysis {
	raw, err := a.readDocument(ctx, req)
	if err != nil {
		return a.failedAnalysis(ctx, req, "read", fmt.Sprintf("Document %q could not be read; please upload it again", req.OriginalFilename), err)
	}

	text, method, tried := a.extractText(ctx, raw)
	if text == "" {
		issue := fmt.Sprintf("Text extraction failed for %q (tried %s); please upload a readable PDF", req.OriginalFilename, strings.Join(tried, ", "))
		return a.failedAnalysis(ctx, req, "extract", issue, errNoText)
	}

	docType, certainty := classifyDocument(text)
	fields := extractFields(text)
	required := requiredFields(docType)
	if missing := missingFields(fields, required); len(missing) > 0 && a.llm != nil {
		if a.assistFields(ctx, text, docType, missing, fields) > 0 {
			method += "+llm"
		}
	}

	analysis := domain.DocumentAnalysis{
		DocumentType:      docType,
		ExtractedData:     fields,
		ValidationIssues:  []string{},
		CompletenessCheck: make(map[string]bool, len(required)),
		ExtractionMethod:  method,
	}

	filled := 0
	for _, field := range required {
		_, ok := fields[field]
		analysis.CompletenessCheck[field] = ok
		if ok {
			filled++
			continue
		}
		analysis.AddIssue(describeMissing(field, docType))
	}

	if a.language != nil {
		analysis.Language = a.language.DetectLanguage(text)
	}
	a.translate(ctx, text, &analysis)

	// Exchange proofs document the conversion themselves.
	if currency, ok := fields[domain.FieldCurrency]; ok && currency != domain.BaseCurrency && req.Kind != domain.ReceiptExchangeProof {
		analysis.NeedsExchangeProof = true
		analysis.AddIssue(fmt.Sprintf("Receipt is in %s, not %s; an exchange-proof document (e.g. bank or card statement) is required", currency, domain.BaseCurrency))
	}

	vendor := fields[domain.FieldVendor]
	if vendor != "" {
		for _, issue := range a.vendorDeviations(ctx, vendor, docType, fields) {
			analysis.AddIssue(issue)
		}
	}

	analysis.Confidence = documentConfidence(filled, len(required), certainty)
	a.record(ctx, req, analysis)
	return analysis
}

// documentConfidence never decreases when more required fields are filled.
func documentConfidence(filled, required int, certainty float64) float64 {
	completeness := 1.0
	if required > 0 {
		completeness = float64(filled) / float64(required)
	}
	certainty = math.Max(0, math.Min(1, certainty))
	score := 0.2 + 0.6*completeness + 0.2*certainty
	return math.Round(score*1000) / 1000
}

func (a *DocumentAgent) readDocument(ctx context.Context, req domain.DocumentRequest) ([]byte, error) {
	if strings.TrimSpace(req.StoragePath) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read document", errors.New("storage path is required"))
	}
	if req.Encrypted {
		if a.encryptor == nil {
			return nil, errors.New("receipt is encrypted but no encryptor is configured")
		}
		return a.encryptor.Decrypt(ctx, req.StoragePath)
	}
	if a.storage == nil {
		return nil, errors.New("object storage is not configured")
	}
	rc, err := a.storage.Open(ctx, req.StoragePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxReceiptBytes))
}

func (a *DocumentAgent) extractText(ctx context.Context, raw []byte) (string, string, []string) {
	tried := make([]string, 0, len(a.extractors))
	for _, extractor := range a.extractors {
		tried = append(tried, extractor.Name())
		text, err := extractor.Extract(ctx, raw)
		if err != nil {
			slog.Debug("document_extraction_strategy_failed", "strategy", extractor.Name(), "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text, extractor.Name(), tried
		}
	}
	if len(tried) == 0 {
		tried = append(tried, "none configured")
	}
	return "", "", tried
}

// assistFields asks the model for missing fields and keeps only values that
// pass the same validation as parsed ones. It returns the number of fields filled.
func (a *DocumentAgent) assistFields(ctx context.Context, text string, docType domain.DocumentType, missing []string, fields map[string]string) int {
	raw, err := a.llm.Generate(ctx, domain.GenerateRequest{
		Prompt:       buildFieldAssistPrompt(text, docType, missing, a.memory.ContextForPrompt(ctx, fieldAssistDigestTokens, "")),
		SystemPrompt: fieldAssistSystemPrompt,
		Role:         domain.RoleDocument,
		JSON:         true,
	})
	if err != nil {
		slog.Warn("document_llm_assist_failed", "document_type", string(docType), "error", err)
		return 0
	}
	var suggested map[string]any
	if err := decodeJSONObject(raw, &suggested); err != nil {
		slog.Warn("document_llm_assist_invalid_json", "document_type", string(docType), "error", err)
		return 0
	}

	filled := 0
	for _, field := range missing {
		value, ok := jsonScalarString(suggested[field])
		if !ok {
			continue
		}
		if normalized, ok := normalizeField(field, value); ok {
			fields[field] = normalized
			filled++
		}
	}
	return filled
}

func (a *DocumentAgent) translate(ctx context.Context, text string, analysis *domain.DocumentAnalysis) {
	target := strings.TrimSpace(a.rules.TargetLanguage)
	if a.translator == nil || target == "" || analysis.Language == "" || strings.EqualFold(analysis.Language, target) {
		return
	}
	translated, err := a.translator.Translate(ctx, text, analysis.Language, target)
	if err != nil {
		slog.Warn("document_translation_failed", "language", analysis.Language, "target", target, "error", err)
		return
	}
	analysis.TranslatedContent = strings.TrimSpace(translated)
}

// vendorProfile summarizes earlier analyses of one vendor. Amounts only count
// when they are in currency, or in any currency when currency is empty.
type vendorProfile struct {
	usualType string
	samples   int
	amounts   int
	mean      float64
}

func (a *DocumentAgent) vendorProfile(ctx context.Context, vendor, currency string) vendorProfile {
	history := a.memory.Search(ctx, domain.MemoryQuery{
		Type:  domain.MemoryAnalysis,
		Tags:  []string{vendorTag(vendor)},
		Limit: vendorHistoryLimit,
	})

	typeCounts := make(map[string]int)
	var amountSum float64
	profile := vendorProfile{samples: len(history)}
	for _, entry := range history {
		if t, ok := entry.Metadata["document_type"].(string); ok && t != "" {
			typeCounts[t]++
		}
		if c, _ := entry.Metadata["currency"].(string); currency != "" && c != currency {
			continue
		}
		if amount, ok := metadataFloat(entry.Metadata, "amount"); ok && amount > 0 {
			amountSum += amount
			profile.amounts++
		}
	}
	profile.usualType = mostFrequent(typeCounts)
	if profile.amounts > 0 {
		profile.mean = amountSum / float64(profile.amounts)
	}
	return profile
}

// vendorDeviations compares the receipt with earlier analyses of the same vendor.
func (a *DocumentAgent) vendorDeviations(ctx context.Context, vendor string, docType domain.DocumentType, fields map[string]string) []string {
	profile := a.vendorProfile(ctx, vendor, fields[domain.FieldCurrency])
	if profile.samples == 0 {
		return nil
	}

	var issues []string
	if profile.usualType != "" && profile.usualType != string(docType) {
		issues = append(issues, fmt.Sprintf("Vendor %q was previously classified as %s, this receipt as %s", vendor, profile.usualType, docType))
	}
	if profile.amounts > 0 {
		if amount, err := strconv.ParseFloat(fields[domain.FieldAmount], 64); err == nil && amount > a.rules.DeviationFactor*profile.mean {
			issues = append(issues, fmt.Sprintf("Amount %.2f is more than %gx the usual amount for vendor %q (%.2f)", amount, a.rules.DeviationFactor, vendor, profile.mean))
		}
	}
	return issues
}

// learnVendorPattern condenses the vendor history into a pattern entry that
// shows up in later prompt digests.
func (a *DocumentAgent) learnVendorPattern(ctx context.Context, vendor, currency string) {
	profile := a.vendorProfile(ctx, vendor, currency)
	if profile.samples < vendorPatternMinSamples {
		return
	}
	if profile.samples != vendorPatternMinSamples && profile.samples%vendorPatternRefresh != 0 {
		return
	}

	pattern := fmt.Sprintf("Vendor %q is usually a %s", vendor, profile.usualType)
	metadata := map[string]any{"document_type": profile.usualType, "samples": profile.samples}
	if profile.amounts > 0 {
		pattern += fmt.Sprintf(" with a mean amount of %.2f %s", profile.mean, currency)
		metadata["mean_amount"] = roundCents(profile.mean)
		metadata["currency"] = currency
	}
	pattern += fmt.Sprintf(" (%d receipts)", profile.samples)
	a.memory.AddPattern(ctx, strings.TrimSpace(pattern), MemoryDetails{
		Context:  map[string]any{"vendor": vendor},
		Metadata: metadata,
		Tags:     []string{vendorTag(vendor)},
	})
}

func (a *DocumentAgent) record(ctx context.Context, req domain.DocumentRequest, analysis domain.DocumentAnalysis) {
	vendor := analysis.ExtractedData[domain.FieldVendor]
	metadata := map[string]any{
		"document_type": string(analysis.DocumentType),
		"currency":      analysis.ExtractedData[domain.FieldCurrency],
		"issues":        len(analysis.ValidationIssues),
	}
	if amount, err := strconv.ParseFloat(analysis.ExtractedData[domain.FieldAmount], 64); err == nil {
		metadata["amount"] = amount
	}
	tags := []string{string(analysis.DocumentType)}
	if vendor != "" {
		tags = append(tags, vendorTag(vendor))
	}

	summary := analysisSummary(analysis)
	a.memory.AddAnalysis(ctx, summary, analysis.Confidence, MemoryDetails{
		Context:  map[string]any{"report_id": req.ReportID, "filename": req.OriginalFilename},
		Metadata: metadata,
		Tags:     tags,
	})
	if vendor != "" {
		a.learnVendorPattern(ctx, vendor, analysis.ExtractedData[domain.FieldCurrency])
	}
	a.publish(ctx, req, summary, analysis)
}

func (a *DocumentAgent) failedAnalysis(ctx context.Context, req domain.DocumentRequest, operation, issue string, cause error) domain.DocumentAnalysis {
	slog.Warn("document_analysis_failed",
		"report_id", req.ReportID,
		"filename", req.OriginalFilename,
		"operation", operation,
		"error", cause,
	)
	analysis := domain.DocumentAnalysis{
		DocumentType:      domain.DocOther,
		ExtractedData:     map[string]string{},
		ValidationIssues:  []string{issue},
		CompletenessCheck: map[string]bool{},
		Confidence:        0,
	}
	a.memory.AddError(ctx, "analyze_document."+operation, cause, MemoryDetails{
		Context: map[string]any{"report_id": req.ReportID, "filename": req.OriginalFilename},
	})
	a.publish(ctx, req, issue, analysis)
	return analysis
}

func (a *DocumentAgent) publish(ctx context.Context, req domain.DocumentRequest, content string, analysis domain.DocumentAnalysis) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, domain.TopicDocumentAnalyzed, domain.AgentMessage{
		ReportID: req.ReportID,
		UserID:   req.UserID,
		Sender:   domain.AgentDocument,
		Content:  content,
		Context: map[string]any{
			"document_type": string(analysis.DocumentType),
			"confidence":    analysis.Confidence,
			"issues":        len(analysis.ValidationIssues),
		},
	})
}

func analysisSummary(analysis domain.DocumentAnalysis) string {
	data := analysis.ExtractedData
	vendor := data[domain.FieldVendor]
	if vendor == "" {
		vendor = "unknown vendor"
	}
	parts := []string{fmt.Sprintf("%s from %s", analysis.DocumentType, vendor)}
	if amount := data[domain.FieldAmount]; amount != "" {
		parts = append(parts, strings.TrimSpace(amount+" "+data[domain.FieldCurrency]))
	}
	if date := data[domain.FieldDate]; date != "" {
		parts = append(parts, "dated "+date)
	}
	if n := len(analysis.ValidationIssues); n > 0 {
		parts = append(parts, fmt.Sprintf("%d issue(s)", n))
	}
	return strings.Join(parts, ", ")
}

func missingFields(fields map[string]string, required []string) []string {
	var missing []string
	for _, field := range required {
		if _, ok := fields[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

func vendorTag(vendor string) string {
	return "vendor:" + strings.ToLower(strings.Join(strings.Fields(vendor), " "))
}

func mostFrequent(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestCount := "", 0
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

func metadataFloat(metadata map[string]any, key string) (float64, bool) {
	switch v := metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func jsonScalarString(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, strings.TrimSpace(value) != ""
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	default:
		return "", false
	}
}
