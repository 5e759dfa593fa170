package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/travel-expense-review/internal/config"
	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
	"github.com/kirillkom/travel-expense-review/internal/core/usecase"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/bus"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/crypto/filecrypt"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/extractor/pdfstream"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/langdetect"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/queue/nats"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/resilience"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/travel-expense-review/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Queue        *nats.Queue
	Reports      ports.ReportStore
	Orchestrator *usecase.Orchestrator
	Ingest       *usecase.ReceiptIngestUseCase
	Metrics      *metrics.WorkerMetrics

	memories []*usecase.AgentMemory
	closeFn  func()
}

// New wires the review pipeline. service labels metrics for the calling process.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	reports := postgres.NewReportRepository(db)
	timesheets := postgres.NewTimesheetRepository(db)
	audit := postgres.NewAuditRepository(db)

	// Report locks pin a connection for a whole review operation, so they get
	// their own pool and never starve repository queries.
	lockDB, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open postgres lock pool: %w", err)
	}
	if cfg.PostgresLockPoolSize > 0 {
		lockDB.SetMaxOpenConns(cfg.PostgresLockPoolSize)
		lockDB.SetMaxIdleConns(cfg.PostgresLockPoolSize)
	}
	closeDBs := func() {
		_ = lockDB.Close()
		_ = db.Close()
	}

	languages, err := langdetect.New(cfg.ReceiptLanguages...)
	if err != nil {
		closeDBs()
		return nil, fmt.Errorf("init language detection: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeDBs()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	var encryptor ports.Encryptor
	if cfg.EncryptionKey != "" {
		key, err := filecrypt.ParseKey(cfg.EncryptionKey)
		if err != nil {
			closeDBs()
			return nil, fmt.Errorf("parse receipt encryption key: %w", err)
		}
		enc, err := filecrypt.New(storage, key)
		if err != nil {
			closeDBs()
			return nil, fmt.Errorf("init receipt encryption: %w", err)
		}
		encryptor = enc
	} else {
		slog.Warn("receipt_encryption_disabled", "reason", "RECEIPT_ENCRYPTION_KEY is empty")
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSReviewSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
	})
	if err != nil {
		closeDBs()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	rates := config.DefaultMealAllowanceRates()
	if cfg.MealAllowanceRatesFile != "" {
		rates, err = config.LoadMealAllowanceRates(cfg.MealAllowanceRatesFile)
		if err != nil {
			queue.Close()
			closeDBs()
			return nil, fmt.Errorf("load meal allowance rates: %w", err)
		}
	}

	workerMetrics := metrics.NewWorkerMetrics(service)

	llmClient := ollama.New(cfg.OllamaURL, ollama.Models{
		Default:    cfg.OllamaModel,
		Chat:       cfg.OllamaChatModel,
		Document:   cfg.OllamaDocumentModel,
		Accounting: cfg.OllamaAccountingModel,
	}, ollama.Options{
		Timeout:        cfg.LLMTimeout,
		MaxRetries:     cfg.LLMMaxRetries,
		RetryDelay:     cfg.LLMRetryDelay,
		BreakerEnabled: cfg.LLMBreakerEnabled,
	})

	agentBus := bus.New()
	agentBus.Subscribe(domain.TopicDocumentAnalyzed, func(_ context.Context, msg domain.AgentMessage) {
		docType, _ := msg.Context["document_type"].(string)
		confidence, _ := msg.Context["confidence"].(float64)
		workerMetrics.ObserveAnalysisConfidence(docType, confidence)
	})

	var memoryStore ports.MemoryStore
	if cfg.MemoryDurableEnabled {
		memoryStore = postgres.NewMemoryRepository(db)
	}
	newMemory := func(agent string) *usecase.AgentMemory {
		return usecase.NewAgentMemory(agent, memoryStore, usecase.MemoryOptions{
			CacheSize: cfg.MemoryCacheSize,
			OnHealthChange: func(h domain.MemoryHealth) {
				workerMetrics.SetMemoryDegraded(h.Agent, h.Degraded)
			},
		})
	}
	documentMemory := newMemory(domain.AgentDocument)
	accountingMemory := newMemory(domain.AgentAccounting)
	chatMemory := newMemory(domain.AgentChat)
	memories := []*usecase.AgentMemory{documentMemory, accountingMemory, chatMemory}
	for _, m := range memories {
		m.Initialize(ctx)
	}

	documents := usecase.NewDocumentAgent(usecase.DocumentAgentDeps{
		Storage:   storage,
		Encryptor: encryptor,
		Extractors: []ports.TextExtractor{
			pdftext.NewExtractor(),
			pdfstream.NewExtractor(),
			plaintext.NewExtractor(),
		},
		LLM:        llmClient,
		Language:   languages,
		Translator: ollama.NewTranslator(llmClient),
		Memory:     documentMemory,
		Bus:        agentBus,
	}, usecase.DocumentRules{TargetLanguage: cfg.TargetLanguage})

	accounting := usecase.NewAccountingAgent(usecase.AccountingAgentDeps{
		LLM:    llmClient,
		Memory: accountingMemory,
		Bus:    agentBus,
	}, cfg.AccountingRules(), rates)

	chat := usecase.NewChatAgent(usecase.ChatAgentDeps{
		LLM:    llmClient,
		Memory: chatMemory,
		Bus:    agentBus,
	})

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Reports:    reports,
		Timesheets: timesheets,
		Documents:  documents,
		Accounting: accounting,
		Chat:       chat,
		Audit:      audit,
		Scheduler:  queue,
		Bus:        agentBus,
		Locker:     postgres.NewReportLocker(lockDB),
	})
	ingest := usecase.NewReceiptIngestUseCase(reports, storage, encryptor, queue)

	return &App{
		Config: cfg,

		Queue:        queue,
		Reports:      reports,
		Orchestrator: orchestrator,
		Ingest:       ingest,
		Metrics:      workerMetrics,

		memories: memories,
		closeFn: func() {
			chat.Close()
			queue.Close()
			closeDBs()
		},
	}, nil
}

// MemoryHealth reports the durability state of every agent memory.
func (a *App) MemoryHealth() []domain.MemoryHealth {
	out := make([]domain.MemoryHealth, 0, len(a.memories))
	for _, m := range a.memories {
		out = append(out, m.Health())
	}
	return out
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
