package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

func TestMemoryRepositoryInsertDefaultsEmptyJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO agent_memory").
		WithArgs("m-1", "document", "analysis", "hotel", []byte("{}"), []byte("{}"), []byte("[]"), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewMemoryRepository(db)
	err = repo.Insert(context.Background(), domain.MemoryEntry{
		ID: "m-1", AgentName: "document", Type: domain.MemoryAnalysis, Content: "hotel", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMemoryRepositoryFindPushesDownFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	since := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	ts := since.Add(48 * time.Hour)
	rows := sqlmock.NewRows([]string{"id", "agent_name", "entry_type", "content", "context", "metadata", "tags", "created_at"}).
		AddRow("m-2", "document", "analysis", "Hotel Adler", []byte(`{"vendor":"Hotel Adler"}`), []byte(`{"amount":120.5}`), []byte(`["vendor:hotel adler"]`), ts)

	mock.ExpectQuery("FROM agent_memory").
		WithArgs("document", "analysis", `["vendor:hotel adler"]`, since, 10).
		WillReturnRows(rows)

	repo := NewMemoryRepository(db)
	entries, err := repo.Find(context.Background(), domain.MemoryFilter{
		AgentName: "document",
		Type:      domain.MemoryAnalysis,
		Tags:      []string{"vendor:hotel adler"},
		Since:     since,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Type != domain.MemoryAnalysis || entry.Context["vendor"] != "Hotel Adler" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if amount, _ := entry.Metadata["amount"].(float64); amount != 120.5 {
		t.Fatalf("expected metadata amount, got %#v", entry.Metadata)
	}
	if len(entry.Tags) != 1 || entry.Tags[0] != "vendor:hotel adler" {
		t.Fatalf("unexpected tags %#v", entry.Tags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMemoryRepositoryCountByAgent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("chat", "correction").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	total, err := NewMemoryRepository(db).Count(context.Background(), domain.MemoryFilter{AgentName: "chat", Type: domain.MemoryCorrection})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4, got %d", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
