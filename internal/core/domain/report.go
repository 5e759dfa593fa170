package domain

import (
	"io"
	"time"
)

type ReportStatus string

const (
	ReportDraft    ReportStatus = "draft"
	ReportInReview ReportStatus = "in_review"
	ReportApproved ReportStatus = "approved"
)

type Report struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Month          string            `json:"month"`
	Status         ReportStatus      `json:"status"`
	Entries        []ReportEntry     `json:"entries"`
	Receipts       []Receipt         `json:"receipts"`
	AccountingData *AccountingResult `json:"accounting_data,omitempty"`
	ReviewError    string            `json:"review_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type ReportEntry struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	CountryCode  string    `json:"country_code"`
	AbsenceHours float64   `json:"absence_hours"`
	Category     string    `json:"category,omitempty"`
	Description  string    `json:"description,omitempty"`
}

type ReceiptKind string

const (
	ReceiptExpense       ReceiptKind = "receipt"
	ReceiptExchangeProof ReceiptKind = "exchange_proof"
)

type Receipt struct {
	ID                 string            `json:"id"`
	ReportID           string            `json:"report_id"`
	EntryID            string            `json:"entry_id,omitempty"`
	Kind               ReceiptKind       `json:"kind"`
	ProofFor           string            `json:"proof_for,omitempty"`
	Filename           string            `json:"filename"`
	StoragePath        string            `json:"storage_path"`
	Encrypted          bool              `json:"encrypted"`
	Analysis           *DocumentAnalysis `json:"analysis,omitempty"`
	NeedsExchangeProof bool              `json:"needs_exchange_proof"`
	UploadedAt         time.Time         `json:"uploaded_at"`
}

type AbsenceType string

const (
	AbsenceNone     AbsenceType = ""
	AbsenceVacation AbsenceType = "vacation"
	AbsenceSick     AbsenceType = "sick"
	AbsenceHoliday  AbsenceType = "holiday"
)

type Timesheet struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Month             string         `json:"month"`
	Approved          bool           `json:"approved"`
	ScanUploaded      bool           `json:"scan_uploaded"`
	SignatureVerified bool           `json:"signature_verified"`
	WeeklyHours       float64        `json:"weekly_hours"`
	Days              []TimesheetDay `json:"days"`
}

type TimesheetDay struct {
	Date    time.Time   `json:"date"`
	Hours   float64     `json:"hours"`
	Absence AbsenceType `json:"absence,omitempty"`
}

// Verified reports whether the timesheet may gate automatic hour crediting.
func (t Timesheet) Verified() bool {
	return t.Approved && t.ScanUploaded && t.SignatureVerified
}

// Covers reports whether the timesheet period contains the day.
func (t Timesheet) Covers(day time.Time) bool {
	return t.Month == day.Format(MonthLayout)
}

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

type ExpenseAssignment struct {
	ReceiptID            string   `json:"receipt_id"`
	EntryID              string   `json:"entry_id,omitempty"`
	Date                 string   `json:"date,omitempty"`
	Category             string   `json:"category"`
	Amount               float64  `json:"amount"`
	Currency             string   `json:"currency"`
	MealAllowanceAdded   *float64 `json:"meal_allowance_added,omitempty"`
	AssignmentConfidence float64  `json:"assignment_confidence"`
}

type MealAllowanceKind string

const (
	MealAllowanceNone    MealAllowanceKind = "none"
	MealAllowancePartial MealAllowanceKind = "partial_day"
	MealAllowanceFull    MealAllowanceKind = "full_day"
)

type EntryReconciliation struct {
	EntryID       string            `json:"entry_id"`
	Date          string            `json:"date"`
	CountryCode   string            `json:"country_code"`
	WorkingHours  float64           `json:"working_hours"`
	Absence       AbsenceType       `json:"absence,omitempty"`
	MealAllowance float64           `json:"meal_allowance"`
	AllowanceKind MealAllowanceKind `json:"allowance_kind"`
}

type AccountingResult struct {
	ReportID           string                `json:"report_id"`
	Assignments        []ExpenseAssignment   `json:"assignments"`
	Entries            []EntryReconciliation `json:"entries"`
	Issues             []string              `json:"issues"`
	TotalsByCurrency   map[string]float64    `json:"totals_by_currency"`
	MealAllowanceTotal float64               `json:"meal_allowance_total"`
	Summary            string                `json:"summary,omitempty"`
	ReviewError        string                `json:"review_error,omitempty"`
	ReconciledAt       time.Time             `json:"reconciled_at"`
}

type ReconciliationInput struct {
	Report     *Report
	Timesheets []Timesheet
}

type MealRate struct {
	FullDay    float64 `yaml:"full_day" json:"full_day"`
	PartialDay float64 `yaml:"partial_day" json:"partial_day"`
}

// MealAllowanceRates is the per-diem table keyed by ISO 3166-1 alpha-2 code.
type MealAllowanceRates struct {
	Default MealRate            `yaml:"default" json:"default"`
	Rates   map[string]MealRate `yaml:"rates" json:"rates"`
}

func (r MealAllowanceRates) Lookup(countryCode string) MealRate {
	if rate, ok := r.Rates[countryCode]; ok {
		return rate
	}
	return r.Default
}

type AccountingRules struct {
	OverlapWindowDays  int
	DateProximityDays  int
	PartialDayMinHours float64
	FullDayMinHours    float64
	DefaultWeeklyHours float64
}

type UploadRequest struct {
	ReportID string
	EntryID  string
	Kind     ReceiptKind
	ProofFor string
	Filename string
	MimeType string
	Body     io.Reader
}
