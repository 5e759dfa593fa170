package domain

type DocumentType string

const (
	DocHotelReceipt   DocumentType = "hotel_receipt"
	DocRestaurantBill DocumentType = "restaurant_bill"
	DocTollReceipt    DocumentType = "toll_receipt"
	DocParking        DocumentType = "parking"
	DocFuel           DocumentType = "fuel"
	DocTrainTicket    DocumentType = "train_ticket"
	DocOther          DocumentType = "other"
)

// Keys used in DocumentAnalysis.ExtractedData.
const (
	FieldDate          = "date"
	FieldAmount        = "amount"
	FieldCurrency      = "currency"
	FieldVendor        = "vendor"
	FieldTaxID         = "tax_id"
	FieldInvoiceNumber = "invoice_number"
)

// BaseCurrency is the accounting currency; anything else needs an exchange proof.
const BaseCurrency = "EUR"

type DocumentRequest struct {
	StoragePath      string
	OriginalFilename string
	Encrypted        bool
	Kind             ReceiptKind
	ReportID         string
	UserID           string
}

type DocumentAnalysis struct {
	DocumentType       DocumentType      `json:"document_type"`
	Language           string            `json:"language"`
	TranslatedContent  string            `json:"translated_content,omitempty"`
	ExtractedData      map[string]string `json:"extracted_data"`
	ValidationIssues   []string          `json:"validation_issues"`
	CompletenessCheck  map[string]bool   `json:"completeness_check"`
	Confidence         float64           `json:"confidence"`
	ExtractionMethod   string            `json:"extraction_method,omitempty"`
	NeedsExchangeProof bool              `json:"needs_exchange_proof"`
}

// AddIssue appends; issues of one analysis pass are never removed.
func (a *DocumentAnalysis) AddIssue(issue string) {
	a.ValidationIssues = append(a.ValidationIssues, issue)
}
