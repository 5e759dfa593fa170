package usecase

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// Classification priority; earlier types win ties.
var documentTypePriority = []domain.DocumentType{
	domain.DocHotelReceipt,
	domain.DocTrainTicket,
	domain.DocTollReceipt,
	domain.DocParking,
	domain.DocFuel,
	domain.DocRestaurantBill,
}

// Keywords are matched against lower-cased word tokens. A trailing "*"
// matches any token with that prefix.
var documentKeywords = map[domain.DocumentType][]string{
	domain.DocHotelReceipt: {
		"hotel*", "übernachtung*", "uebernachtung*", "zimmer*", "room", "rooms", "accommodation", "lodging",
		"nacht", "nächte", "night", "nights", "hôtel", "nuitée*", "albergo", "pernottament*", "hostal", "alojamiento",
	},
	domain.DocTrainTicket: {
		"bahn", "db", "zug", "train", "fahrkarte*", "fahrschein*", "ice", "ic", "sncf", "trenitalia", "renfe",
		"bahncard", "gleis", "wagen", "billet", "biglietto", "öbb", "sbb",
	},
	domain.DocTollReceipt: {
		"maut*", "toll*", "péage", "peage", "vignette", "pedaggio", "autobahngebühr*", "asfinag", "autostrad*", "peaje",
	},
	domain.DocParking: {
		"parken", "parkhaus*", "parkplatz*", "parking", "parkgebühr*", "tiefgarage*", "parkschein*", "parkticket*",
		"stationnement", "parcheggio", "aparcamiento",
	},
	domain.DocFuel: {
		"tankstelle*", "tanken", "benzin", "diesel", "kraftstoff*", "fuel", "petrol", "gasoline", "liter", "litre*",
		"super", "e10", "aral", "esso", "shell", "carburant", "gazole", "benzina", "gasolina",
	},
	domain.DocRestaurantBill: {
		"restaurant*", "gaststätte*", "bewirtung*", "speise*", "getränk*", "essen", "menu", "menü", "trinkgeld",
		"café", "cafe", "bistro", "pizzeria", "ristorante", "trattoria", "meal", "dinner", "lunch",
		"mittagessen", "abendessen", "frühstück", "breakfast", "tisch", "bedienung",
	},
}

// requiredFields lists the fields a receipt of the type must carry.
func requiredFields(docType domain.DocumentType) []string {
	switch docType {
	case domain.DocHotelReceipt, domain.DocRestaurantBill:
		return []string{domain.FieldDate, domain.FieldAmount, domain.FieldCurrency, domain.FieldVendor}
	case domain.DocTollReceipt, domain.DocParking, domain.DocFuel, domain.DocTrainTicket:
		return []string{domain.FieldDate, domain.FieldAmount, domain.FieldCurrency}
	default:
		return []string{domain.FieldDate, domain.FieldAmount}
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// classifyDocument returns the best matching type and a certainty in [0,1].
// It is a pure function of the text.
func classifyDocument(text string) (domain.DocumentType, float64) {
	tokens := tokenize(text)
	exact := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		exact[tok]++
	}

	hits := make(map[domain.DocumentType]int, len(documentTypePriority))
	total := 0
	for _, docType := range documentTypePriority {
		for _, kw := range documentKeywords[docType] {
			var n int
			if prefix, ok := strings.CutSuffix(kw, "*"); ok {
				for _, tok := range tokens {
					if strings.HasPrefix(tok, prefix) {
						n++
					}
				}
			} else {
				n = exact[kw]
			}
			hits[docType] += n
			total += n
		}
	}

	best := domain.DocOther
	bestHits := 0
	for _, docType := range documentTypePriority {
		if hits[docType] > bestHits {
			best = docType
			bestHits = hits[docType]
		}
	}
	if bestHits == 0 {
		return domain.DocOther, 0
	}
	share := float64(bestHits) / float64(total)
	strength := math.Min(1, float64(bestHits)/3)
	return best, share * strength
}

var (
	dateDotted = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4}|\d{2})\b`)
	dateISO    = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	dateSlash  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

	amountPattern   = regexp.MustCompile(`\d{1,3}(?:[.,']\d{3})+(?:[.,]\d{2})?|\d+[.,]\d{2}`)
	totalKeywords   = []string{"gesamt", "summe", "total", "betrag", "zu zahlen", "endbetrag", "montant", "totale", "importe", "amount due"}
	currencyISO     = regexp.MustCompile(`\b(EUR|USD|GBP|CHF|CZK|PLN|DKK|SEK|NOK|HUF|JPY|CAD|AUD|RON|BGN)\b`)
	knownCurrencies = map[string]struct{}{
		"EUR": {}, "USD": {}, "GBP": {}, "CHF": {}, "CZK": {}, "PLN": {}, "DKK": {}, "SEK": {},
		"NOK": {}, "HUF": {}, "JPY": {}, "CAD": {}, "AUD": {}, "RON": {}, "BGN": {},
	}

	// Whole amounts only count next to a currency or alone on a total line.
	currencyIntPattern = regexp.MustCompile(`(?:\b(?:EUR|USD|GBP|CHF|CZK|PLN|DKK|SEK|NOK|HUF|JPY|CAD|AUD|RON|BGN)|[€$£])\s?(\d{1,6})(?:,-{1,2})?\b|\b(\d{1,6})(?:,-{1,2})?\s?(?:(?:EUR|USD|GBP|CHF|CZK|PLN|DKK|SEK|NOK|HUF|JPY|CAD|AUD|RON|BGN)\b|[€$£])`)
	totalIntPattern    = regexp.MustCompile(`\b(\d{1,6})\b(?:,-{1,2})?(\s*%)?`)

	taxIDPattern = regexp.MustCompile(`(?i)(?:ust\.?-?id(?:-?nr)?\.?|vat\s*(?:id|no\.?|number)?|steuer-?nr\.?|steuernummer|tva|p\.?\s?iva)[:\s]*([A-Z]{0,2}\s?[0-9][0-9 /]{6,18}[0-9])`)
	euVATPattern = regexp.MustCompile(`\b(DE\d{9}|ATU\d{8}|FR[0-9A-Z]{2}\d{9}|IT\d{11}|NL\d{9}B\d{2}|ES[0-9A-Z]\d{7}[0-9A-Z]|BE0?\d{9,10})\b`)

	invoicePattern = regexp.MustCompile(`(?i)(?:rechnungs?-?\s?(?:nr|nummer)\.?|invoice\s*(?:no\.?|number|#)|beleg-?\s?nr\.?|bon-?\s?nr\.?|quittung\s?nr\.?|facture\s*n[°o]\.?|receipt\s*(?:no\.?|#))[:\s#]*([A-Z0-9][A-Z0-9\-/]{2,})`)
)

// extractFields parses the semantic fields out of receipt text. Fields that
// cannot be found are omitted.
func extractFields(text string) map[string]string {
	fields := make(map[string]string)
	if date, ok := findDate(text); ok {
		fields[domain.FieldDate] = date
	}
	if amount, ok := findAmount(text); ok {
		fields[domain.FieldAmount] = amount
	}
	if currency, ok := findCurrency(text); ok {
		fields[domain.FieldCurrency] = currency
	}
	if vendor, ok := findVendor(text); ok {
		fields[domain.FieldVendor] = vendor
	}
	if taxID, ok := findTaxID(text); ok {
		fields[domain.FieldTaxID] = taxID
	}
	if m := invoicePattern.FindStringSubmatch(text); m != nil {
		fields[domain.FieldInvoiceNumber] = m[1]
	}
	return fields
}

type dateMatch struct {
	pos  int
	date string
}

// findDate returns the first valid date in reading order as YYYY-MM-DD.
func findDate(text string) (string, bool) {
	var found []dateMatch
	collect := func(re *regexp.Regexp, order func(m []string) (y, mo, d string)) {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			m := make([]string, 4)
			for g := 1; g <= 3; g++ {
				m[g] = text[idx[2*g]:idx[2*g+1]]
			}
			y, mo, d := order(m)
			if date, ok := buildDate(y, mo, d); ok {
				found = append(found, dateMatch{pos: idx[0], date: date})
			}
		}
	}
	collect(dateDotted, func(m []string) (string, string, string) { return m[3], m[2], m[1] })
	collect(dateISO, func(m []string) (string, string, string) { return m[1], m[2], m[3] })
	collect(dateSlash, func(m []string) (string, string, string) { return m[3], m[2], m[1] })
	if len(found) == 0 {
		return "", false
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	return found[0].date, true
}

func buildDate(year, month, day string) (string, bool) {
	y, err1 := strconv.Atoi(year)
	mo, err2 := strconv.Atoi(month)
	d, err3 := strconv.Atoi(day)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", false
	}
	if y < 100 {
		y += 2000
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d || y < 2000 || y > 2100 {
		return "", false
	}
	return t.Format(domain.DateLayout), true
}

// findAmount prefers amounts on total lines and returns the largest of them;
// without a total line it returns the largest amount in the text.
func findAmount(text string) (string, bool) {
	var totals, all []float64
	for _, line := range strings.Split(text, "\n") {
		line = stripDates(line)
		lower := strings.ToLower(line)
		isTotal := false
		for _, kw := range totalKeywords {
			if strings.Contains(lower, kw) {
				isTotal = true
				break
			}
		}
		for _, value := range lineAmounts(line, isTotal) {
			all = append(all, value)
			if isTotal {
				totals = append(totals, value)
			}
		}
	}
	pick := totals
	if len(pick) == 0 {
		pick = all
	}
	if len(pick) == 0 {
		return "", false
	}
	best := pick[0]
	for _, v := range pick[1:] {
		best = math.Max(best, v)
	}
	return formatAmount(best), true
}

// lineAmounts falls back to whole amounts only when the line has no decimal
// amount.
func lineAmounts(line string, isTotal bool) []float64 {
	var out []float64
	for _, raw := range amountPattern.FindAllString(line, -1) {
		if value, ok := parseAmount(raw); ok {
			out = append(out, value)
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, m := range currencyIntPattern.FindAllStringSubmatch(line, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if value, ok := parseAmount(raw); ok {
			out = append(out, value)
		}
	}
	if len(out) > 0 || !isTotal {
		return out
	}

	for _, m := range totalIntPattern.FindAllStringSubmatch(line, -1) {
		if m[2] != "" {
			continue
		}
		if value, ok := parseAmount(m[1]); ok {
			out = append(out, value)
		}
	}
	return out
}

func stripDates(line string) string {
	for _, re := range []*regexp.Regexp{dateDotted, dateISO, dateSlash} {
		line = re.ReplaceAllString(line, " ")
	}
	return line
}

// parseAmount understands German (1.234,56) and English (1,234.56) notation.
func parseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.NewReplacer(" ", "", "'", "", "\u00a0", "").Replace(s)
	if s == "" {
		return 0, false
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	decimalSep := byte(0)
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalSep = '.'
		} else {
			decimalSep = ','
		}
	case lastComma >= 0:
		if len(s)-lastComma-1 != 3 {
			decimalSep = ','
		}
	case lastDot >= 0:
		if len(s)-lastDot-1 != 3 {
			decimalSep = '.'
		}
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep && i == strings.LastIndexByte(s, decimalSep):
			b.WriteByte('.')
		case c == '.' || c == ',':
		default:
			return 0, false
		}
	}
	value, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || value <= 0 || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

func formatAmount(value float64) string {
	return strconv.FormatFloat(math.Round(value*100)/100, 'f', 2, 64)
}

func findCurrency(text string) (string, bool) {
	if m := currencyISO.FindString(text); m != "" {
		return m, true
	}
	switch {
	case strings.Contains(text, "€"):
		return "EUR", true
	case strings.Contains(text, "£"):
		return "GBP", true
	case strings.Contains(text, "$"):
		return "USD", true
	}
	return "", false
}

func findVendor(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		letters := 0
		for _, r := range line {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters < 3 {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "rechnung") || strings.HasPrefix(lower, "invoice") || strings.HasPrefix(lower, "quittung") || strings.HasPrefix(lower, "receipt") {
			continue
		}
		return normalizeVendor(line)
	}
	return "", false
}

func normalizeVendor(raw string) (string, bool) {
	vendor := strings.Join(strings.Fields(raw), " ")
	if vendor == "" {
		return "", false
	}
	if r := []rune(vendor); len(r) > 80 {
		vendor = string(r[:80])
	}
	return vendor, true
}

func findTaxID(text string) (string, bool) {
	if m := euVATPattern.FindString(text); m != "" {
		return m, true
	}
	if m := taxIDPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// normalizeField validates a candidate value for a field with the same rules
// the text parser applies.
func normalizeField(field, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	switch field {
	case domain.FieldDate:
		return findDate(value)
	case domain.FieldAmount:
		amount, ok := parseAmount(value)
		if !ok {
			return "", false
		}
		return formatAmount(amount), true
	case domain.FieldCurrency:
		code := strings.ToUpper(value)
		if _, ok := knownCurrencies[code]; ok {
			return code, true
		}
		return findCurrency(value)
	case domain.FieldVendor:
		return normalizeVendor(value)
	case domain.FieldTaxID, domain.FieldInvoiceNumber:
		if len(value) > 40 {
			return "", false
		}
		return value, true
	default:
		return "", false
	}
}

func describeMissing(field string, docType domain.DocumentType) string {
	return fmt.Sprintf("Missing required field %q for document type %s", field, docType)
}
