package langdetect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/abadojack/whatlanggo"
)

var isoCodes = map[string]whatlanggo.Lang{
	"de": whatlanggo.Deu,
	"en": whatlanggo.Eng,
	"fr": whatlanggo.Fra,
	"it": whatlanggo.Ita,
	"es": whatlanggo.Spa,
	"nl": whatlanggo.Nld,
	"pl": whatlanggo.Pol,
	"cs": whatlanggo.Ces,
	"da": whatlanggo.Dan,
	"sv": whatlanggo.Swe,
	"hu": whatlanggo.Hun,
	"pt": whatlanggo.Por,
	"ro": whatlanggo.Ron,
}

// Detector identifies the language of receipt text among a fixed set of
// candidates. Restricting the candidates keeps short receipts from being
// matched to unrelated languages.
type Detector struct {
	options whatlanggo.Options
	codes   map[whatlanggo.Lang]string
}

// New accepts ISO 639-1 codes. It fails on codes it cannot detect.
func New(languages ...string) (*Detector, error) {
	if len(languages) == 0 {
		return nil, fmt.Errorf("langdetect: at least one language is required")
	}
	d := &Detector{
		options: whatlanggo.Options{Whitelist: make(map[whatlanggo.Lang]bool, len(languages))},
		codes:   make(map[whatlanggo.Lang]string, len(languages)),
	}
	for _, code := range languages {
		code = strings.ToLower(strings.TrimSpace(code))
		lang, ok := isoCodes[code]
		if !ok {
			return nil, fmt.Errorf("langdetect: unsupported language %q (supported: %s)", code, strings.Join(Supported(), ", "))
		}
		d.options.Whitelist[lang] = true
		d.codes[lang] = code
	}
	return d, nil
}

// Supported lists the accepted language codes.
func Supported() []string {
	out := make([]string, 0, len(isoCodes))
	for code := range isoCodes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (d *Detector) DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.DetectWithOptions(text, d.options)
	if info.Script == nil {
		return ""
	}
	return d.codes[info.Lang]
}
