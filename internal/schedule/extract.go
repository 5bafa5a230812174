package schedule

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Entry is one raw (waste token, date text) pair found on a schedule
// page, before any validation.
type Entry struct {
	Token string
	Date  string
}

// Extractor pulls raw pickup entries out of a parsed schedule page. The
// selectors are the provider's contract; swapping the extractor lets the
// contract change without touching conversion or publishing.
type Extractor interface {
	Extract(doc *goquery.Document) []Entry
}

// ExtractorFunc adapts a function to the [Extractor] interface.
type ExtractorFunc func(doc *goquery.Document) []Entry

// Extract calls f(doc).
func (f ExtractorFunc) Extract(doc *goquery.Document) []Entry { return f(doc) }

// Selectors used by [AvfallSorExtractor].
const (
	headingSelector = ".pickup-days-small h3"
	iconSelector    = ".waste-icon"
	iconClassPrefix = "waste-icon--"
)

// AvfallSorExtractor reads the "next pickups" list on avfallsor.no.
// Each date is an h3 heading ("fredag 15. mars") inside
// .pickup-days-small; the element right after it holds one .waste-icon
// per stream, with the stream in a waste-icon--<token> class.
type AvfallSorExtractor struct{}

// Extract implements [Extractor].
func (AvfallSorExtractor) Extract(doc *goquery.Document) []Entry {
	var entries []Entry

	doc.Find(headingSelector).Each(func(_ int, h *goquery.Selection) {
		date := strings.TrimSpace(h.Text())
		if date == "" {
			return
		}

		h.Next().Find(iconSelector).Each(func(_ int, icon *goquery.Selection) {
			token, ok := iconToken(icon)
			if !ok {
				return
			}
			entries = append(entries, Entry{Token: token, Date: date})
		})
	})

	return entries
}

// iconToken returns the suffix of the icon's waste-icon--<token> class.
func iconToken(icon *goquery.Selection) (string, bool) {
	class, ok := icon.Attr("class")
	if !ok {
		return "", false
	}
	for _, c := range strings.Fields(class) {
		if token, found := strings.CutPrefix(c, iconClassPrefix); found && token != "" {
			return token, true
		}
	}
	return "", false
}
