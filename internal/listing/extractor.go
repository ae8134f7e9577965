package listing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jmylchreest/mapscrape/internal/browser"
)

// ErrNotRendered means the card exists but its content has not been painted
// yet. Callers skip it for the round and see it again on the next scan.
var ErrNotRendered = errors.New("listing not rendered yet")

// Extractor turns one rendered listing element into a Record.
type Extractor interface {
	Extract(ctx context.Context, d browser.Driver, h browser.Handle) (Record, error)
}

// Selectors locate fields inside one result card.
type Selectors struct {
	Name     string `mapstructure:"name"`
	Category string `mapstructure:"category"`
	Address  string `mapstructure:"address"`
	Rating   string `mapstructure:"rating"`
	Reviews  string `mapstructure:"reviews"`
	Phone    string `mapstructure:"phone"`
	Link     string `mapstructure:"link"`

	// IDAttr, when set, names a persistent attribute (on the card or a
	// descendant) used as the listing's identity instead of its content.
	IDAttr string `mapstructure:"id_attr"`
}

// DefaultSelectors matches Google Maps result cards.
func DefaultSelectors() Selectors {
	return Selectors{
		Name:     ".qBF1Pd",
		Category: ".W4Efsd span",
		Address:  ".W4Efsd span:last-child",
		Rating:   ".MW4etd",
		Reviews:  ".UY7F9",
		Phone:    ".UsdlK",
		Link:     "a.hfpxzc",
	}
}

// CardExtractor reads a card's outer HTML once and parses it locally.
type CardExtractor struct {
	Selectors Selectors
}

// NewCardExtractor creates an extractor; zero selectors fall back to defaults.
func NewCardExtractor(sel Selectors) *CardExtractor {
	def := DefaultSelectors()
	if sel.Name == "" {
		sel.Name = def.Name
	}
	if sel.Category == "" {
		sel.Category = def.Category
	}
	if sel.Address == "" {
		sel.Address = def.Address
	}
	if sel.Rating == "" {
		sel.Rating = def.Rating
	}
	if sel.Reviews == "" {
		sel.Reviews = def.Reviews
	}
	if sel.Phone == "" {
		sel.Phone = def.Phone
	}
	if sel.Link == "" {
		sel.Link = def.Link
	}
	return &CardExtractor{Selectors: sel}
}

// Extract implements Extractor. Driver errors are returned unchanged so the
// caller can tell a stale handle from a dead browser.
func (e *CardExtractor) Extract(ctx context.Context, d browser.Driver, h browser.Handle) (Record, error) {
	html, err := d.HTML(ctx, h)
	if err != nil {
		return Record{}, err
	}
	return e.Parse(html)
}

// Parse builds a Record from a card's outer HTML.
func (e *CardExtractor) Parse(html string) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse card: %w", err)
	}
	card := doc.Find("body").Children().First()

	s := e.Selectors
	name := textOf(card, s.Name)
	if name == "" {
		return Record{}, ErrNotRendered
	}

	category := cleanSeparators(textOf(card, s.Category))
	address := cleanSeparators(textOf(card, s.Address))
	if address == category {
		address = ""
	}
	link, _ := card.Find(s.Link).First().Attr("href")
	link = strings.TrimSpace(link)

	// Identity preference: configured attribute, place link, then content.
	key := ""
	if s.IDAttr != "" {
		key = AttrKey(attrOf(card, s.IDAttr))
	}
	if key == "" {
		key = PlaceKey(link)
	}
	if key == "" {
		key = Key(name, address, link)
	}

	return NewRecord(key,
		Field{Name: FieldName, Value: name},
		Field{Name: FieldCategory, Value: category},
		Field{Name: FieldAddress, Value: address},
		Field{Name: FieldRating, Value: parseRating(textOf(card, s.Rating))},
		Field{Name: FieldReviews, Value: parseReviews(textOf(card, s.Reviews))},
		Field{Name: FieldPhone, Value: textOf(card, s.Phone)},
		Field{Name: FieldURL, Value: link},
	), nil
}

func textOf(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(sel.Find(selector).First().Text()), " ")
}

// attrOf reads name from the card itself or its first descendant carrying it.
func attrOf(card *goquery.Selection, name string) string {
	if v, ok := card.Attr(name); ok {
		return v
	}
	v, _ := card.Find("[" + name + "]").First().Attr(name)
	return v
}

func cleanSeparators(s string) string {
	return strings.TrimSpace(strings.Trim(s, "·⋅ "))
}

// parseRating accepts "4,5" and "4.5". Returns nil when absent or unparsable.
func parseRating(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	value = strings.ReplaceAll(value, ",", ".")
	r, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return r
}

var nonDigit = regexp.MustCompile(`\D`)

// parseReviews reads "(1,234)" as 1234. Returns nil when there are no digits.
func parseReviews(value string) any {
	cleaned := nonDigit.ReplaceAllString(value, "")
	if cleaned == "" {
		return nil
	}
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return nil
	}
	return n
}
