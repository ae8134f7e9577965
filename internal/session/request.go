package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jmylchreest/mapscrape/internal/output"
)

// ErrInvalidRequest is wrapped by Request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultURLTemplate is the Google Maps search page. {query} is replaced by
// the plus-joined query terms.
const DefaultURLTemplate = "https://www.google.com/maps/search/{query}/"

// Request describes one scrape.
type Request struct {
	Query    string        `validate:"required,max=256"`
	Format   output.Format `validate:"required"`
	Headless bool
}

var validate = validator.New()

// NewRequest normalizes the query and parses the format.
func NewRequest(query, format string, headless bool) (Request, error) {
	f, err := output.ParseFormat(format)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req := Request{Query: NormalizeQuery(query), Format: f, Headless: headless}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks that the request can be run.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %q", ErrInvalidRequest, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := output.ParseFormat(string(r.Format)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// NormalizeQuery trims, lower-cases and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// BuildURL substitutes the query's terms, escaped and joined with "+", into
// template. An empty template uses DefaultURLTemplate.
func BuildURL(template, query string) string {
	if template == "" {
		template = DefaultURLTemplate
	}
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = url.QueryEscape(t)
	}
	return strings.ReplaceAll(template, "{query}", strings.Join(terms, "+"))
}
