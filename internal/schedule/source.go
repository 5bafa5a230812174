// Package schedule resolves a street address to its Avfall Sør
// collection page and extracts the upcoming pickups from it.
//
// Extraction is tolerant of markup drift: an entry with an unknown
// waste token, an unparsable date, or a collection time that does not
// exist exactly once in the local zone is skipped and logged at debug
// level. Only transport failures and a missing address abort a run.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/nugget/avfallsor-mqtt/internal/config"
	"github.com/nugget/avfallsor-mqtt/internal/httpkit"
	"github.com/nugget/avfallsor-mqtt/internal/pickup"
)

// DefaultMaxBytes caps how much of a response body is read (2 MB).
const DefaultMaxBytes int64 = 2 * 1024 * 1024

// ErrAddressNotFound is returned when the address search has no
// candidates.
var ErrAddressNotFound = errors.New("address not found")

// FetchError reports a failed HTTP call to the schedule provider:
// transport errors, non-2xx responses and undecodable bodies.
type FetchError struct {
	Op         string // "address lookup" or "schedule page"
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// PageRef points at one address's schedule page.
type PageRef struct {
	Address string
	URL     string
}

// addressRecord is one suggestion in the address search response.
type addressRecord struct {
	Value string `json:"value"`
	Href  string `json:"href"`
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient replaces the default httpkit client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithAddressEndpoint overrides [config.DefaultAddressEndpoint].
func WithAddressEndpoint(endpoint string) Option {
	return func(s *Source) { s.endpoint = endpoint }
}

// WithExtractor replaces the markup extraction strategy.
func WithExtractor(e Extractor) Option {
	return func(s *Source) { s.extractor = e }
}

// WithDateParser replaces the date parser applied to extracted entries.
func WithDateParser(p DateParser) Option {
	return func(s *Source) { s.parseDate = p }
}

// WithLocation sets the zone collection times are localized in.
func WithLocation(loc *time.Location) Option {
	return func(s *Source) { s.loc = loc }
}

// WithNow overrides the clock used to infer the year of a date.
func WithNow(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithLogger sets the logger for skipped-entry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source fetches and parses pickup schedules.
type Source struct {
	client    *http.Client
	endpoint  string
	extractor Extractor
	parseDate DateParser
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
	maxBytes  int64
}

// New creates a Source with production defaults.
func New(opts ...Option) *Source {
	s := &Source{
		endpoint:  config.DefaultAddressEndpoint,
		extractor: AvfallSorExtractor{},
		parseDate: ParseNorwegianDate,
		loc:       time.Local,
		now:       time.Now,
		maxBytes:  DefaultMaxBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = httpkit.NewClient()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// ResolveAddress looks address up in the provider's search API and
// returns the schedule page of the first suggestion. The API orders
// suggestions best match first, so response order is preserved while
// decoding.
func (s *Source) ResolveAddress(ctx context.Context, address string) (PageRef, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return PageRef{}, &FetchError{Op: "address lookup", URL: s.endpoint, Err: err}
	}
	q := u.Query()
	q.Set("address", address)
	u.RawQuery = q.Encode()

	body, err := s.get(ctx, "address lookup", u.String(), "application/json")
	if err != nil {
		return PageRef{}, err
	}
	defer body.Close()

	rec, found, err := firstAddress(body)
	if err != nil {
		return PageRef{}, &FetchError{Op: "address lookup", URL: u.String(), Err: err}
	}
	if !found {
		return PageRef{}, fmt.Errorf("%w: %q", ErrAddressNotFound, address)
	}
	if rec.Href == "" {
		return PageRef{}, &FetchError{Op: "address lookup", URL: u.String(), Err: errors.New("suggestion has no href")}
	}

	href, err := u.Parse(rec.Href)
	if err != nil {
		return PageRef{}, &FetchError{Op: "address lookup", URL: u.String(), Err: fmt.Errorf("bad href %q: %w", rec.Href, err)}
	}

	s.logger.Debug("address resolved", "address", address, "match", rec.Value, "href", href.String())
	return PageRef{Address: rec.Value, URL: href.String()}, nil
}

// firstAddress decodes the first suggestion of the search response.
// The endpoint answers with an object keyed by suggestion id, or with an
// empty array when nothing matches.
func firstAddress(r io.Reader) (addressRecord, bool, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return addressRecord{}, false, fmt.Errorf("decode address response: %w", err)
	}

	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return addressRecord{}, false, fmt.Errorf("decode address response: unexpected %v", tok)
	}
	if !dec.More() {
		return addressRecord{}, false, nil
	}
	if delim == '{' {
		if _, err := dec.Token(); err != nil {
			return addressRecord{}, false, fmt.Errorf("decode address key: %w", err)
		}
	}

	var rec addressRecord
	if err := dec.Decode(&rec); err != nil {
		return addressRecord{}, false, fmt.Errorf("decode address record: %w", err)
	}
	return rec, true, nil
}

// ExtractPickups fetches ref's schedule page and returns its pickups in
// document order, each at collectionTime on its date in the configured
// zone.
func (s *Source) ExtractPickups(ctx context.Context, ref PageRef, collectionTime Clock) ([]pickup.Record, error) {
	body, err := s.get(ctx, "schedule page", ref.URL, "text/html")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	root, err := html.Parse(body)
	if err != nil {
		return nil, &FetchError{Op: "schedule page", URL: ref.URL, Err: fmt.Errorf("parse html: %w", err)}
	}

	entries := s.extractor.Extract(goquery.NewDocumentFromNode(root))
	for _, e := range entries {
		s.logger.Log(ctx, config.LevelTrace, "schedule entry", "url", ref.URL, "token", e.Token, "date", e.Date)
	}
	return s.records(entries, collectionTime), nil
}

// records converts raw entries, dropping any that fail to parse.
func (s *Source) records(entries []Entry, at Clock) []pickup.Record {
	ref := s.now().In(s.loc)
	out := make([]pickup.Record, 0, len(entries))

	for _, e := range entries {
		cat, ok := pickup.CategoryFromToken(e.Token)
		if !ok {
			s.logger.Debug("pickup skipped: unknown waste token", "token", e.Token, "date", e.Date)
			continue
		}

		d, err := s.parseDate(e.Date, ref)
		if err != nil {
			s.logger.Debug("pickup skipped: unparsable date", "token", e.Token, "date", e.Date, "error", err)
			continue
		}

		when, ok := Localize(d, at, s.loc)
		if !ok {
			s.logger.Debug("pickup skipped: ambiguous local time",
				"token", e.Token, "date", d.String(), "time", at.String(), "zone", s.loc.String())
			continue
		}

		out = append(out, pickup.New(cat, when))
	}
	return out
}

// get performs a GET and returns the body of a 2xx response, capped at
// the source's size limit.
func (s *Source) get(ctx context.Context, op, rawURL, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Op: op, URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", accept)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, &FetchError{Op: op, URL: rawURL, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	return httpkit.LimitBody(resp.Body, s.maxBytes), nil
}
