// Package extract pulls record-image identifiers out of raw URL listings.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// DefaultMarker is the domain marker a harvested string must contain.
const DefaultMarker = "familysearch.org/ark:"

// URLsKey is the reserved object key holding a URL list.
const URLsKey = "urls"

// ErrNoIdentifiers is returned when the input is empty or yields no identifiers.
var ErrNoIdentifiers = errors.New("no identifiers found")

var identifierPattern = regexp.MustCompile(`3:1:([^/?#"\s]+)`)

// Result is the outcome of a successful extraction.
type Result struct {
	// IDs holds identifiers in input order; duplicates are kept.
	IDs []string
	// Candidates counts the URLs considered before identifier matching.
	Candidates int
}

// Count returns the number of extracted identifiers.
func (r Result) Count() int {
	return len(r.IDs)
}

// Extractor turns raw text into identifiers.
type Extractor struct {
	marker     string
	urlPattern *regexp.Regexp
}

// New builds an Extractor for the given domain marker. An empty marker selects DefaultMarker.
func New(marker string) *Extractor {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		marker = DefaultMarker
	}
	return &Extractor{
		marker:     marker,
		urlPattern: regexp.MustCompile(`https://[^"\s,]*` + regexp.QuoteMeta(marker) + `[^"\s,]+`),
	}
}

// Marker reports the domain marker in use.
func (e *Extractor) Marker() string {
	return e.marker
}

// Extract parses raw as JSON when possible and falls back to a free-text scan.
func (e *Extractor) Extract(raw string) (Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{}, fmt.Errorf("empty input: %w", ErrNoIdentifiers)
	}

	var candidates []string
	if json.Valid([]byte(trimmed)) {
		urls, err := e.fromJSON([]byte(trimmed))
		if err != nil {
			return Result{}, err
		}
		candidates = urls
	} else {
		candidates = e.urlPattern.FindAllString(trimmed, -1)
	}

	ids := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if id, ok := Identifier(candidate); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Result{Candidates: len(candidates)}, fmt.Errorf("%d candidate urls: %w", len(candidates), ErrNoIdentifiers)
	}
	return Result{IDs: ids, Candidates: len(candidates)}, nil
}

// Identifier returns the opaque code following the 3:1: marker in url.
func Identifier(url string) (string, bool) {
	m := identifierPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func (e *Extractor) fromJSON(data []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode json input: %w", err)
	}
	switch v := doc.(type) {
	case []any:
		if urls, ok := allStrings(v); ok {
			return urls, nil
		}
	case map[string]any:
		if list, ok := v[URLsKey].([]any); ok {
			urls := make([]string, 0, len(list))
			for _, item := range list {
				if s, ok := item.(string); ok {
					urls = append(urls, s)
				}
			}
			return urls, nil
		}
	}
	return e.walk(data)
}

func allStrings(list []any) ([]string, bool) {
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// frame tracks whether the next string token inside an object is a key.
type frame struct {
	object    bool
	expectKey bool
}

// walk streams tokens so harvested values keep document order, which a
// decoded map would lose.
func (e *Extractor) walk(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var (
		stack []frame
		out   []string
	)
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].expectKey = true
		}
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk json input: %w", err)
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, frame{object: true, expectKey: true})
			case '[':
				stack = append(stack, frame{})
			default:
				stack = stack[:len(stack)-1]
				valueDone()
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].expectKey {
				stack[n-1].expectKey = false
				continue
			}
			if strings.Contains(t, e.marker) {
				out = append(out, t)
			}
			valueDone()
		default:
			valueDone()
		}
	}
}
