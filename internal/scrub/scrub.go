// Package scrub redacts sensitive values from report payloads before they
// leave the process.
package scrub

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
)

const DefaultMarker = "***"

// Scrubber replaces configured keys with a marker. Field names match an
// object key at any depth; dotted paths match from the payload root. Matching
// is case-sensitive. A Scrubber is immutable and safe for concurrent use.
type Scrubber struct {
	fields map[string]struct{}
	paths  [][]string
	marker string
}

func New(fields, paths []string, marker string) *Scrubber {
	if marker == "" {
		marker = DefaultMarker
	}
	s := &Scrubber{fields: make(map[string]struct{}, len(fields)), marker: marker}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			s.fields[f] = struct{}{}
		}
	}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		s.paths = append(s.paths, strings.Split(p, "."))
	}
	return s
}

// Empty reports whether the scrubber redacts nothing.
func (s *Scrubber) Empty() bool {
	return s == nil || (len(s.fields) == 0 && len(s.paths) == 0)
}

func (s *Scrubber) Marker() string { return s.marker }

// Apply returns a redacted copy of v. v must be a decoded JSON value
// (map[string]any, []any or a scalar); the input is never modified.
func (s *Scrubber) Apply(v any) any {
	if s.Empty() {
		return v
	}
	out := s.fieldPass(v)
	for _, p := range s.paths {
		s.pathPass(out, p)
	}
	return out
}

// ApplyJSON scrubs an encoded JSON document.
func (s *Scrubber) ApplyJSON(body []byte) ([]byte, error) {
	if s.Empty() {
		return body, nil
	}
	// UseNumber keeps integers beyond 2^53 intact.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data after JSON value")
	}
	out, err := json.Marshal(s.Apply(v))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// fieldPass deep-copies v, redacting matching keys on the way.
func (s *Scrubber) fieldPass(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := s.fields[k]; hit {
				m[k] = s.marker
				continue
			}
			m[k] = s.fieldPass(val)
		}
		return m
	case []any:
		a := make([]any, len(t))
		for i, val := range t {
			a[i] = s.fieldPass(val)
		}
		return a
	default:
		return v
	}
}

// pathPass walks an already copied value in place.
func (s *Scrubber) pathPass(v any, path []string) {
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			s.pathPass(el, path)
		}
	case map[string]any:
		child, ok := t[path[0]]
		if !ok {
			return
		}
		if len(path) == 1 {
			t[path[0]] = s.marker
			return
		}
		s.pathPass(child, path[1:])
	}
}
