// Package vars implements the variable store: a mutable string-to-string
// map used for placeholder substitution and for harvesting values out of
// script output via ordered regex rules.
package vars

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/scriptpipe/scriptpipe/internal/invariant"
)

// Source identifies where an ExtractRule reads its input text from.
type Source string

const (
	SourceStdout   Source = "stdout"
	SourceStderr   Source = "stderr"
	SourceExitCode Source = "exit_code"
)

// ExtractRule harvests a value from a Result into the store.
type ExtractRule struct {
	Name     string
	Source   Source
	Patterns []string
	// Cascade selects pipelined (true, default) vs fallback (false) matching.
	Cascade bool
}

// Result is the minimal view of a step's output an ExtractRule reads from.
// internal/transport.Result and internal/engine map onto this shape.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Store is a mutable name -> value map. It is safe for concurrent reads
// (Get, GetAll, ReplaceVariables) but the engine is the only writer, and it
// only writes between steps per the single-writer rule in spec.md §5.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// NewWithInitial creates a store pre-populated from initial, then overlaid by
// overrides (overrides win on key conflict). Matches the executor construction
// rule in spec.md §3 ("Lifecycles").
func NewWithInitial(initial, overrides map[string]string) *Store {
	s := New()
	for k, v := range initial {
		s.values[k] = v
	}
	for k, v := range overrides {
		s.values[k] = v
	}
	return s
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key, creating or overwriting it.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// SetAll merges kv into the store, each key overwriting any existing value.
func (s *Store) SetAll(kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.values[k] = v
	}
}

// Remove deletes key from the store. A no-op if key is absent.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// GetAll returns a snapshot copy of the store's contents. Because callers
// (per spec.md's OutputEvent invariant) must observe the store as it existed
// at emission time, every snapshot is an independent copy.
func (s *Store) GetAll() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Clone returns a new, independent Store with the same contents.
func (s *Store) Clone() *Store {
	return &Store{values: s.GetAll()}
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ReplaceVariables substitutes every `{{ key }}` occurrence in text whose key
// is present in the store with its value. Unknown placeholders are left
// untouched (substitution is disjoint per key, so single-pass replacement is
// idempotent: spec.md §8's round-trip property).
func (s *Store) ReplaceVariables(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.values) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		key := sub[1]
		if v, ok := s.values[key]; ok {
			return v
		}
		return match
	})
}

// ExtractionError reports that a rule's regex patterns failed to compile.
// Per spec.md §7 this is a hard error; non-matching patterns are not.
type ExtractionError struct {
	Rule string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction rule %q: %v", e.Rule, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ExtractVariables processes rules in order against result, merging
// successfully-extracted values into a returned map. It never returns an
// error for a non-matching rule; it returns an error for invalid regex
// syntax or an unknown rule source, either of which aborts the whole call
// (spec.md §4.2).
func ExtractVariables(rules []ExtractRule, result Result) (map[string]string, error) {
	out := make(map[string]string, len(rules))
	for _, rule := range rules {
		value, matched, err := extractOne(rule, result)
		if err != nil {
			return nil, err
		}
		if matched {
			out[rule.Name] = value
		}
	}
	return out, nil
}

func sourceText(rule ExtractRule, result Result) (string, error) {
	switch rule.Source {
	case SourceStdout:
		return result.Stdout, nil
	case SourceStderr:
		return result.Stderr, nil
	case SourceExitCode:
		return strconv.Itoa(result.ExitCode), nil
	default:
		return "", fmt.Errorf("extraction rule %q: unknown source %q", rule.Name, rule.Source)
	}
}

func extractOne(rule ExtractRule, result Result) (value string, matched bool, err error) {
	invariant.Precondition(len(rule.Patterns) > 0, "extract rule %q must have at least one pattern", rule.Name)

	text, err := sourceText(rule, result)
	if err != nil {
		return "", false, err
	}

	cascade := rule.Cascade
	compiled := make([]*regexp.Regexp, len(rule.Patterns))
	for i, pat := range rule.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return "", false, &ExtractionError{Rule: rule.Name, Err: fmt.Errorf("invalid pattern %q: %w", pat, err)}
		}
		compiled[i] = re
	}

	if !cascade {
		for _, re := range compiled {
			m := re.FindStringSubmatch(text)
			if len(m) >= 2 {
				return m[1], true, nil
			}
		}
		return "", false, nil
	}

	carrier := text
	for _, re := range compiled {
		m := re.FindStringSubmatch(carrier)
		if m == nil {
			return "", false, nil
		}
		if len(m) >= 2 {
			carrier = m[1]
		} else {
			// No capture group: convention is to substitute the full match,
			// which is always present when FindStringSubmatch succeeds.
			carrier = m[0]
		}
	}
	return carrier, true, nil
}

// ExtractRuleFromStrings is a convenience constructor used by config loading
// to build an ExtractRule while normalizing the cascade default.
func ExtractRuleFromStrings(name string, source Source, patterns []string, cascade *bool) ExtractRule {
	c := true
	if cascade != nil {
		c = *cascade
	}
	return ExtractRule{Name: name, Source: source, Patterns: append([]string(nil), patterns...), Cascade: c}
}

// Trim is a small helper extraction rules' callers sometimes need when
// comparing script stdout against expected values in tests.
func Trim(s string) string { return strings.TrimSpace(s) }
