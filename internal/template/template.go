// Package template implements the small text templating language used to
// substitute values into configuration, scripts, and inline strings:
// {{ variable }} substitution, {% for x in y %}...{% endfor %} loops
// (including a string-split form), and {% include "path" %}.
//
// Rendering is a pure function of (text, Scope): includes expand first,
// then loops, then a single substitution pass over the fully expanded text.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Scope maps a name to a structured value: string, number, []any, or
// map[string]any. Dotted paths ("a.b.c") descend through nested
// map[string]any values.
type Scope map[string]any

// Engine renders text against a Scope using configurable delimiters.
type Engine struct {
	VarOpen, VarClose     string
	BlockOpen, BlockClose string

	// TemplateDir resolves {% include "path" %} targets. Empty disables includes.
	TemplateDir string

	// PreserveLoopNewlines keeps whitespace-only lines in each rendered loop
	// iteration (default true); when false they are dropped. Iterations are
	// concatenated without a separator either way.
	PreserveLoopNewlines bool
}

// New returns an Engine with the spec's default delimiters and
// PreserveLoopNewlines=true.
func New(templateDir string) *Engine {
	return &Engine{
		VarOpen:              "{{",
		VarClose:             "}}",
		BlockOpen:            "{%",
		BlockClose:           "%}",
		TemplateDir:          templateDir,
		PreserveLoopNewlines: true,
	}
}

// Render renders text against scope, expanding includes, then loops, then
// variables, in that order (spec.md §4.1 "Ordering").
func (e *Engine) Render(text string, scope Scope) (string, error) {
	withIncludes, err := e.expandIncludes(text)
	if err != nil {
		return "", err
	}
	withLoops, err := e.expandLoops(withIncludes, scope)
	if err != nil {
		return "", err
	}
	return e.substituteVars(withLoops, scope)
}

// --- includes -------------------------------------------------------------

func (e *Engine) includeRegexp() *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(e.BlockOpen) + `\s*include\s+"([^"]*)"\s*` + regexp.QuoteMeta(e.BlockClose))
}

func (e *Engine) expandIncludes(text string) (string, error) {
	re := e.includeRegexp()
	var outerErr error
	result := re.ReplaceAllStringFunc(text, func(match string) string {
		if outerErr != nil {
			return match
		}
		sub := re.FindStringSubmatch(match)
		path := sub[1]
		if e.TemplateDir == "" {
			outerErr = fmt.Errorf("template: include %q used with no template directory configured", path)
			return match
		}
		full := filepath.Join(e.TemplateDir, path)
		data, err := os.ReadFile(full)
		if err != nil {
			outerErr = fmt.Errorf("template: include %q: %w", path, err)
			return match
		}
		return string(data)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// --- loops ------------------------------------------------------------

// forHeaderPattern matches either:
//
//	{% for ident in name %}
//	{% for ident in name split "DELIM" %}
var forHeaderPattern = func(open, close string) *regexp.Regexp {
	return regexp.MustCompile(
		regexp.QuoteMeta(open) + `\s*for\s+([A-Za-z_][A-Za-z0-9_]*)\s+in\s+([A-Za-z_][A-Za-z0-9_.]*)(?:\s+split\s+"([^"]*)")?\s*` + regexp.QuoteMeta(close),
	)
}

var endforPattern = func(open, close string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(open) + `\s*endfor\s*` + regexp.QuoteMeta(close))
}

// expandLoops finds the first {% for %}...{% endfor %} pair (matching
// nested pairs by depth), renders it, and re-scans after each replacement.
// Loops nested inside a body are expanded per iteration by renderLoopBody,
// from the outermost loop inward, so nested for works.
func (e *Engine) expandLoops(text string, scope Scope) (string, error) {
	forRe := forHeaderPattern(e.BlockOpen, e.BlockClose)
	endRe := endforPattern(e.BlockOpen, e.BlockClose)

	for {
		loc := forRe.FindStringSubmatchIndex(text)
		if loc == nil {
			return text, nil
		}
		headerStart, headerEnd := loc[0], loc[1]
		ident := text[loc[2]:loc[3]]
		nameExpr := text[loc[4]:loc[5]]
		hasSplit := loc[6] >= 0
		delim := ""
		if hasSplit {
			delim = text[loc[6]:loc[7]]
		}

		bodyStart := headerEnd
		end, bodyEnd, err := findMatchingEndfor(text, bodyStart, forRe, endRe)
		if err != nil {
			return "", err
		}
		body := text[bodyStart:bodyEnd]

		items, err := e.resolveLoopItems(nameExpr, hasSplit, delim, scope)
		if err != nil {
			return "", err
		}

		rendered, err := e.renderLoopBody(body, ident, items, scope)
		if err != nil {
			return "", err
		}

		text = text[:headerStart] + rendered + text[end:]
	}
}

// findMatchingEndfor scans from bodyStart for the {% endfor %} that closes
// the for-header just parsed, accounting for nested for/endfor pairs.
// Returns the index just past the matching endfor, and the index where the
// body ends (start of that endfor).
func findMatchingEndfor(text string, bodyStart int, forRe, endRe *regexp.Regexp) (afterEnd, bodyEnd int, err error) {
	depth := 1
	pos := bodyStart
	for {
		forLoc := forRe.FindStringIndex(text[pos:])
		endLoc := endRe.FindStringIndex(text[pos:])
		switch {
		case endLoc == nil:
			return 0, 0, fmt.Errorf("template: missing {%% endfor %%} for loop starting at byte %d", bodyStart)
		case forLoc != nil && forLoc[0] < endLoc[0]:
			depth++
			pos += forLoc[1]
		default:
			depth--
			absEndStart := pos + endLoc[0]
			absEndEnd := pos + endLoc[1]
			if depth == 0 {
				return absEndEnd, absEndStart, nil
			}
			pos = absEndEnd
		}
	}
}

func (e *Engine) resolveLoopItems(nameExpr string, hasSplit bool, delim string, scope Scope) ([]any, error) {
	val, err := lookupPath(scope, nameExpr)
	if err != nil {
		return nil, err
	}
	if hasSplit {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("template: %q used with split must resolve to a string, got %T", nameExpr, val)
		}
		parts := strings.Split(s, delim)
		items := make([]any, len(parts))
		for i, p := range parts {
			items[i] = p
		}
		return items, nil
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("template: %q used with for must resolve to an array, got %T", nameExpr, val)
	}
	return arr, nil
}

func (e *Engine) renderLoopBody(body, ident string, items []any, scope Scope) (string, error) {
	var iterations []string
	for _, item := range items {
		childScope := make(Scope, len(scope)+1)
		for k, v := range scope {
			childScope[k] = v
		}
		childScope[ident] = item

		// Expand nested loops first (re-entrant), then substitute variables
		// in this iteration's scope so the loop variable is bound.
		expanded, err := e.expandLoops(body, childScope)
		if err != nil {
			return "", err
		}
		rendered, err := e.substituteVars(expanded, childScope)
		if err != nil {
			return "", err
		}
		iterations = append(iterations, rendered)
	}

	if e.PreserveLoopNewlines {
		return strings.Join(iterations, ""), nil
	}

	// preserve_loop_newlines=false: within each iteration, drop
	// whitespace-only lines and rejoin survivors with \n, then
	// concatenate iterations directly (spec.md §8 scenario 4: a
	// single-line loop body produces no separator between iterations).
	for i, it := range iterations {
		lines := strings.Split(it, "\n")
		kept := lines[:0]
		for _, l := range lines {
			if strings.TrimSpace(l) != "" {
				kept = append(kept, l)
			}
		}
		iterations[i] = strings.Join(kept, "\n")
	}
	return strings.Join(iterations, ""), nil
}

// --- variable substitution -------------------------------------------------

var varPattern = func(open, close string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(open) + `\s*([A-Za-z_][A-Za-z0-9_.]*)\s*` + regexp.QuoteMeta(close))
}

func (e *Engine) substituteVars(text string, scope Scope) (string, error) {
	re := varPattern(e.VarOpen, e.VarClose)
	var outerErr error
	result := re.ReplaceAllStringFunc(text, func(match string) string {
		if outerErr != nil {
			return match
		}
		path := re.FindStringSubmatch(match)[1]
		val, err := lookupPath(scope, path)
		if err != nil {
			outerErr = err
			return match
		}
		return stringify(val)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func lookupPath(scope Scope, path string) (any, error) {
	segments := strings.Split(path, ".")
	var cur any = map[string]any(scope)
	for i, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			if scopeAsMap, isScope := cur.(Scope); isScope {
				m = map[string]any(scopeAsMap)
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Errorf("template: cannot descend into %q: %q is not an object", strings.Join(segments[:i], "."), segments[i-1])
		}
		v, present := m[seg]
		if !present {
			if i == 0 {
				return nil, fmt.Errorf("template: unknown variable %q", path)
			}
			return nil, fmt.Errorf("template: %q has no field %q", strings.Join(segments[:i], "."), seg)
		}
		cur = v
	}
	return cur, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		parts := make([]string, 0, len(t))
		for k, e := range t {
			parts = append(parts, fmt.Sprintf("%s: %s", k, stringify(e)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", t)
	}
}
