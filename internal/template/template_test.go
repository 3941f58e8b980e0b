package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableSubstitution(t *testing.T) {
	e := New("")
	out, err := e.Render("hello {{ name }}, you are {{ age }}", Scope{"name": "ada", "age": 30})
	require.NoError(t, err)
	assert.Equal(t, "hello ada, you are 30", out)
}

func TestDottedPathLookup(t *testing.T) {
	e := New("")
	scope := Scope{"user": map[string]any{"name": "grace", "role": map[string]any{"title": "admiral"}}}
	out, err := e.Render("{{ user.name }} / {{ user.role.title }}", scope)
	require.NoError(t, err)
	assert.Equal(t, "grace / admiral", out)
}

func TestUnknownVariableErrors(t *testing.T) {
	e := New("")
	_, err := e.Render("{{ missing }}", Scope{})
	assert.Error(t, err)
}

func TestForLoopOverArray(t *testing.T) {
	e := New("")
	scope := Scope{"items": []any{"a", "b", "c"}}
	out, err := e.Render("{% for x in items %}[{{ x }}]{% endfor %}", scope)
	require.NoError(t, err)
	assert.Equal(t, "[a][b][c]", out)
}

func TestForLoopWithSplitPreservesNewlinesByDefault(t *testing.T) {
	e := New("")
	scope := Scope{"csv": "a,b,c"}
	out, err := e.Render(`{% for x in csv split "," %}-{{ x }}{% endfor %}`, scope)
	require.NoError(t, err)
	assert.Equal(t, "-a-b-c", out)
}

func TestForLoopWithSplitDropsBlankLinesWhenNotPreserving(t *testing.T) {
	e := New("")
	e.PreserveLoopNewlines = false
	scope := Scope{"csv": "a,b,c"}
	out, err := e.Render(`{% for x in csv split "," %}-{{ x }}{% endfor %}`, scope)
	require.NoError(t, err)
	assert.Equal(t, "-a-b-c", out)
}

func TestNestedForLoop(t *testing.T) {
	e := New("")
	scope := Scope{
		"groups": []any{
			map[string]any{"name": "g1", "members": []any{"a", "b"}},
			map[string]any{"name": "g2", "members": []any{"c"}},
		},
	}
	tmpl := `{% for g in groups %}{{ g.name }}:{% for m in g.members %}{{ m }},{% endfor %};{% endfor %}`
	out, err := e.Render(tmpl, scope)
	require.NoError(t, err)
	assert.Equal(t, "g1:a,b,;g2:c,;", out)
}

func TestIncludeExpandsFileContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hi {{ name }}"), 0o644))

	e := New(dir)
	out, err := e.Render(`{% include "greeting.txt" %} from the top`, Scope{"name": "sam"})
	require.NoError(t, err)
	assert.Equal(t, "hi sam from the top", out)
}

func TestIncludeWithoutTemplateDirErrors(t *testing.T) {
	e := New("")
	_, err := e.Render(`{% include "x.txt" %}`, Scope{})
	assert.Error(t, err)
}

func TestForWithoutSplitOnStringErrors(t *testing.T) {
	e := New("")
	_, err := e.Render(`{% for x in name %}{{ x }}{% endfor %}`, Scope{"name": "not-an-array"})
	assert.Error(t, err)
}

func TestOrderingIncludeThenLoopThenSubstitute(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "body.txt"), []byte(`{% for x in items %}{{ x }}{% endfor %}`), 0o644))

	e := New(dir)
	scope := Scope{"items": []any{"1", "2"}}
	out, err := e.Render(`{% include "body.txt" %}`, scope)
	require.NoError(t, err)
	assert.Equal(t, "12", out)
}
