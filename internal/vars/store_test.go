package vars

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceVariablesSubstitutesKnownKeys(t *testing.T) {
	s := NewWithInitial(map[string]string{"name": "ada"}, nil)
	out := s.ReplaceVariables("hello {{ name }}, bye {{ unknown }}")
	assert.Equal(t, "hello ada, bye {{ unknown }}", out)
}

func TestReplaceVariablesIsIdempotent(t *testing.T) {
	s := NewWithInitial(map[string]string{"k": "v"}, nil)
	once := s.ReplaceVariables("{{ k }}{{ k }}")
	twice := s.ReplaceVariables(once)
	assert.Equal(t, once, twice)
}

func TestOverridesWinOverInitial(t *testing.T) {
	s := NewWithInitial(map[string]string{"env": "staging"}, map[string]string{"env": "prod"})
	v, ok := s.Get("env")
	require.True(t, ok)
	assert.Equal(t, "prod", v)
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewWithInitial(map[string]string{"a": "1"}, nil)
	clone := s.Clone()
	clone.Set("a", "2")

	orig, _ := s.Get("a")
	cloned, _ := clone.Get("a")
	assert.Equal(t, "1", orig)
	assert.Equal(t, "2", cloned)
}

func TestExtractCascadeChainsCaptureGroups(t *testing.T) {
	rules := []ExtractRule{{
		Name:     "token",
		Source:   SourceStdout,
		Patterns: []string{`token: (.*)`, `(.+?)=`},
		Cascade:  true,
	}}
	out, err := ExtractVariables(rules, Result{Stdout: "token: abc123=xyz"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", out["token"])
}

func TestExtractFallbackFirstMatchWins(t *testing.T) {
	rules := []ExtractRule{{
		Name:     "ver",
		Source:   SourceStdout,
		Patterns: []string{`version (\d+)`, `build (\d+)`},
		Cascade:  false,
	}}
	out, err := ExtractVariables(rules, Result{Stdout: "build 7\n"})
	require.NoError(t, err)
	assert.Equal(t, "7", out["ver"])
}

func TestExtractFallbackNoMatchIsNotAnError(t *testing.T) {
	rules := []ExtractRule{{
		Name:     "ver",
		Source:   SourceStdout,
		Patterns: []string{`nope (\d+)`},
		Cascade:  false,
	}}
	out, err := ExtractVariables(rules, Result{Stdout: "nothing here"})
	require.NoError(t, err)
	_, ok := out["ver"]
	assert.False(t, ok)
}

func TestExtractCascadeFailsSilentlyWhenAPatternDoesNotMatch(t *testing.T) {
	rules := []ExtractRule{{
		Name:     "x",
		Source:   SourceStdout,
		Patterns: []string{`first: (.*)`, `second: (.*)`},
		Cascade:  true,
	}}
	out, err := ExtractVariables(rules, Result{Stdout: "first: hello"})
	require.NoError(t, err)
	_, ok := out["x"]
	assert.False(t, ok)
}

func TestExtractExitCodeSource(t *testing.T) {
	rules := []ExtractRule{{
		Name:     "code",
		Source:   SourceExitCode,
		Patterns: []string{`(\d+)`},
		Cascade:  false,
	}}
	out, err := ExtractVariables(rules, Result{ExitCode: 17})
	require.NoError(t, err)
	assert.Equal(t, "17", out["code"])
}

func TestExtractVariablesProducesExactResultSet(t *testing.T) {
	rules := []ExtractRule{
		{Name: "ver", Source: SourceStdout, Patterns: []string{`v=(\d+)`}, Cascade: false},
		{Name: "status", Source: SourceExitCode, Patterns: []string{`(\d+)`}, Cascade: false},
	}
	out, err := ExtractVariables(rules, Result{Stdout: "v=42\n", ExitCode: 0})
	require.NoError(t, err)

	want := map[string]string{"ver": "42", "status": "0"}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("extraction result mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractInvalidRegexIsAHardError(t *testing.T) {
	rules := []ExtractRule{{
		Name:     "bad",
		Source:   SourceStdout,
		Patterns: []string{`(unclosed`},
		Cascade:  false,
	}}
	_, err := ExtractVariables(rules, Result{Stdout: "anything"})
	assert.Error(t, err)
	var extractionErr *ExtractionError
	assert.ErrorAs(t, err, &extractionErr)
}
