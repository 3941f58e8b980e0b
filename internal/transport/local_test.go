package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecuteCapturesStdoutAndExitCode(t *testing.T) {
	l := NewLocal("")
	var lines []string
	result, err := l.Execute(context.Background(), Request{
		ScriptContent: "echo hello\necho world",
		OnLine:        func(kind LineKind, line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
	assert.Contains(t, result.Stdout, "world")
	assert.Equal(t, []string{"hello", "world"}, lines)
}

func TestLocalExecuteReportsNonZeroExit(t *testing.T) {
	l := NewLocal("")
	result, err := l.Execute(context.Background(), Request{ScriptContent: "exit 3"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
}

func TestLocalExecuteInjectsEnv(t *testing.T) {
	l := NewLocal("")
	result, err := l.Execute(context.Background(), Request{
		ScriptContent: "echo $pipeline_name",
		Env:           map[string]string{"pipeline_name": "deploy"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "deploy")
}

func TestLocalExecuteTimesOut(t *testing.T) {
	l := NewLocal("")
	result, err := l.Execute(context.Background(), Request{
		ScriptContent: "sleep 5",
		Timeout:       50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ErrorMessage)
}
