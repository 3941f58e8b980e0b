package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptpipe/scriptpipe/internal/config"
)

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestVariablesFlowBetweenSteps(t *testing.T) {
	dir := t.TempDir()
	scriptA := writeScript(t, dir, "a.sh", "echo v=42")
	scriptB := writeScript(t, dir, "b.sh", "echo {{ ver }}")

	cfg := &config.Configuration{
		Clients: map[string]config.Client{"noop": {ExecutionMethod: config.ExecutionSSH, SSHConfig: &config.SSHConfig{Host: "unused", Port: 22}}},
		Pipelines: []config.Pipeline{{
			Name: "p",
			Steps: []config.Step{
				{
					Name:   "a",
					Script: scriptA,
					Extract: []config.ExtractRule{
						{Name: "ver", Source: "stdout", Patterns: []string{`v=(\d+)`}},
					},
				},
				{Name: "b", Script: scriptB},
			},
		}},
	}

	exec := New(cfg, nil)
	result, err := exec.ExecutePipeline(context.Background(), "p", nil)
	require.NoError(t, err)
	require.True(t, result.OverallSuccess)
	require.Len(t, result.StepResults, 2)
	assert.Contains(t, result.StepResults[1].Result.Stdout, "42")
	assert.Equal(t, 0, result.StepResults[1].Result.ExitCode)
}

func TestFailureStopsPipeline(t *testing.T) {
	dir := t.TempDir()
	step1 := writeScript(t, dir, "s1.sh", "echo ok")
	step2 := writeScript(t, dir, "s2.sh", "exit 1")
	step3 := writeScript(t, dir, "s3.sh", "echo should-not-run")

	cfg := &config.Configuration{
		Clients: map[string]config.Client{},
		Pipelines: []config.Pipeline{{
			Name: "p",
			Steps: []config.Step{
				{Name: "one", Script: step1},
				{Name: "two", Script: step2},
				{Name: "three", Script: step3},
			},
		}},
	}

	exec := New(cfg, nil)
	result, err := exec.ExecutePipeline(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.False(t, result.OverallSuccess)
	assert.Len(t, result.StepResults, 2)
}

func TestLocalExecutionInjectsPipelineName(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "local.sh", "echo $pipeline_name")

	cfg := &config.Configuration{
		Clients: map[string]config.Client{},
		Pipelines: []config.Pipeline{{
			Name:  "release",
			Steps: []config.Step{{Name: "announce", Script: script}},
		}},
	}

	exec := New(cfg, nil)
	result, err := exec.ExecutePipeline(context.Background(), "release", nil)
	require.NoError(t, err)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, "localhost", result.StepResults[0].ServerName)
	assert.Contains(t, result.StepResults[0].Result.Stdout, "release")
}

func TestExecuteAllStopsAtFirstFailingPipeline(t *testing.T) {
	dir := t.TempDir()
	good := writeScript(t, dir, "good.sh", "echo fine")
	bad := writeScript(t, dir, "bad.sh", "exit 1")

	cfg := &config.Configuration{
		Clients: map[string]config.Client{},
		Pipelines: []config.Pipeline{
			{Name: "first", Steps: []config.Step{{Name: "s", Script: bad}}},
			{Name: "second", Steps: []config.Step{{Name: "s", Script: good}}},
		},
	}

	exec := New(cfg, nil)
	result, err := exec.ExecuteAll(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, result.Results, 1)
}
