// Package engine drives pipeline execution: sequential pipelines,
// sequential steps, concurrent per-server fan-out, variable lifetime
// across steps, and real-time OutputEvent emission to a caller-supplied
// sink.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/scriptpipe/scriptpipe/internal/config"
	"github.com/scriptpipe/scriptpipe/internal/invariant"
	"github.com/scriptpipe/scriptpipe/internal/redact"
	"github.com/scriptpipe/scriptpipe/internal/template"
	"github.com/scriptpipe/scriptpipe/internal/transport"
	"github.com/scriptpipe/scriptpipe/internal/vars"
)

// OutputKind identifies what an OutputEvent represents.
type OutputKind int

const (
	KindStdout OutputKind = iota
	KindStderr
	KindLog
	KindStepStarted
	KindStepCompleted
)

func (k OutputKind) String() string {
	switch k {
	case KindStdout:
		return "stdout"
	case KindStderr:
		return "stderr"
	case KindLog:
		return "log"
	case KindStepStarted:
		return "step_started"
	case KindStepCompleted:
		return "step_completed"
	default:
		return "unknown"
	}
}

// OutputEvent is one delivered line or lifecycle marker. Step and
// Variables are value copies so a callback delivered after the engine has
// moved on still sees the state as of emission (spec.md §9).
type OutputEvent struct {
	PipelineName string
	ServerName   string
	Step         config.Step
	Kind         OutputKind
	Content      string
	Timestamp    time.Time
	Variables    map[string]string
}

// OnEvent receives OutputEvents. The engine never delivers two events for
// the same server concurrently, but callers sharing state across servers
// must synchronize themselves.
type OnEvent func(OutputEvent)

// ExecutionResult is the outcome of one transport invocation.
type ExecutionResult struct {
	Success         bool
	Stdout          string
	Stderr          string
	Script          string
	ExitCode        int
	ExecutionTimeMs int64
	ErrorMessage    string
}

// StepExecutionResult is one (step, server) pair's outcome.
type StepExecutionResult struct {
	StepName        string
	StepTitle       string
	ServerName      string
	Result          ExecutionResult
	OverallSuccess  bool
	ExecutionTimeMs int64
}

// PipelineExecutionResult is one pipeline run's outcome.
type PipelineExecutionResult struct {
	PipelineName       string
	PipelineTitle      string
	StepResults        []StepExecutionResult
	OverallSuccess     bool
	TotalExecutionTime int64
}

// AllResult is the outcome of executing every pipeline in config order.
type AllResult struct {
	Results []PipelineExecutionResult
	Success bool
	Reason  string
}

// Executor owns the immutable configuration, the single-writer variable
// store, and the transports for each configured client.
type Executor struct {
	cfg      *config.Configuration
	store    *vars.Store
	tmpl     *template.Engine
	logger   *slog.Logger
	scrubber *redact.Scrubber

	mu         sync.Mutex
	transports map[string]transport.Transport
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithLogger overrides the default slog.Default() sink.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTemplateDir sets the directory {% include %} resolves against.
func WithTemplateDir(dir string) Option {
	return func(e *Executor) { e.tmpl.TemplateDir = dir }
}

// New builds an Executor from a parsed Configuration and caller overrides.
// The variable store is seeded from cfg.Variables then overrides (overrides
// win), matching spec.md §3's Lifecycles rule.
func New(cfg *config.Configuration, overrides map[string]string, opts ...Option) *Executor {
	invariant.NotNil(cfg, "cfg")

	scrubber := redact.New()
	registerSecrets(scrubber, cfg)

	e := &Executor{
		cfg:        cfg,
		store:      vars.NewWithInitial(cfg.Variables, overrides),
		tmpl:       template.New(""),
		logger:     slog.Default(),
		scrubber:   scrubber,
		transports: make(map[string]transport.Transport),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func registerSecrets(s *redact.Scrubber, cfg *config.Configuration) {
	for _, c := range cfg.Clients {
		if c.SSHConfig == nil {
			continue
		}
		s.Register(c.SSHConfig.Password)
		if c.SSHConfig.PrivateKeyPath != "" {
			if data, err := os.ReadFile(c.SSHConfig.PrivateKeyPath); err == nil {
				s.Register(string(data))
			}
		}
	}
}

func (e *Executor) transportFor(serverName string) (transport.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.transports[serverName]; ok {
		return t, nil
	}

	client, ok := e.cfg.Clients[serverName]
	if !ok {
		return nil, fmt.Errorf("server %q not found in configuration", serverName)
	}

	var t transport.Transport
	switch client.ExecutionMethod {
	case config.ExecutionSSH:
		if client.SSHConfig == nil {
			return nil, fmt.Errorf("client %q declares execution_method ssh but has no ssh_config", serverName)
		}
		t = transport.NewSSH(transport.SSHConfig{
			Host:                  client.SSHConfig.Host,
			Port:                  client.SSHConfig.Port,
			Username:              client.SSHConfig.Username,
			Password:              client.SSHConfig.Password,
			PrivateKeyPath:        client.SSHConfig.PrivateKeyPath,
			ConnectTimeoutSeconds: client.SSHConfig.TimeoutSeconds,
			SessionTimeoutSeconds: client.SSHConfig.SessionTimeoutSeconds,
		})
	case config.ExecutionWebSocket:
		url := ""
		if client.WebSocketConfig != nil {
			url = client.WebSocketConfig.URL
		}
		t = transport.NewWebSocket(url)
	default:
		return nil, fmt.Errorf("client %q has unknown execution_method %q", serverName, client.ExecutionMethod)
	}

	e.transports[serverName] = t
	return t, nil
}

func (e *Executor) localTransport() transport.Transport {
	return transport.NewLocal("")
}

// ExecuteAll runs every pipeline in config order, stopping at the first
// failure, per spec.md §4.5.
func (e *Executor) ExecuteAll(ctx context.Context, onEvent OnEvent) (AllResult, error) {
	var results []PipelineExecutionResult
	for _, p := range e.cfg.Pipelines {
		res, err := e.ExecutePipeline(ctx, p.Name, onEvent)
		if err != nil {
			return AllResult{Results: results, Success: false, Reason: err.Error()}, err
		}
		results = append(results, res)
		if !res.OverallSuccess {
			return AllResult{
				Results: results,
				Success: false,
				Reason:  fmt.Sprintf("pipeline %q failed", p.Name),
			}, nil
		}
	}
	return AllResult{Results: results, Success: true}, nil
}

// ExecutePipeline finds the named pipeline and drives its steps in order,
// stopping at the first failed step.
func (e *Executor) ExecutePipeline(ctx context.Context, name string, onEvent OnEvent) (PipelineExecutionResult, error) {
	pipeline, ok := e.findPipeline(name)
	if !ok {
		return PipelineExecutionResult{}, fmt.Errorf("pipeline %q not found", name)
	}

	start := time.Now()
	var stepResults []StepExecutionResult
	overallSuccess := true

	for _, step := range pipeline.Steps {
		results, err := e.executeStep(ctx, pipeline, step, onEvent)
		if err != nil {
			return PipelineExecutionResult{}, err
		}
		stepResults = append(stepResults, results...)

		stepSuccess := true
		for _, r := range results {
			if !r.OverallSuccess {
				stepSuccess = false
			}
		}
		if !stepSuccess {
			overallSuccess = false
			break
		}
	}

	elapsed := time.Since(start).Milliseconds()
	status := "succeeded"
	if !overallSuccess {
		status = "failed"
	}
	e.emit(onEvent, OutputEvent{
		PipelineName: pipeline.Name,
		ServerName:   "system",
		Kind:         KindLog,
		Content:      fmt.Sprintf("pipeline %s: %s in %dms", pipeline.Name, status, elapsed),
		Timestamp:    time.Now(),
		Variables:    e.store.GetAll(),
	})
	e.logger.Info("pipeline completed", "pipeline", pipeline.Name, "success", overallSuccess, "elapsed_ms", elapsed)

	return PipelineExecutionResult{
		PipelineName:       pipeline.Name,
		PipelineTitle:      pipeline.Title,
		StepResults:        stepResults,
		OverallSuccess:     overallSuccess,
		TotalExecutionTime: elapsed,
	}, nil
}

func (e *Executor) findPipeline(name string) (config.Pipeline, bool) {
	for _, p := range e.cfg.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return config.Pipeline{}, false
}

// executeStep implements spec.md §4.5's step algorithm: start events,
// merge step variables, snapshot, fan out (or run locally), merge
// extractions back after every server completes, emit completion events.
func (e *Executor) executeStep(ctx context.Context, pipeline config.Pipeline, step config.Step, onEvent OnEvent) ([]StepExecutionResult, error) {
	e.emit(onEvent, OutputEvent{
		PipelineName: pipeline.Name,
		ServerName:   "system",
		Step:         step,
		Kind:         KindLog,
		Content:      fmt.Sprintf("starting step %s", step.Name),
		Timestamp:    time.Now(),
		Variables:    e.store.GetAll(),
	})
	e.emit(onEvent, OutputEvent{
		PipelineName: pipeline.Name,
		ServerName:   "system",
		Step:         step,
		Kind:         KindStepStarted,
		Timestamp:    time.Now(),
		Variables:    e.store.GetAll(),
	})

	if len(step.Variables) > 0 {
		e.store.SetAll(step.Variables)
	}

	scriptPath := e.store.ReplaceVariables(step.Script)
	scriptContent, err := e.renderScript(scriptPath, step)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var results []StepExecutionResult

	if len(step.Servers) == 0 {
		snapshot := e.snapshotFor(pipeline.Name, step.Name)
		results = []StepExecutionResult{e.runOnTarget(ctx, e.localTransport(), "localhost", pipeline, step, scriptContent, snapshot, onEvent)}
	} else {
		results = e.fanOut(ctx, pipeline, step, scriptContent, onEvent)
	}

	if err := mergeExtractions(e.store, step, results); err != nil {
		return nil, err
	}

	elapsed := time.Since(start).Milliseconds()
	allSucceeded := true
	for _, r := range results {
		if !r.OverallSuccess {
			allSucceeded = false
		}
	}
	status := "succeeded"
	if !allSucceeded {
		status = "failed"
	}

	e.emit(onEvent, OutputEvent{
		PipelineName: pipeline.Name,
		ServerName:   "system",
		Step:         step,
		Kind:         KindStepCompleted,
		Timestamp:    time.Now(),
		Variables:    e.store.GetAll(),
	})
	e.emit(onEvent, OutputEvent{
		PipelineName: pipeline.Name,
		ServerName:   "system",
		Step:         step,
		Kind:         KindLog,
		Content:      fmt.Sprintf("step %s: %s in %dms", step.Name, status, elapsed),
		Timestamp:    time.Now(),
		Variables:    e.store.GetAll(),
	})

	return results, nil
}

// renderScript reads the step's script file (and any global scripts ahead
// of it), then renders the result through the template engine and the
// variable store.
func (e *Executor) renderScript(scriptPath string, step config.Step) (string, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", fmt.Errorf("read script %q: %w", scriptPath, err)
	}

	var globalContents []string
	for _, gs := range step.GlobalScripts {
		gContent, err := os.ReadFile(e.store.ReplaceVariables(gs))
		if err != nil {
			return "", fmt.Errorf("read global script %q: %w", gs, err)
		}
		globalContents = append(globalContents, string(gContent))
	}

	full := transport.ConcatGlobalScripts(globalContents, string(content))

	rendered, err := e.tmpl.Render(full, scopeFromStore(e.store))
	if err != nil {
		return "", err
	}
	return e.store.ReplaceVariables(rendered), nil
}

func scopeFromStore(s *vars.Store) template.Scope {
	scope := make(template.Scope)
	for k, v := range s.GetAll() {
		scope[k] = v
	}
	return scope
}

// snapshotFor returns the pre-step variable snapshot augmented with
// pipeline_name/step_name, per spec.md §4.5 steps 4-5.
func (e *Executor) snapshotFor(pipelineName, stepName string) map[string]string {
	snap := e.store.GetAll()
	snap["pipeline_name"] = pipelineName
	snap["step_name"] = stepName
	return snap
}

type serverExtraction struct {
	serverName string
	values     map[string]string
}

// fanOut runs one transport invocation per server concurrently, each
// against its own cloned pre-step snapshot (spec.md §4.5.5-6, §5).
func (e *Executor) fanOut(ctx context.Context, pipeline config.Pipeline, step config.Step, scriptContent string, onEvent OnEvent) []StepExecutionResult {
	results := make([]StepExecutionResult, len(step.Servers))
	var wg sync.WaitGroup
	wg.Add(len(step.Servers))

	for i, serverName := range step.Servers {
		i, serverName := i, serverName
		snapshot := e.snapshotFor(pipeline.Name, step.Name)
		go func() {
			defer wg.Done()
			t, err := e.transportFor(serverName)
			if err != nil {
				results[i] = StepExecutionResult{
					StepName:       step.Name,
					StepTitle:      step.Title,
					ServerName:     serverName,
					OverallSuccess: false,
					Result:         ExecutionResult{ErrorMessage: err.Error()},
				}
				return
			}
			results[i] = e.runOnTarget(ctx, t, serverName, pipeline, step, scriptContent, snapshot, onEvent)
		}()
	}
	wg.Wait()
	return results
}

// runOnTarget invokes one transport, streams its output as OutputEvents
// through the redaction scrubber, and returns the resulting
// StepExecutionResult. Extraction is the caller's (executeStep's)
// responsibility once every server has completed.
func (e *Executor) runOnTarget(ctx context.Context, t transport.Transport, serverName string, pipeline config.Pipeline, step config.Step, scriptContent string, snapshot map[string]string, onEvent OnEvent) StepExecutionResult {
	start := time.Now()

	// stdout and stderr are read on separate goroutines; emitMu keeps their
	// events for this server from reaching onEvent at the same time.
	var emitMu sync.Mutex
	req := transport.Request{
		PipelineName:  pipeline.Name,
		StepName:      step.Name,
		ScriptContent: scriptContent,
		Env:           snapshot,
		Timeout:       stepTimeoutDuration(step, e.cfg.DefaultTimeout),
		OnLine: func(kind transport.LineKind, line string) {
			outKind := KindStdout
			if kind == transport.Stderr {
				outKind = KindStderr
			}
			emitMu.Lock()
			defer emitMu.Unlock()
			e.emit(onEvent, OutputEvent{
				PipelineName: pipeline.Name,
				ServerName:   serverName,
				Step:         step,
				Kind:         outKind,
				Content:      e.scrubber.Redact(line),
				Timestamp:    time.Now(),
				Variables:    snapshot,
			})
		},
	}

	result, err := t.Execute(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return StepExecutionResult{
			StepName:       step.Name,
			StepTitle:      step.Title,
			ServerName:     serverName,
			OverallSuccess: false,
			ExecutionTimeMs: elapsed,
			Result: ExecutionResult{
				Success:         false,
				ErrorMessage:    e.scrubber.Redact(err.Error()),
				ExecutionTimeMs: elapsed,
			},
		}
	}

	return StepExecutionResult{
		StepName:        step.Name,
		StepTitle:       step.Title,
		ServerName:      serverName,
		OverallSuccess:  result.Success,
		ExecutionTimeMs: elapsed,
		Result: ExecutionResult{
			Success:         result.Success,
			Stdout:          e.scrubber.Redact(result.Stdout),
			Stderr:          e.scrubber.Redact(result.Stderr),
			Script:          step.Script,
			ExitCode:        result.ExitCode,
			ExecutionTimeMs: elapsed,
			ErrorMessage:    e.scrubber.Redact(result.ErrorMessage),
		},
	}
}

func stepTimeoutDuration(step config.Step, defaultTimeout int) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	if defaultTimeout > 0 {
		return time.Duration(defaultTimeout) * time.Second
	}
	return 0
}

// mergeExtractions runs each of step.Extract against every server's
// result and merges the harvested values into store only after all
// servers have completed, so peers observe the pre-step snapshot
// (spec.md §4.5.6). Invalid regex syntax is a hard error that aborts the
// step (spec.md §7); non-matching patterns never produce an error.
func mergeExtractions(store *vars.Store, step config.Step, results []StepExecutionResult) error {
	if len(step.Extract) == 0 {
		return nil
	}
	rules := make([]vars.ExtractRule, len(step.Extract))
	for i, r := range step.Extract {
		rules[i] = r.ToVarsRule()
	}

	merged := make(map[string]string)
	for _, r := range results {
		extracted, err := vars.ExtractVariables(rules, vars.Result{
			Stdout:   r.Result.Stdout,
			Stderr:   r.Result.Stderr,
			ExitCode: r.Result.ExitCode,
		})
		if err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		for k, v := range extracted {
			merged[k] = v
		}
	}
	store.SetAll(merged)
	return nil
}

func (e *Executor) emit(onEvent OnEvent, evt OutputEvent) {
	if onEvent == nil {
		return
	}
	onEvent(evt)
}
