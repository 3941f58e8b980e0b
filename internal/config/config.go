// Package config loads and validates the YAML pipeline configuration:
// clients, pipelines, steps, and extraction rules, plus the initial
// variable scope used to render the file itself before typed parsing.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scriptpipe/scriptpipe/internal/vars"
)

// ExecutionMethod names a transport kind a Client uses.
type ExecutionMethod string

const (
	ExecutionSSH       ExecutionMethod = "ssh"
	ExecutionWebSocket ExecutionMethod = "websocket"
)

// SSHConfig carries the connection parameters for an SSH client.
type SSHConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password,omitempty"`
	PrivateKeyPath        string `yaml:"private_key_path,omitempty"`
	TimeoutSeconds        int    `yaml:"timeout_seconds,omitempty"`
	SessionTimeoutSeconds int    `yaml:"session_timeout_seconds,omitempty"`
}

// WebSocketConfig carries the (unimplemented) websocket transport's
// parameters, kept so the schema round-trips even though no transport
// consumes it yet.
type WebSocketConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Client is a named execution target.
type Client struct {
	Name            string           `yaml:"-"`
	ExecutionMethod ExecutionMethod  `yaml:"execution_method"`
	SSHConfig       *SSHConfig       `yaml:"ssh_config,omitempty"`
	WebSocketConfig *WebSocketConfig `yaml:"websocket_config,omitempty"`
}

// ExtractRule harvests a value from a step's output into the variable
// store. Mirrors vars.ExtractRule but with YAML tags and a pointer
// Cascade so "omitted" and "explicitly false" are distinguishable.
type ExtractRule struct {
	Name     string   `yaml:"name"`
	Source   string   `yaml:"source"`
	Patterns []string `yaml:"patterns"`
	Cascade  *bool    `yaml:"cascade,omitempty"`
}

// ToVarsRule converts a config ExtractRule into the vars package's rule type.
func (r ExtractRule) ToVarsRule() vars.ExtractRule {
	return vars.ExtractRuleFromStrings(r.Name, vars.Source(r.Source), r.Patterns, r.Cascade)
}

// Step is a unit of work: one script run across zero-or-more servers.
type Step struct {
	Name           string            `yaml:"name"`
	Title          string            `yaml:"title,omitempty"`
	Script         string            `yaml:"script"`
	Servers        []string          `yaml:"servers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	Variables      map[string]string `yaml:"variables,omitempty"`
	Extract        []ExtractRule     `yaml:"extract,omitempty"`
	// GlobalScripts names auxiliary script files concatenated ahead of
	// Script, in declaration order, before variable substitution.
	GlobalScripts []string `yaml:"global_scripts,omitempty"`
}

// Pipeline is an ordered sequence of steps sharing the executor's variable store.
type Pipeline struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Configuration is the fully parsed, template-rendered configuration file.
type Configuration struct {
	Variables      map[string]string `yaml:"variables,omitempty"`
	Clients        map[string]Client `yaml:"clients"`
	Pipelines      []Pipeline        `yaml:"pipelines"`
	DefaultTimeout int               `yaml:"default_timeout,omitempty"`
	GlobalScripts  []string          `yaml:"global_scripts,omitempty"`
}

// Error reports a configuration problem: unreadable/malformed YAML or a
// validation failure. Wraps the underlying cause for errors.Is/As.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Load reads path, extracts the variables block, merges it with overrides
// (overrides win), renders the whole file through the variable store, parses
// the typed configuration, and validates it. This is the YAML-source entry
// point; LoadString does the actual work so tests can avoid the filesystem.
func Load(path string, overrides map[string]string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "read file", Err: err}
	}
	return LoadString(string(data), overrides)
}

// LoadString implements spec step 1-7 against in-memory YAML text.
func LoadString(yamlText string, overrides map[string]string) (*Configuration, error) {
	initial, err := extractInitialVariables(yamlText)
	if err != nil {
		return nil, &Error{Op: "extract variables", Err: err}
	}

	store := vars.NewWithInitial(initial, overrides)
	rendered := store.ReplaceVariables(yamlText)

	var cfg Configuration
	if err := yaml.Unmarshal([]byte(rendered), &cfg); err != nil {
		return nil, &Error{Op: "parse rendered configuration", Err: err}
	}
	assignClientNames(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// extractInitialVariables does a loose first pass over the raw YAML to pull
// the top-level "variables" map, before any template rendering has happened.
func extractInitialVariables(yamlText string) (map[string]string, error) {
	var loose struct {
		Variables map[string]string `yaml:"variables"`
	}
	if err := yaml.Unmarshal([]byte(yamlText), &loose); err != nil {
		return nil, err
	}
	return loose.Variables, nil
}

// assignClientNames copies each client map key into its Client.Name field,
// since yaml.v3 has no way to populate a struct field from its own map key.
func assignClientNames(cfg *Configuration) {
	for name, c := range cfg.Clients {
		c.Name = name
		cfg.Clients[name] = c
	}
}

// Validate enforces spec step 7: non-empty clients/pipelines, non-empty
// names, and that every server a step references exists in clients.
func Validate(cfg *Configuration) error {
	if len(cfg.Clients) == 0 {
		return &Error{Op: "validate", Err: fmt.Errorf("no clients configured")}
	}
	if len(cfg.Pipelines) == 0 {
		return &Error{Op: "validate", Err: fmt.Errorf("no pipelines configured")}
	}
	for _, p := range cfg.Pipelines {
		if p.Name == "" {
			return &Error{Op: "validate", Err: fmt.Errorf("pipeline has empty name")}
		}
		if len(p.Steps) == 0 {
			return &Error{Op: "validate", Err: fmt.Errorf("pipeline %q has no steps", p.Name)}
		}
		for _, s := range p.Steps {
			if s.Name == "" {
				return &Error{Op: "validate", Err: fmt.Errorf("pipeline %q has a step with empty name", p.Name)}
			}
			if s.Script == "" {
				return &Error{Op: "validate", Err: fmt.Errorf("step %q in pipeline %q has no script", s.Name, p.Name)}
			}
			for _, server := range s.Servers {
				if _, ok := cfg.Clients[server]; !ok {
					return &Error{Op: "validate", Err: fmt.Errorf("server %q referenced in step %q not found in clients", server, s.Name)}
				}
			}
		}
	}
	return nil
}
