package config

import "time"

// Config represents the complete agentbridge configuration.
type Config struct {
	Service   ServiceConfig        `yaml:"service"`
	Workspace WorkspaceConfig      `yaml:"workspace"`
	State     StateConfig          `yaml:"state,omitempty"`
	Security  SecurityConfig       `yaml:"security"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	API       APIConfig            `yaml:"api,omitempty"`
	Agents    map[string]AgentConf `yaml:"agents"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// WorkspaceConfig defines where agent scripts and interpreters live.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
	// Interpreter is the default interpreter, relative to Path unless absolute.
	Interpreter string `yaml:"interpreter"`
}

// StateConfig defines execution history storage. An empty path disables it.
type StateConfig struct {
	Path string `yaml:"path,omitempty"`
}

// SecurityConfig defines input validation settings. ValidateInputs is a
// pointer so an explicit `false` in a user config survives the merge over the
// enabled default.
type SecurityConfig struct {
	ValidateInputs *bool `yaml:"validate_inputs"`
	MaxParamLength int   `yaml:"max_param_length"`
}

// ValidationEnabled reports whether input validation is on. Unset means on.
func (s SecurityConfig) ValidationEnabled() bool {
	return s.ValidateInputs == nil || *s.ValidateInputs
}

// MetricsConfig defines metrics collection settings. Enabled follows the same
// pointer convention as SecurityConfig.ValidateInputs.
type MetricsConfig struct {
	Enabled       *bool `yaml:"enabled"`
	RetentionDays int   `yaml:"retention_days"`
}

// IsEnabled reports whether metrics persistence is on. Unset means on.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// APIConfig defines the optional read-only observability server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// AgentConf defines one invocable agent.
type AgentConf struct {
	Script      string `yaml:"script"`
	Interpreter string `yaml:"interpreter,omitempty"`
	Description string `yaml:"description"`
	// Timeout bounds the whole spawn-through-completion cycle.
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
	Defaults map[string]any    `yaml:"defaults,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Params   []ParamSpec       `yaml:"params,omitempty"`
}

// ParamSpec declares one validated request parameter. Specs are evaluated in
// declared order; the first failing spec aborts validation.
type ParamSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // string | integer | enum-array | boolean
	Required bool   `yaml:"required,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
	Min      int64  `yaml:"min,omitempty"`
	Max      int64  `yaml:"max,omitempty"`
	MaxLen   int    `yaml:"max_length,omitempty"`
	Allowed  []string `yaml:"allowed,omitempty"`
	// Flag names the CLI flag this field is projected to, e.g. "--repo".
	// Fields without a flag travel only in the stdin JSON document.
	Flag string `yaml:"flag,omitempty"`
}

// ChecksumManifest is the on-disk .checksums format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// DefaultTimeout is applied when an agent does not override its timeout.
const DefaultTimeout = 300 * time.Second

func boolPtr(b bool) *bool { return &b }

// Defaults returns a Config carrying the stock agent set. A user config file
// merges over it, so a bare install still exposes the four agents.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "agentbridge",
			LogLevel: "info",
			LogFile:  "~/.agentbridge/bridge.log",
		},
		Workspace: WorkspaceConfig{
			Path:        "~/adk-workspace",
			Interpreter: "adk-env/bin/python",
		},
		Security: SecurityConfig{
			ValidateInputs: boolPtr(true),
			MaxParamLength: 10000,
		},
		Metrics: MetricsConfig{
			Enabled:       boolPtr(true),
			RetentionDays: 30,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8993",
		},
		Agents: map[string]AgentConf{
			"label_github_issue": {
				Script:      "github_labeler/main.py",
				Description: "GitHub Issue Labeler Agent",
				Timeout:     300 * time.Second,
				Defaults:    map[string]any{"dry_run": true},
				Params: []ParamSpec{
					{Name: "repo_name", Type: "string", Required: true,
						Pattern: `^[A-Za-z0-9_-]+/[A-Za-z0-9_.-]+$`, MaxLen: 200, Flag: "--repo"},
					{Name: "issue_number", Type: "integer", Required: true,
						Min: 1, Max: 999999999, Flag: "--issue"},
					{Name: "dry_run", Type: "boolean", Flag: "--dry-run"},
				},
			},
			"watch_collect": {
				Script:      "veille_agent/main.py",
				Interpreter: "veille_agent/.venv/bin/python",
				Description: "Watch Agent for collecting tech updates",
				Timeout:     600 * time.Second,
				Defaults:    map[string]any{"sources": []any{"github", "pypi", "npm"}, "output_format": "markdown"},
				Params: []ParamSpec{
					{Name: "sources", Type: "enum-array",
						Allowed: []string{"github", "pypi", "npm", "reddit", "hackernews"}},
					{Name: "output_format", Type: "string", MaxLen: 64},
				},
			},
			"analyse_watch_report": {
				Script:      "gemini_analysis/main.py",
				Description: "Analysis Agent for report analysis",
				Timeout:     300 * time.Second,
				Defaults:    map[string]any{"format": "json"},
				Params: []ParamSpec{
					{Name: "report", Type: "string"},
					{Name: "report_path", Type: "string", MaxLen: 512},
					{Name: "format", Type: "string", MaxLen: 64},
				},
			},
			"curate_digest": {
				Script:      "curateur_agent/main.py",
				Description: "Curator Agent for content curation",
				Timeout:     180 * time.Second,
				Defaults:    map[string]any{"format": "newsletter", "output": "markdown"},
				Params: []ParamSpec{
					{Name: "format", Type: "string", MaxLen: 64},
					{Name: "output", Type: "string", MaxLen: 64},
				},
			},
		},
	}
}
