package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file and merges it over Defaults().
// An empty path loads pure defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
			if _, err := os.Stat(absPath); err != nil {
				return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
			}
		}

		loaded, err := loadConfigFile(absPath)
		if err != nil {
			return nil, err
		}
		mergeConfig(cfg, loaded)

		// Integrity check is active only once a .checksums manifest exists.
		if err := verifyConfigHash(absPath); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	expandPaths(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $AGENTBRIDGE_CONFIG, ~/.config/agentbridge/config.yaml,
// /etc/agentbridge/config.yaml, ./config.yaml. An empty return means no file
// was found and defaults apply.
func DiscoverConfigPath() string {
	if p := os.Getenv("AGENTBRIDGE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "agentbridge", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig
		}
	}

	systemConfig := "/etc/agentbridge/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}

	legacyConfig := "./config.yaml"
	if _, err := os.Stat(legacyConfig); err == nil {
		return legacyConfig
	}

	return ""
}

// loadConfigFile loads and parses a single config file with ${VAR} interpolation.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
// Agents merge additively; a user-declared agent replaces the stock one wholesale.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFile != "" {
		dst.Service.LogFile = src.Service.LogFile
	}

	if src.Workspace.Path != "" {
		dst.Workspace.Path = src.Workspace.Path
	}
	if src.Workspace.Interpreter != "" {
		dst.Workspace.Interpreter = src.Workspace.Interpreter
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.Security.MaxParamLength != 0 {
		dst.Security.MaxParamLength = src.Security.MaxParamLength
	}
	if src.Security.ValidateInputs != nil {
		dst.Security.ValidateInputs = src.Security.ValidateInputs
	}

	if src.Metrics.Enabled != nil {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.RetentionDays != 0 {
		dst.Metrics.RetentionDays = src.Metrics.RetentionDays
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}

	if src.Agents != nil {
		if dst.Agents == nil {
			dst.Agents = make(map[string]AgentConf)
		}
		for name, agent := range src.Agents {
			dst.Agents[name] = agent
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTBRIDGE_WORKSPACE"); v != "" {
		cfg.Workspace.Path = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = v
	}
	if v := os.Getenv("AGENTBRIDGE_LOG_FILE"); v != "" {
		cfg.Service.LogFile = v
	}
}

// expandPaths expands ~ in workspace, log and state paths.
func expandPaths(cfg *Config) {
	cfg.Workspace.Path = expandHome(cfg.Workspace.Path)
	cfg.Service.LogFile = expandHome(cfg.Service.LogFile)
	cfg.State.Path = expandHome(cfg.State.Path)
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Workspace.Path == "" {
		return fmt.Errorf("workspace.path is required")
	}

	// Interpolation leaves unknown ${VAR} placeholders in place; a path still
	// carrying one would silently point at a literal "${VAR}" directory.
	paths := map[string]string{
		"workspace.path":        cfg.Workspace.Path,
		"workspace.interpreter": cfg.Workspace.Interpreter,
		"state.path":            cfg.State.Path,
		"service.log_file":      cfg.Service.LogFile,
	}
	for field, value := range paths {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	if cfg.Security.MaxParamLength <= 0 {
		return fmt.Errorf("security.max_param_length must be positive")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	if len(cfg.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	for name, agent := range cfg.Agents {
		if agent.Script == "" {
			return fmt.Errorf("agent %q: script is required", name)
		}
		for _, v := range []string{agent.Script, agent.Interpreter} {
			if m := envVarPattern.FindStringSubmatch(v); m != nil {
				return fmt.Errorf("agent %q: environment variable ${%s} is not set", name, m[1])
			}
		}
		if agent.Timeout < 0 {
			return fmt.Errorf("agent %q: timeout must not be negative", name)
		}
		for i, p := range agent.Params {
			if p.Name == "" {
				return fmt.Errorf("agent %q: params[%d].name is required", name, i)
			}
			switch p.Type {
			case "string", "integer", "boolean":
			case "enum-array":
				if len(p.Allowed) == 0 {
					return fmt.Errorf("agent %q: param %q: enum-array requires an allowed set", name, p.Name)
				}
			default:
				return fmt.Errorf("agent %q: param %q: unknown type %q", name, p.Name, p.Type)
			}
			if p.Pattern != "" {
				if _, err := regexp.Compile(p.Pattern); err != nil {
					return fmt.Errorf("agent %q: param %q: invalid pattern: %w", name, p.Name, err)
				}
			}
		}
		for k, v := range agent.Env {
			if envVarPattern.MatchString(v) {
				matches := envVarPattern.FindStringSubmatch(v)
				if len(matches) > 1 {
					return fmt.Errorf("agent %q: env.%s: environment variable ${%s} is not set", name, k, matches[1])
				}
				return fmt.Errorf("agent %q: env.%s: unresolved environment variable", name, k)
			}
		}
	}

	return nil
}

// EffectiveTimeout returns the timeout for an agent, falling back to the default.
func (a AgentConf) EffectiveTimeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultTimeout
}
