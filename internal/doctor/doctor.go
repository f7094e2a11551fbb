// Package doctor validates agentbridge configuration and the agent
// environment it points at.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/agentbridge/internal/config"
	"github.com/mattjoyce/agentbridge/internal/registry"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Tool     string `json:"tool,omitempty"`
}

// Doctor validates configuration against the filesystem it references.
type Doctor struct {
	cfg      *config.Config
	registry *registry.Registry
}

// New creates a Doctor from a loaded config and built registry.
func New(cfg *config.Config, reg *registry.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: reg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkWorkspace(r)
	d.checkAgents(r)
	d.checkStatePath(r)
	d.checkLogFile(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, tool, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Tool: tool, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, tool, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Tool: tool, Message: msg})
}

// checkWorkspace verifies the workspace root exists and is a directory.
func (d *Doctor) checkWorkspace(r *Result) {
	info, err := os.Stat(d.cfg.Workspace.Path)
	if err != nil {
		d.addError(r, "workspace", "", fmt.Sprintf("workspace path does not exist: %s", d.cfg.Workspace.Path))
		return
	}
	if !info.IsDir() {
		d.addError(r, "workspace", "", fmt.Sprintf("workspace path is not a directory: %s", d.cfg.Workspace.Path))
	}
}

// checkAgents verifies each tool's interpreter and script are present and
// executable/readable.
func (d *Doctor) checkAgents(r *Result) {
	for _, name := range d.registry.Names() {
		desc, _ := d.registry.Get(name)

		info, err := os.Stat(desc.Interpreter)
		switch {
		case err != nil:
			d.addError(r, "interpreter", name, fmt.Sprintf("interpreter not found: %s", desc.Interpreter))
		case info.IsDir():
			d.addError(r, "interpreter", name, fmt.Sprintf("interpreter is a directory: %s", desc.Interpreter))
		case info.Mode()&0o111 == 0:
			d.addError(r, "interpreter", name, fmt.Sprintf("interpreter is not executable: %s", desc.Interpreter))
		}

		if _, err := os.Stat(desc.Script); err != nil {
			d.addError(r, "script", name, fmt.Sprintf("agent script not found: %s", desc.Script))
		}

		if desc.Description == "" {
			d.addWarning(r, "metadata", name, "agent has no description")
		}
		if len(desc.Schema) == 0 {
			d.addWarning(r, "schema", name, "agent declares no input schema; all parameters pass through generic sanitization only")
		}
	}
}

// checkStatePath verifies the history database directory is writable when
// history is configured.
func (d *Doctor) checkStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	dir := filepath.Dir(d.cfg.State.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "state", "", fmt.Sprintf("cannot create state directory %s: %v", dir, err))
		return
	}
	probe := filepath.Join(dir, ".agentbridge-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		d.addError(r, "state", "", fmt.Sprintf("state directory is not writable: %s", dir))
		return
	}
	_ = os.Remove(probe)
}

// checkLogFile warns when the configured log file location cannot be created.
func (d *Doctor) checkLogFile(r *Result) {
	if d.cfg.Service.LogFile == "" {
		return
	}
	dir := filepath.Dir(d.cfg.Service.LogFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addWarning(r, "logging", "", fmt.Sprintf("cannot create log directory %s: %v (falling back to stderr)", dir, err))
	}
}

// FormatJSON renders a result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

// FormatHuman renders a result for terminal display.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid {
		b.WriteString("Status: OK\n")
	} else {
		b.WriteString("Status: FAILED\n")
	}

	if len(r.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, issue := range r.Errors {
			writeIssue(&b, issue)
		}
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, issue := range r.Warnings {
			writeIssue(&b, issue)
		}
	}

	return b.String()
}

func writeIssue(b *strings.Builder, issue Issue) {
	if issue.Tool != "" {
		fmt.Fprintf(b, "  [%s] %s: %s\n", issue.Category, issue.Tool, issue.Message)
		return
	}
	fmt.Fprintf(b, "  [%s] %s\n", issue.Category, issue.Message)
}
