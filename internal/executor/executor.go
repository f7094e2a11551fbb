// Package executor spawns one subprocess per tool invocation, feeds it the
// validated argument mapping on stdin, and enforces a wall-clock timeout with
// terminate-then-kill escalation. A hung or crashing agent cannot corrupt
// bridge state or outlive the escalation.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agentbridge/internal/log"
	"github.com/mattjoyce/agentbridge/internal/registry"
	"github.com/mattjoyce/agentbridge/internal/validate"
)

const (
	// maxDiagnosticBytes caps the amount of stderr carried in a result.
	maxDiagnosticBytes = 2000

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Outcome tags an ExecutionResult.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeAgentFailure    Outcome = "agent_failure"
	OutcomeMalformedOutput Outcome = "malformed_output"
	OutcomeSpawnError      Outcome = "spawn_error"
)

// State tracks the subprocess lifecycle. Transitions are linear except for the
// timeout branch: Spawned → WritingInput → AwaitingOutput → Completed, or
// AwaitingOutput → TimedOut → Killed when the grace period expires too.
type State int

const (
	StateSpawned State = iota
	StateWritingInput
	StateAwaitingOutput
	StateCompleted
	StateTimedOut
	StateKilled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateWritingInput:
		return "writing_input"
	case StateAwaitingOutput:
		return "awaiting_output"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Result is the single outcome of one execution request.
type Result struct {
	Outcome    Outcome
	Payload    json.RawMessage
	Diagnostic string
	RawOutput  string
	Duration   time.Duration
	ExitCode   int
	FinalState State
}

// Executor runs agents as subprocesses. It is safe for sequential reuse; each
// call spawns a fresh process, never pooled.
type Executor struct {
	logger *slog.Logger
	grace  time.Duration
}

// New creates an Executor.
func New() *Executor {
	return &Executor{
		logger: log.WithComponent("executor"),
		grace:  terminationGracePeriod,
	}
}

// Run executes one validated request against its descriptor and returns
// exactly one Result. Validation must already have happened; args is the
// sanitized mapping.
func (e *Executor) Run(ctx context.Context, desc *registry.Descriptor, args map[string]any) Result {
	start := time.Now()
	logger := e.logger.With("tool", desc.Name, "execution_id", uuid.NewString())

	if _, err := os.Stat(desc.Interpreter); err != nil {
		return spawnFailure(start, fmt.Sprintf("interpreter not found: %s", desc.Interpreter), logger)
	}
	if _, err := os.Stat(desc.Script); err != nil {
		return spawnFailure(start, fmt.Sprintf("agent script not found: %s", desc.Script), logger)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return spawnFailure(start, fmt.Sprintf("encode arguments: %v", err), logger)
	}

	argv := buildArgv(desc, args)
	logger.Info("executing agent", "argv", argv, "timeout", desc.Timeout)

	return e.spawn(ctx, desc, argv, input, start, logger)
}

// spawn runs the subprocess lifecycle. The timeout timer covers the whole
// spawn-through-completion cycle.
func (e *Executor) spawn(ctx context.Context, desc *registry.Descriptor, argv []string, input []byte, start time.Time, logger *slog.Logger) Result {
	timeoutTimer := time.NewTimer(desc.Timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is escalated by hand below.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = desc.WorkDir
	cmd.Env = buildEnv(desc)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnFailure(start, fmt.Sprintf("create stdin pipe: %v", err), logger)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return spawnFailure(start, fmt.Sprintf("start process: %v", err), logger)
	}
	state := StateSpawned

	// Write the full argument mapping as one JSON document, then close the
	// stream so the agent sees a deterministic end-of-input.
	state = StateWritingInput
	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(append(input, '\n')); err != nil {
			writeErr <- fmt.Errorf("write stdin: %w", err)
			return
		}
		writeErr <- nil
	}()

	state = StateAwaitingOutput
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		state = StateTimedOut
		logger.Warn("agent timed out, sending SIGTERM", "timeout", desc.Timeout)
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(e.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("agent exited after SIGTERM")
		case <-grace.C:
			state = StateKilled
			logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr // reap; no orphan remains
		}

		return Result{
			Outcome:    OutcomeTimeout,
			Diagnostic: fmt.Sprintf("agent execution timed out after %s", desc.Timeout),
			Duration:   time.Since(start),
			ExitCode:   -1,
			FinalState: state,
		}

	case err := <-waitErr:
		state = StateCompleted
		if werr := <-writeErr; werr != nil {
			// An agent that exits without reading its input is reported by
			// its exit status, not the broken pipe.
			logger.Debug("stdin write failed", "error", werr)
		}

		diagnostic := truncateDiagnostic(stderr.String())
		duration := time.Since(start)

		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return Result{
					Outcome:    OutcomeSpawnError,
					Diagnostic: fmt.Sprintf("wait for process: %v", err),
					Duration:   duration,
					ExitCode:   -1,
					FinalState: state,
				}
			}
			exitCode = exitErr.ExitCode()
		}

		if exitCode != 0 {
			msg := diagnostic
			if msg == "" {
				msg = fmt.Sprintf("process failed with code %d", exitCode)
			}
			logger.Error("agent failed", "exit_code", exitCode)
			return Result{
				Outcome:    OutcomeAgentFailure,
				Diagnostic: msg,
				RawOutput:  stdout.String(),
				Duration:   duration,
				ExitCode:   exitCode,
				FinalState: state,
			}
		}

		return parseOutput(stdout.Bytes(), diagnostic, duration, state, logger)
	}
}

// parseOutput interprets a zero-exit agent's stdout. Any well-formed JSON is
// the success payload; a missing status field is not itself an error.
func parseOutput(stdout []byte, diagnostic string, duration time.Duration, state State, logger *slog.Logger) Result {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		payload, _ := json.Marshal(map[string]any{"status": "success", "output": ""})
		logger.Info("agent completed with empty output", "duration", duration)
		return Result{
			Outcome:    OutcomeSuccess,
			Payload:    payload,
			Diagnostic: diagnostic,
			Duration:   duration,
			FinalState: state,
		}
	}

	if !json.Valid(trimmed) {
		logger.Warn("agent returned invalid JSON")
		return Result{
			Outcome:    OutcomeMalformedOutput,
			Diagnostic: "agent returned invalid JSON",
			RawOutput:  truncateDiagnostic(string(trimmed)),
			Duration:   duration,
			FinalState: state,
		}
	}

	logger.Info("agent completed", "duration", duration)
	return Result{
		Outcome:    OutcomeSuccess,
		Payload:    json.RawMessage(append([]byte(nil), trimmed...)),
		Diagnostic: diagnostic,
		Duration:   duration,
		FinalState: state,
	}
}

// buildArgv assembles interpreter, script, and the declared flag projection of
// the validated arguments, in schema order.
func buildArgv(desc *registry.Descriptor, args map[string]any) []string {
	argv := []string{desc.Interpreter, desc.Script}
	for _, rule := range desc.Schema {
		if rule.Flag == "" {
			continue
		}
		value, ok := args[rule.Field]
		if !ok {
			continue
		}
		switch rule.Kind {
		case validate.KindBoolean:
			if b, ok := value.(bool); ok && b {
				argv = append(argv, rule.Flag)
			}
		case validate.KindInteger:
			if n, ok := value.(int64); ok {
				argv = append(argv, rule.Flag, strconv.FormatInt(n, 10))
			}
		case validate.KindEnumArray:
			if items, ok := value.([]string); ok && len(items) > 0 {
				argv = append(argv, rule.Flag, strings.Join(items, ","))
			}
		default:
			if s, ok := value.(string); ok {
				argv = append(argv, rule.Flag, s)
			}
		}
	}
	return argv
}

// buildEnv overlays the inherited environment with the workspace root and the
// agent's configured credentials.
func buildEnv(desc *registry.Descriptor) []string {
	env := os.Environ()
	env = append(env, "AGENT_WORKSPACE="+desc.WorkDir)
	env = append(env, "PYTHONPATH="+desc.WorkDir)
	for k, v := range desc.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func spawnFailure(start time.Time, msg string, logger *slog.Logger) Result {
	logger.Error(msg)
	return Result{
		Outcome:    OutcomeSpawnError,
		Diagnostic: msg,
		Duration:   time.Since(start),
		ExitCode:   -1,
		FinalState: StateSpawned,
	}
}

// truncateDiagnostic bounds captured stderr.
func truncateDiagnostic(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDiagnosticBytes {
		return s[:maxDiagnosticBytes]
	}
	return s
}
