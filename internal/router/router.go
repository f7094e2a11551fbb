// Package router reads request records from input, dispatches them through
// the validate→execute→metrics pipeline, and frames responses. The loop is
// single-threaded and synchronous: each call is fully resolved before the
// next record is read, and no request outcome can terminate it.
package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/agentbridge/internal/executor"
	"github.com/mattjoyce/agentbridge/internal/log"
	"github.com/mattjoyce/agentbridge/internal/metrics"
	"github.com/mattjoyce/agentbridge/internal/protocol"
	"github.com/mattjoyce/agentbridge/internal/registry"
	"github.com/mattjoyce/agentbridge/internal/storage"
	"github.com/mattjoyce/agentbridge/internal/validate"
)

// maxRecordBytes bounds one input record.
const maxRecordBytes = 1 << 20

// Executor runs one validated request and returns exactly one result.
type Executor interface {
	Run(ctx context.Context, desc *registry.Descriptor, args map[string]any) executor.Result
}

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/agentbridge/internal/router Executor

// ErrorKind classifies a dispatch failure.
type ErrorKind string

const (
	ErrUnknownTool     ErrorKind = "unknown_tool"
	ErrValidation      ErrorKind = "validation_error"
	ErrTimeout         ErrorKind = "timeout"
	ErrAgentFailure    ErrorKind = "agent_failure"
	ErrMalformedOutput ErrorKind = "malformed_output"
	ErrSpawn           ErrorKind = "spawn_error"
)

// DispatchError is a structured per-request failure. It never terminates the
// request loop.
type DispatchError struct {
	Kind    ErrorKind
	Message string
	Data    any
}

// Error implements the error interface.
func (e *DispatchError) Error() string { return e.Message }

// Options configures a Router.
type Options struct {
	ServerInfo     protocol.ServerInfo
	ValidateInputs bool
	MaxParamLength int
	// History may be nil; execution records are then kept in memory only.
	History   *storage.History
	Retention time.Duration
}

// Router dispatches requests by method.
type Router struct {
	registry *registry.Registry
	exec     Executor
	metrics  *metrics.Registry
	opts     Options
	logger   *slog.Logger
}

// New creates a Router.
func New(reg *registry.Registry, exec Executor, m *metrics.Registry, opts Options) *Router {
	return &Router{
		registry: reg,
		exec:     exec,
		metrics:  m,
		opts:     opts,
		logger:   log.WithComponent("router"),
	}
}

// Serve reads records from in until end-of-stream and writes one response per
// record to out. It returns nil on EOF and on a peer-closed output, the two
// normal termination signals. An over-long record is answered with a parse
// error and skipped; it never terminates the loop.
func (r *Router) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := protocol.NewEncoder(out)
	reader := bufio.NewReaderSize(in, 64*1024)

	r.logger.Info("request loop started")
	defer r.logger.Info("request loop stopped")

	for {
		line, tooLong, err := readRecord(reader)
		if err != nil && err != io.EOF {
			return fmt.Errorf("read input: %w", err)
		}

		var resp any
		switch {
		case tooLong:
			r.logger.Warn("oversized record dropped", "limit_bytes", maxRecordBytes)
			resp = &protocol.LegacyResponse{
				Status: "error",
				Error:  fmt.Sprintf("invalid JSON: record exceeds %d bytes", maxRecordBytes),
			}
		default:
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				resp = r.HandleRecord(ctx, line)
			}
		}

		if resp != nil {
			if werr := enc.Write(resp); werr != nil {
				if errors.Is(werr, protocol.ErrTransportClosed) {
					r.logger.Info("peer closed output, shutting down")
					return nil
				}
				return werr
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}

// readRecord reads one newline-terminated record. A record past maxRecordBytes
// is discarded to its end of line and reported as tooLong, so the loop can
// answer and move on to the next record.
func readRecord(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil || err == io.EOF {
			return buf, false, err
		}
		if err != bufio.ErrBufferFull {
			return nil, false, err
		}
		if len(buf) > maxRecordBytes {
			return nil, true, drainLine(r)
		}
	}
}

// drainLine consumes input through the next newline or EOF.
func drainLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil || err == io.EOF {
			return err
		}
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

// HandleRecord routes one raw record and returns the response value to frame.
// Parse failures are answered in the legacy bare shape so the oldest callers
// still get a structured error.
func (r *Router) HandleRecord(ctx context.Context, line []byte) any {
	req, err := protocol.DecodeRequest(line)
	if err != nil {
		r.logger.Error("request parse failure", "error", err)
		return &protocol.LegacyResponse{Status: "error", Error: fmt.Sprintf("invalid JSON: %v", err)}
	}

	// Presence of method selects the enveloped framing, even when a legacy
	// tool key rides along.
	if req.Method != "" {
		return r.handleEnvelope(ctx, req)
	}
	if req.Tool != "" {
		return r.handleLegacy(ctx, req)
	}
	if req.JSONRPC != "" || len(req.ID) > 0 {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "missing method", nil)
	}
	return &protocol.LegacyResponse{Status: "error", Error: "missing 'tool' in payload"}
}

func (r *Router) handleEnvelope(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		return protocol.NewResponse(req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			ServerInfo:      r.opts.ServerInfo,
		})

	case protocol.MethodToolsList:
		// Static registry contents; never triggers execution.
		return protocol.NewResponse(req.ID, protocol.ToolsListResult{Tools: r.registry.List()})

	case protocol.MethodHealthCheck:
		return protocol.NewResponse(req.ID, r.metrics.Health())

	case protocol.MethodToolsCall:
		var params protocol.CallParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams,
					fmt.Sprintf("invalid tools/call params: %v", err), nil)
			}
		}
		if params.Name == "" {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "missing tool name", nil)
		}

		payload, derr := r.Dispatch(ctx, params.Name, params.Arguments)
		if derr != nil {
			return protocol.NewErrorResponse(req.ID, envelopeCode(derr.Kind), derr.Message, derr.Data)
		}
		return protocol.NewResponse(req.ID, payload)

	default:
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (r *Router) handleLegacy(ctx context.Context, req *protocol.Request) *protocol.LegacyResponse {
	args, err := protocol.DecodeArguments(req.Params)
	if err != nil {
		return &protocol.LegacyResponse{Status: "error", Error: err.Error()}
	}

	if req.Tool == "health_check" {
		return &protocol.LegacyResponse{Status: "success", Result: r.metrics.Health()}
	}

	payload, derr := r.Dispatch(ctx, req.Tool, args)
	if derr != nil {
		return &protocol.LegacyResponse{Status: "error", Error: derr.Message}
	}
	return &protocol.LegacyResponse{Status: "success", Result: payload}
}

// Dispatch runs the shared validate→execute→metrics pipeline for one tool
// invocation. Both framings and the CLI surface route through here.
func (r *Router) Dispatch(ctx context.Context, tool string, rawArgs map[string]any) (json.RawMessage, *DispatchError) {
	logger := r.logger.With("tool", tool)

	desc, ok := r.registry.Get(tool)
	if !ok {
		logger.Error("unknown tool requested")
		return nil, &DispatchError{
			Kind: ErrUnknownTool,
			Message: fmt.Sprintf("unknown tool %q (available: %s)",
				tool, strings.Join(r.registry.Names(), ", ")),
		}
	}

	if rawArgs == nil {
		rawArgs = map[string]any{}
	}

	var validated map[string]any
	if r.opts.ValidateInputs {
		var failure *validate.Failure
		validated, failure = validate.Apply(desc.Schema, desc.Defaults, rawArgs, r.opts.MaxParamLength)
		if failure != nil {
			logger.Warn("validation failed", "field", failure.Field, "rule", failure.Rule)
			r.record(ctx, tool, 0, string(ErrValidation), 0, failure.Message)
			return nil, &DispatchError{
				Kind:    ErrValidation,
				Message: fmt.Sprintf("validation error: %s", failure.Error()),
				Data:    failure,
			}
		}
	} else {
		validated = make(map[string]any, len(desc.Defaults)+len(rawArgs))
		for k, v := range desc.Defaults {
			validated[k] = v
		}
		for k, v := range rawArgs {
			validated[k] = v
		}
	}

	res := r.exec.Run(ctx, desc, validated)
	r.record(ctx, tool, res.Duration, string(res.Outcome), res.ExitCode, res.Diagnostic)

	switch res.Outcome {
	case executor.OutcomeSuccess:
		return res.Payload, nil
	case executor.OutcomeTimeout:
		return nil, &DispatchError{Kind: ErrTimeout, Message: res.Diagnostic}
	case executor.OutcomeAgentFailure:
		return nil, &DispatchError{
			Kind:    ErrAgentFailure,
			Message: res.Diagnostic,
			Data:    map[string]any{"exit_code": res.ExitCode},
		}
	case executor.OutcomeMalformedOutput:
		return nil, &DispatchError{
			Kind:    ErrMalformedOutput,
			Message: res.Diagnostic,
			Data:    map[string]any{"output": res.RawOutput},
		}
	default:
		return nil, &DispatchError{Kind: ErrSpawn, Message: res.Diagnostic}
	}
}

// record feeds the metrics registry and, when configured, the history store.
func (r *Router) record(ctx context.Context, tool string, duration time.Duration, outcome string, exitCode int, errMsg string) {
	success := outcome == string(executor.OutcomeSuccess)
	if success {
		errMsg = ""
	}
	r.metrics.Record(tool, duration, success, errMsg)

	if r.opts.History == nil {
		return
	}
	if _, err := r.opts.History.Append(ctx, tool, outcome, duration, exitCode, errMsg); err != nil {
		r.logger.Error("failed to append execution history", "error", err)
		return
	}
	if _, err := r.opts.History.Prune(ctx, r.opts.Retention); err != nil {
		r.logger.Error("failed to prune execution history", "error", err)
	}
}

func envelopeCode(kind ErrorKind) int {
	switch kind {
	case ErrUnknownTool, ErrValidation:
		return protocol.CodeInvalidParams
	default:
		return protocol.CodeExecutionError
	}
}
