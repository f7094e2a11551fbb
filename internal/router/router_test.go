package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentbridge/internal/config"
	"github.com/mattjoyce/agentbridge/internal/executor"
	"github.com/mattjoyce/agentbridge/internal/log"
	"github.com/mattjoyce/agentbridge/internal/metrics"
	"github.com/mattjoyce/agentbridge/internal/protocol"
	"github.com/mattjoyce/agentbridge/internal/registry"
	"github.com/mattjoyce/agentbridge/internal/router/mocks"
)

func TestMain(m *testing.M) {
	log.Setup("error", "") // Suppress logs in tests
	os.Exit(m.Run())
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Path: "/ws", Interpreter: "env/bin/python"},
		Agents: map[string]config.AgentConf{
			"echo": {
				Script:      "echo/main.py",
				Description: "Echo agent",
				Defaults:    map[string]any{"dry_run": true},
				Params: []config.ParamSpec{
					{Name: "repo_name", Type: "string", Required: true,
						Pattern: `^[A-Za-z0-9_-]+/[A-Za-z0-9_.-]+$`, MaxLen: 200, Flag: "--repo"},
					{Name: "dry_run", Type: "boolean", Flag: "--dry-run"},
				},
			},
		},
	}

	reg, err := registry.Build(cfg)
	require.NoError(t, err)
	return reg
}

func newTestRouter(t *testing.T, exec Executor) (*Router, *metrics.Registry) {
	t.Helper()
	m := metrics.NewRegistry()
	r := New(testRegistry(t), exec, m, Options{
		ServerInfo:     protocol.ServerInfo{Name: "agentbridge", Version: "test"},
		ValidateInputs: true,
		MaxParamLength: 10000,
	})
	return r, m
}

func successResult(payload string) executor.Result {
	return executor.Result{
		Outcome:  executor.OutcomeSuccess,
		Payload:  json.RawMessage(payload),
		Duration: 10 * time.Millisecond,
	}
}

func TestDispatchSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().
		Run(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, desc *registry.Descriptor, args map[string]any) executor.Result {
			assert.Equal(t, "echo", desc.Name)
			assert.Equal(t, "octo/repo", args["repo_name"])
			// Defaults are merged under the request arguments.
			assert.Equal(t, true, args["dry_run"])
			return successResult(`{"status":"success","labels":["bug"]}`)
		})

	r, m := newTestRouter(t, mockExec)

	payload, derr := r.Dispatch(context.Background(), "echo", map[string]any{"repo_name": "octo/repo"})
	require.Nil(t, derr)
	assert.JSONEq(t, `{"status":"success","labels":["bug"]}`, string(payload))

	snap := m.Snapshot()["echo"]
	assert.Equal(t, int64(1), snap.Calls)
	assert.Equal(t, int64(1), snap.Successes)
}

func TestDispatchUnknownTool(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	_, derr := r.Dispatch(context.Background(), "nope", nil)
	require.NotNil(t, derr)
	assert.Equal(t, ErrUnknownTool, derr.Kind)
	assert.Contains(t, derr.Message, "echo") // names the available tools
}

func TestDispatchValidationFailureSkipsExecution(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No EXPECT: execution must not be reached.
	r, m := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	_, derr := r.Dispatch(context.Background(), "echo", map[string]any{"repo_name": "no-owner"})
	require.NotNil(t, derr)
	assert.Equal(t, ErrValidation, derr.Kind)
	assert.Contains(t, derr.Message, "repo_name")

	// The failed call still lands in metrics.
	snap := m.Snapshot()["echo"]
	assert.Equal(t, int64(1), snap.Calls)
	assert.Equal(t, int64(1), snap.Errors)
}

func TestDispatchExecutionOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		result   executor.Result
		wantKind ErrorKind
	}{
		{
			name: "timeout",
			result: executor.Result{
				Outcome:    executor.OutcomeTimeout,
				Diagnostic: "agent execution timed out after 5m0s",
				ExitCode:   -1,
			},
			wantKind: ErrTimeout,
		},
		{
			name: "agent failure",
			result: executor.Result{
				Outcome:    executor.OutcomeAgentFailure,
				Diagnostic: "boom",
				ExitCode:   3,
			},
			wantKind: ErrAgentFailure,
		},
		{
			name: "malformed output",
			result: executor.Result{
				Outcome:    executor.OutcomeMalformedOutput,
				Diagnostic: "agent returned invalid JSON",
				RawOutput:  "garbage",
			},
			wantKind: ErrMalformedOutput,
		},
		{
			name: "spawn error",
			result: executor.Result{
				Outcome:    executor.OutcomeSpawnError,
				Diagnostic: "interpreter not found",
				ExitCode:   -1,
			},
			wantKind: ErrSpawn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockExec := mocks.NewMockExecutor(ctrl)
			mockExec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Return(tt.result)

			r, m := newTestRouter(t, mockExec)

			_, derr := r.Dispatch(context.Background(), "echo", map[string]any{"repo_name": "a/b"})
			require.NotNil(t, derr)
			assert.Equal(t, tt.wantKind, derr.Kind)
			assert.Equal(t, tt.result.Diagnostic, derr.Message)

			snap := m.Snapshot()["echo"]
			assert.Equal(t, int64(1), snap.Errors)
		})
	}
}

func TestSequentialCallsAccumulateHealth(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResult(`{}`)).Times(2)

	r, _ := newTestRouter(t, mockExec)

	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"repo_name":"a/b"}}}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"repo_name":"a/b"}}}
{"jsonrpc":"2.0","id":3,"method":"health_check"}
`
	responses := serveLines(t, r, input)
	require.Len(t, responses, 3)

	health := responses[2]["result"].(map[string]any)
	tools := health["tools"].(map[string]any)
	echo := tools["echo"].(map[string]any)
	assert.Equal(t, float64(2), echo["calls"])
	assert.Equal(t, float64(1), echo["success_rate"])
}

func serveLines(t *testing.T, r *Router, input string) []map[string]any {
	t.Helper()

	var out bytes.Buffer
	err := r.Serve(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	var responses []map[string]any
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &v), "response line: %q", line)
		responses = append(responses, v)
	}
	return responses
}

func TestServeEnvelopedSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResult(`{"ok":true}`))

	r, _ := newTestRouter(t, mockExec)

	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"repo_name":"a/b"}}}
{"jsonrpc":"2.0","id":4,"method":"health_check"}
`
	responses := serveLines(t, r, input)
	require.Len(t, responses, 4)

	init := responses[0]["result"].(map[string]any)
	assert.Equal(t, protocol.ProtocolVersion, init["protocolVersion"])
	assert.Equal(t, "agentbridge", init["serverInfo"].(map[string]any)["name"])

	list := responses[1]["result"].(map[string]any)
	tools := list["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]any)["name"])

	call := responses[2]
	assert.Nil(t, call["error"])
	assert.Equal(t, true, call["result"].(map[string]any)["ok"])

	health := responses[3]["result"].(map[string]any)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["total_calls"])
}

func TestServeLegacySession(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResult(`{"ok":true}`))

	r, _ := newTestRouter(t, mockExec)

	input := `{"tool":"echo","params":{"repo_name":"a/b"}}
{"tool":"health_check"}
{"tool":"nope"}
`
	responses := serveLines(t, r, input)
	require.Len(t, responses, 3)

	assert.Equal(t, "success", responses[0]["status"])
	assert.Equal(t, true, responses[0]["result"].(map[string]any)["ok"])

	assert.Equal(t, "success", responses[1]["status"])
	assert.Equal(t, "healthy", responses[1]["result"].(map[string]any)["status"])

	assert.Equal(t, "error", responses[2]["status"])
	assert.Contains(t, responses[2]["error"], "unknown tool")
}

func TestServeParseErrorDoesNotStopLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExec := mocks.NewMockExecutor(ctrl)
	mockExec.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResult(`{}`))

	r, _ := newTestRouter(t, mockExec)

	input := "{broken json\n" + `{"tool":"echo","params":{"repo_name":"a/b"}}` + "\n"
	responses := serveLines(t, r, input)
	require.Len(t, responses, 2)

	assert.Equal(t, "error", responses[0]["status"])
	assert.Contains(t, responses[0]["error"], "invalid JSON")
	assert.Equal(t, "success", responses[1]["status"])
}

func TestServeSkipsBlankLines(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	responses := serveLines(t, r, "\n\n  \n"+`{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	require.Len(t, responses, 1)
}

func TestServeOversizedRecordDoesNotStopLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	// One record well past the 1MB bound, then a normal request.
	huge := `{"tool":"echo","params":{"note":"` + strings.Repeat("x", maxRecordBytes+1024) + `"}}`
	input := huge + "\n" + `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"

	responses := serveLines(t, r, input)
	require.Len(t, responses, 2)

	assert.Equal(t, "error", responses[0]["status"])
	assert.Contains(t, responses[0]["error"], "invalid JSON")

	init, ok := responses[1]["result"].(map[string]any)
	require.True(t, ok, "request after the oversized record must still be answered")
	assert.Equal(t, protocol.ProtocolVersion, init["protocolVersion"])
}

func TestServeOversizedRecordAtEOF(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	// No trailing newline: the record runs straight into EOF.
	responses := serveLines(t, r, strings.Repeat("y", maxRecordBytes+1024))
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0]["status"])
}

type closedPipeWriter struct{}

func (closedPipeWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestServePeerClosedOutputIsCleanShutdown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	err := r.Serve(context.Background(), strings.NewReader(input), closedPipeWriter{})
	assert.NoError(t, err)
}

func TestHandleRecordFramingSelection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	t.Run("method wins over tool", func(t *testing.T) {
		r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

		resp := r.HandleRecord(context.Background(), []byte(`{"method":"tools/list","tool":"echo"}`))
		env, ok := resp.(*protocol.Response)
		require.True(t, ok, "method key must select the enveloped framing")
		assert.Nil(t, env.Error)
	})

	t.Run("unknown method", func(t *testing.T) {
		r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

		resp := r.HandleRecord(context.Background(), []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/destroy"}`))
		env := resp.(*protocol.Response)
		require.NotNil(t, env.Error)
		assert.Equal(t, protocol.CodeMethodNotFound, env.Error.Code)
	})

	t.Run("envelope without method", func(t *testing.T) {
		r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

		resp := r.HandleRecord(context.Background(), []byte(`{"jsonrpc":"2.0","id":6}`))
		env := resp.(*protocol.Response)
		require.NotNil(t, env.Error)
		assert.Equal(t, protocol.CodeMethodNotFound, env.Error.Code)
	})

	t.Run("bare object without tool", func(t *testing.T) {
		r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

		resp := r.HandleRecord(context.Background(), []byte(`{"params":{}}`))
		legacy, ok := resp.(*protocol.LegacyResponse)
		require.True(t, ok)
		assert.Equal(t, "error", legacy.Status)
		assert.Contains(t, legacy.Error, "missing 'tool'")
	})
}

func TestHandleEnvelopeToolsCallErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _ := newTestRouter(t, mocks.NewMockExecutor(ctrl))

	t.Run("missing name", func(t *testing.T) {
		resp := r.HandleRecord(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`))
		env := resp.(*protocol.Response)
		require.NotNil(t, env.Error)
		assert.Equal(t, protocol.CodeInvalidParams, env.Error.Code)
	})

	t.Run("validation error carries failure data", func(t *testing.T) {
		resp := r.HandleRecord(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{}}}`))
		env := resp.(*protocol.Response)
		require.NotNil(t, env.Error)
		assert.Equal(t, protocol.CodeInvalidParams, env.Error.Code)
		assert.Contains(t, env.Error.Message, "repo_name")
	})
}
