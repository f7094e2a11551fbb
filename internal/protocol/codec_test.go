package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeRequestEnveloped(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`))
	if err != nil {
		t.Fatalf("DecodeRequest() failed: %v", err)
	}
	if req.Method != MethodToolsCall {
		t.Errorf("Method = %q, want tools/call", req.Method)
	}
	if string(req.ID) != "7" {
		t.Errorf("ID = %s, want 7", req.ID)
	}

	var call CallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		t.Fatalf("params decode failed: %v", err)
	}
	if call.Name != "echo" {
		t.Errorf("call.Name = %q, want echo", call.Name)
	}
}

func TestDecodeRequestLegacy(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"tool":"watch_collect","params":{"sources":["github"]}}`))
	if err != nil {
		t.Fatalf("DecodeRequest() failed: %v", err)
	}
	if req.Method != "" {
		t.Errorf("Method = %q, want empty", req.Method)
	}
	if req.Tool != "watch_collect" {
		t.Errorf("Tool = %q, want watch_collect", req.Tool)
	}

	args, err := DecodeArguments(req.Params)
	if err != nil {
		t.Fatalf("DecodeArguments() failed: %v", err)
	}
	if _, ok := args["sources"]; !ok {
		t.Error("arguments missing sources")
	}
}

func TestDecodeRequestInvalid(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed record")
	}
}

func TestDecodeArguments(t *testing.T) {
	args, err := DecodeArguments(nil)
	if err != nil {
		t.Fatalf("DecodeArguments(nil) failed: %v", err)
	}
	if args == nil || len(args) != 0 {
		t.Errorf("want empty non-nil map, got %v", args)
	}

	args, err = DecodeArguments(json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("DecodeArguments(null) failed: %v", err)
	}
	if args == nil {
		t.Error("null params should yield empty map")
	}

	if _, err := DecodeArguments(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("array params should be rejected")
	}
}

func TestEncoderWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.Write(NewResponse(json.RawMessage("1"), "ok")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := enc.Write(&LegacyResponse{Status: "success"}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		var v map[string]any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			t.Errorf("line is not valid JSON: %q", line)
		}
	}
}

type pipeClosedWriter struct{}

func (pipeClosedWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestEncoderMapsClosedPipe(t *testing.T) {
	enc := NewEncoder(pipeClosedWriter{})
	err := enc.Write(&LegacyResponse{Status: "success"})
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("err = %v, want ErrTransportClosed", err)
	}
}

func TestErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`"a"`), CodeInvalidParams, "bad params", map[string]any{"field": "x"})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"code":-32602`) {
		t.Errorf("missing code: %s", s)
	}
	if strings.Contains(s, `"result"`) {
		t.Errorf("error response must not carry result: %s", s)
	}
}
