// Package protocol defines the record-oriented JSON wire format spoken over
// standard input/output, in both its enveloped and legacy bare framings.
package protocol

import "encoding/json"

// ProtocolVersion is the enveloped framing version reported by initialize.
const ProtocolVersion = "2024-11-05"

// Envelope methods.
const (
	MethodInitialize  = "initialize"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodHealthCheck = "health_check"
)

// JSON-RPC error codes used by the enveloped framing.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeExecutionError = -32000
)

// Request is one incoming record. The presence of Method selects the
// enveloped framing; otherwise Tool selects the legacy bare framing.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	// Params carries the method params in the enveloped framing and the raw
	// argument mapping in the legacy framing.
	Params json.RawMessage `json:"params,omitempty"`

	// Tool selects the legacy bare framing. When both Method and Tool are
	// present, Method wins.
	Tool string `json:"tool,omitempty"`
}

// CallParams is the params payload of a tools/call request.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is one enveloped response record.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the enveloped error payload.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// LegacyResponse is the bare framing response kept for backward compatibility.
type LegacyResponse struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo describes the bridge to the caller.
type ServerInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// ToolInfo is one entry of the tools/list response.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolsListResult is the tools/list response payload.
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// NewResponse builds an enveloped success response.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an enveloped error response.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message, Data: data}}
}
