package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"syscall"
)

// ErrTransportClosed reports that the peer closed its read side. It signals a
// graceful shutdown, not a fault.
var ErrTransportClosed = errors.New("transport closed by peer")

// DecodeRequest parses one record into a Request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// DecodeArguments parses a raw params payload into an argument mapping.
// A missing payload yields an empty mapping.
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Encoder frames and writes response records, flushing after every record so
// callers observe low latency.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write serializes v as one newline-terminated record. A write failure caused
// by the peer having closed its read side is reported as ErrTransportClosed.
func (e *Encoder) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	data = append(data, '\n')

	if _, err := e.w.Write(data); err != nil {
		if isClosedPipe(err) {
			return ErrTransportClosed
		}
		return fmt.Errorf("failed to write response: %w", err)
	}
	if f, ok := e.w.(interface{ Sync() error }); ok {
		// Best effort; stdout to a pipe has nothing to sync.
		_ = f.Sync()
	}
	return nil
}

// isClosedPipe reports whether err means the read side of our output is gone.
func isClosedPipe(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, fs.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
