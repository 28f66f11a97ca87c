// Package protocol defines the newline-delimited JSON envelopes spoken between
// the host, the daemon, and sandbox runner processes.
// Every line on the wire is exactly one Request, Response, or Notification.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Method names.
const (
	// Client → daemon
	MethodPing     = "ping"
	MethodStats    = "stats"
	MethodExecute  = "execute"
	MethodCancel   = "cancel"
	MethodShutdown = "shutdown"

	// Host → runner
	MethodInitialize  = "initialize"
	MethodGetVariable = "get_variable"
	MethodDestroy     = "destroy"

	// Sandbox → host (bridge callbacks, answered while the caller is suspended)
	MethodBridgeLLM = "bridge.llm"
	MethodBridgeRLM = "bridge.rlm"

	// Runner → host notification carrying a chunk of stdout or stderr.
	MethodOutput = "output"
)

// Error codes. The -327xx range follows JSON-RPC; -320xx are application codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTimeout        = -32000
	CodeSandboxCrash   = -32001
	CodePoolExhausted  = -32002
	CodeCancelled      = -32003
	CodeDepthExceeded  = -32004
	CodeUnknownBackend = -32005
)

// ParseErrorID is the id used when a response answers input that could not be parsed.
const ParseErrorID int64 = 0

// Request asks the peer to perform Method. ID must be non-zero; the peer
// answers with a Response carrying the same ID.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a one-way message; it has no id and gets no answer.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the wire form of a failure. Data optionally carries a partial
// result, e.g. the output collected before a timeout.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches v as the error's data. A marshaling failure leaves Data unset.
func (e *Error) WithData(v any) *Error {
	if raw, err := json.Marshal(v); err == nil {
		e.Data = raw
	}
	return e
}

// Frame is the union of every envelope shape, used when decoding a line
// whose kind is not known in advance.
type Frame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects a Response.
func (f *Frame) IsRequest() bool { return f.Method != "" && f.ID != 0 }

// IsNotification reports whether the frame is a one-way message.
func (f *Frame) IsNotification() bool { return f.Method != "" && f.ID == 0 }

// IsResponse reports whether the frame answers an earlier Request.
func (f *Frame) IsResponse() bool { return f.Method == "" }

// Request returns the frame viewed as a Request.
func (f *Frame) Request() *Request {
	return &Request{ID: f.ID, Method: f.Method, Params: f.Params}
}

// Response returns the frame viewed as a Response.
func (f *Frame) Response() *Response {
	return &Response{ID: f.ID, Result: f.Result, Error: f.Error}
}

// ParseFrame decodes one line. The returned *Error is ready to be sent back
// to the peer with ParseErrorID (or the frame id when one was recovered).
func ParseFrame(line []byte) (*Frame, *Error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, Errorf(CodeParseError, "parse error: %v", err)
	}
	if f.Method == "" && f.Result == nil && f.Error == nil {
		return &f, Errorf(CodeInvalidRequest, "invalid request: missing method")
	}
	return &f, nil
}

// NewRequest marshals params into a Request.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification marshals params into a Notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResult marshals result into a success Response.
func NewResult(id int64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failure Response.
func NewErrorResponse(id int64, e *Error) *Response {
	return &Response{ID: id, Error: e}
}

// DecodeParams unmarshals Params into target. Empty params leave target untouched.
func (r *Request) DecodeParams(target any) *Error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, target); err != nil {
		return Errorf(CodeInvalidParams, "invalid params for %s: %v", r.Method, err)
	}
	return nil
}

// Decode unmarshals a success Result into target, or returns the carried Error.
func (r *Response) Decode(target any) error {
	if r.Error != nil {
		return r.Error
	}
	if target == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, target)
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// --- Payloads ---

// InitializeParams carries the value exposed to sandboxed code as `context`.
// Reset clears every other global first.
type InitializeParams struct {
	Context string `json:"context"`
	Reset   bool   `json:"reset,omitempty"`
}

// ExecuteParams asks for code to be run. The daemon honors Context and
// TimeoutMs; a runner process only reads Code.
type ExecuteParams struct {
	Code      string  `json:"code"`
	Context   *string `json:"context,omitempty"`
	TimeoutMs int64   `json:"timeout_ms,omitempty"`
}

// ExecuteResult is the outcome of one execute call. DurationMs is wall-clock.
type ExecuteResult struct {
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	Result     string  `json:"result,omitempty"`
	DurationMs float64 `json:"duration_ms"`
	Warning    string  `json:"warning,omitempty"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// GetVariableParams names a global in the sandbox.
type GetVariableParams struct {
	Name string `json:"name"`
}

// GetVariableResult is the string form of a global; Found is false when unset.
type GetVariableResult struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// CancelParams names the in-flight execute request to stop.
type CancelParams struct {
	ID int64 `json:"id"`
}

// CancelResult reports whether a matching request was still running.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// BridgeLLMParams is sent by sandboxed code calling llm_query.
type BridgeLLMParams struct {
	Prompt string `json:"prompt"`
}

// BridgeRLMParams is sent by sandboxed code calling rlm_query.
type BridgeRLMParams struct {
	Task    string `json:"task"`
	Context string `json:"ctx,omitempty"`
}

// BridgeResult carries the text handed back into the suspended sandbox.
type BridgeResult struct {
	Text string `json:"text"`
}

// OutputParams is one streamed chunk of runner output.
type OutputParams struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
}

// StatusResult is the generic acknowledgement.
type StatusResult struct {
	Status string `json:"status"`
}

// PingResult answers ping.
type PingResult struct {
	Status     string `json:"status"`
	PID        int    `json:"pid"`
	InstanceID string `json:"instance_id"`
	Backend    string `json:"backend"`
}

// StatsResult is a snapshot of the worker pool.
type StatsResult struct {
	Workers      int   `json:"workers"`
	Busy         int   `json:"busy"`
	Idle         int   `json:"idle"`
	Queued       int   `json:"queued"`
	QueueSize    int   `json:"queue_size"`
	Served       int64 `json:"served"`
	Retired      int64 `json:"retired"`
	Rejected     int64 `json:"rejected"`
	Connections  int   `json:"connections"`
	UptimeMillis int64 `json:"uptime_ms"`
}
