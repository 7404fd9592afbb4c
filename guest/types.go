package guest

import (
	"encoding/json"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// Host function names.
const (
	FuncLog         = "log"
	FuncEnvGet      = "env_get"
	FuncFSRead      = "fs_read"
	FuncFSWrite     = "fs_write"
	FuncNetConnect  = "net_connect"
	FuncHTTPRequest = "http_request"
	FuncRPCCall     = "rpc_call"
)

// result is the envelope every host function answers with.
type result struct {
	Data  json.RawMessage       `json:"data,omitempty"`
	Error *entities.ErrorDetail `json:"error,omitempty"`
}

type logRequest struct {
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type envRequest struct {
	Name string `json:"name"`
}

type envResponse struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type fileReadRequest struct {
	Path  string `json:"path"`
	Limit int64  `json:"limit,omitempty"`
}

// File is the content returned by ReadFile.
type File struct {
	Data      []byte `json:"data"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

type fileWriteRequest struct {
	Path   string `json:"path"`
	Data   []byte `json:"data"`
	Append bool   `json:"append,omitempty"`
}

type fileWriteResponse struct {
	Written int `json:"written"`
}

// Dial describes a TCP exchange: connect, optionally send, read back.
type Dial struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Network   string `json:"network,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	Send      []byte `json:"send,omitempty"`
	ReadLimit int    `json:"read_limit,omitempty"`
}

// Conn reports the outcome of a Dial.
type Conn struct {
	Connected  bool   `json:"connected"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Received   []byte `json:"received,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// Request is an outbound HTTP request made by the host on the guest's
// behalf.
type Request struct {
	Headers         map[string]string `json:"headers,omitempty"`
	FollowRedirects *bool             `json:"follow_redirects,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Body            []byte            `json:"body,omitempty"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`
	MaxRedirects    int               `json:"max_redirects,omitempty"`
}

// Response is the host's answer to a Request. Transport failures land in
// Error, not in the error returned by HTTP.
type Response struct {
	Headers       map[string][]string `json:"headers,omitempty"`
	Error         *ResponseError      `json:"error,omitempty"`
	Proto         string              `json:"proto,omitempty"`
	Body          []byte              `json:"body,omitempty"`
	LatencyMs     int64               `json:"latency_ms,omitempty"`
	StatusCode    int                 `json:"status_code"`
	BodyTruncated bool                `json:"body_truncated,omitempty"`
}

// ResponseError is a failed HTTP exchange.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string { return e.Message }

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}
