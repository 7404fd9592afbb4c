package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// ErrNoHost is returned by host calls made outside the sandbox.
var ErrNoHost = errors.New("guest: host functions are only available inside the sandbox")

// Transport carries one host function call and returns the raw result
// envelope.
type Transport interface {
	Call(name string, payload []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(name string, payload []byte) ([]byte, error)

// Call implements Transport.
func (f TransportFunc) Call(name string, payload []byte) ([]byte, error) { return f(name, payload) }

// Host calls host functions over a Transport. Refusals come back as the
// typed errors of domain/entities, so errors.Is(err,
// entities.ErrSecurityViolation) works inside the guest.
type Host struct {
	t Transport
}

// NewHost returns a Host speaking over t.
func NewHost(t Transport) *Host {
	return &Host{t: t}
}

// Invoke calls the host function name with req encoded as JSON and decodes
// the result data into resp, which may be nil.
func (h *Host) Invoke(name string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("guest: encoding %s request: %w", name, err)
	}
	raw, err := h.t.Call(name, payload)
	if err != nil {
		return err
	}
	var res result
	if err := json.Unmarshal(raw, &res); err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s result: %w", name, err)}
	}
	if res.Error != nil {
		return entities.FromDetail(res.Error)
	}
	if resp == nil || len(res.Data) == 0 || string(res.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(res.Data, resp); err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s data: %w", name, err)}
	}
	return nil
}

// Log writes a message to the host log at level.
func (h *Host) Log(level slog.Level, msg string, fields map[string]any) error {
	return h.Invoke(FuncLog, logRequest{Level: level.String(), Message: msg, Fields: fields}, nil)
}

// Getenv reads a host environment variable.
func (h *Host) Getenv(name string) (string, bool, error) {
	var resp envResponse
	if err := h.Invoke(FuncEnvGet, envRequest{Name: name}, &resp); err != nil {
		return "", false, err
	}
	return resp.Value, resp.Found, nil
}

// ReadFile reads at most limit bytes of the host file at path; 0 means
// the host maximum.
func (h *Host) ReadFile(path string, limit int64) (File, error) {
	var f File
	err := h.Invoke(FuncFSRead, fileReadRequest{Path: path, Limit: limit}, &f)
	return f, err
}

// WriteFile writes data to the host file at path, appending when asked.
func (h *Host) WriteFile(path string, data []byte, appendTo bool) (int, error) {
	var resp fileWriteResponse
	err := h.Invoke(FuncFSWrite, fileWriteRequest{Path: path, Data: data, Append: appendTo}, &resp)
	return resp.Written, err
}

// Connect opens a connection as described by d.
func (h *Host) Connect(d Dial) (Conn, error) {
	var c Conn
	err := h.Invoke(FuncNetConnect, d, &c)
	return c, err
}

// HTTP performs req on the host.
func (h *Host) HTTP(req Request) (Response, error) {
	var resp Response
	err := h.Invoke(FuncHTTPRequest, req, &resp)
	return resp, err
}

// Call invokes a method the embedding application registered on the host
// side of the instance channel.
func (h *Host) Call(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return &entities.Cancelled{Cause: entities.CauseCaller, Err: err}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("guest: encoding %s params: %w", method, err)
	}
	var resp rpcResponse
	if err := h.Invoke(FuncRPCCall, rpcRequest{Method: method, Params: raw}, &resp); err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}
