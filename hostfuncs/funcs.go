package hostfuncs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// LogRequest is the log payload.
type LogRequest struct {
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (h *Host) log(ctx context.Context, call *Call) (any, error) {
	var req LogRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if req.Level != "" {
		if err := level.UnmarshalText([]byte(req.Level)); err != nil {
			return nil, &entities.ConfigurationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", req.Level)}
		}
	}
	attrs := make([]slog.Attr, 0, len(req.Fields)+1)
	attrs = append(attrs, slog.String("source", "guest"))
	for k, v := range req.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	call.Logger().LogAttrs(ctx, level, req.Message, attrs...)
	return nil, nil
}

// EnvRequest is the env_get payload.
type EnvRequest struct {
	Name string `json:"name"`
}

// EnvResponse is the env_get result.
type EnvResponse struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

func (h *Host) envGet(ctx context.Context, call *Call) (any, error) {
	var req EnvRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, &entities.ConfigurationError{Field: "name", Reason: "variable name is required"}
	}
	if err := call.Require(ctx, entities.EnvRequest(req.Name)); err != nil {
		return nil, err
	}
	v, ok := h.lookupEnv(req.Name)
	return EnvResponse{Value: v, Found: ok}, nil
}

// FileReadRequest is the fs_read payload.
type FileReadRequest struct {
	Path string `json:"path"`
	// Limit caps the bytes returned; 0 means the host maximum.
	Limit int64 `json:"limit,omitempty"`
}

// FileReadResponse is the fs_read result.
type FileReadResponse struct {
	Data      []byte `json:"data"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

// FileWriteRequest is the fs_write payload.
type FileWriteRequest struct {
	Path   string `json:"path"`
	Data   []byte `json:"data"`
	Append bool   `json:"append,omitempty"`
}

// FileWriteResponse is the fs_write result.
type FileWriteResponse struct {
	Written int `json:"written"`
}

// cleanPath requires an absolute path and removes . and .. elements so
// the checked path is the path opened.
func cleanPath(p string) (string, error) {
	if p == "" || !filepath.IsAbs(p) {
		return "", &entities.ConfigurationError{Field: "path", Reason: fmt.Sprintf("%q is not an absolute path", p)}
	}
	return filepath.Clean(p), nil
}

// requirePath checks path and, when a symlink redirects it, the path it
// resolves to. For paths that do not exist yet the parent directory is
// resolved instead.
func requirePath(ctx context.Context, call *Call, op entities.Operation, path string) error {
	if err := call.Require(ctx, entities.FSRequest(op, path)); err != nil {
		return err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		dir, derr := filepath.EvalSymlinks(filepath.Dir(path))
		if derr != nil {
			return nil
		}
		resolved = filepath.Join(dir, filepath.Base(path))
	} else if err != nil {
		return nil
	}
	if resolved == path {
		return nil
	}
	return call.Require(ctx, entities.FSRequest(op, resolved))
}

func (h *Host) fsRead(ctx context.Context, call *Call) (any, error) {
	var req FileReadRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	path, err := cleanPath(req.Path)
	if err != nil {
		return nil, err
	}
	if err := requirePath(ctx, call, entities.OpRead, path); err != nil {
		return nil, err
	}
	release, err := call.Acquire(ctx, entities.ResourceHandles)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := os.Open(path)
	if err != nil {
		return nil, &entities.NotFound{What: "file", ID: path}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, &entities.ConfigurationError{Field: "path", Reason: path + " is a directory"}
	}
	limit := h.maxFileSize
	if req.Limit > 0 {
		limit = min(limit, req.Limit)
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return FileReadResponse{Data: data, Size: info.Size(), Truncated: info.Size() > int64(len(data))}, nil
}

func (h *Host) fsWrite(ctx context.Context, call *Call) (any, error) {
	var req FileWriteRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	path, err := cleanPath(req.Path)
	if err != nil {
		return nil, err
	}
	if int64(len(req.Data)) > h.maxFileSize {
		return nil, &entities.ConfigurationError{Field: "data", Reason: fmt.Sprintf("%d bytes exceeds the %d byte file limit", len(req.Data), h.maxFileSize)}
	}
	if err := requirePath(ctx, call, entities.OpWrite, path); err != nil {
		return nil, err
	}
	release, err := call.Acquire(ctx, entities.ResourceHandles)
	if err != nil {
		return nil, err
	}
	defer release()

	flags := os.O_WRONLY | os.O_CREATE
	if req.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	n, err := f.Write(req.Data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return FileWriteResponse{Written: n}, nil
}

// ConnectRequest is the net_connect payload. The connection is opened,
// optionally used for one exchange, and closed before the call returns.
type ConnectRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Network   string `json:"network,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	Send      []byte `json:"send,omitempty"`
	// ReadLimit is the most bytes read back after Send.
	ReadLimit int `json:"read_limit,omitempty"`
}

// ConnectResponse is the net_connect result.
type ConnectResponse struct {
	Connected  bool   `json:"connected"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Received   []byte `json:"received,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

const defaultConnectTimeout = 10 * time.Second

func (h *Host) netConnect(ctx context.Context, call *Call) (any, error) {
	var req ConnectRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		return nil, &entities.ConfigurationError{Field: "address", Reason: fmt.Sprintf("invalid address %s:%d", req.Host, req.Port)}
	}
	network := req.Network
	switch network {
	case "":
		network = "tcp"
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
	default:
		return nil, &entities.ConfigurationError{Field: "network", Reason: fmt.Sprintf("unsupported network %q", network)}
	}
	host := strings.ToLower(strings.TrimSuffix(req.Host, "."))
	if err := call.Require(ctx, entities.NetworkRequest(entities.OpConnect, host, req.Port)); err != nil {
		return nil, err
	}
	release, err := call.Acquire(ctx, entities.ResourceConnections)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := defaultConnectTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := h.dialer.DialContext(dialCtx, network, net.JoinHostPort(host, strconv.Itoa(req.Port)))
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ConnectResponse{LatencyMs: latency.Milliseconds(), Error: err.Error()}, nil
	}
	defer conn.Close()

	resp := ConnectResponse{Connected: true, RemoteAddr: conn.RemoteAddr().String(), LatencyMs: latency.Milliseconds()}
	if len(req.Send) == 0 {
		return resp, nil
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(req.Send); err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	if req.ReadLimit > 0 {
		buf := make([]byte, min(req.ReadLimit, int(h.maxFileSize)))
		n, err := io.ReadAtLeast(conn, buf, 1)
		resp.Received = buf[:n]
		if err != nil && !errors.Is(err, io.EOF) {
			resp.Error = err.Error()
		}
	}
	return resp, nil
}

// RPCRequest is the rpc_call payload.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the rpc_call result.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

func (h *Host) rpcCall(ctx context.Context, call *Call) (any, error) {
	var req RPCRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, &entities.ConfigurationError{Field: "method", Reason: "method is required"}
	}
	if call.Binding.RPC == nil {
		return nil, &entities.NotFound{What: "channel", ID: call.Binding.InstanceID}
	}
	result, err := call.Binding.RPC.CallJSON(ctx, req.Method, req.Params)
	if err != nil {
		return nil, err
	}
	return RPCResponse{Result: result}, nil
}
