package entities

import (
	"fmt"
	"strconv"
)

// Request describes one attempted access checked against a capability.
type Request struct {
	Kind      PermissionKind `json:"kind"`
	Operation Operation      `json:"operation"`
	// Target is the path, host, command, variable or host-function name.
	Target string `json:"target"`
	// Port is set for network requests.
	Port int `json:"port,omitempty"`
}

// NetworkRequest represents an attempt to reach host:port.
func NetworkRequest(op Operation, host string, port int) Request {
	return Request{Kind: KindNetwork, Operation: op, Target: host, Port: port}
}

// FSRequest represents an attempt to access a path.
func FSRequest(op Operation, path string) Request {
	return Request{Kind: KindFS, Operation: op, Target: path}
}

// EnvRequest represents an attempt to read an environment variable.
func EnvRequest(name string) Request {
	return Request{Kind: KindEnv, Operation: OpGet, Target: name}
}

// ProcessRequest represents an attempt to spawn a command.
func ProcessRequest(command string) Request {
	return Request{Kind: KindProcess, Operation: OpSpawn, Target: command}
}

// HostCallRequest represents an attempt to invoke a host function.
func HostCallRequest(name string) Request {
	return Request{Kind: KindHostCall, Operation: OpCall, Target: name}
}

// Attempted renders the requested resource the way audit records show it.
func (r Request) Attempted() string {
	if r.Kind == KindNetwork && r.Port > 0 {
		return r.Target + ":" + strconv.Itoa(r.Port)
	}
	return r.Target
}

func (r Request) String() string {
	return fmt.Sprintf("%s:%s:%s", r.Kind, r.Operation, r.Attempted())
}
