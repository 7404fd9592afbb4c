//go:build wasip1

package guest

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/reglet-dev/reglet-sandbox/internal/abi"
)

// pinned keeps buffers handed to the host reachable until deallocate.
var pinned = struct {
	sync.Mutex
	bufs map[uint32][]byte
}{bufs: make(map[uint32][]byte)}

//go:wasmexport allocate
func allocate(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	pinned.Lock()
	pinned.bufs[ptr] = buf
	pinned.Unlock()
	return ptr
}

//go:wasmexport deallocate
func deallocate(ptr, _ uint32) {
	pinned.Lock()
	delete(pinned.bufs, ptr)
	pinned.Unlock()
}

func readMemory(ptr, size uint32) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	return append([]byte(nil), src...)
}

// pack copies data into pinned memory for the host to read. The host
// releases it with deallocate.
func pack(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	ptr := allocate(uint32(len(data)))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(data)), data)
	packed, _ := abi.PackPtrLen(ptr, uint32(len(data)))
	return packed
}

// take reads a host-written result and releases it.
func take(packed uint64) []byte {
	ptr, size, err := abi.UnpackPtrLen(packed)
	if err != nil || ptr == 0 {
		return nil
	}
	data := readMemory(ptr, size)
	deallocate(ptr, size)
	return data
}

// Serve runs h for an exported function called with the byte ABI and
// returns the packed result. An error from h traps the call after it is
// logged to the host.
func Serve(ptr, size uint32, h Handler) uint64 {
	params := readMemory(ptr, size)
	out, err := run(context.Background(), params, h)
	if err != nil {
		_ = Default().Log(slog.LevelError, "guest function failed", map[string]any{"error": err.Error()})
		panic(err)
	}
	return pack(out)
}

//go:wasmimport sandbox host_call
func hostCall(name, payload uint64) uint64

//go:wasmimport sandbox log
func hostLog(payload uint64) uint64

//go:wasmimport sandbox env_get
func hostEnvGet(payload uint64) uint64

//go:wasmimport sandbox fs_read
func hostFSRead(payload uint64) uint64

//go:wasmimport sandbox fs_write
func hostFSWrite(payload uint64) uint64

//go:wasmimport sandbox net_connect
func hostNetConnect(payload uint64) uint64

//go:wasmimport sandbox http_request
func hostHTTPRequest(payload uint64) uint64

//go:wasmimport sandbox rpc_call
func hostRPCCall(payload uint64) uint64

var named = map[string]func(uint64) uint64{
	FuncLog:         hostLog,
	FuncEnvGet:      hostEnvGet,
	FuncFSRead:      hostFSRead,
	FuncFSWrite:     hostFSWrite,
	FuncNetConnect:  hostNetConnect,
	FuncHTTPRequest: hostHTTPRequest,
	FuncRPCCall:     hostRPCCall,
}

type importTransport struct{}

func (importTransport) Call(name string, payload []byte) ([]byte, error) {
	p := pack(payload)
	defer release(p)
	if fn, ok := named[name]; ok {
		return take(fn(p)), nil
	}
	n := pack([]byte(name))
	defer release(n)
	return take(hostCall(n, p)), nil
}

func release(packed uint64) {
	if ptr, size, err := abi.UnpackPtrLen(packed); err == nil && ptr != 0 {
		deallocate(ptr, size)
	}
}

var defaultHost = NewHost(importTransport{})

// Default returns the Host bound to the sandbox import module.
func Default() *Host { return defaultHost }
