package wazero

import (
	"fmt"
	"slices"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/abi"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// HostModule is the import module serving host functions.
const HostModule = "sandbox"

// HostCall is the generic host function: (name i64, payload i64) -> i64,
// both arguments packed pointer/length pairs.
const HostCall = "host_call"

const (
	pageSize     = 65536
	memoryExport = abi.ExportMemory
)

// wasiAllowed is the WASI subset a guest may import. Filesystem, socket
// and process-spawning calls are absent; guests reach those only through
// capability-checked host functions.
var wasiAllowed = map[string]bool{
	"args_get":          true,
	"args_sizes_get":    true,
	"environ_get":       true,
	"environ_sizes_get": true,
	"clock_res_get":     true,
	"clock_time_get":    true,
	"random_get":        true,
	"proc_exit":         true,
	"sched_yield":       true,
	"fd_write":          true,
	"fd_close":          true,
	"fd_fdstat_get":     true,
	"fd_seek":           true,
}

func (e *Engine) allowImport(modName, name string, def api.FunctionDefinition) error {
	switch modName {
	case wasi_snapshot_preview1.ModuleName:
		if wasiAllowed[name] {
			return nil
		}
	case HostModule:
		want := []api.ValueType{api.ValueTypeI64}
		if name == HostCall {
			want = []api.ValueType{api.ValueTypeI64, api.ValueTypeI64}
		} else if !slices.Contains(e.hostFunctions, name) {
			break
		}
		if !slices.Equal(def.ParamTypes(), want) || !slices.Equal(def.ResultTypes(), []api.ValueType{api.ValueTypeI64}) {
			return &entities.InvalidModule{Reason: fmt.Sprintf("import %s.%s has the wrong signature", modName, name)}
		}
		return nil
	}
	return &entities.InvalidModule{Reason: fmt.Sprintf("import %s.%s not allowed", modName, name)}
}

func abiHelper(name string) bool {
	switch name {
	case abi.ExportAllocate, abi.ExportDeallocate, "_initialize", "_start":
		return true
	}
	return false
}

// isByteABI reports whether fn takes a (ptr, len) payload or nothing and
// returns a packed payload.
func isByteABI(fn api.FunctionDefinition) bool {
	params := fn.ParamTypes()
	results := fn.ResultTypes()
	if !slices.Equal(results, []api.ValueType{api.ValueTypeI64}) {
		return false
	}
	return len(params) == 0 || slices.Equal(params, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32})
}

func checkABIExports(exported map[string]api.FunctionDefinition, hasMemory bool) error {
	if !hasMemory {
		return &entities.InvalidModule{Reason: "byte ABI requires an exported memory"}
	}
	alloc, ok := exported[abi.ExportAllocate]
	if !ok || !slices.Equal(alloc.ParamTypes(), []api.ValueType{api.ValueTypeI32}) ||
		!slices.Equal(alloc.ResultTypes(), []api.ValueType{api.ValueTypeI32}) {
		return &entities.InvalidModule{Reason: "byte ABI requires allocate(i32) -> i32"}
	}
	dealloc, ok := exported[abi.ExportDeallocate]
	if !ok || !slices.Equal(dealloc.ParamTypes(), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}) ||
		len(dealloc.ResultTypes()) != 0 {
		return &entities.InvalidModule{Reason: "byte ABI requires deallocate(i32, i32)"}
	}
	return nil
}

func signature(name string, fn api.FunctionDefinition) entities.FunctionSignature {
	if isByteABI(fn) {
		return entities.FunctionSignature{
			Name:    name,
			Params:  []entities.ValueType{entities.ValueBytes},
			Results: []entities.ValueType{entities.ValueBytes},
		}
	}
	return entities.FunctionSignature{
		Name:    name,
		Params:  valueTypes(fn.ParamTypes()),
		Results: valueTypes(fn.ResultTypes()),
	}
}

func valueTypes(vts []api.ValueType) []entities.ValueType {
	if len(vts) == 0 {
		return nil
	}
	out := make([]entities.ValueType, len(vts))
	for i, vt := range vts {
		switch vt {
		case api.ValueTypeI32:
			out[i] = entities.ValueI32
		case api.ValueTypeI64:
			out[i] = entities.ValueI64
		case api.ValueTypeF32:
			out[i] = entities.ValueF32
		case api.ValueTypeF64:
			out[i] = entities.ValueF64
		default:
			out[i] = entities.ValueType(api.ValueTypeName(vt))
		}
	}
	return out
}
