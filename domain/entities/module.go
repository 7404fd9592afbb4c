package entities

// ValueType is a guest function parameter or result type.
type ValueType string

const (
	ValueI32   ValueType = "i32"
	ValueI64   ValueType = "i64"
	ValueF32   ValueType = "f32"
	ValueF64   ValueType = "f64"
	ValueBytes ValueType = "bytes"
)

// FunctionSignature describes an exported guest function.
type FunctionSignature struct {
	Name    string      `json:"name" yaml:"name"`
	Params  []ValueType `json:"params,omitempty" yaml:"params,omitempty"`
	Results []ValueType `json:"results,omitempty" yaml:"results,omitempty"`
}

// Import is a function a module expects the host to provide.
type Import struct {
	Module string `json:"module" yaml:"module"`
	Name   string `json:"name" yaml:"name"`
}

func (i Import) String() string { return i.Module + "." + i.Name }

// ModuleInfo is the immutable description of a loaded module.
type ModuleInfo struct {
	// ID is the hex BLAKE3 hash of the module bytes.
	ID      string              `json:"id"`
	Engine  string              `json:"engine"`
	Size    int                 `json:"size"`
	Exports []FunctionSignature `json:"exports"`
	Imports []Import            `json:"imports,omitempty"`
	// MinMemoryBytes is the initial linear memory the module declares.
	MinMemoryBytes uint64 `json:"min_memory_bytes,omitempty"`
}

// Export looks up an exported function by name.
func (m ModuleInfo) Export(name string) (FunctionSignature, bool) {
	for _, fn := range m.Exports {
		if fn.Name == name {
			return fn, true
		}
	}
	return FunctionSignature{}, false
}

// EngineInfo describes an execution engine.
type EngineInfo struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Features []string `json:"features,omitempty"`
}

// Engine feature names.
const (
	FeatureMemoryHook = "memory-hook"
	FeatureFuel       = "fuel"
	FeatureInterrupt  = "interrupt"
	FeatureWASI       = "wasi"
)
