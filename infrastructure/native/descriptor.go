package native

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/application/validation"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"gopkg.in/yaml.v3"
)

// DescriptorVersion is the value of the native key that marks a
// descriptor.
const DescriptorVersion = "v1"

const (
	descriptorMarker = "native:"
	descriptorSchema = "native_descriptor"
)

// Descriptor is a native module: a YAML document naming a registered
// program.
//
//	native: v1
//	program: builtin
//	exports: [echo, sum]
//	imports:
//	  - {module: sandbox, name: net_connect}
//	memory:
//	  initial_bytes: 65536
type Descriptor struct {
	Native  string            `json:"native" yaml:"native" jsonschema:"enum=v1"`
	Program string            `json:"program" yaml:"program" jsonschema:"minLength=1"`
	Exports []string          `json:"exports,omitempty" yaml:"exports,omitempty" jsonschema:"uniqueItems=true"`
	Imports []entities.Import `json:"imports,omitempty" yaml:"imports,omitempty"`
	Memory  MemorySpec        `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// MemorySpec declares the initial linear memory.
type MemorySpec struct {
	InitialBytes uint64 `json:"initial_bytes,omitempty" yaml:"initial_bytes,omitempty"`
}

// looksLikeDescriptor reports whether data starts with the native key.
func looksLikeDescriptor(data []byte) bool {
	for {
		data = bytes.TrimLeft(data, " \t\r\n")
		if !bytes.HasPrefix(data, []byte("#")) {
			break
		}
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return false
		}
		data = data[nl+1:]
	}
	return bytes.HasPrefix(data, []byte(descriptorMarker))
}

// ParseDescriptor decodes YAML and checks it against the descriptor
// schema.
func ParseDescriptor(v *validation.Validator, data []byte) (*Descriptor, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &entities.InvalidModule{Reason: fmt.Sprintf("descriptor is not YAML: %v", err)}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &entities.InvalidModule{Reason: fmt.Sprintf("descriptor has non-string keys: %v", err)}
	}
	if err := v.ValidateJSON(descriptorSchema, raw); err != nil {
		return nil, &entities.InvalidModule{Reason: err.Error()}
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &entities.InvalidModule{Reason: err.Error()}
	}
	return &d, nil
}

func registerDescriptorSchema(v *validation.Validator) error {
	if _, ok := v.Schema(descriptorSchema); ok {
		return nil
	}
	return v.RegisterType(descriptorSchema, Descriptor{})
}
