// Package validation checks limits, capability specs and descriptors
// against JSON schemas generated from their Go types.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/reglet-dev/reglet-sandbox/application/capability"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in schema names.
const (
	SchemaLimits         = "limits"
	SchemaCapabilitySpec = "capability_spec"
	SchemaPermission     = "permission"
)

const schemaBaseURL = "https://reglet.dev/sandbox/schemas/"

// GenerateSchema reflects v into a JSON schema document. Unknown
// properties are rejected.
func GenerateSchema(v any) ([]byte, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		ExpandedStruct: true,
		DoNotReference: true,
	}
	return json.Marshal(r.Reflect(v))
}

// Validator compiles schemas once and validates values against them.
type Validator struct {
	mu       sync.Mutex
	compiler *santhosh.Compiler
	schemas  map[string]*santhosh.Schema
}

// New returns a validator with the built-in schemas registered.
func New() (*Validator, error) {
	v := &Validator{
		compiler: santhosh.NewCompiler(),
		schemas:  make(map[string]*santhosh.Schema),
	}
	builtins := map[string]any{
		SchemaLimits:         entities.ResourceLimits{},
		SchemaCapabilitySpec: capability.Spec{},
		SchemaPermission:     entities.Permission{},
	}
	for name, sample := range builtins {
		if err := v.RegisterType(name, sample); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// MustNew is New for package-level initialization.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic("validation: " + err.Error())
	}
	return v
}

// RegisterType generates a schema from sample and registers it as name.
func (v *Validator) RegisterType(name string, sample any) error {
	doc, err := GenerateSchema(sample)
	if err != nil {
		return fmt.Errorf("generating schema %s: %w", name, err)
	}
	return v.Register(name, doc)
}

// Register compiles a JSON schema document under name.
func (v *Validator) Register(name string, schema []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.schemas[name]; exists {
		return &entities.ConfigurationError{Field: "schema", Reason: fmt.Sprintf("schema %q already registered", name)}
	}
	url := schemaBaseURL + name + ".json"
	if err := v.compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("adding schema %s: %w", name, err)
	}
	compiled, err := v.compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// Validate checks value against the named schema. value is converted to
// its JSON form first, so struct tags decide property names.
func (v *Validator) Validate(name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &entities.ConfigurationError{Field: name, Reason: fmt.Sprintf("not representable as JSON: %v", err)}
	}
	return v.ValidateJSON(name, raw)
}

// ValidateJSON checks a JSON document against the named schema.
func (v *Validator) ValidateJSON(name string, doc []byte) error {
	v.mu.Lock()
	schema, ok := v.schemas[name]
	v.mu.Unlock()
	if !ok {
		return &entities.NotFound{What: "schema", ID: name}
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var obj any
	if err := dec.Decode(&obj); err != nil {
		return &entities.ConfigurationError{Field: name, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return check(name, schema, obj)
}

// ValidateDocument checks an already decoded document, such as one read
// from YAML.
func (v *Validator) ValidateDocument(name string, obj any) error {
	v.mu.Lock()
	schema, ok := v.schemas[name]
	v.mu.Unlock()
	if !ok {
		return &entities.NotFound{What: "schema", ID: name}
	}
	return check(name, schema, obj)
}

func check(name string, schema *santhosh.Schema, obj any) error {
	if err := schema.Validate(obj); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			leaf := deepest(ve)
			return &entities.ConfigurationError{Field: fieldPath(name, leaf.InstanceLocation), Reason: leaf.Message}
		}
		return &entities.ConfigurationError{Field: name, Reason: err.Error()}
	}
	return nil
}

// Schema returns a compiled schema.
func (v *Validator) Schema(name string) (*santhosh.Schema, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.schemas[name]
	return s, ok
}

// ValidateLimits validates resource limits.
func (v *Validator) ValidateLimits(limits entities.ResourceLimits) error {
	return v.Validate(SchemaLimits, limits)
}

// ValidateSpec validates a capability spec.
func (v *Validator) ValidateSpec(spec capability.Spec) error {
	return v.Validate(SchemaCapabilitySpec, spec)
}

func deepest(ve *santhosh.ValidationError) *santhosh.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// fieldPath turns a JSON pointer such as /permissions/0/patterns into
// permissions[0].patterns.
func fieldPath(name, pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return name
	}
	var b strings.Builder
	for i, part := range strings.Split(pointer, "/") {
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
