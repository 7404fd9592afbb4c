package native

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// Service is embedded in program structs to provide metadata.
// Tag format: `name:"program_name" desc:"Program description"`
type Service struct{}

// operation is the marker implemented by Op fields.
type operation interface {
	types() (in, out reflect.Type)
}

// Op declares an exported function with JSON-encoded input I and output
// O. The method serving it has the signature
// func(ctx context.Context, in *I) (*O, error).
type Op[I, O any] struct{}

func (Op[I, O]) types() (reflect.Type, reflect.Type) {
	return reflect.TypeFor[I](), reflect.TypeFor[O]()
}

// Func is the raw form of an exported function. The calling Guest is
// available through GuestFrom.
type Func func(ctx context.Context, params []byte) ([]byte, error)

type export struct {
	name        string
	description string
	fn          Func
}

// Program is a named set of exported functions.
type Program struct {
	Name        string
	Description string

	exports map[string]*export
	order   []string
}

// NewProgram returns an empty program.
func NewProgram(name, description string) *Program {
	return &Program{Name: name, Description: description, exports: make(map[string]*export)}
}

// Export adds a raw function.
func (p *Program) Export(name, description string, fn Func) error {
	if name == "" {
		return fmt.Errorf("program %s: export name is empty", p.Name)
	}
	if _, exists := p.exports[name]; exists {
		return fmt.Errorf("program %s: export %s defined twice", p.Name, name)
	}
	p.exports[name] = &export{name: name, description: description, fn: fn}
	p.order = append(p.order, name)
	return nil
}

// Signatures describes every export with the byte ABI.
func (p *Program) Signatures() []entities.FunctionSignature {
	sigs := make([]entities.FunctionSignature, 0, len(p.order))
	for _, name := range p.order {
		sigs = append(sigs, entities.FunctionSignature{
			Name:    name,
			Params:  []entities.ValueType{entities.ValueBytes},
			Results: []entities.ValueType{entities.ValueBytes},
		})
	}
	return sigs
}

func (p *Program) lookup(name string) (*export, bool) {
	e, ok := p.exports[name]
	return e, ok
}

// Programs is the set of programs module descriptors may name.
type Programs struct {
	mu       sync.RWMutex
	programs map[string]*Program
}

// NewPrograms returns an empty program set.
func NewPrograms() *Programs {
	return &Programs{programs: make(map[string]*Program)}
}

// Add registers a program under its name.
func (r *Programs) Add(p *Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.programs[p.Name]; exists {
		return fmt.Errorf("program %s already registered", p.Name)
	}
	r.programs[p.Name] = p
	return nil
}

// Get returns the program registered as name.
func (r *Programs) Get(name string) (*Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	return p, ok
}

// Names lists registered programs alphabetically.
func (r *Programs) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MustRegister registers a service or panics.
// Use this in init() functions.
func (r *Programs) MustRegister(svc any) {
	if err := r.Register(svc); err != nil {
		panic(fmt.Sprintf("failed to register program: %v", err))
	}
}

// Register builds a program from the Op fields of a service struct and
// adds it.
func (r *Programs) Register(svc any) error {
	p, err := programFromService(svc)
	if err != nil {
		return err
	}
	return r.Add(p)
}

func programFromService(svc any) (*Program, error) {
	svcType := reflect.TypeOf(svc)
	svcValue := reflect.ValueOf(svc)

	if svcType == nil || svcType.Kind() != reflect.Pointer || svcType.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service must be a pointer to struct, got %T", svc)
	}
	structType := svcType.Elem()

	name, desc, err := extractServiceMetadata(structType)
	if err != nil {
		return nil, err
	}
	ops, err := extractOperations(structType)
	if err != nil {
		return nil, err
	}

	p := NewProgram(name, desc)
	for _, op := range ops {
		method := svcValue.MethodByName(op.methodName)
		if !method.IsValid() {
			return nil, fmt.Errorf("program %s: no method %s for export %s (field %s)",
				name, op.methodName, op.name, op.fieldName)
		}
		fn, err := wrapTypedMethod(method, op.inputType, op.outputType)
		if err != nil {
			return nil, fmt.Errorf("program %s, export %s: %w", name, op.name, err)
		}
		if err := p.Export(op.name, op.description, fn); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// extractServiceMetadata finds the embedded Service field and parses its tags.
func extractServiceMetadata(t reflect.Type) (name, desc string, err error) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type == reflect.TypeFor[Service]() {
			name = field.Tag.Get("name")
			if name == "" {
				return "", "", fmt.Errorf("Service field missing 'name' tag")
			}
			return name, field.Tag.Get("desc"), nil
		}
	}
	return "", "", fmt.Errorf("struct must embed native.Service")
}

// opInfo holds export metadata extracted from struct fields.
type opInfo struct {
	fieldName   string // PascalCase field name
	methodName  string // Method name to invoke
	name        string // snake_case export name
	description string
	inputType   reflect.Type
	outputType  reflect.Type
}

// extractOperations finds all Op fields. A field EchoOp is served by
// method Echo and exported as echo unless the method or name tags say
// otherwise.
func extractOperations(t reflect.Type) ([]opInfo, error) {
	marker := reflect.TypeFor[operation]()
	var ops []opInfo

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.Type.Implements(marker) {
			continue
		}
		base := strings.TrimSuffix(field.Name, "Op")

		op := opInfo{
			fieldName:   field.Name,
			methodName:  field.Tag.Get("method"),
			name:        field.Tag.Get("name"),
			description: field.Tag.Get("desc"),
		}
		if op.methodName == "" {
			op.methodName = base
		}
		if op.name == "" {
			op.name = toSnakeCase(base)
		}
		op.inputType, op.outputType = reflect.Zero(field.Type).Interface().(operation).types()
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("service has no operations (no Op fields)")
	}
	return ops, nil
}

// wrapTypedMethod wraps a typed handler as Func.
// Expected signature: func(ctx context.Context, in *I) (*O, error)
func wrapTypedMethod(method reflect.Value, inputType, outputType reflect.Type) (Func, error) {
	methodType := method.Type()

	if methodType.NumIn() != 2 || methodType.NumOut() != 2 {
		return nil, fmt.Errorf("typed handler must have signature (context.Context, *Input) (*Output, error)")
	}
	if !methodType.In(0).Implements(reflect.TypeFor[context.Context]()) {
		return nil, fmt.Errorf("first parameter must be context.Context")
	}
	if methodType.In(1) != reflect.PointerTo(inputType) {
		return nil, fmt.Errorf("second parameter must be *%s, got %s", inputType.Name(), methodType.In(1))
	}
	if methodType.Out(0) != reflect.PointerTo(outputType) {
		return nil, fmt.Errorf("first return must be *%s, got %s", outputType.Name(), methodType.Out(0))
	}
	if !methodType.Out(1).Implements(reflect.TypeFor[error]()) {
		return nil, fmt.Errorf("second return must be error")
	}

	return func(ctx context.Context, params []byte) ([]byte, error) {
		inputPtr := reflect.New(inputType)
		if len(params) > 0 {
			if err := json.Unmarshal(params, inputPtr.Interface()); err != nil {
				return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding params: %w", err)}
			}
		}

		results := method.Call([]reflect.Value{reflect.ValueOf(ctx), inputPtr})
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		if results[0].IsNil() {
			return nil, nil
		}
		out, err := json.Marshal(results[0].Interface())
		if err != nil {
			return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding result: %w", err)}
		}
		return out, nil
	}, nil
}

// toSnakeCase converts PascalCase to snake_case.
var (
	matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	matchAllCap   = regexp.MustCompile("([a-z0-9])([A-Z])")
)

func toSnakeCase(str string) string {
	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}
