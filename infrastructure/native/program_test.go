package native

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type calcService struct {
	Service `name:"calc" desc:"Calculator"`
	AddOp   Op[addRequest, addResponse]    `desc:"Adds two numbers"`
	NegOp   Op[addRequest, addResponse]    `name:"negate" method:"Negate"`
	SumAll  Op[sumAllRequest, addResponse] `method:"SumAllValues"`
}

type addRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResponse struct {
	Result int `json:"result"`
}

type sumAllRequest struct {
	Values []int `json:"values"`
}

func (s *calcService) Add(_ context.Context, req *addRequest) (*addResponse, error) {
	return &addResponse{Result: req.A + req.B}, nil
}

func (s *calcService) Negate(_ context.Context, req *addRequest) (*addResponse, error) {
	return &addResponse{Result: -req.A}, nil
}

func (s *calcService) SumAllValues(_ context.Context, req *sumAllRequest) (*addResponse, error) {
	var sum int
	for _, v := range req.Values {
		sum += v
	}
	return &addResponse{Result: sum}, nil
}

func TestRegister_BuildsExportsFromOpFields(t *testing.T) {
	programs := NewPrograms()
	require.NoError(t, programs.Register(&calcService{}))

	p, ok := programs.Get("calc")
	require.True(t, ok)
	assert.Equal(t, "Calculator", p.Description)

	var names []string
	for _, sig := range p.Signatures() {
		names = append(names, sig.Name)
	}
	assert.Equal(t, []string{"add", "negate", "sum_all"}, names)

	add, ok := p.lookup("add")
	require.True(t, ok)
	assert.Equal(t, "Adds two numbers", add.description)
	out, err := add.fn(context.Background(), []byte(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":5}`, string(out))

	assert.Error(t, programs.Register(&calcService{}), "duplicate program")
	assert.Equal(t, []string{"calc"}, programs.Names())
}

func TestRegister_BadParamsAreCodecErrors(t *testing.T) {
	p, err := programFromService(&calcService{})
	require.NoError(t, err)
	add, _ := p.lookup("add")
	_, err = add.fn(context.Background(), []byte(`{"a":"two"}`))
	assert.ErrorContains(t, err, "decoding params")
}

type noService struct {
	AddOp Op[addRequest, addResponse]
}

type unnamedService struct {
	Service
	AddOp Op[addRequest, addResponse]
}

type noOps struct {
	Service `name:"empty"`
}

type missingMethod struct {
	Service `name:"missing"`
	MulOp   Op[addRequest, addResponse]
}

type wrongSignature struct {
	Service `name:"wrong"`
	AddOp   Op[addRequest, addResponse]
}

func (w *wrongSignature) Add(req *addRequest) (*addResponse, error) { return nil, nil }

func TestRegister_Rejects(t *testing.T) {
	tests := []struct {
		name string
		svc  any
		want string
	}{
		{"not a pointer", calcService{}, "pointer to struct"},
		{"nil", nil, "pointer to struct"},
		{"no Service", &noService{}, "must embed"},
		{"no name tag", &unnamedService{}, "missing 'name' tag"},
		{"no ops", &noOps{}, "no operations"},
		{"missing method", &missingMethod{}, "no method Mul"},
		{"wrong signature", &wrongSignature{}, "signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPrograms().Register(tt.svc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "sum_all", toSnakeCase("SumAll"))
	assert.Equal(t, "http_request", toSnakeCase("HTTPRequest"))
	assert.Equal(t, "echo", toSnakeCase("Echo"))
}
