package guest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		h    Handler
		want string
	}{
		{"struct is json", func(context.Context, []byte) (any, error) {
			return struct {
				N int `json:"n"`
			}{N: 3}, nil
		}, `{"n":3}`},
		{"bytes pass through", func(_ context.Context, p []byte) (any, error) { return p, nil }, `raw`},
		{"raw json passes through", func(context.Context, []byte) (any, error) { return json.RawMessage(`[1]`), nil }, `[1]`},
		{"nil is empty", func(context.Context, []byte) (any, error) { return nil, nil }, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(context.Background(), []byte("raw"), tt.h)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestRun_Errors(t *testing.T) {
	boom := errors.New("boom")
	_, err := run(context.Background(), nil, func(context.Context, []byte) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = run(context.Background(), nil, func(context.Context, []byte) (any, error) { panic("kaput") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaput", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, "guest panic: kaput", pe.Error())
}
