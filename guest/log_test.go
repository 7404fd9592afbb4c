package guest_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-sandbox/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logCall struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields"`
}

func recordingHost(calls *[]logCall) *guest.Host {
	return guest.NewHost(guest.TransportFunc(func(name string, payload []byte) ([]byte, error) {
		if name != guest.FuncLog {
			return nil, errors.New("unexpected " + name)
		}
		var c logCall
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		*calls = append(*calls, c)
		return []byte(`{"data":{}}`), nil
	}))
}

func TestLogHandler_ForwardsRecords(t *testing.T) {
	var calls []logCall
	logger := slog.New(guest.NewLogHandler(recordingHost(&calls), slog.LevelInfo)).
		With("plugin", "checker").
		WithGroup("req")

	logger.Debug("dropped")
	logger.Warn("slow upstream", "latency", 1500*time.Millisecond, "err", errors.New("timeout"), slog.Group("peer", "port", 443))

	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, "WARN", c.Level)
	assert.Equal(t, "slow upstream", c.Message)
	assert.Equal(t, map[string]any{
		"plugin":        "checker",
		"req.latency":   "1.5s",
		"req.err":       "timeout",
		"req.peer.port": float64(443),
	}, c.Fields)
}

func TestLogHandler_OutsideSandboxIsSilent(t *testing.T) {
	logger := slog.New(guest.NewLogHandler(guest.Default(), nil))
	assert.NotPanics(t, func() { logger.Info("nowhere to go") })
	assert.NoError(t, guest.NewLogHandler(guest.Default(), nil).Handle(t.Context(), slog.Record{Message: "x"}))
}
