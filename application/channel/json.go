package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// CallJSON calls method with JSON params and returns the JSON result. On
// a JSON channel the bytes pass through untouched; on a CBOR channel they
// are transcoded with integers kept as int64 or uint64, so no value passes
// through float64 on the way. A null result is returned as nil.
func (r *RPC) CallJSON(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if r.codec.Name() == CodecJSON {
		out, err := r.CallRaw(ctx, method, params)
		if err != nil {
			return nil, err
		}
		return nullToNil(out), nil
	}

	var payload []byte
	if len(params) > 0 {
		v, err := decodeJSON(params)
		if err != nil {
			return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s params: %w", method, err)}
		}
		if payload, err = r.codec.Marshal(v); err != nil {
			return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s params: %w", method, err)}
		}
	}
	out, err := r.CallRaw(ctx, method, payload)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	var v any
	if err := r.codec.Unmarshal(out, &v); err != nil {
		return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s result: %w", method, err)}
	}
	if v == nil {
		return nil, nil
	}
	res, err := json.Marshal(v)
	if err != nil {
		return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s result as JSON: %w", method, err)}
	}
	return res, nil
}

func nullToNil(b []byte) json.RawMessage {
	if len(b) == 0 || string(bytes.TrimSpace(b)) == "null" {
		return nil
	}
	return b
}

// decodeJSON decodes data into plain values, keeping integers exact.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return exactNumbers(v), nil
}

func exactNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = exactNumbers(e)
		}
	case []any:
		for i, e := range v {
			v[i] = exactNumbers(e)
		}
	}
	return v
}
