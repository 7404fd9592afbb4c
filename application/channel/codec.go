package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/codec"
)

// ProtocolVersion is announced in the handshake frame.
const ProtocolVersion = "sandbox-rpc/1"

// Codec serializes RPC envelopes and payloads. Both ends of a channel use
// the same codec, agreed in the handshake.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	encodeEnvelope(env *Envelope) ([]byte, error)
	decodeEnvelope(data []byte) (*Envelope, error)
}

// Codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

var (
	// JSON is human-readable; byte slices travel base64-encoded.
	JSON Codec = jsonCodec{}
	// CBOR is compact and deterministic.
	CBOR Codec = cborCodec{}
)

// CodecByName resolves a codec name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	}
	return nil, &entities.ConfigurationError{Field: "codec", Reason: fmt.Sprintf("unknown codec %q", name)}
}

// EnvelopeKind distinguishes RPC frames.
type EnvelopeKind string

const (
	KindRequest  EnvelopeKind = "req"
	KindResponse EnvelopeKind = "res"
	KindError    EnvelopeKind = "err"
	KindNotify   EnvelopeKind = "notify"
	// KindCancel asks the peer to cancel the request with the same ID.
	KindCancel EnvelopeKind = "cancel"
)

// Envelope is one RPC frame. Payload holds the params or result encoded
// with the channel's codec.
type Envelope struct {
	ID      uint64
	Kind    EnvelopeKind
	Method  string
	Payload []byte
	Error   *entities.ErrorDetail
}

type jsonCodec struct{}

type jsonEnvelope struct {
	ID      uint64                `json:"id,omitempty"`
	Kind    EnvelopeKind          `json:"kind"`
	Method  string                `json:"method,omitempty"`
	Payload json.RawMessage       `json:"payload,omitempty"`
	Error   *entities.ErrorDetail `json:"error,omitempty"`
}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) encodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		ID:      env.ID,
		Kind:    env.Kind,
		Method:  env.Method,
		Payload: env.Payload,
		Error:   env.Error,
	})
}

func (jsonCodec) decodeEnvelope(data []byte) (*Envelope, error) {
	var w jsonEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Envelope{ID: w.ID, Kind: w.Kind, Method: w.Method, Payload: w.Payload, Error: w.Error}, nil
}

type cborCodec struct{}

type cborEnvelope struct {
	ID      uint64                `cbor:"id,omitempty"`
	Kind    EnvelopeKind          `cbor:"kind"`
	Method  string                `cbor:"method,omitempty"`
	Payload codec.RawMessage      `cbor:"payload,omitempty"`
	Error   *entities.ErrorDetail `cbor:"error,omitempty"`
}

func (cborCodec) Name() string { return CodecCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) { return codec.Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }

func (cborCodec) encodeEnvelope(env *Envelope) ([]byte, error) {
	return codec.Marshal(cborEnvelope{
		ID:      env.ID,
		Kind:    env.Kind,
		Method:  env.Method,
		Payload: env.Payload,
		Error:   env.Error,
	})
}

func (cborCodec) decodeEnvelope(data []byte) (*Envelope, error) {
	var w cborEnvelope
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Envelope{ID: w.ID, Kind: w.Kind, Method: w.Method, Payload: w.Payload, Error: w.Error}, nil
}

// hello is the handshake frame. It is always JSON so either end can read
// it before codecs are agreed.
type hello struct {
	Protocol string `json:"protocol"`
	Codec    string `json:"codec"`
}

// Handshake announces c on conn and checks that the peer announced the
// same codec. Both ends call it before exchanging envelopes.
func Handshake(ctx context.Context, conn ports.Conn, c Codec) error {
	frame, err := json.Marshal(hello{Protocol: ProtocolVersion, Codec: c.Name()})
	if err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: err}
	}
	if err := conn.SendRaw(ctx, frame); err != nil {
		return transportError(ctx, err)
	}
	data, err := conn.ReceiveRaw(ctx)
	if err != nil {
		return transportError(ctx, err)
	}
	var peer hello
	if err := json.Unmarshal(data, &peer); err != nil || peer.Protocol == "" {
		return &entities.ChannelError{Code: entities.ChannelMalformed, Err: fmt.Errorf("expected handshake frame")}
	}
	if peer.Protocol != ProtocolVersion {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("peer speaks %s, want %s", peer.Protocol, ProtocolVersion)}
	}
	if peer.Codec != c.Name() {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("peer codec %s, local codec %s", peer.Codec, c.Name())}
	}
	return nil
}
