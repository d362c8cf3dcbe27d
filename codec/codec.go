// Package codec serializes call arguments, results and event values.
//
// The wire frame only carries opaque payload bytes; both ends of a connection
// must be configured with the same Codec. A request payload is always an
// encoded argument list, which the receiving side splits with DecodeArgs and
// decodes one argument at a time into the handler's parameter types.
package codec

import (
	"errors"
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeCBOR  CodecType = 1
	CodecTypeProto CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	case CodecTypeProto:
		return "proto"
	default:
		return fmt.Sprintf("CodecType(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	// Decode leaves v untouched when data is empty.
	Decode(data []byte, v any) error
	// EncodeArgs encodes an argument list as a single payload.
	EncodeArgs(args []any) ([]byte, error)
	// DecodeArgs splits a payload produced by EncodeArgs into one encoded
	// value per argument. An empty payload is an empty list.
	DecodeArgs(data []byte) ([][]byte, error)
	Type() CodecType
}

var ErrMissingArg = errors.New("codec: missing argument")

// GetCodec returns the codec for codecType, defaulting to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeCBOR:
		return cborCodec
	case CodecTypeProto:
		return &ProtoCodec{}
	default:
		return &JSONCodec{}
	}
}

// ByName resolves "json", "cbor" or "proto".
func ByName(name string) (Codec, error) {
	for _, t := range []CodecType{CodecTypeJSON, CodecTypeCBOR, CodecTypeProto} {
		if t.String() == name {
			return GetCodec(t), nil
		}
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}

// Raw is an encoded value that has not been decoded yet.
type Raw struct {
	Data  []byte
	Codec Codec
}

func (r Raw) Decode(v any) error {
	return r.Codec.Decode(r.Data, v)
}

// Args is a received argument list.
type Args struct {
	codec Codec
	items [][]byte
}

// NewArgs splits payload into its arguments.
func NewArgs(c Codec, payload []byte) (*Args, error) {
	items, err := c.DecodeArgs(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: decode args: %w", err)
	}
	return &Args{codec: c, items: items}, nil
}

// ArgsOf builds an Args as if values had been received over the wire.
func ArgsOf(c Codec, values ...any) (*Args, error) {
	payload, err := c.EncodeArgs(values)
	if err != nil {
		return nil, err
	}
	return NewArgs(c, payload)
}

func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.items)
}

// Decode decodes argument i into v.
func (a *Args) Decode(i int, v any) error {
	if i < 0 || i >= a.Len() {
		return fmt.Errorf("%w: index %d of %d", ErrMissingArg, i, a.Len())
	}
	if err := a.codec.Decode(a.items[i], v); err != nil {
		return fmt.Errorf("codec: argument %d: %w", i, err)
	}
	return nil
}

// Raw returns argument i undecoded.
func (a *Args) Raw(i int) (Raw, bool) {
	if i < 0 || i >= a.Len() {
		return Raw{}, false
	}
	return Raw{Data: a.items[i], Codec: a.codec}, true
}
