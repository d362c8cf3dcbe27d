package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes with Core Deterministic Encoding so equal argument lists
// produce equal bytes. Generic maps decode as map[string]any.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborCodec = mustCBOR()

func mustCBOR() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) EncodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return c.enc.Marshal(args)
}

func (c *CBORCodec) DecodeArgs(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []cbor.RawMessage
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	items := make([][]byte, len(raw))
	for i, r := range raw {
		items[i] = r
	}
	return items, nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
