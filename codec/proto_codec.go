package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec carries values as google.protobuf.Value messages, so peers
// written against the protobuf well-known types can read them. Go values are
// bridged through their JSON form: numbers travel as doubles and []byte as
// base64 strings.
type ProtoCodec struct{}

var deterministic = proto.MarshalOptions{Deterministic: true}

func toValue(v any) (*structpb.Value, error) {
	j, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	pv := &structpb.Value{}
	if err := protojson.Unmarshal(j, pv); err != nil {
		return nil, err
	}
	return pv, nil
}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	pv, err := toValue(v)
	if err != nil {
		return nil, err
	}
	return deterministic.Marshal(pv)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	pv := &structpb.Value{}
	if err := proto.Unmarshal(data, pv); err != nil {
		return err
	}
	j, err := protojson.Marshal(pv)
	if err != nil {
		return err
	}
	return json.Unmarshal(j, v)
}

func (c *ProtoCodec) EncodeArgs(args []any) ([]byte, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(args))}
	for i, a := range args {
		pv, err := toValue(a)
		if err != nil {
			return nil, err
		}
		list.Values[i] = pv
	}
	return deterministic.Marshal(list)
}

func (c *ProtoCodec) DecodeArgs(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	list := &structpb.ListValue{}
	if err := proto.Unmarshal(data, list); err != nil {
		return nil, err
	}
	items := make([][]byte, len(list.Values))
	for i, pv := range list.Values {
		b, err := deterministic.Marshal(pv)
		if err != nil {
			return nil, err
		}
		items[i] = b
	}
	return items, nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
