package codec

import (
	"bytes"
	"errors"
	"testing"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

var all = []Codec{&JSONCodec{}, GetCodec(CodecTypeCBOR), &ProtoCodec{}}

func TestArgsRoundTrip(t *testing.T) {
	for _, c := range all {
		t.Run(c.Type().String(), func(t *testing.T) {
			args, err := ArgsOf(c, "/a.txt", 42, AddArgs{A: 1, B: 2}, []string{"x", "y"})
			if err != nil {
				t.Fatalf("ArgsOf failed: %v", err)
			}
			if args.Len() != 4 {
				t.Fatalf("Len = %d, want 4", args.Len())
			}

			var path string
			var n int
			var add AddArgs
			var list []string
			for i, v := range []any{&path, &n, &add, &list} {
				if err := args.Decode(i, v); err != nil {
					t.Fatalf("Decode(%d) failed: %v", i, err)
				}
			}
			if path != "/a.txt" || n != 42 || add != (AddArgs{A: 1, B: 2}) || len(list) != 2 || list[1] != "y" {
				t.Fatalf("decoded %q %d %+v %v", path, n, add, list)
			}

			if err := args.Decode(4, &path); !errors.Is(err, ErrMissingArg) {
				t.Fatalf("expect ErrMissingArg, got %v", err)
			}
		})
	}
}

func TestEmptyArgs(t *testing.T) {
	for _, c := range all {
		payload, err := c.EncodeArgs(nil)
		if err != nil {
			t.Fatalf("%s: EncodeArgs failed: %v", c.Type(), err)
		}
		args, err := NewArgs(c, payload)
		if err != nil {
			t.Fatalf("%s: NewArgs failed: %v", c.Type(), err)
		}
		if args.Len() != 0 {
			t.Fatalf("%s: Len = %d, want 0", c.Type(), args.Len())
		}
		if args, err := NewArgs(c, nil); err != nil || args.Len() != 0 {
			t.Fatalf("%s: empty payload gave %v, %v", c.Type(), args, err)
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	for _, c := range all {
		data, err := c.Encode(map[string]any{"name": "hi", "size": 2})
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", c.Type(), err)
		}
		var got struct {
			Name string `json:"name"`
			Size int    `json:"size"`
		}
		if err := (Raw{Data: data, Codec: c}).Decode(&got); err != nil {
			t.Fatalf("%s: Decode failed: %v", c.Type(), err)
		}
		if got.Name != "hi" || got.Size != 2 {
			t.Fatalf("%s: got %+v", c.Type(), got)
		}
	}
}

func TestDeterministicArgs(t *testing.T) {
	for _, c := range all {
		a, _ := c.EncodeArgs([]any{map[string]int{"b": 2, "a": 1, "c": 3}})
		b, _ := c.EncodeArgs([]any{map[string]int{"c": 3, "a": 1, "b": 2}})
		if !bytes.Equal(a, b) {
			t.Errorf("%s: equal args encoded differently", c.Type())
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "cbor", "proto"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q) failed: %v", name, err)
		}
		if c.Type().String() != name {
			t.Fatalf("ByName(%q) returned %s", name, c.Type())
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}
