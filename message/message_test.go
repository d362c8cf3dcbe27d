package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestKindString(t *testing.T) {
	if KindCallRequest.String() != "CallRequest" {
		t.Fatalf("got %q", KindCallRequest.String())
	}
	if KindGoodbye.String() != "Goodbye" {
		t.Fatalf("got %q", KindGoodbye.String())
	}
	if Kind(42).String() != "Kind(42)" {
		t.Fatalf("got %q", Kind(42).String())
	}
	if Kind(0).Valid() || Kind(10).Valid() || !KindEventFire.Valid() {
		t.Fatal("Valid mismatch")
	}
	if !KindListenRequest.IsRequest() || KindCallCancel.IsRequest() {
		t.Fatal("IsRequest mismatch")
	}
}

func TestHelloAck(t *testing.T) {
	if got := string(HelloAck{}.Encode()); got != "new" {
		t.Fatalf("new ack = %q", got)
	}
	if got := string(HelloAck{Resumed: true}.Encode()); got != "resumed" {
		t.Fatalf("resumed ack = %q", got)
	}

	want := HelloAck{Resumed: true, Listens: []uint32{3, 1 << 20}}
	got, err := ParseHelloAck(want.Encode())
	if err != nil {
		t.Fatalf("ParseHelloAck failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if ack, err := ParseHelloAck([]byte("new")); err != nil || ack.Resumed {
		t.Fatalf("new = %+v, %v", ack, err)
	}
	for _, bad := range []string{"", "old", "resumed\x00\x01"} {
		if _, err := ParseHelloAck([]byte(bad)); err == nil {
			t.Fatalf("expect an error for %q", bad)
		}
	}
}

type notFound struct{ path string }

func (e *notFound) Error() string     { return "no such file: " + e.path }
func (e *notFound) ErrorName() string { return "NotFound" }

func TestToRemote(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"sentinel", fmt.Errorf("%w: fs", ErrChannelNotFound), "ChannelNotFound"},
		{"named", &notFound{"/a.txt"}, "NotFound"},
		{"wrapped remote", fmt.Errorf("read: %w", NewError("NotFound", "gone")), "NotFound"},
		{"plain", errors.New("boom"), "Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re := ToRemote(tt.err)
			if re.Name != tt.want {
				t.Fatalf("name = %q, want %q", re.Name, tt.want)
			}
			if re.Message == "" {
				t.Fatal("expect non-empty message")
			}
		})
	}
	if ToRemote(nil) != nil {
		t.Fatal("expect nil for nil error")
	}
}

func TestRemoteErrorIs(t *testing.T) {
	data, err := json.Marshal(ToRemote(fmt.Errorf("%w: fs", ErrChannelNotFound)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var re RemoteError
	if err := json.Unmarshal(data, &re); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !errors.Is(&re, ErrChannelNotFound) {
		t.Fatalf("expect %v to match ErrChannelNotFound", &re)
	}
	if errors.Is(&re, ErrUnknownCommand) {
		t.Fatal("unexpected match")
	}
	if !errors.Is(&re, &RemoteError{Name: "ChannelNotFound"}) {
		t.Fatal("expect match by name")
	}
}
