// Package message defines the messages exchanged between a client and a server
// over one connection, and the error values that travel with them.
//
// A Message is the decoded unit carried inside one frame. The protocol package
// turns it into bytes; connection, server and client only ever see Messages.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind identifies what a Message means. The numeric values are part of the
// wire format and must not change.
type Kind uint8

const (
	KindCallRequest   Kind = 1 // client → server: invoke Channel.Name with Payload as args
	KindCallSuccess   Kind = 2 // server → client: Payload is the result
	KindCallError     Kind = 3 // server → client: Payload is an encoded RemoteError
	KindCallCancel    Kind = 4 // client → server: stop working on RequestID
	KindListenRequest Kind = 5 // client → server: subscribe to event Channel.Name
	KindEventFire     Kind = 6 // server → client: one event value for RequestID
	KindListenDispose Kind = 7 // client → server: unsubscribe RequestID
	KindHello         Kind = 8 // handshake, Payload is the client id (or the server's ack)
	KindGoodbye       Kind = 9 // orderly disconnect, the session is not kept
)

func (k Kind) String() string {
	switch k {
	case KindCallRequest:
		return "CallRequest"
	case KindCallSuccess:
		return "CallSuccess"
	case KindCallError:
		return "CallError"
	case KindCallCancel:
		return "CallCancel"
	case KindListenRequest:
		return "ListenRequest"
	case KindEventFire:
		return "EventFire"
	case KindListenDispose:
		return "ListenDispose"
	case KindHello:
		return "Hello"
	case KindGoodbye:
		return "Goodbye"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindCallRequest && k <= KindGoodbye
}

// IsRequest reports whether k opens a request that must name a channel.
func (k Kind) IsRequest() bool {
	return k == KindCallRequest || k == KindListenRequest
}

// Message carries a single call, response, event or handshake.
//
//   - CallRequest / ListenRequest: Channel and Name are set, Payload holds the encoded args.
//   - CallSuccess / EventFire: Payload holds the encoded value.
//   - CallError: Payload holds an encoded RemoteError.
//   - Hello: Payload holds the client id; Channel and Name are empty. The
//     server answers with a Hello whose Payload is an encoded HelloAck.
type Message struct {
	Kind      Kind
	RequestID uint32 // chosen by the initiator, unique among its outstanding requests
	Channel   string
	Name      string // command or event name
	Payload   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s#%d %s.%s (%d bytes)", m.Kind, m.RequestID, m.Channel, m.Name, len(m.Payload))
}

// HelloAck is the server's answer to Hello.
//
// On the wire it is "new", or "resumed" followed by the request ids, as
// big-endian uint32s, of the listens the resumed session still serves.
// Listens whose terminal message sits in the reconnect backlog count as
// served.
type HelloAck struct {
	Resumed bool
	Listens []uint32
}

const (
	ackNew     = "new"
	ackResumed = "resumed"
)

func (a HelloAck) Encode() []byte {
	if !a.Resumed {
		return []byte(ackNew)
	}
	b := make([]byte, len(ackResumed), len(ackResumed)+4*len(a.Listens))
	copy(b, ackResumed)
	for _, id := range a.Listens {
		b = binary.BigEndian.AppendUint32(b, id)
	}
	return b
}

func ParseHelloAck(b []byte) (HelloAck, error) {
	if string(b) == ackNew {
		return HelloAck{}, nil
	}
	rest, ok := bytes.CutPrefix(b, []byte(ackResumed))
	if !ok || len(rest)%4 != 0 {
		return HelloAck{}, fmt.Errorf("message: malformed hello ack %q", b)
	}
	ack := HelloAck{Resumed: true}
	for ; len(rest) > 0; rest = rest[4:] {
		ack.Listens = append(ack.Listens, binary.BigEndian.Uint32(rest))
	}
	return ack, nil
}
