// Package protocol implements the binary frame format used on every connection.
//
// Transports are byte streams that may split or merge writes, so every frame
// starts with its own length. The receiver reads the length first and then
// waits until exactly that many bytes are available.
//
// Frame format (big-endian):
//
//	0         4      5             9        11         n        n+2        m
//	┌─────────┬──────┬─────────────┬────────┬──────────┬────────┬──────────┬───────────┐
//	│ length  │ kind │  requestId  │ chLen  │ channel  │ nmLen  │   name   │ payload   │
//	│ uint32  │ u8   │   uint32    │ uint16 │ chLen B  │ uint16 │ nmLen B  │ rest      │
//	└─────────┴──────┴─────────────┴────────┴──────────┴────────┴──────────┴───────────┘
//
// length counts every byte after the length field itself.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"mini-ipc/message"
)

const (
	LengthSize = 4
	// MinBodySize is kind + requestId + both name lengths, with empty names and payload.
	MinBodySize = 1 + 4 + 2 + 2
	// DefaultMaxFrameSize bounds a single frame body. Larger frames are rejected
	// before their bytes are buffered.
	DefaultMaxFrameSize = 64 << 20
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrInvalidKind   = errors.New("protocol: invalid message kind")
	ErrEmptyChannel  = errors.New("protocol: request without channel name")
	ErrMalformed     = errors.New("protocol: malformed frame")
)

func validate(msg *message.Message) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, msg.Kind)
	}
	if msg.Kind.IsRequest() && msg.Channel == "" {
		return fmt.Errorf("%w: %s#%d", ErrEmptyChannel, msg.Kind, msg.RequestID)
	}
	return nil
}

// Encode returns the complete frame for msg, length prefix included.
func Encode(msg *message.Message) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	if len(msg.Channel) > math.MaxUint16 || len(msg.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: name longer than %d bytes", ErrMalformed, math.MaxUint16)
	}
	bodyLen := MinBodySize + len(msg.Channel) + len(msg.Name) + len(msg.Payload)
	if uint64(bodyLen) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, LengthSize+bodyLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	buf[4] = byte(msg.Kind)
	binary.BigEndian.PutUint32(buf[5:9], msg.RequestID)

	off := 9
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(msg.Channel)))
	off += 2
	off += copy(buf[off:], msg.Channel)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(msg.Name)))
	off += 2
	off += copy(buf[off:], msg.Name)
	copy(buf[off:], msg.Payload)
	return buf, nil
}

// Unmarshal decodes one frame body (everything after the length prefix).
// The returned Message does not alias body.
func Unmarshal(body []byte) (*message.Message, error) {
	if len(body) < MinBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrMalformed, len(body))
	}
	msg := &message.Message{
		Kind:      message.Kind(body[0]),
		RequestID: binary.BigEndian.Uint32(body[1:5]),
	}
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, body[0])
	}

	off := 5
	chLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+chLen+2 > len(body) {
		return nil, fmt.Errorf("%w: channel length %d overruns frame", ErrMalformed, chLen)
	}
	msg.Channel = string(body[off : off+chLen])
	off += chLen

	nmLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+nmLen > len(body) {
		return nil, fmt.Errorf("%w: name length %d overruns frame", ErrMalformed, nmLen)
	}
	msg.Name = string(body[off : off+nmLen])
	off += nmLen

	if off < len(body) {
		msg.Payload = append([]byte(nil), body[off:]...)
	}
	if msg.Kind.IsRequest() && msg.Channel == "" {
		return nil, fmt.Errorf("%w: %s#%d", ErrEmptyChannel, msg.Kind, msg.RequestID)
	}
	return msg, nil
}

// WriteFrame writes msg to w as a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func WriteFrame(w io.Writer, msg *message.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from r. Uses io.ReadFull so a short read
// never yields a partial message. maxSize <= 0 means DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) (*message.Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var lenBuf [LengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Unmarshal(body)
}
