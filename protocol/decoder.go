package protocol

import (
	"encoding/binary"
	"fmt"

	"mini-ipc/message"
)

// Decoder reassembles frames from chunks of arbitrary size. It is the
// push-style counterpart of ReadFrame for transports that hand out byte
// chunks instead of an io.Reader. Not safe for concurrent use.
type Decoder struct {
	buf     []byte
	maxSize int
}

func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Write appends received bytes. It never fails; framing errors surface from Next.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete message. ok is false when more bytes are
// needed. After an error the decoder state is undefined and the connection
// it serves must be dropped.
func (d *Decoder) Next() (msg *message.Message, ok bool, err error) {
	if len(d.buf) < LengthSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:LengthSize])
	if uint64(n) > uint64(d.maxSize) {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, d.maxSize)
	}
	end := LengthSize + int(n)
	if len(d.buf) < end {
		return nil, false, nil
	}

	msg, err = Unmarshal(d.buf[LengthSize:end])
	if err != nil {
		return nil, false, err
	}
	if end == len(d.buf) {
		d.buf = d.buf[:0]
	} else {
		d.buf = append(d.buf[:0], d.buf[end:]...)
	}
	return msg, true, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.buf = nil
}
