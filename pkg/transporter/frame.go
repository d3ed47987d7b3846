package transporter

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/raskyld/molecule/pkg/packet"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds frames read from a stream.
const MaxFrameSize = 16 << 20

// EncodeFrame packs a message for transports without topics: the packet
// type, the target and the data, each as a protobuf length-delimited field.
func EncodeFrame(msg Message) []byte {
	buf := make([]byte, 0, len(msg.Data)+len(msg.Type)+len(msg.Target)+8)
	buf = protowire.AppendString(buf, string(msg.Type))
	buf = protowire.AppendString(buf, msg.Target)
	buf = protowire.AppendBytes(buf, msg.Data)
	return buf
}

// DecodeFrame is the inverse of EncodeFrame. The returned data does not
// alias buf.
func DecodeFrame(buf []byte) (Message, error) {
	msg := Message{}

	t, n := protowire.ConsumeString(buf)
	if err := protowire.ParseError(n); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	buf = buf[n:]

	target, n := protowire.ConsumeString(buf)
	if err := protowire.ParseError(n); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	buf = buf[n:]

	data, n := protowire.ConsumeBytes(buf)
	if err := protowire.ParseError(n); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	msg.Type = packet.Type(t)
	if !msg.Type.Valid() {
		return msg, fmt.Errorf("%w: %w", ErrInvalidFrame, packet.ErrUnknownType)
	}
	msg.Target = target
	msg.Data = make([]byte, len(data))
	copy(msg.Data, data)
	return msg, nil
}

// WriteFrame writes a varint length-prefixed frame to w.
func WriteFrame(w io.Writer, msg Message) error {
	frame := EncodeFrame(msg)
	buf := protowire.AppendVarint(make([]byte, 0, len(frame)+binary.MaxVarintLen64), uint64(len(frame)))
	buf = append(buf, frame...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (Message, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	one := make([]byte, 1)
	for {
		if len(prefix) == binary.MaxVarintLen64 {
			return Message{}, fmt.Errorf("%w: varint overflow", ErrInvalidFrame)
		}
		if _, err := io.ReadFull(r, one); err != nil {
			return Message{}, err
		}
		prefix = append(prefix, one[0])
		if one[0] < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if size > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: frame of %d bytes", ErrInvalidFrame, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Message{}, err
	}
	return DecodeFrame(frame)
}
