// Package framing implements the length-prefixed message format spoken
// between the relay and the inference backend.
//
// Two header layouts exist. Legacy packs the command flag into bit 63 of
// an 8-byte big-endian length. Tagged spends one leading byte on the kind
// (DATA=0, COMMAND=1) and keeps all 64 length bits.
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
)

const (
	// CommandFlag is bit 63 of a legacy header.
	CommandFlag uint64 = 1 << 63
	// MaxLegacyLength is the largest payload a legacy header can describe.
	MaxLegacyLength = CommandFlag - 1

	TagData    byte = 0
	TagCommand byte = 1

	// readChunk bounds up-front allocation for a payload whose length
	// comes off the wire.
	readChunk = 1 << 20
)

var errLengthOverflow = errors.New("payload length exceeds header capacity")

// Encoding describes one header layout.
type Encoding interface {
	Name() string
	HeaderSize() int
	PutHeader(dst []byte, length uint64, isCommand bool) error
	ParseHeader(hdr []byte) (length uint64, isCommand bool, err error)
}

var (
	Legacy Encoding = legacyEncoding{}
	Tagged Encoding = taggedEncoding{}
)

// ByName resolves "legacy" or "tagged".
func ByName(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "legacy", "":
		return Legacy, nil
	case "tagged":
		return Tagged, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", name)
	}
}

type legacyEncoding struct{}

func (legacyEncoding) Name() string    { return "legacy" }
func (legacyEncoding) HeaderSize() int { return 8 }

func (legacyEncoding) PutHeader(dst []byte, length uint64, isCommand bool) error {
	if length > MaxLegacyLength {
		return errLengthOverflow
	}
	if isCommand {
		length |= CommandFlag
	}
	binary.BigEndian.PutUint64(dst[:8], length)
	return nil
}

func (legacyEncoding) ParseHeader(hdr []byte) (uint64, bool, error) {
	length, isCommand := DecodeHeader(hdr)
	return length, isCommand, nil
}

type taggedEncoding struct{}

func (taggedEncoding) Name() string    { return "tagged" }
func (taggedEncoding) HeaderSize() int { return 9 }

func (taggedEncoding) PutHeader(dst []byte, length uint64, isCommand bool) error {
	dst[0] = TagData
	if isCommand {
		dst[0] = TagCommand
	}
	binary.BigEndian.PutUint64(dst[1:9], length)
	return nil
}

func (taggedEncoding) ParseHeader(hdr []byte) (uint64, bool, error) {
	switch hdr[0] {
	case TagData:
		return binary.BigEndian.Uint64(hdr[1:9]), false, nil
	case TagCommand:
		return binary.BigEndian.Uint64(hdr[1:9]), true, nil
	default:
		return 0, false, relayerr.Protocol("header", fmt.Errorf("unknown message tag %d", hdr[0]))
	}
}

// Encode returns a legacy-framed message. It panics if payload is longer
// than MaxLegacyLength, which no addressable slice can be.
func Encode(payload []byte, isCommand bool) []byte {
	out, err := Append(Legacy, nil, payload, isCommand)
	if err != nil {
		panic(err)
	}
	return out
}

// DecodeHeader splits a legacy header into length and command flag.
// hdr must hold at least 8 bytes.
func DecodeHeader(hdr []byte) (length uint64, isCommand bool) {
	v := binary.BigEndian.Uint64(hdr[:8])
	return v &^ CommandFlag, v&CommandFlag != 0
}

// Append appends a framed message to dst.
func Append(enc Encoding, dst, payload []byte, isCommand bool) ([]byte, error) {
	n := enc.HeaderSize()
	start := len(dst)
	dst = append(dst, make([]byte, n)...)
	if err := enc.PutHeader(dst[start:start+n], uint64(len(payload)), isCommand); err != nil {
		return dst[:start], err
	}
	return append(dst, payload...), nil
}

// Message is one decoded wire message.
type Message struct {
	Payload []byte
	Command bool
}

// Reader decodes messages from a byte stream.
type Reader struct {
	r   io.Reader
	enc Encoding
	hdr []byte
	// MaxPayload rejects larger messages with a ProtocolError. Zero means
	// no limit.
	MaxPayload uint64
}

func NewReader(r io.Reader, enc Encoding) *Reader {
	return &Reader{r: r, enc: enc, hdr: make([]byte, enc.HeaderSize())}
}

// ReadMessage reads one message. A stream that ends inside a header or a
// payload yields io.EOF, exactly like a stream that ends between messages.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr); err != nil {
		return Message{}, endOfStream(err)
	}
	length, isCommand, err := r.enc.ParseHeader(r.hdr)
	if err != nil {
		return Message{}, err
	}
	if r.MaxPayload > 0 && length > r.MaxPayload {
		return Message{}, relayerr.Protocol("payload", fmt.Errorf("length %d exceeds limit %d", length, r.MaxPayload))
	}
	if length > uint64(maxInt) {
		return Message{}, relayerr.Protocol("payload", errLengthOverflow)
	}
	payload, err := readPayload(r.r, int64(length))
	if err != nil {
		return Message{}, err
	}
	return Message{Payload: payload, Command: isCommand}, nil
}

func readPayload(r io.Reader, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if length <= readChunk {
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, endOfStream(err)
		}
		return buf, nil
	}
	var buf bytes.Buffer
	buf.Grow(readChunk)
	if _, err := io.CopyN(&buf, r, length); err != nil {
		return nil, endOfStream(err)
	}
	return buf.Bytes(), nil
}

func endOfStream(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Writer encodes messages onto a byte stream. It is not safe for
// concurrent use; callers serialize writes.
type Writer struct {
	w   io.Writer
	enc Encoding
	hdr []byte
}

func NewWriter(w io.Writer, enc Encoding) *Writer {
	return &Writer{w: w, enc: enc, hdr: make([]byte, enc.HeaderSize())}
}

// WriteMessage writes the header and payload as one vectored write.
func (w *Writer) WriteMessage(payload []byte, isCommand bool) error {
	if err := w.enc.PutHeader(w.hdr, uint64(len(payload)), isCommand); err != nil {
		return relayerr.Protocol("header", err)
	}
	bufs := net.Buffers{w.hdr, payload}
	_, err := bufs.WriteTo(w.w)
	return err
}

const maxInt = int(^uint(0) >> 1)
