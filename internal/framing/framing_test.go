package framing

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
)

func payloadOfSize(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestEncodeLegacyHeader(t *testing.T) {
	msg := Encode([]byte("abc"), true)
	want := []byte{0x80, 0, 0, 0, 0, 0, 0, 3, 'a', 'b', 'c'}
	if !bytes.Equal(msg, want) {
		t.Fatalf("Encode = %x; want %x", msg, want)
	}
	length, isCommand := DecodeHeader(msg[:8])
	if length != 3 || !isCommand {
		t.Fatalf("DecodeHeader = (%d, %v); want (3, true)", length, isCommand)
	}
	length, isCommand = DecodeHeader(Encode(nil, false))
	if length != 0 || isCommand {
		t.Fatalf("DecodeHeader(empty) = (%d, %v)", length, isCommand)
	}
}

func TestTaggedHeader(t *testing.T) {
	msg, err := Append(Tagged, nil, []byte{9}, true)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := []byte{TagCommand, 0, 0, 0, 0, 0, 0, 0, 1, 9}
	if !bytes.Equal(msg, want) {
		t.Fatalf("tagged = %x; want %x", msg, want)
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, 8, 9, 4096, readChunk + 17, 3 << 20}
	for _, enc := range []Encoding{Legacy, Tagged} {
		for _, size := range sizes {
			for _, flag := range []bool{false, true} {
				p := payloadOfSize(size)
				var buf bytes.Buffer
				if err := NewWriter(&buf, enc).WriteMessage(p, flag); err != nil {
					t.Fatalf("%s write %d: %v", enc.Name(), size, err)
				}
				msg, err := NewReader(&buf, enc).ReadMessage()
				if err != nil {
					t.Fatalf("%s read %d: %v", enc.Name(), size, err)
				}
				if msg.Command != flag || !bytes.Equal(msg.Payload, p) {
					t.Fatalf("%s size %d flag %v: round trip mismatch", enc.Name(), size, flag)
				}
			}
		}
	}
}

func TestSequencing(t *testing.T) {
	for _, enc := range []Encoding{Legacy, Tagged} {
		var stream []byte
		first := []byte("first-payload")
		second := []byte("2nd")
		stream, _ = Append(enc, stream, first, false)
		stream, _ = Append(enc, stream, second, true)
		r := NewReader(bytes.NewReader(stream), enc)
		a, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("%s first: %v", enc.Name(), err)
		}
		b, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("%s second: %v", enc.Name(), err)
		}
		if !bytes.Equal(a.Payload, first) || a.Command {
			t.Fatalf("%s first = %q %v", enc.Name(), a.Payload, a.Command)
		}
		if !bytes.Equal(b.Payload, second) || !b.Command {
			t.Fatalf("%s second = %q %v", enc.Name(), b.Payload, b.Command)
		}
		if _, err := r.ReadMessage(); err != io.EOF {
			t.Fatalf("%s after last: %v; want io.EOF", enc.Name(), err)
		}
	}
}

func TestTruncationIsEndOfStream(t *testing.T) {
	for _, enc := range []Encoding{Legacy, Tagged} {
		full, _ := Append(enc, nil, []byte("hello world"), false)
		cuts := []int{0, 3, enc.HeaderSize() - 1, enc.HeaderSize(), len(full) - 1}
		for _, cut := range cuts {
			_, err := NewReader(bytes.NewReader(full[:cut]), enc).ReadMessage()
			if err != io.EOF {
				t.Fatalf("%s cut at %d: err = %v; want io.EOF", enc.Name(), cut, err)
			}
		}
	}
}

func TestMaxPayload(t *testing.T) {
	full, _ := Append(Tagged, nil, make([]byte, 64), false)
	r := NewReader(bytes.NewReader(full), Tagged)
	r.MaxPayload = 32
	_, err := r.ReadMessage()
	var pe *relayerr.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v; want ProtocolError", err)
	}
}

func TestHugeLengthWithoutLimitIsEndOfStream(t *testing.T) {
	hdr := make([]byte, 8)
	_ = Legacy.PutHeader(hdr, 1<<40, false)
	_, err := NewReader(bytes.NewReader(hdr), Legacy).ReadMessage()
	if err != io.EOF {
		t.Fatalf("err = %v; want io.EOF", err)
	}
}

func TestUnknownTag(t *testing.T) {
	bad := []byte{7, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := NewReader(bytes.NewReader(bad), Tagged).ReadMessage()
	var pe *relayerr.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v; want ProtocolError", err)
	}
}

func TestByName(t *testing.T) {
	if enc, err := ByName("TAGGED"); err != nil || enc != Tagged {
		t.Fatalf("ByName(TAGGED) = %v, %v", enc, err)
	}
	if enc, err := ByName(""); err != nil || enc != Legacy {
		t.Fatalf("ByName(\"\") = %v, %v", enc, err)
	}
	if _, err := ByName("pickle"); err == nil {
		t.Fatalf("ByName(pickle) succeeded")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	b, err := EncodeCommand(ChangeGarment(4))
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	c, err := DecodeCommand(b)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if c.Type != TypeChangeGarment || c.ID != 4 {
		t.Fatalf("command = %+v", c)
	}
	if _, err := DecodeCommand([]byte{0xff}); err == nil {
		t.Fatalf("DecodeCommand accepted garbage")
	}
}
