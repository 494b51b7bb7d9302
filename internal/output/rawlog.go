package output

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/session"
)

const rawLogMagic = "TRYONRW1"

// Record kinds.
const (
	KindRequest uint8 = 1
	KindReply   uint8 = 2
	KindCommand uint8 = 3
)

// record header: ts(8) kind(1) idLen(1) payloadLen(4), little endian
const recordHeaderSize = 14

type Record struct {
	Time      time.Time
	Kind      uint8
	SessionID string
	Payload   []byte
}

func KindName(k uint8) string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindCommand:
		return "command"
	}
	return fmt.Sprintf("kind(%d)", k)
}

type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	failures atomic.Uint64
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{f: f, w: w, path: filename}, nil
}

func (r *RawLogWriter) Path() string { return r.path }

// Failures counts records that could not be written.
func (r *RawLogWriter) Failures() uint64 { return r.failures.Load() }

// note records a failed write. Only the first one is logged so a full
// disk does not flood the log.
func (r *RawLogWriter) note(err error) {
	if r.failures.Add(1) == 1 {
		logx.Log.Warn().Err(err).Str("path", r.path).Msg("raw log write failed, further failures are counted only")
	}
}

func (r *RawLogWriter) Record(kind uint8, sessionID string, payload []byte) error {
	if len(sessionID) > 255 {
		sessionID = sessionID[:255]
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("raw log: payload of %d bytes too large", len(payload))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	header[8] = kind
	header[9] = uint8(len(sessionID))
	binary.LittleEndian.PutUint32(header[10:14], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.WriteString(sessionID); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawLogReader iterates the records of a raw log file.
type RawLogReader struct {
	f *os.File
	r *bufio.Reader
}

func OpenRawLog(path string) (*RawLogReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(f, 1024*1024)
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != rawLogMagic {
		_ = f.Close()
		return nil, fmt.Errorf("unexpected rawlog magic %q", string(magic))
	}
	return &RawLogReader{f: f, r: r}, nil
}

// Next returns io.EOF after the last complete record. A record cut short
// by a crash also ends the iteration.
func (r *RawLogReader) Next() (Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	rec := Record{
		Time: time.Unix(0, int64(binary.LittleEndian.Uint64(header[:8]))),
		Kind: header[8],
	}
	body := make([]byte, int(header[9])+int(binary.LittleEndian.Uint32(header[10:14])))
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	rec.SessionID = string(body[:header[9]])
	rec.Payload = body[header[9]:]
	return rec, nil
}

func (r *RawLogReader) Close() error { return r.f.Close() }

// recordingBackend copies every exchange of one session into a raw log.
type recordingBackend struct {
	session.Backend
	id  string
	log *RawLogWriter
}

// Recording wraps b so its frames, replies and commands are written to w.
// Logging failures never fail the exchange.
func Recording(b session.Backend, sessionID string, w *RawLogWriter) session.Backend {
	if w == nil {
		return b
	}
	return &recordingBackend{Backend: b, id: sessionID, log: w}
}

func (r *recordingBackend) record(kind uint8, payload []byte) {
	if err := r.log.Record(kind, r.id, payload); err != nil {
		r.log.note(err)
	}
}

func (r *recordingBackend) SendFrame(ctx context.Context, frame []byte) ([]byte, error) {
	r.record(KindRequest, frame)
	reply, err := r.Backend.SendFrame(ctx, frame)
	if err == nil {
		r.record(KindReply, reply)
	}
	return reply, err
}

func (r *recordingBackend) SendCommand(cmd framing.Command) error {
	if b, err := framing.EncodeCommand(cmd); err == nil {
		r.record(KindCommand, b)
	}
	return r.Backend.SendCommand(cmd)
}
