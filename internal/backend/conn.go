// Package backend is the client side of the inference backend protocol.
//
// A Conn wraps one byte stream owned by one session. Frames are strictly
// request/response; commands are fire-and-forget. Every write goes
// through a single writer lock so a command can never split a frame.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
	"github.com/Charancs/v-try-on-FP2/internal/retry"
)

const (
	DefaultDialTimeout   = 10 * time.Second
	DefaultReadTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultMaxReplyBytes = 64 << 20
	DefaultMaxSkipped    = 8
)

// Dialer opens the underlying stream. *net.Dialer and *SSHDialer both
// satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options configure one connection. Zero values take the defaults above.
type Options struct {
	Addr          string
	Encoding      framing.Encoding
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxReplyBytes uint64
	// MaxSkipped is how many command messages a frame call discards
	// before giving up on the reply.
	MaxSkipped int
	Dialer     Dialer
	// Reconnect governs the initial open only. The zero value makes a
	// single attempt.
	Reconnect retry.Backoff
}

func (o Options) withDefaults() Options {
	if o.Encoding == nil {
		o.Encoding = framing.Legacy
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxReplyBytes == 0 {
		o.MaxReplyBytes = DefaultMaxReplyBytes
	}
	if o.MaxSkipped <= 0 {
		o.MaxSkipped = DefaultMaxSkipped
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return o
}

// Stats are cumulative counters for one connection.
type Stats struct {
	FramesSent     uint64 `json:"frames_sent"`
	CommandsSent   uint64 `json:"commands_sent"`
	RepliesSkipped uint64 `json:"replies_skipped"`
	BytesOut       uint64 `json:"bytes_out"`
	BytesIn        uint64 `json:"bytes_in"`
}

// Conn is a single backend connection.
type Conn struct {
	opts   Options
	conn   net.Conn
	reader *framing.Reader
	writer *framing.Writer

	callMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	framesSent   atomic.Uint64
	commandsSent atomic.Uint64
	skipped      atomic.Uint64
	bytesOut     atomic.Uint64
	bytesIn      atomic.Uint64
}

// Open dials the backend. Each attempt is bounded by DialTimeout; the
// number of attempts follows opts.Reconnect. Failure is always a
// *relayerr.ConnectionError.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if opts.Addr == "" {
		return nil, &relayerr.ConnectionError{Addr: opts.Addr, Err: errors.New("empty backend address")}
	}

	var conn net.Conn
	err := opts.Reconnect.Do(ctx, func(attempt int) error {
		dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
		c, err := opts.Dialer.DialContext(dialCtx, "tcp", opts.Addr)
		if err != nil {
			logx.Log.Debug().Str("backend", opts.Addr).Int("attempt", attempt).Err(err).Msg("backend dial failed")
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &relayerr.ConnectionError{Addr: opts.Addr, Err: err}
	}

	reader := framing.NewReader(conn, opts.Encoding)
	if opts.MaxReplyBytes > 0 {
		reader.MaxPayload = opts.MaxReplyBytes
	}
	return &Conn{
		opts:   opts,
		conn:   conn,
		reader: reader,
		writer: framing.NewWriter(conn, opts.Encoding),
	}, nil
}

func (c *Conn) Addr() string              { return c.opts.Addr }
func (c *Conn) Encoding() framing.Encoding { return c.opts.Encoding }

// SendFrame writes one data frame and blocks until its reply arrives.
// Only one call is in flight at a time. Command messages that show up
// while waiting are discarded, up to MaxSkipped of them.
//
// Cancelling ctx mid-call closes the connection: once a request has been
// written, its reply can no longer be told apart from the next one.
func (c *Conn) SendFrame(ctx context.Context, frame []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.closed.Load() {
		return nil, relayerr.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.write(frame, false); err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	c.framesSent.Add(1)

	if c.opts.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	reply, err := c.readReply()
	if err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	return reply, nil
}

// SendCommand writes a command message and returns once it is on the
// wire. It may run while a SendFrame is waiting for its reply.
func (c *Conn) SendCommand(cmd framing.Command) error {
	payload, err := framing.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.write(payload, true); err != nil {
		return err
	}
	c.commandsSent.Add(1)
	return nil
}

// Close releases the socket. Blocked calls fail with ErrClosed. Safe to
// call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) Stats() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		CommandsSent:   c.commandsSent.Load(),
		RepliesSkipped: c.skipped.Load(),
		BytesOut:       c.bytesOut.Load(),
		BytesIn:        c.bytesIn.Load(),
	}
}

func (c *Conn) write(payload []byte, isCommand bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return relayerr.ErrClosed
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := c.writer.WriteMessage(payload, isCommand); err != nil {
		if c.closed.Load() {
			return relayerr.ErrClosed
		}
		return &relayerr.WriteError{Addr: c.opts.Addr, Err: err}
	}
	c.bytesOut.Add(uint64(c.opts.Encoding.HeaderSize() + len(payload)))
	return nil
}

func (c *Conn) readReply() ([]byte, error) {
	discarded := 0
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			return nil, c.readErr(err)
		}
		c.bytesIn.Add(uint64(c.opts.Encoding.HeaderSize() + len(msg.Payload)))
		if !msg.Command {
			return msg.Payload, nil
		}
		c.skipped.Add(1)
		discarded++
		if discarded > c.opts.MaxSkipped {
			return nil, relayerr.Protocol("read", relayerr.ErrTooManySkipped)
		}
	}
}

func (c *Conn) readErr(err error) error {
	switch {
	case c.closed.Load():
		return relayerr.ErrClosed
	case relayerr.IsTimeout(err):
		return relayerr.Protocol("read", fmt.Errorf("%w after %s", relayerr.ErrReadTimeout, c.opts.ReadTimeout))
	default:
		return relayerr.Protocol("read", err)
	}
}

// ctxErr prefers the caller's cancellation over the ErrClosed it caused.
func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, relayerr.ErrClosed) {
		return fmt.Errorf("frame call aborted: %w", ctxErr)
	}
	return err
}
