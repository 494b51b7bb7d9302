package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/echo"
	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
	"github.com/Charancs/v-try-on-FP2/internal/retry"
)

func startEcho(t *testing.T, cfg echo.Config) *echo.Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv, err := echo.Listen(cfg)
	if err != nil {
		t.Fatalf("echo.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return srv
}

func openConn(t *testing.T, opts Options) *Conn {
	t.Helper()
	c, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendFrameRoundTrip(t *testing.T) {
	for _, enc := range []framing.Encoding{framing.Legacy, framing.Tagged} {
		srv := startEcho(t, echo.Config{Encoding: enc})
		c := openConn(t, Options{Addr: srv.Addr(), Encoding: enc})
		for _, p := range [][]byte{{}, []byte("jpeg-bytes"), bytes.Repeat([]byte{7}, 2<<20)} {
			reply, err := c.SendFrame(context.Background(), p)
			if err != nil {
				t.Fatalf("%s SendFrame: %v", enc.Name(), err)
			}
			if !bytes.Equal(reply, p) {
				t.Fatalf("%s reply mismatch for %d bytes", enc.Name(), len(p))
			}
		}
		if st := c.Stats(); st.FramesSent != 3 {
			t.Fatalf("frames sent = %d", st.FramesSent)
		}
	}
}

func TestSendFrameSkipsCommandReplies(t *testing.T) {
	srv := startEcho(t, echo.Config{NoiseCommands: 2})
	c := openConn(t, Options{Addr: srv.Addr()})
	reply, err := c.SendFrame(context.Background(), []byte("a"))
	if err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if string(reply) != "a" {
		t.Fatalf("reply = %q", reply)
	}
	if st := c.Stats(); st.RepliesSkipped != 2 {
		t.Fatalf("skipped = %d; want 2", st.RepliesSkipped)
	}
}

func TestSendFrameBoundsSkippedCommands(t *testing.T) {
	srv := startEcho(t, echo.Config{NoiseCommands: 3})
	c := openConn(t, Options{Addr: srv.Addr(), MaxSkipped: 2})
	_, err := c.SendFrame(context.Background(), []byte("a"))
	if !errors.Is(err, relayerr.ErrTooManySkipped) {
		t.Fatalf("err = %v; want ErrTooManySkipped", err)
	}
	if !relayerr.IsFatal(err) {
		t.Fatalf("skip overflow must be fatal")
	}
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Open(context.Background(), Options{Addr: addr, DialTimeout: time.Second})
	var ce *relayerr.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v; want ConnectionError", err)
	}

	// The failed attempt must not hold the port.
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("address not reusable after failed open: %v", err)
	}
	_ = ln2.Close()
}

func TestOpenRetriesWithPolicy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	dialer := &countingDialer{}
	_, err = Open(context.Background(), Options{
		Addr:      addr,
		Dialer:    dialer,
		Reconnect: retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 3},
	})
	if err == nil {
		t.Fatalf("Open succeeded against a closed port")
	}
	if dialer.calls != 3 {
		t.Fatalf("dial attempts = %d; want 3", dialer.calls)
	}
}

type countingDialer struct {
	calls int
	d     net.Dialer
}

func (c *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c.calls++
	return c.d.DialContext(ctx, network, addr)
}

// silentBackend accepts connections and never answers.
func silentBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func TestReadTimeout(t *testing.T) {
	c := openConn(t, Options{Addr: silentBackend(t), ReadTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := c.SendFrame(context.Background(), []byte("x"))
	if !errors.Is(err, relayerr.ErrReadTimeout) {
		t.Fatalf("err = %v; want ErrReadTimeout", err)
	}
	if relayerr.Kind(err) != "timeout" {
		t.Fatalf("kind = %q", relayerr.Kind(err))
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took too long")
	}
}

func TestCloseUnblocksInFlightFrame(t *testing.T) {
	c := openConn(t, Options{Addr: silentBackend(t), ReadTimeout: -1})
	done := make(chan error, 1)
	go func() {
		_, err := c.SendFrame(context.Background(), []byte("x"))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, relayerr.ErrClosed) {
			t.Fatalf("err = %v; want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SendFrame still blocked after Close")
	}
	if _, err := c.SendFrame(context.Background(), []byte("y")); !errors.Is(err, relayerr.ErrClosed) {
		t.Fatalf("send after close = %v", err)
	}
	if err := c.SendCommand(framing.ChangeGarment(1)); !errors.Is(err, relayerr.ErrClosed) {
		t.Fatalf("command after close = %v", err)
	}
}

func TestContextCancelAbortsFrame(t *testing.T) {
	c := openConn(t, Options{Addr: silentBackend(t), ReadTimeout: -1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendFrame(ctx, []byte("x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want deadline exceeded", err)
	}
	if !c.Closed() {
		t.Fatalf("connection left open after aborted frame")
	}
}

func TestCommandDoesNotWaitForFrameReply(t *testing.T) {
	delay := 300 * time.Millisecond
	srv := startEcho(t, echo.Config{Delay: delay, Tag: true})
	c := openConn(t, Options{Addr: srv.Addr()})

	first := make(chan []byte, 1)
	go func() {
		reply, _ := c.SendFrame(context.Background(), []byte("f1"))
		first <- reply
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := c.SendCommand(framing.ChangeGarment(2)); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if took := time.Since(start); took >= delay {
		t.Fatalf("SendCommand blocked on the frame reply (%v)", took)
	}

	if got := string(<-first); got != "f1|g=0" {
		t.Fatalf("first reply = %q", got)
	}
	reply, err := c.SendFrame(context.Background(), []byte("f2"))
	if err != nil {
		t.Fatalf("second SendFrame: %v", err)
	}
	if string(reply) != "f2|g=2" {
		t.Fatalf("second reply = %q", reply)
	}
}

func TestSlowBackendBlocksCaller(t *testing.T) {
	delay := 200 * time.Millisecond
	slow := startEcho(t, echo.Config{Delay: delay})
	fast := startEcho(t, echo.Config{})
	slowConn := openConn(t, Options{Addr: slow.Addr()})
	fastConn := openConn(t, Options{Addr: fast.Addr()})

	slowDone := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_, _ = slowConn.SendFrame(context.Background(), []byte("s"))
		slowDone <- time.Since(start)
	}()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := fastConn.SendFrame(context.Background(), []byte("f")); err != nil {
			t.Fatalf("fast SendFrame: %v", err)
		}
	}
	if took := time.Since(start); took >= delay {
		t.Fatalf("fast connection slowed down by the slow one: %v", took)
	}
	if took := <-slowDone; took < delay {
		t.Fatalf("slow SendFrame returned after %v; want >= %v", took, delay)
	}
}

func TestBackendDropIsProtocolError(t *testing.T) {
	srv := startEcho(t, echo.Config{DropAfter: 1})
	c := openConn(t, Options{Addr: srv.Addr()})
	if _, err := c.SendFrame(context.Background(), []byte("a")); err != nil {
		t.Fatalf("first SendFrame: %v", err)
	}
	_, err := c.SendFrame(context.Background(), []byte("b"))
	if err == nil {
		t.Fatalf("SendFrame succeeded on a dropped connection")
	}
	if !relayerr.IsFatal(err) {
		t.Fatalf("drop must be fatal: %v", err)
	}
	if k := relayerr.Kind(err); k != "protocol" && k != "write" {
		t.Fatalf("kind = %q", k)
	}
}

// A backend that only knows the 8-byte bit-63 header must be able to talk
// to a connection opened with zero-value options.
func TestDefaultEncodingIsBit63Header(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type seen struct {
		length    uint64
		isCommand bool
		payload   []byte
		err       error
	}
	got := make(chan seen, 2)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- seen{err: err}
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			var hdr [8]byte
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				got <- seen{err: err}
				return
			}
			n, cmd := framing.DecodeHeader(hdr[:])
			payload := make([]byte, n)
			if _, err := io.ReadFull(conn, payload); err != nil {
				got <- seen{err: err}
				return
			}
			got <- seen{length: n, isCommand: cmd, payload: payload}
			if !cmd {
				_, _ = conn.Write(framing.Encode(payload, false))
			}
		}
	}()

	c := openConn(t, Options{Addr: ln.Addr().String()})
	if c.Encoding() != framing.Legacy {
		t.Fatalf("default encoding = %s; want legacy", c.Encoding().Name())
	}
	if err := c.SendCommand(framing.ChangeGarment(3)); err != nil {
		t.Fatal(err)
	}
	reply, err := c.SendFrame(context.Background(), []byte("0123456789"))
	if err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if string(reply) != "0123456789" {
		t.Fatalf("reply = %q", reply)
	}

	cmd := <-got
	if cmd.err != nil || !cmd.isCommand {
		t.Fatalf("command message = %+v", cmd)
	}
	if dc, err := framing.DecodeCommand(cmd.payload); err != nil || dc.ID != 3 {
		t.Fatalf("command payload = %+v %v", dc, err)
	}
	frame := <-got
	if frame.err != nil || frame.isCommand || frame.length != 10 {
		t.Fatalf("frame message = %+v; want 10-byte data frame", frame)
	}
}
