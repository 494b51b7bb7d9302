package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Charancs/v-try-on-FP2/internal/backend"
	"github.com/Charancs/v-try-on-FP2/internal/echo"
	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
	"github.com/Charancs/v-try-on-FP2/internal/session"
	"github.com/Charancs/v-try-on-FP2/internal/types"
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

func startGateway(t *testing.T, opts Options) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(opts)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		g.Shutdown()
		ts.Close()
	})
	return g, ts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// ready dials and consumes the ready envelope.
func ready(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	c := dial(t, ts)
	msg := c.next()
	if msg["type"] != types.TypeReady {
		t.Fatalf("first message = %v; want ready", msg)
	}
	return c
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendFrame(payload string) {
	c.send(map[string]any{"type": "frame", "data": base64.StdEncoding.EncodeToString([]byte(payload))})
}

func (c *wsClient) sendGarment(id int) {
	c.send(map[string]any{"type": "garment_change", "garment_id": id})
}

func (c *wsClient) next() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

func (c *wsClient) nextFrame() string {
	c.t.Helper()
	msg := c.next()
	if msg["type"] != types.TypeFrame {
		c.t.Fatalf("message = %v; want frame", msg)
	}
	b, err := decodeFrameData(msg["data"].(string))
	if err != nil {
		c.t.Fatalf("reply data: %v", err)
	}
	return string(b)
}

func (c *wsClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected close, got %s", payload)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.t.Fatal("connection left open")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	be := startEcho(t, echo.Config{Tag: true})
	_, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}, FrameDataURI: true})

	c := ready(t, ts)
	c.sendFrame("hello")
	msg := c.next()
	data := msg["data"].(string)
	if !strings.HasPrefix(data, "data:text/plain;base64,") {
		t.Fatalf("reply not a data uri: %s", data)
	}
	b, _ := decodeFrameData(data)
	if string(b) != "hello|g=0" {
		t.Fatalf("reply = %q", b)
	}
}

func TestReadyCarriesCatalog(t *testing.T) {
	be := startEcho(t, echo.Config{})
	_, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}})

	c := dial(t, ts)
	msg := c.next()
	if msg["type"] != types.TypeReady || msg["session_id"] == "" {
		t.Fatalf("ready = %v", msg)
	}
	if garments, _ := msg["garments"].([]any); len(garments) != 6 {
		t.Fatalf("garments = %v", msg["garments"])
	}
}

func TestGarmentBounds(t *testing.T) {
	be := startEcho(t, echo.Config{Tag: true})
	g, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}})

	c := ready(t, ts)
	for id := 0; id < 6; id++ {
		c.sendGarment(id)
		msg := c.next()
		if msg["type"] != types.TypeGarmentChanged || msg["garment_id"].(float64) != float64(id) {
			t.Fatalf("garment %d: %v", id, msg)
		}
	}
	c.sendGarment(3)
	c.next()

	c.sendGarment(-1)
	c.sendGarment(6)
	c.sendFrame("f")
	// Rejected ids produce no message, so the next one is the frame.
	if got := c.nextFrame(); got != "f|g=3" {
		t.Fatalf("reply = %q; garment should still be 3", got)
	}
	if n := g.Counters()["garment_rejected"]; n != 2 {
		t.Fatalf("garment_rejected = %d", n)
	}
}

func TestBackendOpenFailureSendsOneError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	g, ts := startGateway(t, Options{Backend: backend.Options{Addr: addr, DialTimeout: time.Second}})
	c := dial(t, ts)
	msg := c.next()
	if msg["type"] != types.TypeError || msg["message"] == "" {
		t.Fatalf("message = %v; want error", msg)
	}
	c.expectClosed()

	deadline := time.Now().Add(2 * time.Second)
	for g.Registry().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := g.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d sessions", n)
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("address not reusable: %v", err)
	}
	_ = ln.Close()
}

func TestBackendDropSendsOneError(t *testing.T) {
	be := startEcho(t, echo.Config{DropAfter: 1})
	_, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}})

	c := ready(t, ts)
	c.sendFrame("one")
	if got := c.nextFrame(); got != "one" {
		t.Fatalf("reply = %q", got)
	}
	c.sendFrame("two")
	msg := c.next()
	if msg["type"] != types.TypeError {
		t.Fatalf("message = %v; want error", msg)
	}
	c.expectClosed()
}

func TestMalformedMessagesDropped(t *testing.T) {
	be := startEcho(t, echo.Config{})
	g, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}})

	c := ready(t, ts)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	c.send(map[string]any{"type": "frame", "data": "!!!"})
	c.send(map[string]any{"type": "frame", "data": ""})
	c.send(map[string]any{"type": "garment_change"})
	c.send(map[string]any{"type": "dance"})
	c.send(map[string]any{"type": "frame", "data": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("ok"))})
	if got := c.nextFrame(); got != "ok" {
		t.Fatalf("reply = %q", got)
	}
	if n := g.Counters()["decode_errors"]; n != 5 {
		t.Fatalf("decode_errors = %d", n)
	}
}

func TestSessionsIsolatedUnderSlowBackend(t *testing.T) {
	const delay = 300 * time.Millisecond
	slow := startEcho(t, echo.Config{Delay: delay})
	fast := startEcho(t, echo.Config{})
	var n atomic.Int32
	open := func(ctx context.Context, _ string) (session.Backend, error) {
		addr := fast.Addr()
		if n.Add(1) == 1 {
			addr = slow.Addr()
		}
		return backend.Open(ctx, backend.Options{Addr: addr})
	}
	_, ts := startGateway(t, Options{Open: open})

	a := ready(t, ts)
	b := ready(t, ts)

	start := time.Now()
	a.sendFrame("A-0")
	for i := 0; i < 5; i++ {
		payload := "B-" + string(rune('0'+i))
		b.sendFrame(payload)
		if got := b.nextFrame(); got != payload {
			t.Fatalf("session B got %q; want %q", got, payload)
		}
	}
	if elapsed := time.Since(start); elapsed >= delay {
		t.Fatalf("fast session waited %v behind the slow one", elapsed)
	}
	if got := a.nextFrame(); got != "A-0" {
		t.Fatalf("session A got %q", got)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("slow reply after %v; want at least %v", elapsed, delay)
	}
}

func TestGarmentChangeDuringSlowFrame(t *testing.T) {
	be := startEcho(t, echo.Config{Delay: 200 * time.Millisecond, Tag: true})
	_, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}})

	c := ready(t, ts)
	c.sendFrame("x")
	c.sendGarment(4)
	msg := c.next()
	if msg["type"] != types.TypeGarmentChanged {
		t.Fatalf("garment change waited for the frame: %v", msg)
	}
	// Either garment may apply to x depending on which write reached the
	// backend first; the change must not have waited for the reply.
	if got := c.nextFrame(); !strings.HasPrefix(got, "x|g=") {
		t.Fatalf("reply = %q", got)
	}
	c.sendFrame("y")
	if got := c.nextFrame(); got != "y|g=4" {
		t.Fatalf("reply = %q", got)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	be := startEcho(t, echo.Config{})
	_, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}, ServeMetrics: true})

	get := func(path string) (int, []byte) {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, b
	}

	if code, body := get("/healthz"); code != 200 || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	_, body := get("/api/garments")
	var garments struct {
		DefaultID int `json:"default_id"`
		Garments  []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"garments"`
	}
	if err := json.Unmarshal(body, &garments); err != nil || len(garments.Garments) != 6 {
		t.Fatalf("garments = %s (%v)", body, err)
	}

	ready(t, ts)
	_, body = get("/api/sessions")
	var sessions struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal(body, &sessions); err != nil || len(sessions.Sessions) != 1 {
		t.Fatalf("sessions = %s (%v)", body, err)
	}

	_, body = get("/status")
	var status types.StatusReport
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.ActiveSessions != 1 || status.Backend.Addr != be.Addr() {
		t.Fatalf("status = %+v", status)
	}

	if code, _ := get("/metrics"); code != 200 {
		t.Fatalf("metrics = %d", code)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	be := startEcho(t, echo.Config{})
	g, ts := startGateway(t, Options{Backend: backend.Options{Addr: be.Addr()}})

	c := ready(t, ts)
	done := make(chan struct{})
	go func() {
		g.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung")
	}
	c.expectClosed()
	if n := g.Registry().Len(); n != 0 {
		t.Fatalf("registry holds %d sessions", n)
	}
}

// stallBackend never answers a frame until it is closed.
type stallBackend struct {
	entered  chan struct{}
	closed   chan struct{}
	once     sync.Once
	commands atomic.Int32
}

func newStallBackend() *stallBackend {
	return &stallBackend{entered: make(chan struct{}, 4), closed: make(chan struct{})}
}

func (b *stallBackend) SendFrame(ctx context.Context, _ []byte) ([]byte, error) {
	b.entered <- struct{}{}
	select {
	case <-b.closed:
		return nil, relayerr.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *stallBackend) SendCommand(framing.Command) error {
	b.commands.Add(1)
	return nil
}

func (b *stallBackend) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestDisconnectClosesBackendWithFrameInFlight(t *testing.T) {
	be := newStallBackend()
	open := func(context.Context, string) (session.Backend, error) { return be, nil }
	g, ts := startGateway(t, Options{Open: open})

	c := ready(t, ts)
	c.sendFrame("held")
	select {
	case <-be.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame never reached the backend")
	}
	c.sendFrame("extra")
	c.sendGarment(2)
	if msg := c.next(); msg["type"] != types.TypeGarmentChanged {
		t.Fatalf("message = %v; want garment_changed while the frame is stalled", msg)
	}
	if n := g.Counters()["frames_dropped"]; n != 1 {
		t.Fatalf("frames_dropped = %d; want 1", n)
	}

	_ = c.conn.Close()
	select {
	case <-be.closed:
	case <-time.After(time.Second):
		t.Fatal("backend still open after the client left")
	}
	select {
	case <-be.entered:
		t.Fatal("dropped frame reached the backend")
	default:
	}
}
