package echo

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/framing"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv, err := Listen(cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return srv
}

func TestEchoTracksGarment(t *testing.T) {
	srv := startServer(t, Config{Encoding: framing.Legacy, Tag: true, NoiseCommands: 1})
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	w := framing.NewWriter(conn, framing.Legacy)
	r := framing.NewReader(conn, framing.Legacy)
	cmd, _ := framing.EncodeCommand(framing.ChangeGarment(3))
	if err := w.WriteMessage(cmd, true); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if err := w.WriteMessage([]byte("img"), false); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	noise, err := r.ReadMessage()
	if err != nil || !noise.Command {
		t.Fatalf("expected noise command, got %+v err=%v", noise, err)
	}
	reply, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Command || !bytes.Equal(reply.Payload, []byte("img|g=3")) {
		t.Fatalf("reply = %q command=%v", reply.Payload, reply.Command)
	}
	if got := srv.Commands(); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("commands = %+v", got)
	}
}

func TestTransformCopies(t *testing.T) {
	in := []byte("abc")
	out := Transform(in, 0, false)
	out[0] = 'z'
	if in[0] != 'a' {
		t.Fatalf("Transform aliased its input")
	}
}
