// Package echo is a stand-in inference backend. It speaks the backend
// wire protocol, tracks the selected garment per connection and answers
// every data frame with a transformed copy.
package echo

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
)

// Config controls the stub's behaviour.
type Config struct {
	Addr     string
	Encoding framing.Encoding
	// Delay is applied before every frame reply.
	Delay time.Duration
	// Tag appends "|g=<garment>" to each reply so callers can see which
	// garment was active when the frame was processed.
	Tag bool
	// NoiseCommands is the number of command messages written ahead of
	// every frame reply.
	NoiseCommands int
	// DropAfter closes a connection after that many frame replies.
	DropAfter int
	// MaxPayload limits inbound messages. Zero means no limit.
	MaxPayload uint64
}

// Server accepts backend connections until closed.
type Server struct {
	cfg Config
	ln  net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []framing.Command

	frames   atomic.Uint64
	accepted atomic.Uint64
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Listen binds cfg.Addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(cfg Config) (*Server, error) {
	if cfg.Encoding == nil {
		cfg.Encoding = framing.Legacy
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return &Server{cfg: cfg, ln: ln, conns: make(map[net.Conn]struct{})}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	logx.Log.Info().Str("addr", s.Addr()).Str("framing", s.cfg.Encoding.Name()).Msg("echo backend listening")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting, drops live connections and waits for handlers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Commands returns every command received so far, in arrival order.
func (s *Server) Commands() []framing.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]framing.Command(nil), s.commands...)
}

func (s *Server) Frames() uint64   { return s.frames.Load() }
func (s *Server) Accepted() uint64 { return s.accepted.Load() }

// ActiveConns reports currently open connections.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := framing.NewReader(conn, s.cfg.Encoding)
	reader.MaxPayload = s.cfg.MaxPayload
	writer := framing.NewWriter(conn, s.cfg.Encoding)
	garment := 0
	replies := 0
	noise, _ := framing.EncodeCommand(framing.Command{Type: "noise"})

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}
		if msg.Command {
			cmd, err := framing.DecodeCommand(msg.Payload)
			if err != nil {
				logx.Log.Warn().Err(err).Msg("echo backend: bad command")
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
			if cmd.Type == framing.TypeChangeGarment {
				garment = cmd.ID
			}
			continue
		}

		if s.cfg.Delay > 0 {
			timer := time.NewTimer(s.cfg.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		for i := 0; i < s.cfg.NoiseCommands; i++ {
			if err := writer.WriteMessage(noise, true); err != nil {
				return
			}
		}
		if err := writer.WriteMessage(Transform(msg.Payload, garment, s.cfg.Tag), false); err != nil {
			return
		}
		s.frames.Add(1)
		replies++
		if s.cfg.DropAfter > 0 && replies >= s.cfg.DropAfter {
			return
		}
	}
}

// Transform is the reply the stub produces for a frame.
func Transform(frame []byte, garment int, tag bool) []byte {
	if !tag {
		return append([]byte(nil), frame...)
	}
	out := make([]byte, 0, len(frame)+8)
	out = append(out, frame...)
	return append(out, fmt.Sprintf("|g=%d", garment)...)
}
