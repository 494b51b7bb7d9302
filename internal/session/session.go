// Package session pairs one producer with one private backend connection
// and tracks the selected garment, frame count and fps for that pair.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
)

// DefaultFPSWindow is how many frames pass between fps recomputations.
const DefaultFPSWindow = 30

var ErrNotReady = errors.New("session is not ready")

// Backend is the part of a backend connection a session drives.
// *backend.Conn satisfies it.
type Backend interface {
	SendFrame(ctx context.Context, frame []byte) ([]byte, error)
	SendCommand(cmd framing.Command) error
	Close() error
}

// Opener opens the dedicated backend for the session with the given id.
type Opener func(ctx context.Context, sessionID string) (Backend, error)

type Config struct {
	Catalog   *catalog.Catalog
	Open      Opener
	Observer  Observer
	FPSWindow int
	// Remote identifies the producer in logs and snapshots.
	Remote string
	Now    func() time.Time
}

// Session is safe for concurrent use. Frames are processed one at a time;
// a garment change may run while a frame is waiting for its reply.
type Session struct {
	id  string
	cfg Config
	log zerolog.Logger

	frameMu   sync.Mutex
	garmentMu sync.Mutex

	mu        sync.Mutex
	state     State
	streaming bool
	backend   Backend
	garment   int
	frames    uint64
	fps       float64
	startedAt time.Time
	failure   error

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Session {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.FPSWindow <= 0 {
		cfg.FPSWindow = DefaultFPSWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		cfg:       cfg,
		log:       logx.Session(id),
		state:     StateInit,
		garment:   cfg.Catalog.DefaultID(),
		startedAt: cfg.Now(),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Garment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.garment
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Connect opens the backend. On failure the session moves through FAILED
// to CLOSED and the returned error is a *relayerr.ConnectionError.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.state = StateConnecting
	s.mu.Unlock()

	b, err := s.cfg.Open(ctx, s.id)
	if err != nil {
		var ce *relayerr.ConnectionError
		if !errors.As(err, &ce) {
			err = &relayerr.ConnectionError{Addr: "backend", Err: err}
		}
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateFailed
		}
		s.failure = err
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("backend open failed")
		s.cfg.Observer.SessionFailed(s.Info(), err)
		s.Close(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Closed while dialing.
		s.mu.Unlock()
		_ = b.Close()
		return relayerr.ErrClosed
	}
	s.backend = b
	s.state = StateReady
	s.mu.Unlock()

	s.log.Info().Str("remote", s.cfg.Remote).Msg("session ready")
	s.cfg.Observer.SessionOpened(s.Info())
	return nil
}

// ProcessFrame relays one frame and returns the backend's reply. It
// blocks for the full backend round trip. A fatal error closes the
// session before returning.
func (s *Session) ProcessFrame(ctx context.Context, frame []byte) ([]byte, error) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return nil, s.inactiveErr()
	}
	if s.state == StateReady {
		s.state = StateStreaming
	}
	s.streaming = true
	b := s.backend
	s.mu.Unlock()

	start := s.cfg.Now()
	reply, err := b.SendFrame(ctx, frame)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	elapsed := s.cfg.Now().Sub(start)

	s.mu.Lock()
	s.frames++
	checkpoint := s.frames%uint64(s.cfg.FPSWindow) == 0
	if checkpoint {
		if secs := s.cfg.Now().Sub(s.startedAt).Seconds(); secs > 0 {
			s.fps = float64(s.frames) / secs
		}
	}
	s.mu.Unlock()

	info := s.Info()
	s.cfg.Observer.FrameProcessed(info, elapsed)
	if checkpoint {
		s.log.Debug().Uint64("frames", info.Frames).Float64("fps", info.FPS).
			Str("garment", info.GarmentName).Msg("fps checkpoint")
		s.cfg.Observer.FPSUpdated(info)
	}
	return reply, nil
}

// ChangeGarment selects a new garment. Ids outside the catalog return a
// *relayerr.InvalidGarmentError and leave the session untouched.
func (s *Session) ChangeGarment(id int) error {
	if err := s.cfg.Catalog.Check(id); err != nil {
		return err
	}
	s.garmentMu.Lock()
	defer s.garmentMu.Unlock()

	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return s.inactiveErr()
	}
	s.state = StateChangingGarment
	b := s.backend
	s.mu.Unlock()

	if err := b.SendCommand(framing.ChangeGarment(id)); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.garment = id
	if s.state == StateChangingGarment {
		s.state = StateReady
		if s.streaming {
			s.state = StateStreaming
		}
	}
	s.mu.Unlock()

	info := s.Info()
	s.log.Info().Int("garment_id", id).Str("garment", info.GarmentName).Msg("garment changed")
	s.cfg.Observer.GarmentChanged(info)
	return nil
}

// Close tears the session down and releases the backend exactly once. It
// may run concurrently with an in-flight frame, which then fails fast.
// reason is nil for an orderly close. Close reports whether this call did
// the teardown.
func (s *Session) Close(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		s.mu.Lock()
		if s.state != StateFailed {
			s.state = StateClosing
		}
		if reason != nil && s.failure == nil {
			s.failure = reason
		}
		b := s.backend
		s.mu.Unlock()

		if b != nil {
			if err := b.Close(); err != nil {
				s.log.Debug().Err(err).Msg("backend close")
			}
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)

		ev := s.log.Info()
		if reason != nil {
			ev = s.log.Warn().Err(reason)
		}
		ev.Uint64("frames", s.frameCount()).Msg("session closed")
		s.cfg.Observer.SessionClosed(s.Info(), reason)
	})
	return closed
}

func (s *Session) fail(err error) {
	if !relayerr.IsFatal(err) {
		return
	}
	if errors.Is(err, relayerr.ErrClosed) && s.State() >= StateClosing {
		return
	}
	s.Close(err)
}

func (s *Session) inactiveErr() error {
	switch s.state {
	case StateClosing, StateClosed, StateFailed:
		return relayerr.ErrClosed
	default:
		return ErrNotReady
	}
}

func (s *Session) frameCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Garment     int       `json:"garment_id"`
	GarmentName string    `json:"garment_name"`
	Frames      uint64    `json:"frames"`
	FPS         float64   `json:"fps"`
	StartedAt   time.Time `json:"started_at"`
	Remote      string    `json:"remote,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:          s.id,
		State:       s.state.String(),
		Garment:     s.garment,
		GarmentName: s.cfg.Catalog.Name(s.garment),
		Frames:      s.frames,
		FPS:         s.fps,
		StartedAt:   s.startedAt,
		Remote:      s.cfg.Remote,
	}
	if s.failure != nil {
		info.Error = s.failure.Error()
	}
	return info
}
