// Package producer drives one dedicated session from a local frame
// source instead of from network clients.
package producer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Charancs/v-try-on-FP2/internal/capture"
	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
	"github.com/Charancs/v-try-on-FP2/internal/session"
)

// Sink receives every processed frame. It runs on the capture loop, so a
// slow sink slows capture.
type Sink func(in capture.Frame, reply []byte) error

type Config struct {
	Catalog  *catalog.Catalog
	Open     session.Opener
	Source   capture.Source
	Observer session.Observer
	// Garment is applied after connecting when it differs from the
	// catalog default. Negative keeps the default.
	Garment   int
	Sink      Sink
	MaxFrames int
}

type Producer struct {
	cfg  Config
	sess *session.Session
}

func New(cfg Config) *Producer {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	return &Producer{
		cfg: cfg,
		sess: session.New(session.Config{
			Catalog:  cfg.Catalog,
			Open:     cfg.Open,
			Observer: cfg.Observer,
			Remote:   "local:" + sourceName(cfg.Source),
		}),
	}
}

func (p *Producer) Session() *session.Session { return p.sess }

// SelectGarment switches the garment from local input. It may be called
// while a frame is in flight.
func (p *Producer) SelectGarment(id int) error {
	return p.sess.ChangeGarment(id)
}

// Run connects, then relays frames until ctx ends, the source runs dry,
// MaxFrames is reached or the backend fails. The session is closed on
// return. A backend failure is returned; there is no reconnect.
func (p *Producer) Run(ctx context.Context) (err error) {
	defer func() { p.sess.Close(err) }()

	if p.cfg.Source == nil {
		return errors.New("producer: no frame source")
	}
	if err := p.sess.Connect(ctx); err != nil {
		return err
	}
	if g := p.cfg.Garment; g >= 0 && g != p.cfg.Catalog.DefaultID() {
		if err := p.sess.ChangeGarment(g); err != nil {
			return fmt.Errorf("initial garment: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames, err := p.cfg.Source.Stream(ctx)
	if err != nil {
		return fmt.Errorf("start %s source: %w", p.cfg.Source.Name(), err)
	}

	log := logx.Session(p.sess.ID())
	count := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				log.Info().Int("frames", count).Msg("frame source finished")
				return nil
			}
			reply, err := p.sess.ProcessFrame(ctx, f.Data)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, context.Canceled) {
					return nil
				}
				if relayerr.IsFatal(err) {
					return err
				}
				log.Debug().Err(err).Int("seq", f.Seq).Msg("frame skipped")
				continue
			}
			count++
			if p.cfg.Sink != nil {
				if err := p.cfg.Sink(f, reply); err != nil {
					log.Warn().Err(err).Msg("sink failed")
				}
			}
			if p.cfg.MaxFrames > 0 && count >= p.cfg.MaxFrames {
				return nil
			}
		}
	}
}

func sourceName(s capture.Source) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}

// LatestFile returns a sink that keeps dir/latest.jpg pointing at the most
// recent reply. The file is replaced atomically.
func LatestFile(dir string) (Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	target := filepath.Join(dir, "latest.jpg")
	return func(_ capture.Frame, reply []byte) error {
		tmp, err := os.CreateTemp(dir, ".latest-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(reply); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), target)
	}, nil
}
