// Package capture provides the local frame sources the producer drives
// its session from.
package capture

import (
	"context"
	"fmt"
	"time"
)

// Frame is one encoded image ready to send to the backend.
type Frame struct {
	Seq  int
	Time time.Time
	Data []byte
	// Origin names where the frame came from (file name, endpoint).
	Origin string
}

// Source streams frames until ctx ends or the source is exhausted, then
// closes the channel.
type Source interface {
	Name() string
	Stream(ctx context.Context) (<-chan Frame, error)
}

const (
	KindSynthetic = "synthetic"
	KindDir       = "dir"
	KindRawLog    = "rawlog"
	KindZMQ       = "zmq"
)

// Options select and configure a source.
type Options struct {
	Kind       string
	Width      int
	Height     int
	Rate       float64
	Dir        string
	RawLogPath string
	Endpoint   string
}

func New(opts Options) (Source, error) {
	switch opts.Kind {
	case "", KindSynthetic:
		return NewSynthetic(opts.Width, opts.Height, opts.Rate), nil
	case KindDir:
		return NewDirSource(opts.Dir), nil
	case KindRawLog:
		return NewRawLogSource(opts.RawLogPath, opts.Rate), nil
	case KindZMQ:
		return NewZMQSource(opts.Endpoint), nil
	}
	return nil, fmt.Errorf("unknown frame source %q", opts.Kind)
}

func send(ctx context.Context, out chan<- Frame, f Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- f:
		return true
	}
}
