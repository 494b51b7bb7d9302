// Package events publishes session lifecycle changes to external
// listeners. Events are diagnostics: when listeners fall behind they are
// dropped rather than slowing a session down.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/session"
)

const (
	TypeOpened  = "session_opened"
	TypeFailed  = "session_failed"
	TypeGarment = "garment_changed"
	TypeFPS     = "fps"
	TypeClosed  = "session_closed"
)

// Event is one lifecycle change, encoded as a CBOR map on the wire.
type Event struct {
	Type        string  `cbor:"type" json:"type"`
	SessionID   string  `cbor:"session_id" json:"session_id"`
	Timestamp   int64   `cbor:"ts" json:"ts"`
	State       string  `cbor:"state" json:"state"`
	Garment     int     `cbor:"garment_id" json:"garment_id"`
	GarmentName string  `cbor:"garment_name,omitempty" json:"garment_name,omitempty"`
	Frames      uint64  `cbor:"frames" json:"frames"`
	FPS         float64 `cbor:"fps" json:"fps"`
	Remote      string  `cbor:"remote,omitempty" json:"remote,omitempty"`
	Error       string  `cbor:"error,omitempty" json:"error,omitempty"`
}

func (e Event) Time() time.Time { return time.Unix(0, e.Timestamp) }

func Encode(e Event) ([]byte, error) { return cbor.Marshal(e) }

func Decode(b []byte) (Event, error) {
	var e Event
	err := cbor.Unmarshal(b, &e)
	return e, err
}

func fromInfo(kind string, info session.Info, err error) Event {
	ev := Event{
		Type:        kind,
		SessionID:   info.ID,
		Timestamp:   time.Now().UnixNano(),
		State:       info.State,
		Garment:     info.Garment,
		GarmentName: info.GarmentName,
		Frames:      info.Frames,
		FPS:         info.FPS,
		Remote:      info.Remote,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Sink delivers events somewhere. Publish is only ever called from the
// publisher's own goroutine.
type Sink interface {
	Publish(Event) error
	Close() error
}

// Publisher is a session.Observer feeding a set of sinks from one
// background goroutine.
type Publisher struct {
	session.NopObserver

	sinks   []Sink
	ch      chan Event
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewPublisher(buffer int, sinks ...Sink) *Publisher {
	if buffer < 1 {
		buffer = 256
	}
	p := &Publisher{sinks: sinks, ch: make(chan Event, buffer)}
	p.wg.Add(1)
	go p.run()
	return p
}

// Emit queues ev without blocking.
func (p *Publisher) Emit(ev Event) {
	if p.closed.Load() {
		return
	}
	select {
	case p.ch <- ev:
	default:
		if p.dropped.Add(1)%100 == 1 {
			logx.Log.Warn().Uint64("dropped", p.dropped.Load()).Msg("event queue full")
		}
	}
}

func (p *Publisher) Sent() uint64    { return p.sent.Load() }
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Close drains queued events, then closes every sink.
func (p *Publisher) Close() error {
	var firstErr error
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		for _, s := range p.sinks {
			if err := s.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for ev := range p.ch {
		for _, s := range p.sinks {
			if err := s.Publish(ev); err != nil {
				logx.Log.Debug().Err(err).Str("type", ev.Type).Msg("event publish failed")
				continue
			}
		}
		p.sent.Add(1)
	}
}

func (p *Publisher) SessionOpened(i session.Info) { p.Emit(fromInfo(TypeOpened, i, nil)) }

func (p *Publisher) SessionFailed(i session.Info, err error) {
	p.Emit(fromInfo(TypeFailed, i, err))
}

func (p *Publisher) GarmentChanged(i session.Info) { p.Emit(fromInfo(TypeGarment, i, nil)) }
func (p *Publisher) FPSUpdated(i session.Info)     { p.Emit(fromInfo(TypeFPS, i, nil)) }

func (p *Publisher) SessionClosed(i session.Info, err error) {
	p.Emit(fromInfo(TypeClosed, i, err))
}
