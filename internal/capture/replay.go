package capture

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/output"
)

// RawLogSource replays the request payloads of a raw exchange log.
type RawLogSource struct {
	path string
	rate float64
}

// NewRawLogSource paces replay at rate frames per second; zero or less
// replays as fast as the consumer accepts.
func NewRawLogSource(path string, rate float64) *RawLogSource {
	return &RawLogSource{path: path, rate: rate}
}

func (r *RawLogSource) Name() string { return KindRawLog }

func (r *RawLogSource) Stream(ctx context.Context) (<-chan Frame, error) {
	rd, err := output.OpenRawLog(r.path)
	if err != nil {
		return nil, err
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		defer rd.Close()

		var tick <-chan time.Time
		if r.rate > 0 {
			ticker := time.NewTicker(time.Duration(float64(time.Second) / r.rate))
			defer ticker.Stop()
			tick = ticker.C
		}
		seq := 0
		for {
			rec, err := rd.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logx.Log.Warn().Err(err).Str("path", r.path).Msg("raw log replay stopped")
				}
				return
			}
			if rec.Kind != output.KindRequest {
				continue
			}
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			f := Frame{Seq: seq, Time: time.Now(), Data: rec.Payload, Origin: rec.SessionID}
			if !send(ctx, out, f) {
				return
			}
			seq++
		}
	}()
	return out, nil
}
