package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand"
	"time"
)

// Synthetic renders a moving test pattern at a fixed rate. A slow consumer
// lowers the effective rate; ticks are dropped, never queued.
type Synthetic struct {
	width, height int
	rate          float64
}

func NewSynthetic(width, height int, rate float64) *Synthetic {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if rate <= 0 {
		rate = 30
	}
	return &Synthetic{width: width, height: height, rate: rate}
}

func (s *Synthetic) Name() string { return KindSynthetic }

func (s *Synthetic) Stream(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame)
	go func() {
		defer close(out)

		frameInterval := time.Duration(float64(time.Second) / s.rate)
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		var buf bytes.Buffer
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.render(img, seq)
				buf.Reset()
				if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
					return
				}
				f := Frame{
					Seq:    seq,
					Time:   time.Now(),
					Data:   append([]byte(nil), buf.Bytes()...),
					Origin: KindSynthetic,
				}
				if !send(ctx, out, f) {
					return
				}
				seq++
			}
		}
	}()
	return out, nil
}

// render draws a soft vertical gradient with a bright band sweeping
// across it, plus a little noise so consecutive frames differ.
func (s *Synthetic) render(img *image.RGBA, seq int) {
	bandX := float64(seq*8%s.width) + 0.5
	sigma := float64(s.width) / 16
	for y := 0; y < s.height; y++ {
		base := 40 + 120*float64(y)/float64(s.height)
		for x := 0; x < s.width; x++ {
			dx := float64(x) - bandX
			v := base + 90*math.Exp(-(dx*dx)/(2*sigma*sigma)) + rand.NormFloat64()*3
			c := uint8(math.Max(0, math.Min(255, v)))
			img.SetRGBA(x, y, color.RGBA{R: c, G: c, B: uint8(math.Min(255, float64(c)+20)), A: 255})
		}
	}
}
