// Package wsclient is a scripted front-end client for the gateway, used
// for smoke tests and latency measurements.
package wsclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Charancs/v-try-on-FP2/internal/capture"
	"github.com/Charancs/v-try-on-FP2/internal/types"
)

// ErrRemote is wrapped around error envelopes sent by the gateway.
var ErrRemote = errors.New("gateway error")

type message struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	GarmentID *int   `json:"garment_id,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type Client struct {
	ws    *websocket.Conn
	Ready types.Ready
}

// Dial connects and waits for the ready envelope. An error envelope in
// its place is returned wrapped in ErrRemote. readLimit bounds inbound
// messages; zero means 10 MiB.
func Dial(ctx context.Context, url string, readLimit int64) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if readLimit <= 0 {
		readLimit = 10 << 20
	}
	ws.SetReadLimit(readLimit)

	_, raw, err := ws.Read(ctx)
	if err != nil {
		_ = ws.CloseNow()
		return nil, err
	}
	var first message
	if err := json.Unmarshal(raw, &first); err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "bad envelope")
		return nil, err
	}
	switch first.Type {
	case types.TypeReady:
	case types.TypeError:
		_ = ws.CloseNow()
		return nil, fmt.Errorf("%w: %s", ErrRemote, first.Message)
	default:
		_ = ws.Close(websocket.StatusProtocolError, "expected ready")
		return nil, fmt.Errorf("unexpected first message %q", first.Type)
	}
	c := &Client{ws: ws}
	if err := json.Unmarshal(raw, &c.Ready); err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "bad ready")
		return nil, err
	}
	return c, nil
}

func (c *Client) SendFrame(ctx context.Context, frame []byte) error {
	return wsjson.Write(ctx, c.ws, types.Inbound{
		Type: types.TypeFrame,
		Data: base64.StdEncoding.EncodeToString(frame),
	})
}

func (c *Client) ChangeGarment(ctx context.Context, id int) error {
	return wsjson.Write(ctx, c.ws, types.Inbound{Type: types.TypeGarmentChange, GarmentID: &id})
}

// NextFrame reads until a frame reply arrives. Garment confirmations on
// the way are passed to onGarment when set.
func (c *Client) NextFrame(ctx context.Context, onGarment func(int)) ([]byte, error) {
	for {
		var msg message
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			return nil, err
		}
		switch msg.Type {
		case types.TypeFrame:
			return decodeData(msg.Data)
		case types.TypeGarmentChanged:
			if onGarment != nil && msg.GarmentID != nil {
				onGarment(*msg.GarmentID)
			}
		case types.TypeError:
			return nil, fmt.Errorf("%w: %s", ErrRemote, msg.Message)
		}
	}
}

func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "done")
}

func decodeData(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, body, ok := strings.Cut(s, ","); ok {
			s = body
		}
	}
	return base64.StdEncoding.DecodeString(s)
}

// ── Scripted drive ───────────────────────────────────────────────────

type DriveOptions struct {
	Frames int
	// SwitchAt sends a garment change to Garment before that frame index.
	// Negative disables the switch.
	SwitchAt int
	Garment  int
}

type Report struct {
	Frames   int
	Garments []int
	Elapsed  time.Duration
	FPS      float64
	Min      time.Duration
	Median   time.Duration
	Max      time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("frames=%d elapsed=%s fps=%.1f rtt min=%s p50=%s max=%s garments=%v",
		r.Frames, r.Elapsed.Round(time.Millisecond), r.FPS, r.Min, r.Median, r.Max, r.Garments)
}

// Drive sends frames from src one at a time, waiting for each reply,
// and reports round-trip latency.
func Drive(ctx context.Context, c *Client, src capture.Source, opts DriveOptions) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames, err := src.Stream(ctx)
	if err != nil {
		return Report{}, err
	}

	var (
		report Report
		rtts   []time.Duration
	)
	onGarment := func(id int) { report.Garments = append(report.Garments, id) }
	start := time.Now()
	for i := 0; opts.Frames <= 0 || i < opts.Frames; i++ {
		if i == opts.SwitchAt {
			if err := c.ChangeGarment(ctx, opts.Garment); err != nil {
				return report, err
			}
		}
		var f capture.Frame
		select {
		case <-ctx.Done():
			return finish(report, rtts, start), ctx.Err()
		case next, ok := <-frames:
			if !ok {
				return finish(report, rtts, start), nil
			}
			f = next
		}
		sent := time.Now()
		if err := c.SendFrame(ctx, f.Data); err != nil {
			return finish(report, rtts, start), err
		}
		if _, err := c.NextFrame(ctx, onGarment); err != nil {
			return finish(report, rtts, start), err
		}
		rtts = append(rtts, time.Since(sent))
		report.Frames++
	}
	return finish(report, rtts, start), nil
}

func finish(r Report, rtts []time.Duration, start time.Time) Report {
	r.Elapsed = time.Since(start)
	if r.Elapsed > 0 {
		r.FPS = float64(r.Frames) / r.Elapsed.Seconds()
	}
	if len(rtts) == 0 {
		return r
	}
	sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
	r.Min = rtts[0]
	r.Median = rtts[len(rtts)/2]
	r.Max = rtts[len(rtts)-1]
	return r
}
