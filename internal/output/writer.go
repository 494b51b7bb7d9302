// Package output persists what sessions did: raw frame exchanges and a
// one-line summary per closed session.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/session"
)

// SummaryWriter appends one line per closed session to a CSV file.
type SummaryWriter struct {
	session.NopObserver

	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

func NewSummaryWriter(outputDir string, runTimestamp string) (*SummaryWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_sessions.csv", runTimestamp))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintln(f, "session_id, remote, started_at, duration_s, frames, fps, garment_id, result"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &SummaryWriter{f: f, path: filename, now: time.Now}, nil
}

func (w *SummaryWriter) Path() string { return w.path }

func (w *SummaryWriter) SessionClosed(info session.Info, reason error) {
	result := "ok"
	if reason != nil {
		result = fmt.Sprintf("%q", reason.Error())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	_, _ = fmt.Fprintf(
		w.f,
		"%s, %s, %s, %.3f, %d, %.2f, %d, %s\n",
		info.ID,
		info.Remote,
		info.StartedAt.UTC().Format(time.RFC3339),
		w.now().Sub(info.StartedAt).Seconds(),
		info.Frames,
		info.FPS,
		info.Garment,
		result,
	)
}

func (w *SummaryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
