package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

// settle is how long a file must stay quiet before it is read, so
// half-written images are not sent.
const settle = 100 * time.Millisecond

// DirSource emits every image file created or rewritten in a directory.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource { return &DirSource{dir: dir} }

func (d *DirSource) Name() string { return KindDir }

func (d *DirSource) Stream(ctx context.Context) (<-chan Frame, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(d.dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		defer watcher.Close()

		debounce := time.NewTimer(settle)
		if !debounce.Stop() {
			<-debounce.C
		}
		pending := make(map[string]struct{})
		var order []string
		seq := 0

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isImage(event.Name) || !event.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				if _, seen := pending[event.Name]; !seen {
					pending[event.Name] = struct{}{}
					order = append(order, event.Name)
				}
				debounce.Reset(settle)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logx.Log.Warn().Err(err).Str("dir", d.dir).Msg("watch error")

			case <-debounce.C:
				batch := order
				order = nil
				clear(pending)
				for _, path := range batch {
					data, err := os.ReadFile(path)
					if err != nil || len(data) == 0 {
						continue
					}
					f := Frame{Seq: seq, Time: time.Now(), Data: data, Origin: filepath.Base(path)}
					if !send(ctx, out, f) {
						return
					}
					seq++
				}
			}
		}
	}()
	return out, nil
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
