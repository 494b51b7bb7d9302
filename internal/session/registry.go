package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

const storeTimeout = 2 * time.Second

// Registry tracks the live sessions of one gateway and mirrors their
// snapshots into a Store. It is an Observer: hand it to every session the
// gateway creates.
//
// Store writes happen on a background goroutine so a slow store never
// stalls a session. Pending writes are coalesced per session id, latest
// first, which bounds the queue by the number of live sessions.
type Registry struct {
	NopObserver

	mu       sync.RWMutex
	sessions map[string]*Session
	store    Store

	mmu      sync.Mutex
	pending  map[string]mirrorOp
	queued   uint64
	applied  uint64
	progress chan struct{}
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type mirrorOp struct {
	info   Info
	delete bool
}

func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		pending:  make(map[string]mirrorOp),
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.mirror()
	return r
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Mirrored lists what the store holds, which may include sessions of
// other gateway instances sharing it. Writes queued before the call are
// applied first.
func (r *Registry) Mirrored(ctx context.Context) ([]Info, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return r.store.List(ctx)
}

// Flush waits until every store write queued before the call is applied.
func (r *Registry) Flush(ctx context.Context) error {
	r.mmu.Lock()
	target := r.queued
	r.mmu.Unlock()
	for {
		r.mmu.Lock()
		if r.applied >= target {
			r.mmu.Unlock()
			return nil
		}
		ch := r.progress
		r.mmu.Unlock()
		select {
		case <-ch:
		case <-r.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseAll closes every live session with reason.
func (r *Registry) CloseAll(reason error) {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	for _, s := range list {
		s.Close(reason)
	}
}

// Close applies pending store writes and closes the store.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.stopped
	return r.store.Close()
}

func (r *Registry) SessionOpened(i Info)  { r.enqueue(mirrorOp{info: i}) }
func (r *Registry) FPSUpdated(i Info)     { r.enqueue(mirrorOp{info: i}) }
func (r *Registry) GarmentChanged(i Info) { r.enqueue(mirrorOp{info: i}) }

func (r *Registry) SessionClosed(i Info, _ error) {
	r.Remove(i.ID)
	r.enqueue(mirrorOp{info: i, delete: true})
}

func (r *Registry) enqueue(op mirrorOp) {
	r.mmu.Lock()
	r.pending[op.info.ID] = op
	r.queued++
	r.mmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) mirror() {
	defer close(r.stopped)
	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Registry) drain() {
	r.mmu.Lock()
	batch, seq := r.pending, r.queued
	r.pending = make(map[string]mirrorOp, len(batch))
	r.mmu.Unlock()

	for _, op := range batch {
		r.apply(op)
	}

	r.mmu.Lock()
	r.applied = seq
	close(r.progress)
	r.progress = make(chan struct{})
	r.mmu.Unlock()
}

func (r *Registry) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if op.delete {
		if err := r.store.Delete(ctx, op.info.ID); err != nil {
			logx.Log.Warn().Err(err).Str("session_id", op.info.ID).Msg("session store delete failed")
		}
		return
	}
	if err := r.store.Put(ctx, op.info); err != nil {
		logx.Log.Warn().Err(err).Str("session_id", op.info.ID).Msg("session store put failed")
	}
}
