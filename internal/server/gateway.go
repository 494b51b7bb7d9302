// Package server is the relay gateway: it accepts front-end WebSocket
// clients and gives each one a session with a private backend connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Charancs/v-try-on-FP2/internal/backend"
	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/metrics"
	"github.com/Charancs/v-try-on-FP2/internal/output"
	"github.com/Charancs/v-try-on-FP2/internal/probe"
	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
	"github.com/Charancs/v-try-on-FP2/internal/session"
	"github.com/Charancs/v-try-on-FP2/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	DefaultMaxMessageBytes = 10 << 20
)

var errClientGone = errors.New("client disconnected")

type Options struct {
	Catalog *catalog.Catalog
	// Backend is the template every session's connection is opened with.
	Backend backend.Options
	// Open replaces backend.Open, mostly for tests.
	Open            session.Opener
	MaxMessageBytes int64
	FrameDataURI    bool
	AllowedOrigins  []string
	AssetDir        string
	ServeMetrics    bool
	Store           session.Store
	// Observers receive every session's lifecycle in addition to the
	// registry and the Prometheus collectors.
	Observers []session.Observer
	RawLog    *output.RawLogWriter
	Probe     *probe.Tracker
}

// Gateway owns the session registry. Nothing it tracks is process-global.
type Gateway struct {
	opts     Options
	upgrader websocket.Upgrader
	registry *session.Registry
	observer session.Observer
	started  time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup

	frames          atomic.Int64
	framesDropped   atomic.Int64
	decodeErrors    atomic.Int64
	garmentChanges  atomic.Int64
	garmentRejected atomic.Int64
	sessionsOpened  atomic.Int64
	sessionsFailed  atomic.Int64
}

func New(opts Options) *Gateway {
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	g := &Gateway{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: session.NewRegistry(opts.Store),
		started:  time.Now(),
		clients:  make(map[*client]struct{}),
	}
	observers := append([]session.Observer{g.registry, &metricsObserver{}}, opts.Observers...)
	g.observer = session.Observers(observers...)
	return g
}

func (g *Gateway) Registry() *session.Registry { return g.registry }

// Handler returns the gateway's HTTP surface.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	if len(g.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: g.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	r.Get("/ws", g.handleWS)
	r.Get("/healthz", g.handleHealth)
	r.Get("/status", g.handleStatus)
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/garments", g.handleGarments)
		ar.Get("/sessions", g.handleSessions)
	})
	if g.opts.AssetDir != "" {
		r.Handle("/assets/garments/*", http.StripPrefix("/assets/garments/", http.FileServer(http.Dir(g.opts.AssetDir))))
	}
	if g.opts.ServeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Run serves on addr until ctx ends, then closes every session.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		g.Shutdown()
	}()

	logx.Log.Info().Str("addr", addr).Msg("gateway listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// Shutdown disconnects every client and waits for their sessions to
// close.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	list := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		list = append(list, c)
	}
	g.mu.Unlock()
	for _, c := range list {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	g.registry.CloseAll(nil)
	g.wg.Wait()
}

// ── WebSocket clients ────────────────────────────────────────────────

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     zerolog.Logger

	notify    sync.Once
	closeOnce sync.Once
}

func (c *client) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(payload)
}

func (c *client) writeMessage(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, payload)
}

// fail sends the single error envelope a session may produce and then
// closes the connection.
func (c *client) fail(err error) {
	c.notify.Do(func() {
		if werr := c.writeJSON(types.NewError(err.Error())); werr != nil {
			c.log.Debug().Err(werr).Msg("error envelope not delivered")
		}
	})
	c.closeWith(websocket.CloseInternalServerErr, "session failed")
}

func (c *client) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, text)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (g *Gateway) addClient(c *client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	_ = c.conn.Close()
}

func (g *Gateway) clientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) open(ctx context.Context, id string) (session.Backend, error) {
	var (
		b   session.Backend
		err error
	)
	if g.opts.Open != nil {
		b, err = g.opts.Open(ctx, id)
	} else {
		var conn *backend.Conn
		conn, err = backend.Open(ctx, g.opts.Backend)
		if err == nil {
			b = conn
		}
	}
	if err != nil {
		return nil, err
	}
	return output.Recording(b, id, g.opts.RawLog), nil
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(g.opts.MaxMessageBytes)

	sess := session.New(session.Config{
		Catalog:  g.opts.Catalog,
		Open:     g.open,
		Observer: g.observer,
		Remote:   r.RemoteAddr,
	})
	c := &client{conn: conn, log: logx.Session(sess.ID())}
	g.wg.Add(1)
	defer g.wg.Done()
	g.addClient(c)
	defer g.removeClient(c)
	g.registry.Add(sess)
	defer g.registry.Remove(sess.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		g.sessionsFailed.Add(1)
		c.fail(err)
		return
	}
	g.sessionsOpened.Add(1)

	ready := types.Ready{
		Type:      types.TypeReady,
		SessionID: sess.ID(),
		GarmentID: sess.Garment(),
		Garments:  g.opts.Catalog.Entries(),
	}
	if err := c.writeJSON(ready); err != nil {
		sess.Close(errClientGone)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	slot := newFrameSlot()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		g.work(ctx, c, sess, slot)
	}()

	g.read(c, sess, slot)

	// Closing the backend fails an in-flight call straight away.
	sess.Close(nil)
	slot.close()
	<-workerDone
}

// frameSlot hands frames to the session worker. At most one frame is in
// flight; offer refuses while the worker still holds one.
type frameSlot struct {
	ch   chan []byte
	busy atomic.Bool
}

func newFrameSlot() *frameSlot { return &frameSlot{ch: make(chan []byte, 1)} }

func (s *frameSlot) offer(frame []byte) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- frame
	return true
}

// release is called by the worker once the backend call has returned and
// before the reply is written, so a client that waits for each reply is
// never refused.
func (s *frameSlot) release() { s.busy.Store(false) }

func (s *frameSlot) close() {
	// A concurrent offer cannot happen: only the reader offers and it has
	// returned.
	close(s.ch)
}

// read is the connection's dispatch loop. It never blocks on the backend:
// frames arriving while one is in flight are dropped, and garment changes
// are applied here so they never wait behind a frame's round trip.
func (g *Gateway) read(c *client, sess *session.Session, slot *frameSlot) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("client read ended")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var in types.Inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			g.dropped(c, relayerr.Decode("invalid envelope", err))
			continue
		}

		switch in.Type {
		case types.TypeFrame:
			data, err := decodeFrameData(in.Data)
			if err != nil {
				g.dropped(c, err)
				continue
			}
			select {
			case <-sess.Done():
				return
			default:
			}
			if !slot.offer(data) {
				g.framesDropped.Add(1)
				c.log.Debug().Msg("frame dropped, backend busy")
			}

		case types.TypeGarmentChange:
			if in.GarmentID == nil {
				g.dropped(c, relayerr.Decode("garment_change without garment_id", nil))
				continue
			}
			if !g.changeGarment(c, sess, *in.GarmentID) {
				return
			}

		default:
			g.dropped(c, relayerr.Decode("unknown message type "+strconv.Quote(in.Type), nil))
		}
	}
}

// changeGarment reports whether the session is still usable.
func (g *Gateway) changeGarment(c *client, sess *session.Session, id int) bool {
	err := sess.ChangeGarment(id)
	var invalid *relayerr.InvalidGarmentError
	switch {
	case err == nil:
		g.garmentChanges.Add(1)
		if werr := c.writeJSON(types.NewGarmentChanged(id)); werr != nil {
			c.log.Debug().Err(werr).Msg("garment_changed not delivered")
		}
		return true
	case errors.As(err, &invalid):
		g.garmentRejected.Add(1)
		metrics.GarmentRejected()
		c.log.Debug().Int("garment_id", id).Msg("garment id out of range")
		return true
	}
	if reason := sess.Err(); reason != nil {
		c.fail(reason)
		return false
	}
	return !relayerr.IsFatal(err)
}

// work runs the session's frames strictly one at a time.
func (g *Gateway) work(ctx context.Context, c *client, sess *session.Session, slot *frameSlot) {
	for frame := range slot.ch {
		reply, err := sess.ProcessFrame(ctx, frame)
		slot.release()
		if err != nil {
			if reason := sess.Err(); reason != nil {
				c.fail(reason)
				return
			}
			if relayerr.IsFatal(err) {
				return
			}
			c.log.Debug().Err(err).Msg("frame not processed")
			continue
		}
		g.frames.Add(1)
		if err := c.writeJSON(types.NewFrame(encodeFrameData(reply, g.opts.FrameDataURI))); err != nil {
			c.log.Debug().Err(err).Msg("frame not delivered")
			_ = c.conn.Close()
			return
		}
	}
}

func (g *Gateway) dropped(c *client, err error) {
	g.decodeErrors.Add(1)
	metrics.DecodeError()
	c.log.Debug().Err(err).Msg("inbound message dropped")
}

// ── HTTP handlers ────────────────────────────────────────────────────

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) handleGarments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default_id": g.opts.Catalog.DefaultID(),
		"garments":   g.opts.Catalog.Entries(),
	})
}

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := g.registry.Mirrored(r.Context())
	if err != nil {
		logx.Log.Warn().Err(err).Msg("session store list failed")
		list = g.registry.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := types.StatusReport{
		ActiveSessions: g.registry.Len(),
		Counters:       g.Counters(),
		Uptime:         time.Since(g.started).Truncate(time.Second).String(),
	}
	if g.opts.Probe != nil {
		if st, ok := g.opts.Probe.Latest(); ok {
			report.Backend = st
		}
	}
	if report.Backend.Addr == "" {
		report.Backend.Addr = g.opts.Backend.Addr
	}
	writeJSON(w, http.StatusOK, report)
}

// Counters is a point-in-time copy of the gateway's totals.
func (g *Gateway) Counters() map[string]int64 {
	return map[string]int64{
		"ws_clients":       int64(g.clientCount()),
		"frames":           g.frames.Load(),
		"frames_dropped":   g.framesDropped.Load(),
		"decode_errors":    g.decodeErrors.Load(),
		"garment_changes":  g.garmentChanges.Load(),
		"garment_rejected": g.garmentRejected.Load(),
		"sessions_opened":  g.sessionsOpened.Load(),
		"sessions_failed":  g.sessionsFailed.Load(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
