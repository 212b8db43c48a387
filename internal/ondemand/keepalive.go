package ondemand

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/ondemand/internal/events"
	"git.home.luguber.info/inful/ondemand/internal/logfields"
	"git.home.luguber.info/inful/ondemand/internal/metrics"
)

// PingResponse is the reply to a keep-alive ping.
type PingResponse struct {
	Invalid bool `json:"invalid,omitempty"`
	Success bool `json:"success,omitempty"`
}

// Kind labels the reply for metrics.
func (p PingResponse) Kind() string {
	if p.Invalid {
		return "invalid"
	}
	return "success"
}

// HotMessage is an unsolicited keep-alive message.
type HotMessage struct {
	Action string `json:"action"`
	Route  string `json:"route"`
}

// PingFunc evaluates a ping for route. A false second result means the ping
// gets no reply.
type PingFunc func(route string) (PingResponse, bool)

const sessionBuffer = 8

// keepAliveHub serves keep-alive sessions as server-sent event streams. Each
// session pings its route on an interval and receives hot reload broadcasts.
type keepAliveHub struct {
	mu       sync.RWMutex
	sessions map[string]*keepAliveSession
	closed   bool

	ping     PingFunc
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder metrics.Recorder
}

type keepAliveSession struct {
	id   string
	ch   chan []byte
	done chan struct{}

	mu    sync.Mutex
	route string
}

func (s *keepAliveSession) currentRoute() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

func (s *keepAliveSession) setRoute(route string) {
	s.mu.Lock()
	s.route = route
	s.mu.Unlock()
}

func newKeepAliveHub(ping PingFunc, interval time.Duration, clock clockwork.Clock, logger *slog.Logger, recorder metrics.Recorder) *keepAliveHub {
	return &keepAliveHub{
		sessions: map[string]*keepAliveSession{},
		ping:     ping,
		interval: interval,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
	}
}

// serveStream opens a session for the route in the query string and keeps it
// until the client disconnects or the hub shuts down.
func (h *keepAliveHub) serveStream(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "keep-alive shutting down", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sess := &keepAliveSession{
		id:    uuid.NewString(),
		ch:    make(chan []byte, sessionBuffer),
		done:  make(chan struct{}),
		route: r.URL.Query().Get("route"),
	}
	if !h.add(sess) {
		http.Error(w, "keep-alive shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(sess.id)
	h.logger.Debug("Keep-alive session opened", logfields.Session(sess.id), logfields.Route(sess.currentRoute()))

	bw := bufio.NewWriter(w)
	write := func(line string) bool {
		if _, err := bw.WriteString(line); err != nil {
			h.logger.Debug("keep-alive write", logfields.Session(sess.id), logfields.Error(err))
			return false
		}
		if err := bw.Flush(); err != nil {
			h.logger.Debug("keep-alive flush", logfields.Session(sess.id), logfields.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}
	pingOnce := func() bool {
		payload, ok := h.evaluate(sess.currentRoute())
		if !ok {
			// Nothing to say yet; keep the connection warm.
			return write(": ping\n\n")
		}
		return write("data: " + string(payload) + "\n\n")
	}

	if !write(": session "+sess.id+"\n\n") || !pingOnce() {
		return
	}

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case <-ticker.Chan():
			if !pingOnce() {
				return
			}
		case payload := <-sess.ch:
			if !write("data: " + string(payload) + "\n\n") {
				return
			}
		}
	}
}

// servePing answers one ping. When the session is known its route is
// retargeted, so subsequent interval pings follow client-side navigation.
func (h *keepAliveHub) servePing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	route := q.Get("route")
	if id := q.Get("session"); id != "" {
		h.mu.RLock()
		sess, ok := h.sessions[id]
		h.mu.RUnlock()
		if ok {
			sess.setRoute(route)
		}
	}

	payload, ok := h.evaluate(route)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(payload); err != nil {
		h.logger.Debug("keep-alive ping write", logfields.Route(route), logfields.Error(err))
	}
}

// evaluate runs the ping function, recovering from panics so that one bad
// ping cannot take the channel down.
func (h *keepAliveHub) evaluate(route string) (payload []byte, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Warn("Keep-alive ping panicked", logfields.Route(route), slog.Any("panic", rec))
			payload, ok = nil, false
		}
	}()
	resp, reply := h.ping(route)
	if !reply {
		return nil, false
	}
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Warn("Keep-alive ping encode failed", logfields.Route(route), logfields.Error(err))
		return nil, false
	}
	h.recorder.IncKeepAliveMessage(resp.Kind())
	return data, true
}

// broadcast queues msg for every session. Sessions whose buffer is full are
// dropped; their clients reconnect.
func (h *keepAliveHub) broadcast(msg HotMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("Keep-alive broadcast encode failed", logfields.Error(err))
		return
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	snapshot := make([]*keepAliveSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, s := range snapshot {
		select {
		case s.ch <- data:
		default:
			dropped++
			h.remove(s.id)
		}
	}
	h.recorder.IncKeepAliveMessage(msg.Action)
	h.logger.Debug("Keep-alive broadcast",
		slog.String("action", msg.Action),
		logfields.Route(msg.Route),
		logfields.Count(len(snapshot)),
		slog.Int("dropped", dropped))
}

// run forwards hot reload events until ch is closed.
func (h *keepAliveHub) run(ch <-chan events.HotReload) {
	for evt := range ch {
		h.broadcast(HotMessage{Action: evt.Action, Route: evt.Route})
	}
}

func (h *keepAliveHub) add(s *keepAliveSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	h.recorder.SetKeepAliveSessions(len(h.sessions))
	return true
}

func (h *keepAliveHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	close(s.done)
	h.recorder.SetKeepAliveSessions(len(h.sessions))
	h.logger.Debug("Keep-alive session closed", logfields.Session(id))
}

func (h *keepAliveHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// shutdown closes every session and rejects new ones.
func (h *keepAliveHub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = map[string]*keepAliveSession{}
	h.mu.Unlock()
	for _, s := range sessions {
		close(s.done)
	}
	h.recorder.SetKeepAliveSessions(0)
}
