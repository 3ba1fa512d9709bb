// Package relay implements the short-lived HTTP relay the master device runs
// for one pairing attempt. It serves the sealed rendezvous payload and then
// carries the ceremony's message traffic between the two parties.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"lanpair/logging"
)

const (
	DefaultRateLimit = 50
	DefaultRateBurst = 100

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxBodySize       = 1 << 20
)

var (
	// ErrNotFetched is returned by Publish when nobody fetched the payload before its TTL.
	ErrNotFetched = errors.New("relay: rendezvous payload was not fetched")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("relay: server already started")
	// ErrNotRunning is returned when publishing on a server that is not serving.
	ErrNotRunning = errors.New("relay: server is not running")
)

// Message is one ceremony message routed through the relay.
type Message struct {
	SessionID  string   `json:"session_id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Body       string   `json:"body"`
	Hash       string   `json:"hash"`
	SequenceNo int      `json:"sequence_no"`
}

// Config controls a relay server.
type Config struct {
	// RateLimit is the sustained requests per second allowed per remote IP.
	RateLimit float64
	// RateBurst is the burst size of each per-IP limiter.
	RateBurst int
	Logger    logging.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.RateLimit <= 0 {
		out.RateLimit = DefaultRateLimit
	}
	if out.RateBurst <= 0 {
		out.RateBurst = DefaultRateBurst
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return out
}

type rendezvousSlot struct {
	sealed   string
	expires  time.Time
	fetched  chan string
	notified bool
}

// Server is a single-use relay. Once stopped it cannot be restarted.
type Server struct {
	cfg    Config
	log    logging.Logger
	router *mux.Router

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener net.Listener
	serve    *http.Server
	tomb     tomb.Tomb
	stopOnce sync.Once
	stopErr  error

	slot      *rendezvousSlot
	parties   map[string][]string
	mailboxes map[string]map[string][]Message
	completed map[string]map[string]struct{}
	limiters  map[string]*rate.Limiter

	now func() time.Time
}

// NewServer builds a relay with its routes installed.
func NewServer(config Config) *Server {
	cfg := config.withDefaults()
	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		parties:   make(map[string][]string),
		mailboxes: make(map[string]map[string][]Message),
		completed: make(map[string]map[string]struct{}),
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
	s.addRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) addRoutes() {
	r := mux.NewRouter()
	r.Use(s.limit)

	r.HandleFunc("/", s.handleRendezvous).Methods(http.MethodGet)
	r.HandleFunc("/message/{session}", s.handlePostMessage).Methods(http.MethodPost)
	r.HandleFunc("/message/{session}/{party}", s.handleGetMessages).Methods(http.MethodGet)
	r.HandleFunc("/message/{session}/{party}/{hash}", s.handleDeleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/complete/{session}", s.handlePostComplete).Methods(http.MethodPost)
	r.HandleFunc("/complete/{session}", s.handleGetComplete).Methods(http.MethodGet)
	r.HandleFunc("/{session}", s.handleRegisterParties).Methods(http.MethodPost)
	r.HandleFunc("/{session}", s.handleGetParties).Methods(http.MethodGet)
	r.HandleFunc("/{session}", s.handleEndSession).Methods(http.MethodDelete)

	s.router = r
}

// Start listens on addr (host:port) and serves until Stop.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrAlreadyStarted
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen relay on %s: %w", addr, err)
	}
	s.listener = &closeOnceListener{Listener: l}
	s.serve = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.started = true

	s.tomb.Go(s.runServer)
	s.tomb.Go(s.shutdownServerOnKill)
	s.log.Info(fmt.Sprintf("relay: listening addr=%s", s.listener.Addr()))
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return started && s.tomb.Alive()
}

// Stop shuts the server down and waits for it. Further calls return the
// first call's result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.stopped = true
		s.mu.Unlock()
		if !started {
			return
		}
		s.tomb.Kill(nil)
		s.stopErr = s.tomb.Wait()
		s.log.Info("relay: stopped")
	})
	return s.stopErr
}

func (s *Server) runServer() error {
	err := s.serve.Serve(s.listener)
	if err == http.ErrServerClosed {
		err = nil
	}
	if s.tomb.Err() == tomb.ErrStillAlive {
		return err
	}
	return nil
}

func (s *Server) shutdownServerOnKill() error {
	<-s.tomb.Dying()
	// Close first so Shutdown cannot race a Serve that has not started yet.
	_ = s.listener.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.serve.Shutdown(ctx)
}

// Publish serves sealed at GET / for up to ttl and blocks until the first
// fetch. It returns the checksum the fetcher supplied.
func (s *Server) Publish(ctx context.Context, sealed string, ttl time.Duration) (string, error) {
	if !s.Running() {
		return "", ErrNotRunning
	}

	slot := &rendezvousSlot{
		sealed:  sealed,
		expires: s.now().Add(ttl),
		fetched: make(chan string, 1),
	}
	s.mu.Lock()
	s.slot = slot
	s.mu.Unlock()

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case checksum := <-slot.fetched:
		return checksum, nil
	case <-timer.C:
		s.clearSlot(slot)
		return "", ErrNotFetched
	case <-ctx.Done():
		s.clearSlot(slot)
		return "", ctx.Err()
	case <-s.tomb.Dying():
		return "", ErrNotRunning
	}
}

func (s *Server) clearSlot(slot *rendezvousSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == slot {
		s.slot = nil
	}
}

func (s *Server) handleRendezvous(w http.ResponseWriter, r *http.Request) {
	checksum := strings.TrimSpace(r.URL.Query().Get("checksum"))

	s.mu.Lock()
	slot := s.slot
	if slot == nil || !s.now().Before(slot.expires) {
		s.mu.Unlock()
		http.Error(w, "no rendezvous payload", http.StatusNotFound)
		return
	}
	if !slot.notified {
		slot.notified = true
		slot.fetched <- checksum
	}
	sealed := slot.sealed
	s.mu.Unlock()

	s.log.Debug(fmt.Sprintf("relay: rendezvous fetched remote=%s", r.RemoteAddr))
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, sealed)
}

func (s *Server) handleRegisterParties(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	var parties []string
	if !decodeBody(w, r, &parties) {
		return
	}

	s.mu.Lock()
	current := s.parties[session]
	for _, party := range parties {
		party = strings.TrimSpace(party)
		if party != "" && !contains(current, party) {
			current = append(current, party)
		}
	}
	s.parties[session] = current
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetParties(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]

	s.mu.Lock()
	parties, ok := s.parties[session]
	out := append([]string(nil), parties...)
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]

	s.mu.Lock()
	delete(s.parties, session)
	delete(s.mailboxes, session)
	delete(s.completed, session)
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	var msg Message
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.Hash == "" || len(msg.To) == 0 {
		http.Error(w, "message needs hash and recipients", http.StatusBadRequest)
		return
	}
	msg.SessionID = session

	s.mu.Lock()
	boxes, ok := s.mailboxes[session]
	if !ok {
		boxes = make(map[string][]Message)
		s.mailboxes[session] = boxes
	}
	for _, to := range msg.To {
		boxes[to] = append(boxes[to], msg)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	s.mu.Lock()
	pending := append([]Message{}, s.mailboxes[vars["session"]][vars["party"]]...)
	s.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].SequenceNo < pending[j].SequenceNo })
	writeJSON(w, pending)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, party, hash := vars["session"], vars["party"], vars["hash"]

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.mailboxes[session][party]
	for i, msg := range queue {
		if msg.Hash == hash {
			s.mailboxes[session][party] = append(queue[:i:i], queue[i+1:]...)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, "unknown message", http.StatusNotFound)
}

func (s *Server) handlePostComplete(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	var parties []string
	if !decodeBody(w, r, &parties) {
		return
	}

	s.mu.Lock()
	done, ok := s.completed[session]
	if !ok {
		done = make(map[string]struct{})
		s.completed[session] = done
	}
	for _, party := range parties {
		done[party] = struct{}{}
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetComplete(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]

	s.mu.Lock()
	out := make([]string, 0, len(s.completed[session]))
	for party := range s.completed[session] {
		out = append(out, party)
	}
	s.mu.Unlock()

	sort.Strings(out)
	writeJSON(w, out)
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(remoteIP(r)).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		s.limiters[ip] = limiter
	}
	return limiter
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(out); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

type closeOnceListener struct {
	net.Listener

	idempotClose sync.Once
	closeErr     error
}

func (l *closeOnceListener) Close() error {
	l.idempotClose.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}
