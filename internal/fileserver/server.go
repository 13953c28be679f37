// Package fileserver exposes the documents folder on the local network as a
// browser upload/download page and as a WebDAV share, and reports activity
// to a Listener.
package fileserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/catalog"
	"github.com/lucaji/Shari/internal/events"
	"github.com/lucaji/Shari/internal/logging"
	"github.com/lucaji/Shari/internal/metrics"
	"github.com/lucaji/Shari/internal/paths"
)

var (
	// ErrModeOff is returned by Start when the mode is ModeOff.
	ErrModeOff = errors.New("fileserver: mode is off")
	// ErrRunning is returned when changing the mode of a running server.
	ErrRunning = errors.New("fileserver: server is running; stop it first")
)

// BindError reports that the listening socket could not be opened. The
// server stays stopped.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("fileserver: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Config configures the server.
type Config struct {
	Host string
	// Port 0 picks an ephemeral port.
	Port int
	Mode Mode

	// MaxUploadSize caps a single browser upload request, in bytes. Zero
	// means unlimited.
	MaxUploadSize int64

	// Username and PasswordHash (bcrypt) enable Basic auth when both set.
	Username     string
	PasswordHash string

	ReadHeaderTimeout time.Duration
	Title             string
}

// Library is the catalog view the browser page lists.
type Library interface {
	Records() []catalog.Record
}

// Deps are the collaborators of the server.
type Deps struct {
	Paths    *paths.Provider
	Library  Library
	Events   *events.Broadcaster
	Listener Listener
	Logger   *zap.Logger
}

// Address is where the running server can be reached.
type Address struct {
	Label string `json:"label"`
	IP    string `json:"ip"`
	Port  int    `json:"port"`
}

// Session is a snapshot of the server state.
type Session struct {
	Mode    Mode     `json:"mode"`
	Running bool     `json:"running"`
	Address *Address `json:"address,omitempty"`
	Clients int      `json:"clients"`
}

// Server serves the documents folder. Start and Stop are idempotent and safe
// to call from any goroutine.
type Server struct {
	cfg   Config
	paths *paths.Provider
	lib   Library
	bus   *events.Broadcaster
	log   *zap.Logger

	listenerMu sync.RWMutex
	listener   Listener

	mu      sync.Mutex
	mode    Mode
	running bool
	srv     *http.Server
	done    chan struct{}
	conns   *connTracker
	addr    Address
}

// New creates a stopped server.
func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Title == "" {
		cfg.Title = "Shari"
	}
	s := &Server{
		cfg:   cfg,
		paths: deps.Paths,
		lib:   deps.Library,
		bus:   deps.Events,
		log:   log,
		mode:  cfg.Mode,
	}
	s.SetListener(deps.Listener)
	return s
}

// SetListener replaces the activity listener. nil disables callbacks.
func (s *Server) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
}

func (s *Server) notify() Listener {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	return s.listener
}

// SetMode changes the mode. It fails with ErrRunning while the server runs.
func (s *Server) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("fileserver: invalid mode %d", int(m))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.mode = m
	return nil
}

// Mode returns the configured mode.
func (s *Server) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start binds the listener and begins serving. It returns false with a nil
// error when already running.
func (s *Server) Start() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false, nil
	}
	if s.mode == ModeOff {
		return false, ErrModeOff
	}

	bind := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return false, &BindError{Addr: bind, Err: err}
	}

	conns := newConnTracker(s.notify)
	srv := &http.Server{
		Handler:           s.routes(s.mode),
		ConnState:         conns.track,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("file server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.srv = srv
	s.done = done
	s.conns = conns
	s.addr = resolveAddress(s.cfg.Host, ln.Addr())
	s.running = true

	metrics.SetServerRunning(true)
	metrics.RecordServerEvent("start")
	if s.bus != nil {
		s.bus.ServerStatus(true, s.addr.Label)
	}
	s.log.Info("file server started",
		zap.String("mode", s.mode.String()),
		zap.String("address", s.addr.Label))
	return true, nil
}

// Stop closes the listener and every open connection, aborting transfers in
// flight, and waits for the serve loop to exit. It returns false when the
// server was not running.
func (s *Server) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	srv, done, conns := s.srv, s.done, s.conns
	if err := srv.Close(); err != nil {
		s.log.Warn("error closing file server", zap.Error(err))
	}
	<-done

	s.running = false
	s.srv = nil
	s.done = nil
	s.conns = nil
	s.addr = Address{}
	s.mu.Unlock()

	// Clients still tracked get their disconnect now; late ConnState hooks
	// from the closed server are ignored.
	conns.closeAll()

	metrics.SetServerRunning(false)
	metrics.RecordServerEvent("stop")
	if s.bus != nil {
		s.bus.ServerStatus(false, "")
	}
	s.log.Info("file server stopped")
	return true
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Address returns the reachable address while running.
func (s *Server) Address() (Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Address{}, false
	}
	return s.addr, true
}

// Session returns a snapshot of the server state.
func (s *Server) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := Session{Mode: s.mode, Running: s.running}
	if s.running {
		addr := s.addr
		sess.Address = &addr
		sess.Clients = s.conns.clients()
	}
	return sess
}

// routes builds the handler for a mode.
func (s *Server) routes(mode Mode) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	if mode.ServesWeb() {
		mux.HandleFunc("GET /{$}", s.handleIndex)
		mux.HandleFunc("GET /api/list", s.handleList)
		mux.HandleFunc("GET /api/status", s.handleStatus)
		mux.HandleFunc("GET /api/qr", s.handleQR)
		mux.HandleFunc("POST /api/upload", s.handleUpload)
		mux.HandleFunc("GET /download/{path...}", s.handleDownload)
		mux.HandleFunc("POST /api/delete", s.handleDelete)
		mux.HandleFunc("POST /api/move", s.handleMove)
		mux.HandleFunc("POST /api/mkdir", s.handleMkdir)
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	if mode.ServesDAV() {
		mux.Handle(davPrefix+"/", s.davHandler())
	}

	var h http.Handler = mux
	h = BasicAuthMiddleware(s.cfg.Username, s.cfg.PasswordHash, s.log)(h)
	h = metrics.Middleware(routeLabel)(h)
	h = logging.Middleware(s.log)(h)
	return h
}

// routeLabel collapses request paths for metrics labels.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	switch {
	case len(r.URL.Path) >= len(davPrefix) && r.URL.Path[:len(davPrefix)] == davPrefix:
		return davPrefix
	default:
		return "other"
	}
}

func clientFromRequest(r *http.Request) ClientInfo {
	return clientFromAddr(r.RemoteAddr)
}

func clientFromAddr(remote string) ClientInfo {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	return ClientInfo{IP: host, RemoteAddr: remote}
}

// connTracker turns per-connection state changes into per-client connect
// and disconnect callbacks.
type connTracker struct {
	listener func() Listener

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]string
	perIP  map[string]int
}

func newConnTracker(l func() Listener) *connTracker {
	return &connTracker{
		listener: l,
		conns:    make(map[net.Conn]string),
		perIP:    make(map[string]int),
	}
}

func (t *connTracker) track(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		client := clientFromAddr(c.RemoteAddr().String())
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.conns[c] = client.IP
		t.perIP[client.IP]++
		first := t.perIP[client.IP] == 1
		n := len(t.perIP)
		t.mu.Unlock()

		metrics.SetClientsConnected(n)
		if first {
			t.listener().OnConnect(client)
		}

	case http.StateClosed, http.StateHijacked:
		t.mu.Lock()
		ip, ok := t.conns[c]
		if !ok || t.closed {
			t.mu.Unlock()
			return
		}
		delete(t.conns, c)
		t.perIP[ip]--
		last := t.perIP[ip] == 0
		if last {
			delete(t.perIP, ip)
		}
		n := len(t.perIP)
		t.mu.Unlock()

		metrics.SetClientsConnected(n)
		if last {
			t.listener().OnDisconnect(ClientInfo{IP: ip, RemoteAddr: c.RemoteAddr().String()})
		}
	}
}

func (t *connTracker) clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.perIP)
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	t.closed = true
	ips := make([]string, 0, len(t.perIP))
	for ip := range t.perIP {
		ips = append(ips, ip)
	}
	t.perIP = map[string]int{}
	t.conns = map[net.Conn]string{}
	t.mu.Unlock()

	metrics.SetClientsConnected(0)
	l := t.listener()
	for _, ip := range ips {
		l.OnDisconnect(ClientInfo{IP: ip})
	}
}
