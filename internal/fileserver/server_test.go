package fileserver

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaji/Shari/internal/events"
	"github.com/lucaji/Shari/internal/paths"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listener() Listener {
	return EventFunc(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *recorder) ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Op
	for _, e := range r.events {
		if e.Kind == EventUpload || e.Kind == EventDownload || e.Kind == EventUpdate {
			out = append(out, e.Transfer.Op)
		}
	}
	return out
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) last() Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1].Transfer
}

type fixture struct {
	paths *paths.Provider
	bus   *events.Broadcaster
	rec   *recorder
	srv   *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	p, err := paths.New(paths.Config{DataRoot: t.TempDir(), Recursive: true})
	require.NoError(t, err)
	require.NoError(t, p.Ensure())

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Mode == ModeOff {
		cfg.Mode = ModeBoth
	}
	f := &fixture{paths: p, bus: events.NewBroadcaster(), rec: &recorder{}}
	f.srv = New(cfg, Deps{Paths: p, Events: f.bus, Listener: f.rec.listener()})
	t.Cleanup(func() { f.srv.Stop() })
	return f
}

func (f *fixture) write(t *testing.T, loc, body string) {
	t.Helper()
	abs := filepath.Join(f.paths.DocumentsRoot(), filepath.FromSlash(loc))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(body), 0644))
}

func (f *fixture) exists(loc string) bool {
	_, err := os.Stat(filepath.Join(f.paths.DocumentsRoot(), filepath.FromSlash(loc)))
	return err == nil
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.srv.routes(f.srv.Mode()).ServeHTTP(w, req)
	return w
}

func stagingFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err == nil && paths.IsStagingName(d.Name()) {
			out = append(out, p)
		}
		return nil
	})
	return out
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"0", ModeOff, true},
		{"1", ModeFileBrowsing, true},
		{"2", ModeProtocolFileAccess, true},
		{"4", ModeBoth, true},
		{"3", ModeOff, false},
		{"web", ModeFileBrowsing, true},
		{"WebDAV", ModeProtocolFileAccess, true},
		{"both", ModeBoth, true},
		{"nope", ModeOff, false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got, tt.in)
		} else {
			assert.Error(t, err, tt.in)
		}
	}

	assert.True(t, ModeBoth.ServesWeb())
	assert.True(t, ModeBoth.ServesDAV())
	assert.False(t, ModeFileBrowsing.ServesDAV())
	assert.False(t, ModeProtocolFileAccess.ServesWeb())
	assert.Equal(t, 4, int(ModeBoth))
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, Config{})

	started, err := f.srv.Start()
	require.NoError(t, err)
	assert.True(t, started)

	started, err = f.srv.Start()
	require.NoError(t, err)
	assert.False(t, started)

	addr, ok := f.srv.Address()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", addr.IP)
	assert.NotZero(t, addr.Port)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(addr.Port)+"/", addr.Label)

	resp, err := http.Get(addr.Label + "health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, f.srv.Stop())
	assert.False(t, f.srv.Stop())
	assert.False(t, f.srv.IsRunning())
	_, ok = f.srv.Address()
	assert.False(t, ok)

	// Never a dangling listener.
	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port)))
	assert.Error(t, err)
}

func TestStartModeOff(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.srv.SetMode(ModeOff))
	_, err := f.srv.Start()
	assert.ErrorIs(t, err, ErrModeOff)
	assert.False(t, f.srv.IsRunning())
}

func TestSetModeWhileRunning(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})
	_, err := f.srv.Start()
	require.NoError(t, err)

	assert.ErrorIs(t, f.srv.SetMode(ModeBoth), ErrRunning)
	assert.Equal(t, ModeFileBrowsing, f.srv.Mode())

	f.srv.Stop()
	require.NoError(t, f.srv.SetMode(ModeBoth))
	assert.Equal(t, ModeBoth, f.srv.Mode())
	assert.Error(t, f.srv.SetMode(Mode(3)))
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	f := newFixture(t, Config{Port: port})
	_, err = f.srv.Start()
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.False(t, f.srv.IsRunning())
}

func TestConnectDisconnect(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.srv.Start()
	require.NoError(t, err)
	addr, _ := f.srv.Address()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(addr.Label + "health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		k := f.rec.kinds()
		return len(k) == 2 && k[0] == EventConnect && k[1] == EventDisconnect
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopReportsRemainingClients(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.srv.Start()
	require.NoError(t, err)
	addr, _ := f.srv.Address()

	conn, err := net.Dial("tcp", net.JoinHostPort(addr.IP, strconv.Itoa(addr.Port)))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.Session().Clients == 1 }, 2*time.Second, 10*time.Millisecond)

	f.srv.Stop()
	require.Eventually(t, func() bool {
		k := f.rec.kinds()
		return len(k) == 2 && k[1] == EventDisconnect
	}, 2*time.Second, 10*time.Millisecond)
}

func multipartBody(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	fw.Write([]byte(content))
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestWebUpload(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})

	body, ctype := multipartBody(t, "a.cbz", "comic")
	req := httptest.NewRequest(http.MethodPost, "/api/upload?dir=series", body)
	req.Header.Set("Content-Type", ctype)
	w := f.serve(req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, f.exists("series/a.cbz"))
	assert.Empty(t, stagingFiles(t, f.paths.DocumentsRoot()))
	assert.Equal(t, []Op{OpUploadBegin, OpUploadComplete}, f.rec.ops())
	assert.Equal(t, "series/a.cbz", f.rec.last().Location)
	assert.Equal(t, int64(5), f.rec.last().Bytes)
	assert.Equal(t, ChannelWeb, f.rec.last().Channel)
}

func TestWebUploadTooLarge(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing, MaxUploadSize: 1024})

	body, ctype := multipartBody(t, "big.pdf", strings.Repeat("x", 4096))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ctype)
	w := f.serve(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.False(t, f.exists("big.pdf"))
	assert.Empty(t, stagingFiles(t, f.paths.DocumentsRoot()))
}

func TestWebDownload(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})
	f.write(t, "dir/x.pdf", "pdfdata")

	w := f.serve(httptest.NewRequest(http.MethodGet, "/download/dir/x.pdf", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pdfdata", w.Body.String())
	assert.Equal(t, []Op{OpDownload}, f.rec.ops())

	w = f.serve(httptest.NewRequest(http.MethodGet, "/download/missing.pdf", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebDeleteMoveMkdir(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})
	f.write(t, "a.cbz", "a")

	post := func(url, body string) *httptest.ResponseRecorder {
		return f.serve(httptest.NewRequest(http.MethodPost, url, strings.NewReader(body)))
	}

	w := post("/api/mkdir", `{"path":"series"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = post("/api/move", `{"from":"a.cbz","to":"series/a.cbz"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.exists("series/a.cbz"))
	assert.Equal(t, "a.cbz", f.rec.last().From)

	w = post("/api/move", `{"from":"series/a.cbz","to":"series/a.cbz"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post("/api/delete", `{"path":"series/a.cbz"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.exists("series/a.cbz"))

	w = post("/api/delete", `{"path":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = post("/api/delete", `{"path":"../missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []Op{OpMkdir, OpMove, OpDelete}, f.rec.ops())
}

func TestWebRejectsHiddenEntries(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})
	f.write(t, ".hidden", "h")

	staged, err := f.paths.Stage("up.cbz")
	require.NoError(t, err)
	_, err = staged.Write([]byte("partial"))
	require.NoError(t, err)
	pending := stagingFiles(t, f.paths.DocumentsRoot())
	require.Len(t, pending, 1)
	name := filepath.Base(pending[0])

	post := func(url, body string) *httptest.ResponseRecorder {
		return f.serve(httptest.NewRequest(http.MethodPost, url, strings.NewReader(body)))
	}

	w := post("/api/delete", `{"path":"`+name+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = post("/api/move", `{"from":"`+name+`","to":"stolen.cbz"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = post("/api/delete", `{"path":".hidden"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = post("/api/mkdir", `{"path":".secret"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.True(t, f.exists(".hidden"))
	assert.False(t, f.exists("stolen.cbz"))
	require.NoError(t, staged.Commit())
	assert.True(t, f.exists("up.cbz"))
	assert.Empty(t, f.rec.ops())
}

func TestWebList(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})
	f.write(t, "b.cbz", "b")
	f.write(t, "series/a.cbz", "a")

	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/list", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"documents":2`)
	assert.Contains(t, w.Body.String(), `"/series/a.cbz"`)

	w = f.serve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a.cbz")
}

func TestModeGatesRoutes(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeProtocolFileAccess})
	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/list", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.serve(httptest.NewRequest("PROPFIND", "/dav/", nil))
	assert.Equal(t, http.StatusMultiStatus, w.Code)
}

func TestDAVPut(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeProtocolFileAccess})

	req := httptest.NewRequest(http.MethodPut, "/dav/new.cbz", strings.NewReader("content"))
	w := f.serve(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	data, err := os.ReadFile(filepath.Join(f.paths.DocumentsRoot(), "new.cbz"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	assert.Equal(t, []Op{OpUploadBegin, OpUploadComplete}, f.rec.ops())
	assert.Equal(t, ChannelDAV, f.rec.last().Channel)
	assert.Empty(t, stagingFiles(t, f.paths.DocumentsRoot()))
}

type brokenReader struct{ sent bool }

func (b *brokenReader) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestDAVPartialUploadNeverAppears(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeProtocolFileAccess})

	req := httptest.NewRequest(http.MethodPut, "/dav/partial.cbz", &brokenReader{})
	w := f.serve(req)
	assert.NotEqual(t, http.StatusCreated, w.Code)

	assert.False(t, f.exists("partial.cbz"))
	assert.Empty(t, stagingFiles(t, f.paths.DocumentsRoot()))
	assert.Equal(t, []Op{OpUploadBegin, OpUploadFailed}, f.rec.ops())
}

func TestDAVHidesStagingFiles(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeProtocolFileAccess})
	f.write(t, "visible.cbz", "v")
	f.write(t, ".shari-123.part", "tmp")

	req := httptest.NewRequest("PROPFIND", "/dav/", nil)
	req.Header.Set("Depth", "1")
	w := f.serve(req)
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "visible.cbz")
	assert.NotContains(t, w.Body.String(), ".shari-")

	w = f.serve(httptest.NewRequest(http.MethodGet, "/dav/.shari-123.part", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDAVMoveDeleteGet(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeProtocolFileAccess})
	f.write(t, "a.cbz", "a")

	w := f.serve(httptest.NewRequest(http.MethodGet, "/dav/a.cbz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest("MOVE", "/dav/a.cbz", nil)
	req.Header.Set("Destination", "http://example.com/dav/b.cbz")
	w = f.serve(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	moved := f.rec.last()
	assert.Equal(t, "a.cbz", moved.From)
	assert.Equal(t, "b.cbz", moved.Location)

	w = f.serve(httptest.NewRequest(http.MethodDelete, "/dav/b.cbz", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.serve(httptest.NewRequest("MKCOL", "/dav/folder", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, []Op{OpDownload, OpMove, OpDelete, OpMkdir}, f.rec.ops())
}

func TestBasicAuth(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	f := newFixture(t, Config{Mode: ModeFileBrowsing, Username: "reader", PasswordHash: hash})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/list", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/list", nil)
	req.SetBasicAuth("reader", "wrong")
	assert.Equal(t, http.StatusUnauthorized, f.serve(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/list", nil)
	req.SetBasicAuth("reader", "secret")
	assert.Equal(t, http.StatusOK, f.serve(req).Code)

	assert.Equal(t, http.StatusOK, f.serve(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeFileBrowsing})
	ts := httptest.NewServer(f.srv.routes(ModeFileBrowsing))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.bus.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.bus.LibraryChanged(1, 0, 0)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event: "+events.EventLibraryChanged {
			return
		}
	}
	t.Fatal("library-changed not received")
}

func TestSessionSnapshot(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeBoth})
	s := f.srv.Session()
	assert.False(t, s.Running)
	assert.Nil(t, s.Address)

	_, err := f.srv.Start()
	require.NoError(t, err)
	s = f.srv.Session()
	assert.True(t, s.Running)
	require.NotNil(t, s.Address)

	png, err := s.Address.QRCode(128)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
