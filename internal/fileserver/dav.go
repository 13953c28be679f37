package fileserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/lucaji/Shari/internal/metrics"
	"github.com/lucaji/Shari/internal/paths"
)

const davPrefix = "/dav"

var errIncompleteUpload = errors.New("fileserver: upload incomplete")

type ctxKey int

const (
	clientKey ctxKey = iota
	uploadKey
)

// uploadState records whether a PUT body was read to its end.
type uploadState struct {
	eof    atomic.Bool
	failed atomic.Bool
}

func (u *uploadState) complete() bool { return u.eof.Load() && !u.failed.Load() }

type trackedBody struct {
	io.ReadCloser
	state *uploadState
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	switch {
	case err == io.EOF:
		b.state.eof.Store(true)
	case err != nil:
		b.state.failed.Store(true)
	}
	return n, err
}

func clientFrom(ctx context.Context) ClientInfo {
	c, _ := ctx.Value(clientKey).(ClientInfo)
	return c
}

func uploadStateFrom(ctx context.Context) *uploadState {
	u, _ := ctx.Value(uploadKey).(*uploadState)
	return u
}

// davHandler serves the documents folder over WebDAV.
func (s *Server) davHandler() http.Handler {
	h := &webdav.Handler{
		Prefix:     davPrefix,
		FileSystem: &davFS{dir: webdav.Dir(s.paths.DocumentsRoot()), s: s},
		LockSystem: webdav.NewMemLS(),
		Logger:     s.davCompleted,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientKey, clientFromRequest(r))
		if r.Method == http.MethodPut {
			state := &uploadState{}
			r.Body = &trackedBody{ReadCloser: r.Body, state: state}
			ctx = context.WithValue(ctx, uploadKey, state)
		}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

// davCompleted runs after every WebDAV request. Uploads, deletes, moves and
// mkdirs are reported by the file system itself; the rest is reported here.
func (s *Server) davCompleted(r *http.Request, err error) {
	loc := davLocation(strings.TrimPrefix(r.URL.Path, davPrefix))
	if err != nil {
		s.log.Debug("webdav request failed",
			zap.String("method", r.Method),
			zap.String("location", loc),
			zap.Error(err))
		return
	}

	client := clientFrom(r.Context())
	switch r.Method {
	case http.MethodGet:
		abs, aerr := s.paths.Absolute(loc)
		if aerr != nil {
			return
		}
		fi, serr := os.Stat(abs)
		if serr != nil || fi.IsDir() {
			return
		}
		metrics.RecordDownload(ChannelDAV, fi.Size(), true)
		s.notify().OnDownload(Transfer{Location: loc, Op: OpDownload, Bytes: fi.Size(), Channel: ChannelDAV, Client: client})
	case "COPY":
		s.notify().OnUpdate(Transfer{
			Location: destinationLocation(r),
			From:     loc,
			Op:       OpCopy,
			Channel:  ChannelDAV,
			Client:   client,
		})
	case "PROPPATCH":
		s.notify().OnUpdate(Transfer{Location: loc, Op: OpPropPatch, Channel: ChannelDAV, Client: client})
	}
}

func destinationLocation(r *http.Request) string {
	u, err := url.Parse(r.Header.Get("Destination"))
	if err != nil {
		return ""
	}
	return davLocation(strings.TrimPrefix(u.Path, davPrefix))
}

// davLocation maps a WebDAV name to a location; the root maps to "".
func davLocation(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// davFS wraps webdav.Dir: writes go through a staging file and hidden
// staging files are invisible to clients.
type davFS struct {
	dir webdav.Dir
	s   *Server
}

var _ webdav.FileSystem = (*davFS)(nil)

func (fs *davFS) transfer(ctx context.Context, loc string, op Op) Transfer {
	return Transfer{Location: loc, Op: op, Channel: ChannelDAV, Client: clientFrom(ctx)}
}

func (fs *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := fs.dir.Mkdir(ctx, name, perm); err != nil {
		return err
	}
	fs.s.notify().OnUpdate(fs.transfer(ctx, davLocation(name), OpMkdir))
	return nil
}

func (fs *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	loc := davLocation(name)
	if paths.IsStagingName(path.Base(loc)) {
		return nil, os.ErrNotExist
	}

	if flag&(os.O_CREATE|os.O_TRUNC) == 0 {
		// Opened only to read or to inspect properties; never write in place.
		f, err := fs.dir.OpenFile(ctx, name, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		return &listingFile{File: f}, nil
	}

	if loc == "" {
		return nil, os.ErrPermission
	}
	if fi, err := fs.dir.Stat(ctx, name); err == nil && fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", loc)
	}
	if flag&os.O_EXCL != 0 {
		if _, err := fs.dir.Stat(ctx, name); err == nil {
			return nil, os.ErrExist
		}
	}

	staged, err := fs.s.paths.Stage(loc)
	if err != nil {
		return nil, err
	}
	fs.s.notify().OnUpload(fs.transfer(ctx, loc, OpUploadBegin))
	return &stagedFile{ctx: ctx, fs: fs, staged: staged, name: path.Base(loc)}, nil
}

func (fs *davFS) RemoveAll(ctx context.Context, name string) error {
	loc := davLocation(name)
	if loc == "" {
		return os.ErrPermission
	}
	if paths.IsStagingName(path.Base(loc)) {
		return os.ErrNotExist
	}
	if err := fs.dir.RemoveAll(ctx, name); err != nil {
		return err
	}
	fs.s.notify().OnUpdate(fs.transfer(ctx, loc, OpDelete))
	return nil
}

func (fs *davFS) Rename(ctx context.Context, oldName, newName string) error {
	from, to := davLocation(oldName), davLocation(newName)
	if from == "" || to == "" {
		return os.ErrPermission
	}
	if paths.IsStagingName(path.Base(from)) {
		return os.ErrNotExist
	}
	if err := fs.dir.Rename(ctx, oldName, newName); err != nil {
		return err
	}
	t := fs.transfer(ctx, to, OpMove)
	t.From = from
	fs.s.notify().OnUpdate(t)
	return nil
}

func (fs *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if paths.IsStagingName(path.Base(davLocation(name))) {
		return nil, os.ErrNotExist
	}
	return fs.dir.Stat(ctx, name)
}

// listingFile hides staging files from directory listings.
type listingFile struct {
	webdav.File
}

func (f *listingFile) Readdir(count int) ([]os.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if !paths.IsStagingName(fi.Name()) {
			out = append(out, fi)
		}
	}
	return out, err
}

// stagedFile is a WebDAV upload. Close publishes the document under its
// final name only when the request body was received in full.
type stagedFile struct {
	ctx    context.Context
	fs     *davFS
	staged *paths.StagedFile
	name   string
	closed bool
}

var _ webdav.File = (*stagedFile)(nil)

func (f *stagedFile) Write(p []byte) (int, error) { return f.staged.Write(p) }

func (f *stagedFile) Seek(offset int64, whence int) (int64, error) {
	return f.staged.Seek(offset, whence)
}

func (f *stagedFile) Read([]byte) (int, error) {
	return 0, fmt.Errorf("file opened for writing")
}

func (f *stagedFile) Readdir(int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("not a directory")
}

func (f *stagedFile) Stat() (os.FileInfo, error) {
	fi, err := f.staged.Stat()
	if err != nil {
		return nil, err
	}
	return namedInfo{FileInfo: fi, name: f.name}, nil
}

func (f *stagedFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	loc := f.staged.Location()
	n := f.staged.Written()
	listener := f.fs.s.notify()

	incomplete := f.ctx.Err() != nil
	if st := uploadStateFrom(f.ctx); st != nil && !st.complete() {
		incomplete = true
	}
	if incomplete {
		f.staged.Abort()
		metrics.RecordUpload(ChannelDAV, n, false)
		listener.OnUpload(f.fs.transfer(f.ctx, loc, OpUploadFailed))
		f.fs.s.log.Warn("webdav upload aborted",
			zap.String("location", loc),
			zap.Int64("bytes", n))
		return errIncompleteUpload
	}

	if err := f.staged.Commit(); err != nil {
		metrics.RecordUpload(ChannelDAV, n, false)
		listener.OnUpload(f.fs.transfer(f.ctx, loc, OpUploadFailed))
		return err
	}

	metrics.RecordUpload(ChannelDAV, n, true)
	t := f.fs.transfer(f.ctx, loc, OpUploadComplete)
	t.Bytes = n
	listener.OnUpload(t)
	f.fs.s.log.Debug("webdav file written",
		zap.String("location", loc),
		zap.Int64("bytes", n))
	return nil
}

type namedInfo struct {
	os.FileInfo
	name string
}

func (n namedInfo) Name() string { return n.name }
