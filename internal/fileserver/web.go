package fileserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/catalog"
	"github.com/lucaji/Shari/internal/events"
	"github.com/lucaji/Shari/internal/logging"
	"github.com/lucaji/Shari/internal/metrics"
	"github.com/lucaji/Shari/internal/paths"
	"github.com/lucaji/Shari/internal/tree"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// ListResponse is the body of GET /api/list.
type ListResponse struct {
	Root      *tree.Node `json:"root"`
	Documents int        `json:"documents"`
	FreeBytes uint64     `json:"free_bytes,omitempty"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.Session())
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.Address()
	if !ok {
		s.sendError(w, http.StatusServiceUnavailable, "server not running")
		return
	}
	png, err := addr.QRCode(256)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// libraryTree builds the tree from the catalog, or from disk when no catalog
// is attached. Directories on disk are included so empty folders show up.
func (s *Server) libraryTree() (*tree.Node, error) {
	var records []catalog.Record
	if s.lib != nil {
		records = s.lib.Records()
	} else {
		files, err := s.paths.ListDocuments()
		if err != nil {
			return nil, err
		}
		for _, abs := range files {
			loc, ok := s.paths.Relativize(abs)
			if !ok {
				continue
			}
			fi, err := s.paths.Stat(loc)
			if err != nil {
				continue
			}
			records = append(records, catalog.NewRecord(loc, fi.Size, fi.ModTime))
		}
	}

	var dirs []string
	if s.paths.Recursive() {
		root := s.paths.DocumentsRoot()
		err := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
			if err != nil {
				if abs == root {
					return err
				}
				return nil
			}
			if abs == root || !d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if loc, ok := s.paths.Relativize(abs); ok {
				dirs = append(dirs, loc)
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return tree.Build(records, dirs), nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	root, err := s.libraryTree()
	if err != nil {
		logging.WithContext(r.Context()).Error("list library failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list library")
		return
	}
	resp := ListResponse{Root: root, Documents: tree.CountDocuments(root)}
	if free, err := s.paths.FreeSpace(); err == nil {
		resp.FreeBytes = free
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleUpload streams multipart files into staging files. The target
// directory is taken from the dir query parameter.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.WithContext(r.Context())
	client := clientFromRequest(r)
	if s.cfg.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}

	dir := strings.Trim(r.URL.Query().Get("dir"), "/")
	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	var uploaded []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendError(w, uploadErrorCode(err), "invalid upload: "+err.Error())
			return
		}
		name := path.Base(strings.ReplaceAll(part.FileName(), "\\", "/"))
		if part.FileName() == "" || name == "." || name == "/" {
			part.Close()
			continue
		}
		if strings.HasPrefix(name, ".") {
			part.Close()
			s.sendError(w, http.StatusBadRequest, "hidden file names are not accepted")
			return
		}

		loc, err := paths.CleanLocation(path.Join(dir, name))
		if err != nil {
			part.Close()
			s.sendError(w, http.StatusBadRequest, "invalid destination")
			return
		}

		s.notify().OnUpload(Transfer{Location: loc, Op: OpUploadBegin, Channel: ChannelWeb, Client: client})
		staged, err := s.paths.Stage(loc)
		if err != nil {
			part.Close()
			s.notify().OnUpload(Transfer{Location: loc, Op: OpUploadFailed, Channel: ChannelWeb, Client: client})
			log.Error("stage upload failed", zap.String("location", loc), zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "failed to store upload")
			return
		}
		_, copyErr := io.Copy(staged, part)
		part.Close()
		if copyErr == nil {
			copyErr = staged.Commit()
		} else {
			staged.Abort()
		}
		if copyErr != nil {
			metrics.RecordUpload(ChannelWeb, staged.Written(), false)
			s.notify().OnUpload(Transfer{Location: loc, Op: OpUploadFailed, Channel: ChannelWeb, Client: client})
			log.Warn("upload failed", zap.String("location", loc), zap.Error(copyErr))
			s.sendError(w, uploadErrorCode(copyErr), "upload failed")
			return
		}

		metrics.RecordUpload(ChannelWeb, staged.Written(), true)
		s.notify().OnUpload(Transfer{
			Location: loc,
			Op:       OpUploadComplete,
			Bytes:    staged.Written(),
			Channel:  ChannelWeb,
			Client:   client,
		})
		log.Info("document uploaded",
			zap.String("location", loc),
			zap.Int64("bytes", staged.Written()))
		uploaded = append(uploaded, loc)
	}

	if len(uploaded) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in request")
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string][]string{"uploaded": uploaded})
}

func uploadErrorCode(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	loc, err := paths.CleanLocation(r.PathValue("path"))
	if err != nil || paths.IsStagingName(path.Base(loc)) {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	abs, err := s.paths.Absolute(loc)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.sendError(w, http.StatusNotFound, "not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		s.sendError(w, http.StatusBadRequest, "not a file")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fi.Name()))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)

	metrics.RecordDownload(ChannelWeb, fi.Size(), true)
	s.notify().OnDownload(Transfer{
		Location: loc,
		Op:       OpDownload,
		Bytes:    fi.Size(),
		Channel:  ChannelWeb,
		Client:   clientFromRequest(r),
	})
}

// isHiddenLocation reports whether loc names a hidden entry, which includes
// in-flight upload staging files.
func isHiddenLocation(loc string) bool {
	return strings.HasPrefix(path.Base(loc), ".")
}

func (s *Server) absolute(w http.ResponseWriter, loc string) (string, bool) {
	abs, err := s.paths.Absolute(loc)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return "", false
	}
	return abs, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	loc, err := paths.CleanLocation(req.Path)
	if err != nil || isHiddenLocation(loc) {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	abs, ok := s.absolute(w, loc)
	if !ok {
		return
	}
	if _, err := os.Lstat(abs); err != nil {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		logging.WithContext(r.Context()).Error("delete failed", zap.String("location", loc), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.notify().OnUpdate(Transfer{Location: loc, Op: OpDelete, Channel: ChannelWeb, Client: clientFromRequest(r)})
	s.sendJSON(w, http.StatusOK, map[string]string{"deleted": loc})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	from, err1 := paths.CleanLocation(req.From)
	to, err2 := paths.CleanLocation(req.To)
	if err1 != nil || err2 != nil || isHiddenLocation(from) || isHiddenLocation(to) {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if from == to || strings.HasPrefix(to, from+"/") {
		s.sendError(w, http.StatusBadRequest, "cannot move into itself")
		return
	}
	src, ok := s.absolute(w, from)
	if !ok {
		return
	}
	dst, ok := s.absolute(w, to)
	if !ok {
		return
	}
	if _, err := os.Lstat(src); err != nil {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := os.Lstat(dst); err == nil {
		s.sendError(w, http.StatusConflict, "destination exists")
		return
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		s.sendError(w, http.StatusInternalServerError, "move failed")
		return
	}
	if err := os.Rename(src, dst); err != nil {
		logging.WithContext(r.Context()).Error("move failed",
			zap.String("from", from), zap.String("to", to), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "move failed")
		return
	}
	s.notify().OnUpdate(Transfer{Location: to, From: from, Op: OpMove, Channel: ChannelWeb, Client: clientFromRequest(r)})
	s.sendJSON(w, http.StatusOK, map[string]string{"from": from, "to": to})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	loc, err := paths.CleanLocation(req.Path)
	if err != nil || isHiddenLocation(loc) {
		s.sendError(w, http.StatusBadRequest, "invalid path")
		return
	}
	abs, ok := s.absolute(w, loc)
	if !ok {
		return
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		s.sendError(w, http.StatusInternalServerError, "mkdir failed")
		return
	}
	s.notify().OnUpdate(Transfer{Location: loc, Op: OpMkdir, Channel: ChannelWeb, Client: clientFromRequest(r)})
	s.sendJSON(w, http.StatusCreated, map[string]string{"created": loc})
}

// handleEvents streams library notifications as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.sendError(w, http.StatusNotImplemented, "events not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

type indexRow struct {
	Node  *tree.Node
	Depth int
}

type indexData struct {
	Title     string
	Address   string
	Rows      []indexRow
	Documents int
	DAV       bool
}

func flattenRows(n *tree.Node, depth int, out []indexRow) []indexRow {
	for _, c := range n.Children {
		out = append(out, indexRow{Node: c, Depth: depth})
		if c.IsDir {
			out = flattenRows(c, depth+1, out)
		}
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	root, err := s.libraryTree()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list library")
		return
	}
	data := indexData{
		Title:     s.cfg.Title,
		Rows:      flattenRows(root, 0, nil),
		Documents: tree.CountDocuments(root),
		DAV:       s.Mode().ServesDAV(),
	}
	if addr, ok := s.Address(); ok {
		data.Address = addr.Label
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		logging.WithContext(r.Context()).Warn("render index failed", zap.Error(err))
	}
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"indent": func(depth int) string { return fmt.Sprintf("%dem", depth*2) },
	"location": tree.Location,
	"bytes":    humanBytes,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; margin: 2em; color: #333; }
table { border-collapse: collapse; width: 100%; }
td { padding: 4px 8px; border-bottom: 1px solid #eee; }
.dir { font-weight: bold; }
.size { text-align: right; color: #888; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Documents}} documents{{if .Address}} &middot; {{.Address}}{{end}}{{if .DAV}} &middot; WebDAV at <code>{{.Address}}dav/</code>{{end}}</p>
<form action="/api/upload" method="post" enctype="multipart/form-data" id="upload">
<input type="file" name="file" multiple required>
<button type="submit">Upload</button>
</form>
<table>
{{range .Rows}}<tr>
<td style="padding-left: {{indent .Depth}}">{{if .Node.IsDir}}<span class="dir">{{.Node.Name}}/</span>{{else}}<a href="/download/{{location .Node.Path}}">{{.Node.Name}}</a>{{end}}</td>
<td class="size">{{bytes .Node.Size}}</td>
</tr>{{end}}
</table>
<script>
document.getElementById("upload").addEventListener("submit", function (e) {
  e.preventDefault();
  fetch(this.action, { method: "POST", body: new FormData(this) }).then(function () { location.reload(); });
});
new EventSource("/api/events").addEventListener("library-changed", function () { location.reload(); });
</script>
</body>
</html>
`))

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
