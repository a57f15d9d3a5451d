// Package rangeserve streams sandbox files over HTTP with single byte-range
// support, for seeking in audio and video previews.
package rangeserve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"

	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
	"drivepulse/internal/logging"
)

const (
	MinChunk     = 8 << 10
	MaxChunk     = 1 << 20
	DefaultChunk = 64 << 10
)

// Only the simple single-range form is recognized; "bytes=0-1,5-6" and
// suffix ranges ("bytes=-500") are malformed here.
var rangeRe = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// Meta describes the response that was (or is about to be) written.
type Meta struct {
	Status      int
	ContentType string
	Size        int64 // whole file
	Start, End  int64 // inclusive byte range sent; End is -1 for an empty file
	Written     int64
	// Aborted is set when the client went away mid-stream.
	Aborted bool
}

type Server struct {
	chunk int
	log   logging.Logger
}

// New returns a Server copying through a buffer of chunk bytes, clamped to
// 8KiB..1MiB. chunk <= 0 selects the default.
func New(chunk int, log logging.Logger) *Server {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	if chunk < MinChunk {
		chunk = MinChunk
	}
	if chunk > MaxChunk {
		chunk = MaxChunk
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Server{chunk: chunk, log: log}
}

// Serve writes file to sink. rangeHeader is the raw Range header value ("" for
// none). Errors returned before anything is written (missing file, directory)
// leave the response untouched. For ErrRangeNotSatisfiable the 416 response
// has already been written. A client disconnect is not an error.
func (s *Server) Serve(ctx context.Context, file fsutil.ResolvedPath, rangeHeader string, sink http.ResponseWriter) (Meta, error) {
	return s.serve(ctx, file, rangeHeader, sink, true)
}

// ServeRequest is Serve driven by an *http.Request; HEAD requests get headers
// only.
func (s *Server) ServeRequest(w http.ResponseWriter, r *http.Request, file fsutil.ResolvedPath) (Meta, error) {
	return s.serve(r.Context(), file, r.Header.Get("Range"), w, r.Method != http.MethodHead)
}

func (s *Server) serve(ctx context.Context, file fsutil.ResolvedPath, rangeHeader string, w http.ResponseWriter, body bool) (Meta, error) {
	if file.IsZero() {
		return Meta{}, common.ErrNotFound
	}
	f, err := os.Open(file.Abs())
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Meta{}, common.ErrPermissionDenied
		}
		return Meta{}, common.ErrNotFound
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Meta{}, fmt.Errorf("stat: %w", err)
	}
	if st.IsDir() {
		return Meta{}, fmt.Errorf("%w: is a directory", common.ErrNotFound)
	}

	size := st.Size()
	m := Meta{
		Status:      http.StatusOK,
		ContentType: ContentTypeFor(file.Abs()),
		Size:        size,
		Start:       0,
		End:         size - 1,
	}

	h := w.Header()
	h.Set("Cache-Control", "private, max-age=31536000")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Accept-Ranges", "bytes")

	if rangeHeader != "" {
		start, end, ok := parseRange(rangeHeader, size)
		if !ok {
			s.log.Debug(ctx, "range not satisfiable", "range", rangeHeader, "size", size, "path", file.Rel())
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			h.Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			m.Status = http.StatusRequestedRangeNotSatisfiable
			return m, common.ErrRangeNotSatisfiable
		}
		m.Status = http.StatusPartialContent
		m.Start, m.End = start, end
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	length := m.End - m.Start + 1
	h.Set("Content-Type", m.ContentType)
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(m.Status)
	if !body || length == 0 {
		return m, nil
	}

	if m.Start > 0 {
		if _, err := f.Seek(m.Start, io.SeekStart); err != nil {
			return m, fmt.Errorf("seek: %w", err)
		}
	}
	return s.stream(ctx, f, w, length, m)
}

// stream copies exactly n bytes in bounded chunks and checks ctx between
// chunks. Write failures mean the client is gone and end the loop quietly.
func (s *Server) stream(ctx context.Context, src io.Reader, w http.ResponseWriter, n int64, m Meta) (Meta, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, s.chunk)
	for m.Written < n {
		if ctx.Err() != nil {
			m.Aborted = true
			return m, nil
		}
		want := n - m.Written
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		nr, rerr := src.Read(buf[:want])
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			m.Written += int64(nw)
			if werr != nil || nw < nr {
				m.Aborted = true
				return m, nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			// File shrank under us; Content-Length is now wrong but the
			// connection will be closed by net/http.
			return m, fmt.Errorf("short read: %w", io.ErrUnexpectedEOF)
		}
		if rerr != nil {
			return m, fmt.Errorf("read: %w", rerr)
		}
	}
	return m, nil
}

// parseRange validates "bytes=<start>-<end?>" against size. A missing end
// means size-1.
func parseRange(h string, size int64) (start, end int64, ok bool) {
	mm := rangeRe.FindStringSubmatch(h)
	if mm == nil {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(mm[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end = size - 1
	if mm[2] != "" {
		if end, err = strconv.ParseInt(mm[2], 10, 64); err != nil {
			return 0, 0, false
		}
	}
	if start < 0 || start > end || end >= size {
		return 0, 0, false
	}
	return start, end, true
}
