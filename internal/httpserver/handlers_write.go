package httpserver

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
	"drivepulse/internal/upload"
)

// Multipart bodies may exceed one chunk by this much for the other fields.
const formOverhead = 1 << 20

// mutation is the common preamble of every form post: method check, sandbox,
// and the current folder. It answers the request itself when ok is false.
func (s *Server) mutation(w http.ResponseWriter, r *http.Request) (sb *fsutil.Sandbox, dir fsutil.ResolvedPath, ok bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return nil, dir, false
	}
	sb, err := s.sandbox(r.Context())
	if err != nil {
		finish(w, r, "", []error{err}, nil)
		return nil, dir, false
	}
	dir, err = folder(sb, r.FormValue("folder"))
	if err != nil {
		s.logFailure(r.Context(), "resolve folder", err)
		finish(w, r, "", []error{err}, nil)
		return nil, dir, false
	}
	return sb, dir, true
}

// entry resolves the form's "name" inside dir without following a final
// symlink.
func entry(sb *fsutil.Sandbox, dir fsutil.ResolvedPath, name string) (fsutil.ResolvedPath, error) {
	name = strings.TrimSpace(name)
	if !fsutil.ValidName(name) {
		return fsutil.ResolvedPath{}, fmt.Errorf("%w: invalid name", common.ErrInvalidInput)
	}
	return sb.ResolveEntry(path.Join(dir.Rel(), name))
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	_, dir, ok := s.mutation(w, r)
	if !ok {
		return
	}
	created, err := s.ops.CreateFolder(r.Context(), dir, strings.TrimSpace(r.FormValue("name")))
	if err != nil {
		s.logFailure(r.Context(), "create folder", err)
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}
	finish(w, r, dir.Rel(), nil, map[string]any{"created": created})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sb, dir, ok := s.mutation(w, r)
	if !ok {
		return
	}
	target, err := entry(sb, dir, r.FormValue("name"))
	if err == nil {
		err = s.ops.DeleteEntry(r.Context(), target)
	}
	if err != nil {
		s.logFailure(r.Context(), "delete", err)
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}
	s.uploads.Discard(r.Context(), target)
	finish(w, r, dir.Rel(), nil, nil)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	sb, dir, ok := s.mutation(w, r)
	if !ok {
		return
	}
	old, err := entry(sb, dir, r.FormValue("name"))
	if err != nil {
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}
	renamed, err := s.ops.RenameFolder(r.Context(), old, strings.TrimSpace(r.FormValue("new_name")))
	if err != nil {
		s.logFailure(r.Context(), "rename folder", err)
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}
	finish(w, r, dir.Rel(), nil, map[string]any{"path": renamed.Rel()})
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	sb, dir, ok := s.mutation(w, r)
	if !ok {
		return
	}
	old, err := entry(sb, dir, r.FormValue("name"))
	if err != nil {
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}
	renamed, err := s.ops.RenameFile(r.Context(), old, strings.TrimSpace(r.FormValue("new_name")))
	if err != nil {
		s.logFailure(r.Context(), "rename file", err)
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}
	finish(w, r, dir.Rel(), nil, map[string]any{"path": renamed.Rel()})
}

// handleUpload accepts a multipart post of upload_files[] into folder. A
// chunked upload also sends file_name, chunk_start and total_size; without
// them every part is a whole file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if limit := s.cfg.Upload.MaxChunkBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		cause := upload.CausePartial
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			cause = upload.CauseFormSize
		}
		s.log.Info(r.Context(), "upload form rejected", "err", err)
		finish(w, r, r.URL.Query().Get("folder"), []error{&upload.Error{File: "request", Cause: cause, Err: err}}, nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	_, dir, ok := s.mutation(w, r)
	if !ok {
		return
	}

	items, closers, err := uploadItems(r.MultipartForm)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		finish(w, r, dir.Rel(), []error{err}, nil)
		return
	}

	results, errs := s.uploads.WriteBatch(r.Context(), dir, items)
	for _, res := range results {
		if res.Complete {
			s.log.Info(r.Context(), "upload complete", "path", res.Path, "size", res.Size)
		}
	}
	for _, err := range errs {
		s.logFailure(r.Context(), "upload", err)
	}
	if results == nil {
		results = []upload.Result{}
	}
	finish(w, r, dir.Rel(), errs, map[string]any{"files": results})
}

func formInt(form *multipart.Form, key string) (int64, bool, error) {
	v := ""
	if vs := form.Value[key]; len(vs) > 0 {
		v = strings.TrimSpace(vs[0])
	}
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("%w: %s", common.ErrInvalidInput, key)
	}
	return n, true, nil
}

// uploadItems turns the parsed form into writer items. The returned closers
// must be closed once the items are written.
func uploadItems(form *multipart.Form) ([]upload.Item, []multipart.File, error) {
	start, hasStart, err := formInt(form, "chunk_start")
	if err != nil {
		return nil, nil, err
	}
	total, hasTotal, err := formInt(form, "total_size")
	if err != nil {
		return nil, nil, err
	}
	chunked := hasStart || hasTotal
	fileName := ""
	if vs := form.Value["file_name"]; len(vs) > 0 {
		fileName = strings.TrimSpace(vs[0])
	}

	files := form.File["upload_files[]"]
	if len(files) == 0 {
		files = form.File["upload_files"]
	}
	if len(files) == 0 {
		name := fileName
		if name == "" {
			name = "upload"
		}
		return []upload.Item{{Name: name, Cause: upload.CauseNoFile}}, nil, nil
	}

	items := make([]upload.Item, 0, len(files))
	closers := make([]multipart.File, 0, len(files))
	for _, fh := range files {
		it := upload.Item{Name: fh.Filename, Offset: 0, Total: fh.Size}
		if chunked {
			if fileName != "" && len(files) == 1 {
				it.Name = fileName
			}
			it.Offset = start
			it.Total = total
			if !hasTotal {
				it.Total = start + fh.Size
			}
		}
		f, err := fh.Open()
		if err != nil {
			it.Cause = upload.CauseNoTmpDir
		} else {
			it.Data = f
			closers = append(closers, f)
		}
		items = append(items, it)
	}
	return items, closers, nil
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandbox(r.Context())
	if err != nil {
		apiError(w, err)
		return
	}
	dest, err := sb.ResolveForCreate(r.URL.Query().Get("file"))
	if err != nil {
		apiError(w, err)
		return
	}
	offset, complete := s.uploads.Offset(dest)
	writeJSON(w, map[string]any{
		"ok":       true,
		"file":     dest.Rel(),
		"offset":   offset,
		"complete": complete,
	})
}
