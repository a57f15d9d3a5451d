package httpserver

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"drivepulse/internal/auth"
	"drivepulse/internal/catalog"
	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
)

type listingResponse struct {
	Folder  string          `json:"folder"`
	Parent  *string         `json:"parent"`
	Folders []catalog.Entry `json:"folders"`
	Files   []catalog.Entry `json:"files"`
	Usage   catalog.Usage   `json:"usage"`
	Error   string          `json:"error,omitempty"`
}

func isDir(p fsutil.ResolvedPath) bool {
	st, err := os.Stat(p.Abs())
	return err == nil && st.IsDir()
}

// handleExplorer is the landing route after every mutation. It lists
// ?folder= and echoes ?error=; action=serve streams ?file= instead.
func (s *Server) handleExplorer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	if r.URL.Query().Get("action") == "serve" {
		s.handleServe(w, r)
		return
	}
	compressed(http.HandlerFunc(s.handleList)).ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sb, err := s.sandbox(ctx)
	if err != nil {
		apiError(w, err)
		return
	}
	dir, err := folder(sb, r.URL.Query().Get("folder"))
	if err != nil {
		s.logFailure(ctx, "list", err)
		apiError(w, err)
		return
	}

	l := s.catalog.List(ctx, dir)
	resp := listingResponse{
		Folder:  dir.Rel(),
		Folders: l.Folders,
		Files:   l.Files,
		Usage:   s.catalog.Usage(ctx, sb.Root(), s.cfg.QuotaBytes),
		Error:   r.URL.Query().Get("error"),
	}
	if !dir.IsRoot() {
		parent := dir.Parent().Rel()
		resp.Parent = &parent
	}
	writeJSON(w, resp)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandbox(r.Context())
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, s.catalog.Usage(r.Context(), sb.Root(), s.cfg.QuotaBytes))
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	sb, err := s.sandbox(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	f, err := sb.Resolve(r.URL.Query().Get("file"))
	if err != nil {
		s.logFailure(r.Context(), "serve", err)
		httpError(w, err)
		return
	}
	disposition := "inline"
	if r.URL.Query().Get("dl") == "1" {
		disposition = "attachment"
	}
	s.serveFile(w, r, f, disposition)
}

// serveFile streams f through the range server. Errors are only reported
// when nothing has been written yet.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, f fsutil.ResolvedPath, disposition string) {
	if cd := mime.FormatMediaType(disposition, map[string]string{"filename": f.Name()}); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	m, err := s.ranges.ServeRequest(w, r, f)
	switch {
	case err == nil:
		if m.Aborted {
			s.log.Debug(r.Context(), "client went away", "path", f.Rel(), "written", m.Written)
		}
	case errors.Is(err, common.ErrRangeNotSatisfiable):
	case m.Status == 0:
		w.Header().Del("Content-Disposition")
		s.logFailure(r.Context(), "serve", err)
		httpError(w, err)
	default:
		s.log.Warn(r.Context(), "stream failed", "path", f.Rel(), "err", err)
	}
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandbox(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	f, err := sb.Resolve(r.URL.Query().Get("file"))
	if err != nil {
		httpError(w, err)
		return
	}
	if catalog.PreviewKind(f.Name()) != "image" {
		http.NotFound(w, r)
		return
	}
	b, err := s.thumbs.get(auth.UserFromContext(r.Context()), f)
	if err != nil {
		s.log.Debug(r.Context(), "thumbnail", "path", f.Rel(), "err", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

type shareResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	File      string    `json:"file"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleShare issues a public link for one regular file of the caller.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	sb, err := s.sandbox(ctx)
	if err != nil {
		apiError(w, err)
		return
	}
	f, err := sb.Resolve(r.FormValue("file"))
	if err == nil {
		if st, serr := os.Stat(f.Abs()); serr != nil || !st.Mode().IsRegular() {
			err = fmt.Errorf("%w: not a file", common.ErrNotFound)
		}
	}
	if err != nil {
		s.logFailure(ctx, "share", err)
		apiError(w, err)
		return
	}
	rec, err := s.issuer.Issue(ctx, auth.UserFromContext(ctx), f.Rel())
	if err != nil {
		s.logFailure(ctx, "share", err)
		apiError(w, err)
		return
	}
	writeJSON(w, shareResponse{
		OK:        true,
		Token:     rec.Token,
		URL:       s.cfg.PublicURL + "/s/" + rec.Token,
		File:      rec.RelPath,
		ExpiresAt: rec.ExpiresAt.UTC(),
	})
}

// handleRedeem serves a shared file to anyone holding a live token.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/s/"), "/")
	rec, err := s.issuer.Redeem(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			http.Error(w, "link expired", http.StatusGone)
			return
		}
		if !errors.Is(err, common.ErrInvalidToken) && !errors.Is(err, common.ErrNotFound) {
			s.log.Error(ctx, "redeem share", "err", err)
			httpError(w, err)
			return
		}
		http.Error(w, "link not found", http.StatusNotFound)
		return
	}
	sb, err := fsutil.OpenSandbox(s.cfg.StorageRoot, rec.Username)
	if err != nil {
		s.log.Error(ctx, "open owner sandbox", "user", rec.Username, "err", err)
		httpError(w, err)
		return
	}
	f, err := sb.Resolve(rec.RelPath)
	if err != nil {
		http.Error(w, "link not found", http.StatusNotFound)
		return
	}
	disposition := "inline"
	if r.URL.Query().Get("dl") == "1" {
		disposition = "attachment"
	}
	s.serveFile(w, r, f, disposition)
}
