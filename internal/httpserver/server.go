package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"

	"golang.org/x/net/webdav"

	"drivepulse/internal/auth"
	"drivepulse/internal/catalog"
	"drivepulse/internal/common"
	"drivepulse/internal/config"
	"drivepulse/internal/fileops"
	"drivepulse/internal/fsutil"
	"drivepulse/internal/logging"
	"drivepulse/internal/rangeserve"
	"drivepulse/internal/share"
	"drivepulse/internal/upload"
)

type Options struct {
	Config config.Config
	Users  auth.Repository
	Shares share.Repository
	Log    logging.Logger
}

type Server struct {
	cfg      config.Config
	log      logging.Logger
	users    auth.Repository
	sessions *auth.Sessions
	issuer   *share.Issuer

	catalog *catalog.Catalog
	ops     *fileops.Engine
	uploads *upload.Writer
	ranges  *rangeserve.Server
	thumbs  thumbCache

	davMu    sync.Mutex
	davLocks map[string]webdav.LockSystem
}

func New(opts Options) (*Server, error) {
	if opts.Users == nil || opts.Shares == nil {
		return nil, fmt.Errorf("%w: users and shares repositories are required", common.ErrConfiguration)
	}
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	cfg := opts.Config
	return &Server{
		cfg:      cfg,
		log:      log,
		users:    opts.Users,
		sessions: auth.NewSessions(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.Secure),
		issuer:   share.NewIssuer(opts.Shares, cfg.ShareTTL, share.WithLogger(log.With("component", "share"))),
		catalog:  catalog.New(log.With("component", "catalog")),
		ops:      fileops.New(log.With("component", "fileops")),
		uploads: upload.New(upload.Options{
			BufferSize:        cfg.Upload.BufferSize,
			MaxChunkBytes:     cfg.Upload.MaxChunkBytes,
			StrictOffsets:     cfg.Upload.StrictOffsets,
			BlockedExtensions: cfg.Upload.BlockedExtensions,
		}, log.With("component", "upload")),
		ranges:   rangeserve.New(rangeserve.DefaultChunk, log.With("component", "rangeserve")),
		thumbs:   thumbCache{dir: filepath.Join(cfg.StateDir, "thumbs")},
		davLocks: map[string]webdav.LockSystem{},
	}, nil
}

// Issuer exposes the share issuer for the maintenance scheduler.
func (s *Server) Issuer() *share.Issuer { return s.issuer }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/explorer", http.StatusFound)
	})

	// identity
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/logout", s.handleLogout)

	// listing and reads
	mux.Handle("/explorer", s.requireUser(http.HandlerFunc(s.handleExplorer)))
	mux.Handle("/api/list", s.requireUser(compressed(http.HandlerFunc(s.handleList))))
	mux.Handle("/api/serve", s.requireUser(http.HandlerFunc(s.handleServe)))
	mux.Handle("/api/thumb", s.requireUser(http.HandlerFunc(s.handleThumb)))
	mux.Handle("/api/usage", s.requireUser(compressed(http.HandlerFunc(s.handleUsage))))

	// mutations
	mux.Handle("/api/mkdir", s.requireUser(http.HandlerFunc(s.handleMkdir)))
	mux.Handle("/api/delete", s.requireUser(http.HandlerFunc(s.handleDelete)))
	mux.Handle("/api/rename-folder", s.requireUser(http.HandlerFunc(s.handleRenameFolder)))
	mux.Handle("/api/rename-file", s.requireUser(http.HandlerFunc(s.handleRenameFile)))
	mux.Handle("/api/upload", s.requireUser(http.HandlerFunc(s.handleUpload)))
	mux.Handle("/api/upload/status", s.requireUser(http.HandlerFunc(s.handleUploadStatus)))

	// sharing
	mux.Handle("/api/share", s.requireUser(http.HandlerFunc(s.handleShare)))
	mux.HandleFunc("/s/", s.handleRedeem)

	if s.cfg.WebDAV {
		mux.Handle("/dav/", http.HandlerFunc(s.handleDAV))
	}

	var h http.Handler = mux
	h = auth.Identify(s.users, s.sessions, s.log.With("component", "auth"), h)
	h = withHeaders(h)
	h = withRequestID(s.log, h)
	return h
}

// requireUser lets authenticated requests through. Browsers without a
// session are sent to the login page, API clients get 401.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.UserFromContext(r.Context()) != "" {
			next.ServeHTTP(w, r)
			return
		}
		if wantsJSON(r) || r.URL.Path != "/explorer" {
			apiError(w, common.ErrUnauthorized)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

// sandbox opens the caller's Home. A failure here is a server-side
// configuration problem.
func (s *Server) sandbox(ctx context.Context) (*fsutil.Sandbox, error) {
	user := auth.UserFromContext(ctx)
	sb, err := fsutil.OpenSandbox(s.cfg.StorageRoot, user)
	if err != nil {
		s.log.Error(ctx, "open sandbox", "user", user, "err", err)
		return nil, err
	}
	return sb, nil
}

// folder resolves the "folder" form/query value to an existing directory.
func folder(sb *fsutil.Sandbox, rel string) (fsutil.ResolvedPath, error) {
	dir, err := sb.Resolve(rel)
	if err != nil {
		return fsutil.ResolvedPath{}, err
	}
	if !isDir(dir) {
		return fsutil.ResolvedPath{}, fmt.Errorf("%w: not a folder", common.ErrNotFound)
	}
	return dir, nil
}

func (s *Server) logFailure(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	if statusFor(err) >= http.StatusInternalServerError {
		s.log.Error(ctx, op+" failed", "user", auth.UserFromContext(ctx), "err", err)
		return
	}
	if errors.Is(err, common.ErrOutOfBounds) {
		s.log.Warn(ctx, op+" outside sandbox", "user", auth.UserFromContext(ctx), "err", err)
		return
	}
	s.log.Debug(ctx, op+" rejected", "user", auth.UserFromContext(ctx), "err", err)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
