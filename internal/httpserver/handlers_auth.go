package httpserver

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"drivepulse/internal/auth"
	"drivepulse/internal/fsutil"
)

var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>DrivePulse</title></head>
<body>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input name="username" autocomplete="username" placeholder="username">
<input name="password" type="password" autocomplete="current-password" placeholder="password">
<button>Log in</button>
</form>
<form method="post" action="/register">
<input name="username" autocomplete="username" placeholder="username">
<input name="password" type="password" autocomplete="new-password" placeholder="password">
<button>Register</button>
</form>
</body></html>
`))

func loginURL(msg string) string {
	if msg == "" {
		return "/login"
	}
	return "/login?" + url.Values{"error": {msg}}.Encode()
}

func credentials(r *http.Request) (user, pass string) {
	return strings.TrimSpace(r.PostFormValue("username")), r.PostFormValue("password")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if auth.UserFromContext(r.Context()) != "" {
			http.Redirect(w, r, "/explorer", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = loginPage.Execute(w, map[string]string{"Error": r.URL.Query().Get("error")})
	case http.MethodPost:
		user, pass := credentials(r)
		if err := s.users.Authenticate(r.Context(), user, pass); err != nil {
			s.logFailure(r.Context(), "login", err)
			s.loginFailed(w, r, err)
			return
		}
		s.startSession(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

// handleRegister creates the credential and the user's Home. The credential
// is rolled back when the directory cannot be made.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	user, pass := credentials(r)
	if err := s.users.Create(ctx, user, pass); err != nil {
		s.logFailure(ctx, "register", err)
		s.loginFailed(w, r, err)
		return
	}
	if _, err := fsutil.OpenSandbox(s.cfg.StorageRoot, user); err != nil {
		s.log.Error(ctx, "create home", "user", user, "err", err)
		if derr := s.users.Delete(ctx, user); derr != nil {
			s.log.Error(ctx, "roll back user", "user", user, "err", derr)
		}
		s.loginFailed(w, r, err)
		return
	}
	s.log.Info(ctx, "user registered", "user", user)
	s.startSession(w, r, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.sessions.End(w)
	if wantsJSON(r) {
		writeJSON(w, map[string]any{"ok": true})
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user string) {
	if err := s.sessions.Start(w, user); err != nil {
		s.log.Error(r.Context(), "start session", "user", user, "err", err)
		s.loginFailed(w, r, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, map[string]any{"ok": true, "user": user})
		return
	}
	http.Redirect(w, r, "/explorer", http.StatusSeeOther)
}

func (s *Server) loginFailed(w http.ResponseWriter, r *http.Request, err error) {
	if wantsJSON(r) {
		apiError(w, err)
		return
	}
	http.Redirect(w, r, loginURL(messageFor(err)), http.StatusSeeOther)
}
