package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"drivepulse/internal/common"
	"drivepulse/internal/logging"
)

type ctxKey string

const userKey ctxKey = "drivepulse.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// Identify resolves the caller from, in order, the session cookie, a Bearer
// token, or BasicAuth (WebDAV and scripts). A valid identity is stored in the
// request context. Requests without credentials pass through anonymously;
// routes decide whether that is acceptable. Wrong BasicAuth credentials are
// rejected with a challenge.
func Identify(users Repository, sessions *Sessions, log logging.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, err := sessions.UserFromRequest(r); err == nil {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
			return
		} else if !errors.Is(err, common.ErrUnauthorized) {
			log.Debug(r.Context(), "session rejected", "err", err)
		}

		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Basic ") {
			u, p, ok := parseBasicAuth(h)
			if !ok {
				Challenge(w)
				return
			}
			if err := users.Authenticate(r.Context(), u, p); err != nil {
				log.Info(r.Context(), "basic auth failed", "user", u)
				Challenge(w)
				return
			}
			r = r.WithContext(WithUser(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

// Challenge answers 401 with a BasicAuth prompt.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="drivepulse"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
