package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"pasteforge/cfg"
	"pasteforge/metrics"
	"pasteforge/pkg/domain"
	"pasteforge/svc/lim"
	"pasteforge/svc/svc"
	"pasteforge/svc/util"
)

const sessionCookie = "pf_session"

type ctxKey int

const authKey ctxKey = iota

// authInfo is attached to the request when a valid session token was sent.
type authInfo struct {
	token   string
	session *domain.Session
	user    *domain.User
}

func authFrom(ctx context.Context) *authInfo {
	a, _ := ctx.Value(authKey).(*authInfo)
	return a
}

func viewer(r *http.Request) domain.Viewer {
	if a := authFrom(r.Context()); a != nil {
		return domain.Viewer{UserID: a.user.ID, Role: a.user.Role}
	}
	return domain.Viewer{}
}

type Mw struct {
	lim   *lim.Limiter
	cfg   *cfg.Cfg
	users *svc.Users
}

func NewMw(limiter *lim.Limiter, c *cfg.Cfg, users *svc.Users) *Mw {
	return &Mw{lim: limiter, cfg: c, users: users}
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.RequestIDFromHeader(r.Header.Get("X-Request-ID"))
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if m.cfg.CookieSecure {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				util.Error().
					Interface("panic", rvr).
					Str("request_id", util.GetRequestID(r.Context())).
					Msg("panic recovered")
				writeErr(w, r, domain.ErrInternalServer)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RateLimit charges each request against the endpoint group's budget.
func (m *Mw) RateLimit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := m.lim.Check(r, endpoint)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			if !result.Allowed {
				hlog.FromRequest(r).Warn().
					Str("ip", util.RedactIP(lim.ClientIP(r, m.cfg.TrustedProxies))).
					Str("endpoint", endpoint).
					Msg("rate limit exceeded")
				retry := int(time.Until(result.Reset).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeErr(w, r, domain.ErrRateLimitExceeded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS allows credentialed requests from the configured origins only.
func (m *Mw) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		if origin != "" {
			for _, o := range m.cfg.AllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
		}
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Paste-Password, X-Deletion-Token")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
			h.Set("Access-Control-Max-Age", "300")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// Session resolves the session token when one is sent. An invalid token
// leaves the request anonymous; RequireAuth turns that into a 401.
func (m *Mw) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, user, err := m.users.Authenticate(r.Context(), token)
		if err != nil {
			if domain.Status(err) >= 500 {
				writeErr(w, r, err)
				return
			}
			hlog.FromRequest(r).Debug().Err(err).Msg("session rejected")
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), authKey, &authInfo{token: token, session: sess, user: user})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authFrom(r.Context()) == nil {
			writeErr(w, r, domain.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Observe feeds the anomaly detector and the request duration histogram.
func (m *Mw) Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.lim.RecordRequest()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		if ww.status >= 500 {
			m.lim.RecordError()
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.ObserveRequest(r.Method, route, ww.status, time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
