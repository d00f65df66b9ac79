package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"pasteforge/cfg"
	"pasteforge/svc/db"
	"pasteforge/svc/lim"
	"pasteforge/svc/svc"
	"pasteforge/svc/util"
)

// Deps are the services the HTTP layer talks to. Redis may be nil.
type Deps struct {
	Pastes      *svc.Paste
	Users       *svc.Users
	Social      *svc.Social
	Comments    *svc.Comments
	Collections *svc.Collections
	Projects    *svc.Projects
	Limiter     *lim.Limiter
	IPHasher    *util.IPHasher
	DB          *db.SQLite
	Redis       *db.Redis
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	deps       Deps
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, deps: d}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c, d.Users)
	hdl := &Hdl{
		cfg:         c,
		pastes:      d.Pastes,
		users:       d.Users,
		social:      d.Social,
		comments:    d.Comments,
		collections: d.Collections,
		projects:    d.Projects,
		ipHasher:    d.IPHasher,
	}
	// root level so preflights are answered before route matching
	r.Use(mw.CORS)

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Observe)
		r.Use(mw.Session)

		read := mw.RateLimit("read")
		write := mw.RateLimit("write")
		authed := chi.Chain(mw.RequireAuth, write)

		r.With(read).Get("/", hdl.Root)

		r.Route("/api", func(r chi.Router) {
			r.With(read).Get("/config/presets", hdl.GetPresets)

			r.Route("/auth", func(r chi.Router) {
				r.With(mw.RateLimit("auth")).Post("/register", hdl.Register)
				r.With(mw.RateLimit("auth")).Post("/login", hdl.Login)
				r.With(write).Post("/logout", hdl.Logout)
				r.With(read).Get("/check", hdl.CheckAuth)
			})

			r.With(mw.RequireAuth, read).Get("/me", hdl.Me)
			r.With(authed...).Put("/me", hdl.UpdateMe)
			r.With(mw.RequireAuth, mw.RateLimit("auth")).Put("/me/password", hdl.ChangePassword)

			r.Route("/pastes", func(r chi.Router) {
				r.With(read).Get("/", hdl.ListPastes)
				r.With(mw.RateLimit("create")).Post("/", hdl.CreatePaste)
				r.With(read).Get("/{id}", hdl.GetPaste)
				r.With(read).Get("/{id}/raw", hdl.RawPaste)
				r.With(read).Get("/{id}/related", hdl.RelatedPastes)
				r.With(authed...).Put("/{id}", hdl.UpdatePaste)
				r.With(write).Delete("/{id}", hdl.DeletePaste)
				r.With(read).Get("/{id}/comments", hdl.ListComments)
				r.With(authed...).Post("/{id}/comments", hdl.CreateComment)
			})
			r.With(authed...).Delete("/comments/{id}", hdl.DeleteComment)

			r.Route("/users/{username}", func(r chi.Router) {
				r.With(read).Get("/", hdl.Profile)
				r.With(read).Get("/pastes", hdl.UserPastes)
				r.With(read).Get("/collections", hdl.UserCollections)
				r.With(read).Get("/followers", hdl.Followers)
				r.With(read).Get("/following", hdl.Following)
				r.With(authed...).Post("/follow", hdl.Follow)
				r.With(authed...).Delete("/follow", hdl.Unfollow)
			})

			r.Route("/messages", func(r chi.Router) {
				r.Use(mw.RequireAuth)
				r.With(write).Post("/", hdl.SendMessage)
				r.With(read).Get("/", hdl.Inbox)
				r.With(read).Get("/with/{username}", hdl.Conversation)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Use(mw.RequireAuth)
				r.With(read).Get("/", hdl.Notifications)
				r.With(write).Post("/read-all", hdl.MarkAllNotificationsRead)
				r.With(write).Post("/{id}/read", hdl.MarkNotificationRead)
			})

			r.Route("/collections", func(r chi.Router) {
				r.With(mw.RequireAuth, read).Get("/", hdl.MyCollections)
				r.With(authed...).Post("/", hdl.CreateCollection)
				r.With(read).Get("/{id}", hdl.GetCollection)
				r.With(authed...).Put("/{id}", hdl.UpdateCollection)
				r.With(authed...).Delete("/{id}", hdl.DeleteCollection)
				r.With(authed...).Post("/{id}/pastes/{pasteID}", hdl.AddToCollection)
				r.With(authed...).Delete("/{id}/pastes/{pasteID}", hdl.RemoveFromCollection)
			})

			r.Route("/projects", func(r chi.Router) {
				r.With(mw.RequireAuth, read).Get("/", hdl.MyProjects)
				r.With(authed...).Post("/", hdl.CreateProject)
				r.With(read).Get("/{id}", hdl.GetProject)
				r.With(read).Get("/{id}/pastes", hdl.ProjectPastes)
				r.With(authed...).Put("/{id}", hdl.UpdateProject)
				r.With(authed...).Delete("/{id}", hdl.DeleteProject)
			})
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
