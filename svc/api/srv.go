package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"secretboard/cfg"
	"secretboard/svc/db"
	"secretboard/svc/events"
	"secretboard/svc/lim"
	"secretboard/svc/svc"
	"secretboard/svc/util"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      *db.Store
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the HTTP API. rdb and hub may be nil.
func NewServer(c *cfg.Cfg, b *svc.Board, hub *events.Hub, l *lim.Limiter, store *db.Store, rdb *db.Redis) *Server {
	s := &Server{cfg: c, store: store, rdb: rdb}
	r := chi.NewRouter()
	mw := NewMw(l, c)
	// preflights never match a route, so CORS has to run before routing
	r.Use(mw.CORS())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})

	accessLog := hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Str("url", req.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Str("request_id", util.GetRequestID(req.Context())).
			Msg("http request")
	})

	// the event stream is long-lived, so it skips the request timeout
	stream := NewStream(hub, c.AllowedOrigins)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.With(mw.RateLimit("events")).Get("/v1/events", stream.Events)
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(accessLog)
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.Observe)
		hdl := &Hdl{board: b, cfg: c}
		r.With(mw.RateLimit("seal")).Post("/v1/seal", hdl.Seal)
		r.With(mw.RateLimit("reveal")).Post("/v1/reveal", hdl.Reveal)
		r.With(mw.RateLimit("post")).Post("/v1/messages", hdl.PostMessage)
		r.With(mw.RateLimit("read")).Get("/v1/messages", hdl.ListMessages)
		r.With(mw.RateLimit("read")).Get("/v1/messages/count", hdl.CountMessages)
		r.With(mw.RateLimit("read")).Get("/v1/messages/{id}", hdl.GetMessage)
		r.With(mw.RateLimit("read")).Get("/v1/board", hdl.Board)
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
