package httpserver

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"slotwall/internal/auth"
	"slotwall/internal/config"
	"slotwall/internal/hub"
	"slotwall/internal/slots"
	"slotwall/internal/upload"
)

type Options struct {
	Config   *config.Config
	Store    *slots.Store
	Pipeline *upload.Pipeline
	Hub      *hub.Hub
	Sessions *auth.Sessions
	Password *auth.Password

	// Authorizer decides who may replace slots. Default: Sessions.
	Authorizer auth.Authorizer

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	cfg      *config.Config
	store    *slots.Store
	pipe     *upload.Pipeline
	hub      *hub.Hub
	sessions *auth.Sessions
	password *auth.Password
	authz    auth.Authorizer
	gatherer prometheus.Gatherer
	log      *slog.Logger

	pages  *template.Template
	assets fs.FS
	thumbs *thumbCache
	login  *ipLimiter
}

//go:embed web
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("httpserver: nil config")
	case opts.Store == nil, opts.Pipeline == nil, opts.Hub == nil:
		return nil, errors.New("httpserver: store, pipeline and hub are required")
	case opts.Sessions == nil, opts.Password == nil:
		return nil, errors.New("httpserver: sessions and password are required")
	}
	if opts.Authorizer == nil {
		opts.Authorizer = opts.Sessions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pages, err := template.ParseFS(embeddedWeb, "web/*.html")
	if err != nil {
		return nil, err
	}
	assets, err := fs.Sub(embeddedWeb, "web/assets")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		pipe:     opts.Pipeline,
		hub:      opts.Hub,
		sessions: opts.Sessions,
		password: opts.Password,
		authz:    opts.Authorizer,
		gatherer: opts.Gatherer,
		log:      opts.Logger,
		pages:    pages,
		assets:   assets,
		thumbs:   &thumbCache{dir: filepath.Join(opts.Config.StateDir, "thumbs")},
		login:    newIPLimiter(rate.Limit(opts.Config.HTTP.LoginRate), opts.Config.HTTP.LoginBurst),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(withHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// public gallery
	r.Get("/", s.handleIndex)
	r.Get("/events", s.handleEvents)
	r.Get("/images/{name}", s.handleImage)
	r.Get("/thumbs/{name}", s.handleThumb)
	r.Get("/api/slots", s.handleSlots)
	r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.FS(s.assets))))

	// session
	r.Get("/login", s.handleLoginPage)
	r.With(s.login.limit(http.HandlerFunc(s.handleLoginThrottled))).Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)

	// control panel
	r.Group(func(r chi.Router) {
		r.Use(auth.Require(s.authz, http.HandlerFunc(redirectToLogin)))
		r.Get("/control", s.handleControl)
		r.Get("/assets/control.js", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFileFS(w, r, s.assets, "control.js")
		})
	})
	r.With(auth.Require(s.authz, http.HandlerFunc(denyJSON))).Post("/upload", s.handleUpload)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if r.Method != http.MethodGet || ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelInfo
		}
		s.log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func denyJSON(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusUnauthorized, uploadResponse{Message: auth.ErrUnauthorized.Error()})
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.Error("render page", "page", name, "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// parseSlot accepts only canonical decimal ids within the store's range.
func parseSlot(raw string, store *slots.Store) (int, bool) {
	id, err := strconv.Atoi(raw)
	if err != nil || strconv.Itoa(id) != raw || !store.Valid(id) {
		return 0, false
	}
	return id, true
}
