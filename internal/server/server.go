package server

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/push"
	"github.com/agent-command/promptrelay/internal/store"
	"github.com/agent-command/promptrelay/internal/ws"
)

const maxBodyBytes = 1 << 20

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// HostObserver learns the names clients use to reach the server.
type HostObserver interface {
	Observe(host string) bool
}

type Options struct {
	Store  *store.Store
	Fanout *push.Fanout
	Hub    *ws.Hub
	// Certs may be nil when HTTPS is disabled.
	Certs HostObserver

	CAPath         string
	VAPIDPublicKey string

	MetricsPath    string
	MetricsHandler http.Handler

	Logger zerolog.Logger
	NewID  func() string
}

type Server struct {
	store  *store.Store
	fanout *push.Fanout
	hub    *ws.Hub
	certs  HostObserver

	caPath         string
	vapidPublicKey string

	log    zerolog.Logger
	newID  func() string
	router chi.Router

	// fan-out outlives the request that triggered it
	bg       context.Context
	cancelBg context.CancelFunc
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	bg, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:          opts.Store,
		fanout:         opts.Fanout,
		hub:            opts.Hub,
		certs:          opts.Certs,
		caPath:         opts.CAPath,
		vapidPublicKey: opts.VAPIDPublicKey,
		log:            opts.Logger.With().Str("component", "http").Logger(),
		newID:          newID,
		bg:             bg,
		cancelBg:       cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.detectHost)

	r.Get("/health", s.handleHealth)
	r.Get("/PromptRelay-CA.pem", s.handleCADownload)
	r.Get("/vapid-public-key", s.handleVAPIDKey)
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.MetricsHandler)
	}
	if s.hub != nil {
		r.Method(http.MethodGet, "/ws", s.hub)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireRoomKey)

		r.Post("/register", s.handleRegister)
		r.Post("/unregister", s.handleUnregister)
		r.Post("/register-web", s.handleRegisterWeb)
		r.Post("/unregister-web", s.handleUnregisterWeb)

		r.Post("/permission-request", s.handleCreate)
		r.Route("/permission-request/{id}", func(r chi.Router) {
			r.Get("/response", s.handlePoll)
			r.Post("/respond", s.handleRespond)
			r.Post("/cancel", s.handleCancel)
		})
		r.Get("/permission-requests", s.handleList)

		r.Post("/notify", s.handleNotify)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown waits for in-flight fan-outs, abandoning them when ctx ends.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancelBg()
		<-done
	}
	s.cancelBg()
}

// Wait blocks until every background fan-out has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.bg)
	}()
}

type ctxKey struct{}

func roomKey(r *http.Request) string {
	key, _ := r.Context().Value(ctxKey{}).(string)
	return key
}

// requireRoomKey rejects requests without a valid bearer room key before any
// room lookup happens.
func (s *Server) requireRoomKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		if m := bearerPattern.FindStringSubmatch(r.Header.Get("Authorization")); m != nil {
			key = m[1]
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !store.ValidRoomKey(key) {
			s.log.Debug().Str("room", logging.KeyPrefix(key)).Msg("room key rejected")
			writeError(w, http.StatusUnauthorized, "invalid_room_key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, key)))
	})
}

// detectHost feeds the Host header to the certificate manager so new
// addresses are added to the serving certificate.
func (s *Server) detectHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.certs != nil && r.Host != "" {
			s.certs.Observe(r.Host)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// query strings may carry the room key and are never logged
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
