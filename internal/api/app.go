package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/strike/internal/config"
	"github.com/npezzotti/strike/internal/ephemeral"
	"github.com/npezzotti/strike/internal/quota"
	"github.com/npezzotti/strike/internal/session"
	"github.com/npezzotti/strike/internal/stats"
	"github.com/npezzotti/strike/internal/types"
)

// Pool is the part of the connection pool manager the API depends on.
type Pool interface {
	Ping(ctx context.Context) error
	Host() string
}

// Responder produces the assistant reply for a conversation.
type Responder interface {
	Reply(ctx context.Context, messages []types.Message) (string, error)
}

type Services struct {
	Rooms       *ephemeral.Store
	Quota       *quota.Limiter
	Sessions    *session.Manager
	DB          Pool
	Stats       stats.StatsProvider
	Responder   Responder
	SharedCache bool
}

type StrikeApp struct {
	log         *log.Logger
	srv         *http.Server
	handler     http.Handler
	rooms       *ephemeral.Store
	quota       *quota.Limiter
	sessions    *session.Manager
	db          Pool
	stats       stats.StatsProvider
	responder   Responder
	sharedCache bool
	now         func() time.Time
}

func NewStrikeApp(mux *http.ServeMux, logger *log.Logger, svc Services, cfg *config.Config) *StrikeApp {
	s := &StrikeApp{
		log:         logger,
		rooms:       svc.Rooms,
		quota:       svc.Quota,
		sessions:    svc.Sessions,
		db:          svc.DB,
		stats:       svc.Stats,
		responder:   svc.Responder,
		sharedCache: svc.SharedCache,
		now:         time.Now,
	}

	guest := func(h http.HandlerFunc) http.Handler {
		return s.sessions.Middleware(s.guestMiddleware(h))
	}

	mux.HandleFunc("GET /api/health", s.healthCheck)
	mux.Handle("POST /api/new_chat_room", guest(s.newChatRoom))
	mux.Handle("GET /api/get_chat_rooms", guest(s.getChatRooms))
	mux.Handle("GET /api/get_chat_history", guest(s.getChatHistory))
	mux.Handle("POST /api/rename_chat_room", guest(s.renameChatRoom))
	mux.Handle("POST /api/delete_chat_room", guest(s.deleteChatRoom))
	mux.Handle("POST /api/chat", guest(s.chat))
	mux.Handle("POST /api/session/permanent", s.sessions.Middleware(http.HandlerFunc(s.setPermanent)))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	s.handler = s.errorHandler(h)
	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: s.handler,
	}

	return s
}

func (s *StrikeApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *StrikeApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *StrikeApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
