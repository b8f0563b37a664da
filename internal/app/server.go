package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"webchat/gateway/internal/config"
	"webchat/gateway/internal/domain"
	"webchat/gateway/internal/notify"
	"webchat/gateway/internal/observability"
	"webchat/gateway/internal/orchestrator"
	"webchat/gateway/internal/repo"
	"webchat/gateway/internal/runner"
	"webchat/gateway/internal/tool"
)

const version = "0.1.0"

type Server struct {
	cfg       config.Config
	engine    *orchestrator.Engine
	store     *repo.Store
	replyHook *notify.Webhook
	cron      *cron.Cron
}

func NewServer(cfg config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	store, err := repo.Open(context.Background(), filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	registry.Register(tool.NewSearchTool(tool.SearchConfig{
		BaseURL:   cfg.SearchBaseURL,
		APIKey:    cfg.SearchAPIKey,
		CacheSize: cfg.ToolCacheSize,
	}, toolHTTPClient(cfg)))
	registry.Register(tool.NewFetchTool(tool.FetchConfig{
		BaseURL:   cfg.FetchBaseURL,
		APIKey:    cfg.FetchAPIKey,
		MaxBytes:  cfg.FetchMaxBytes,
		CacheSize: cfg.ToolCacheSize,
	}, toolHTTPClient(cfg)))
	registry.RegisterSchema(tool.ClarifyDefinition())

	engine := orchestrator.New(runner.New(), registry, orchestrator.Config{
		ProviderBaseURL:        cfg.ProviderBaseURL,
		ProviderAPIKey:         cfg.ProviderAPIKey,
		ProviderTimeoutMS:      cfg.ProviderTimeoutMS,
		DefaultModel:           cfg.DefaultModel,
		DefaultReasoningEffort: cfg.ReasoningEffort,
		SystemPrompt:           cfg.SystemPrompt,
		MaxSteps:               cfg.MaxSteps,
	})

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		replyHook: notify.NewWebhook(cfg.ReplyWebhookURL, nil),
		cron:      cron.New(),
	}
	if _, err := s.cron.AddFunc(cfg.RetentionCron, s.sweepRetention); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithDeps wires explicit dependencies; used by tests.
func NewServerWithDeps(cfg config.Config, engine *orchestrator.Engine, store *repo.Store, hook *notify.Webhook) *Server {
	return &Server{cfg: cfg, engine: engine, store: store, replyHook: hook, cron: cron.New()}
}

func (s *Server) Start() {
	s.cron.Start()
}

func (s *Server) Close() error {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("app: retention sweep did not finish before shutdown")
	}
	return s.store.Close()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.CORS(s.cfg.AllowOrigins))

	r.Get("/version", s.handleVersion)
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(api chi.Router) {
		api.Use(observability.APIKey(s.cfg.APIKey))

		api.Post("/api/chat", s.handleChat)
		api.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", s.listConversations)
			r.Get("/{conversation_id}", s.getConversation)
			r.Delete("/{conversation_id}", s.deleteConversation)
		})
	})

	return r
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) sweepRetention() {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	removed, err := s.store.PruneIdle(ctx, cutoff)
	if err != nil {
		log.Printf("app: retention sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("app: retention sweep removed %d conversations idle since %s", removed, cutoff.Format(time.RFC3339))
	}
}

func toolHTTPClient(cfg config.Config) *http.Client {
	timeout := time.Duration(cfg.ToolTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("app: failed to encode response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, domain.APIErrorBody{Error: domain.APIError{
		Code:    code,
		Message: message,
		Details: details,
	}})
}
