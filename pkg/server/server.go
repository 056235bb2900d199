// Package server exposes runs, their transcripts, workspaces and scripts
// over HTTP, and streams the steps of live runs over websockets.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/nstogner/evo/pkg/model"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/store"
)

//go:embed static
var staticFS embed.FS

// Options configures the runs a server starts.
type Options struct {
	// ModelName is used when a run does not name a model.
	ModelName string
	// WorkspaceRoot holds one workspace directory per run.
	WorkspaceRoot  string
	MaxTurns       int
	WriterMaxTurns int
	// ContextChars bounds the ephemeral transcript sent to the model.
	ContextChars int
	// TranscriptDir, when set, also receives one JSONL transcript per run.
	TranscriptDir string
	// Auth, when set, requires a bearer token on every API route.
	Auth   *Auth
	Logger *slog.Logger
}

// Server serves the REST API and drives runs.
type Server struct {
	store    store.Store
	scripts  script.Store
	provider model.Provider
	engine   sandbox.Engine
	opts     Options
	log      *slog.Logger

	// baseCtx outlives requests; runs are derived from it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	live map[string]*liveRun

	srv *http.Server
}

// New creates a new Server. Written scripts are saved to scripts.
func New(st store.Store, scripts script.Store, provider model.Provider, engine sandbox.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    st,
		scripts:  scripts,
		provider: provider,
		engine:   engine,
		opts:     opts,
		log:      opts.Logger,
		baseCtx:  ctx,
		cancel:   cancel,
		live:     make(map[string]*liveRun),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Runs
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /api/runs/{id}/steer", s.handleSteerRun)
	mux.HandleFunc("GET /api/runs/{id}/transcript", s.handleGetTranscript)

	// Workspace
	mux.HandleFunc("GET /api/runs/{id}/files", s.handleListFiles)
	mux.HandleFunc("GET /api/runs/{id}/files.zip", s.handleDownloadZip)
	mux.HandleFunc("GET /api/runs/{id}/files/{path...}", s.handleGetFile)
	mux.HandleFunc("PUT /api/runs/{id}/files/{path...}", s.handlePutFile)

	// Sandbox
	mux.HandleFunc("GET /api/runs/{id}/sandbox/status", s.handleSandboxStatus)

	// Scripts
	mux.HandleFunc("GET /api/scripts", s.handleListScripts)
	mux.HandleFunc("GET /api/scripts/{name}", s.handleGetScript)
	mux.HandleFunc("PUT /api/scripts/{name}", s.handlePutScript)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// WebSocket
	mux.HandleFunc("/api/runs/{id}/chat", s.handleChatWebSocket)

	// Static assets
	mux.HandleFunc("/", s.handleStatic)

	var h http.Handler = mux
	if s.opts.Auth != nil {
		h = s.opts.Auth.middleware(s, h)
	}
	return s.corsMiddleware(h)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.log.Info("Starting web server", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, cancels live runs and waits for
// them to record their results.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.FileServer(http.FS(sub)).ServeHTTP(w, r)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	s.log.Error("API Error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
