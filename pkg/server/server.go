package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
	"github.com/lengrongfu/tokfetch/pkg/cache"
	"github.com/lengrongfu/tokfetch/pkg/utils"
)

// Server mirrors the local cache over the hub HTTP routes.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      *cache.Storage
	upstream   api.Registry
	logger     zerolog.Logger
}

// Config represents the server configuration
type Config struct {
	Host string
	Port int
	// Upstream, when set, fills cache misses before they are served.
	Upstream api.Registry
	Logger   zerolog.Logger
}

// NewServer creates a mirror serving store.
func NewServer(config Config, store *cache.Storage) *Server {
	// Create the router with StrictSlash option
	router := mux.NewRouter().StrictSlash(true)

	server := &Server{
		router:   router,
		store:    store,
		upstream: config.Upstream,
		logger:   config.Logger.With().Str("component", "server").Logger(),
	}
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return server
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return handlers.CORS(handlers.AllowedOrigins([]string{"*"}))(s.router)
}

// setupRoutes sets up the server routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	// model_id may contain a slash.
	apiRouter.HandleFunc("/models/{model_id:.+}/revision/{version}", s.handleGetModelIndex).Methods("GET")
	s.router.HandleFunc("/{model_id:.+}/resolve/{sha}/{filename:.+}", s.handleGetModelFile).Methods("GET", "HEAD")
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until Shutdown is called, then returns nil.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Str("cache", s.store.BaseDir()).Msg("starting mirror")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleGetModelIndex(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	modelID := vars["model_id"]
	version := vars["version"]
	log := s.logger.With().Str("model", modelID).Str("revision", version).Logger()

	info, err := s.repoInfo(r.Context(), modelID, version)
	if err != nil {
		s.writeError(w, log, err)
		return
	}
	log.Debug().Str("sha", info.SHA).Int("siblings", len(info.Siblings)).Msg("model index served")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// repoInfo answers from the cache, asking the upstream on a miss. Only files
// present in the cache are listed when there is no upstream to fill the rest.
func (s *Server) repoInfo(ctx context.Context, modelID, version string) (*model.ModelIndexInfo, error) {
	info, err := s.store.RepoInfo(modelID, version)
	if err == nil {
		if s.upstream == nil {
			info.Siblings = s.presentSiblings(modelID, info)
		}
		return info, nil
	}
	if s.upstream == nil || !errors.Is(err, api.ErrNotFound) {
		return nil, err
	}

	fresh, err := s.upstream.RepoInfo(ctx, modelID, version)
	if err != nil {
		return nil, err
	}
	if err := s.store.WriteRef(modelID, version, fresh.SHA); err != nil {
		return nil, err
	}
	if err := s.store.WriteRepoInfo(modelID, fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (s *Server) presentSiblings(modelID string, info *model.ModelIndexInfo) []model.SiblingFile {
	present := make([]model.SiblingFile, 0, len(info.Siblings))
	for _, sib := range info.Siblings {
		if _, ok := s.store.FileExists(modelID, info.SHA, sib.RFilename); ok {
			present = append(present, sib)
		}
	}
	return present
}

func (s *Server) handleGetModelFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	modelID := vars["model_id"]
	filename := vars["filename"]
	log := s.logger.With().Str("model", modelID).Str("revision", vars["sha"]).Str("file", filename).Logger()

	sha, err := s.commitFor(r.Context(), modelID, vars["sha"])
	if err != nil {
		s.writeError(w, log, err)
		return
	}
	log = log.With().Str("sha", sha).Logger()

	fileInfo, exist := s.store.FileExists(modelID, sha, filename)
	if !exist {
		if s.upstream == nil {
			s.writeError(w, log, fmt.Errorf("%s not cached: %w", filename, api.ErrNotFound))
			return
		}
		if err := s.fill(r.Context(), modelID, sha, filename); err != nil {
			s.writeError(w, log, fmt.Errorf("upstream fetch: %w", err))
			return
		}
		if fileInfo, exist = s.store.FileExists(modelID, sha, filename); !exist {
			s.writeError(w, log, fmt.Errorf("%s not cached: %w", filename, api.ErrNotFound))
			return
		}
	}

	w.Header().Set("X-Repo-Commit", sha)
	if etag := s.store.FileEtag(modelID, sha, filename); etag != "" {
		w.Header().Set("ETag", strconv.Quote(etag))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", fileInfo.Name()))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(fileInfo.Size(), 10))

	if r.Method == http.MethodHead {
		return
	}

	file, err := s.store.GetFile(modelID, sha, filename)
	if err != nil {
		s.writeError(w, log, err)
		return
	}
	defer file.Close()

	log.Debug().Int64("bytes", fileInfo.Size()).Msg("serving file")
	http.ServeContent(w, r, fileInfo.Name(), fileInfo.ModTime(), file)
}

// commitFor maps the revision of a resolve URL to a commit. With an upstream, a
// revision the cache does not know is resolved there first so that filled
// files land in the snapshot of its commit.
func (s *Server) commitFor(ctx context.Context, modelID, revision string) (string, error) {
	if s.upstream == nil || utils.IsCommitSHA(revision) {
		return s.store.RepoSha(modelID, revision), nil
	}
	if sha, err := s.store.Ref(modelID, revision); err == nil {
		return sha, nil
	}
	info, err := s.repoInfo(ctx, modelID, revision)
	if err != nil {
		return "", err
	}
	return info.SHA, nil
}

func (s *Server) fill(ctx context.Context, modelID, sha, filename string) error {
	blob, err := s.upstream.Fetch(ctx, modelID, sha, filename)
	if err != nil {
		return err
	}
	defer blob.Body.Close()
	_, err = s.store.StoreFile(modelID, sha, filename, blob.ETag, blob.Body)
	return err
}

// writeError answers with the status and X-Error-Code the hub uses for err.
// The error itself only goes to the log; clients see the status text.
func (s *Server) writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, code := errorStatus(err)
	event := log.Debug()
	if status >= http.StatusInternalServerError {
		event = log.Warn()
	}
	event.Err(err).Int("status", status).Msg("request failed")

	if code != "" {
		w.Header().Set("X-Error-Code", code)
	}
	http.Error(w, http.StatusText(status), status)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound, "EntryNotFound"
	case errors.Is(err, api.ErrAccessDenied):
		return http.StatusForbidden, "GatedRepo"
	case errors.Is(err, api.ErrInvalidIdentifier):
		return http.StatusBadRequest, ""
	case errors.Is(err, api.ErrUnreachable),
		errors.Is(err, api.ErrChecksumMismatch),
		errors.Is(err, api.ErrInvalidResponse):
		return http.StatusBadGateway, ""
	default:
		return http.StatusInternalServerError, ""
	}
}
