// internal/api/handler.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repotracker/internal/store"
)

// Handler is the container for API dependencies.
type Handler struct {
	db     store.Store
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
// The API is read-only; all writes go through the sync engine.
func NewRouter(db store.Store, logger *slog.Logger) http.Handler {
	h := &Handler{db: db, logger: logger}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/repos", h.listRepositories)
		r.Get("/repos/{name}/commits", h.getCommits)
		r.Get("/repos/{name}/stats/top-committers", h.getTopCommitters)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type repositoryResponse struct {
	Name           string    `json:"name"`
	LastCommitDate time.Time `json:"last_commit_date"`
}

// GET /v1/repos
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.db.Repositories(r.Context())
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := make([]repositoryResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repositoryResponse{Name: repo.Name, LastCommitDate: repo.LastCommitDate})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// GET /v1/repos/{name}/commits
func (h *Handler) getCommits(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := h.db.RepositoryByName(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	rows, err := h.db.CommitRowsForRepo(r.Context(), name)
	if err != nil {
		h.logger.Error("Failed to get commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, rows)
}

// GET /v1/repos/{name}/stats/top-committers?limit=N
func (h *Handler) getTopCommitters(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "10"
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return
	}

	if _, err := h.db.RepositoryByName(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	committers, err := h.db.TopCommitters(r.Context(), name, limit)
	if err != nil {
		h.logger.Error("Failed to get top committers", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, committers)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
