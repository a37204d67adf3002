package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.TokenStore, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Route("/generations", func(r chi.Router) {
			r.Post("/", generateHandler(cfg))
			r.Get("/", listGenerationsHandler(cfg))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", getGenerationHandler(cfg))
				r.Get("/scenario", getScenarioHandler(cfg))
				r.Put("/scenario", updateScenarioHandler(cfg))
				r.Post("/continue", continueHandler(cfg))
				r.Post("/cancel", cancelHandler(cfg))
				r.Post("/scenes/{sceneId}/regenerate", regenerateSceneHandler(cfg))
				r.Get("/scenes/{sceneId}/asset", sceneAssetHandler(cfg))
				r.Get("/events", eventsHandler(cfg))
				r.Get("/result", resultHandler(cfg))
				r.Get("/export.edl", downloadEDLHandler(cfg))
				r.Post("/export", exportEDLHandler(cfg))
			})
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  version,
			UptimeS:  int64(time.Since(cfg.StartTime).Seconds()),
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{State: "idle", ActiveGenerations: cfg.Service.ActiveCount()}
		if resp.ActiveGenerations > 0 {
			resp.State = "generating"
		}

		if recent, err := cfg.Service.ListGenerations(ctx, 10); err == nil {
			for _, g := range recent {
				if g.Status() == generation.StatusFailed {
					resp.LastError = g.Error
					break
				}
			}
		}
		if resp.LastError != "" && resp.State == "idle" {
			resp.State = "error"
		}

		// Peek never runs the doctor subprocess on the request path.
		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Pipelines = &PipelineStatusResponse{
					CanRender:   caps.CanRender,
					CanCompose:  caps.CanCompose,
					LastProbeAt: caps.ProbedAt.Format(time.RFC3339),
					DepsAvail:   caps.Summary.Available,
					DepsTotal:   caps.Summary.Total,
				}
				if err := cfg.Doctor.LastError(); err != nil {
					resp.Pipelines.ProbeError = err.Error()
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func generateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		g, err := cfg.Service.Generate(r.Context(), req.ToRequest())
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, GenerationToSummary(g))
	}
}

func listGenerationsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		gens, err := cfg.Service.ListGenerations(r.Context(), limit)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		resp := GenerationsResponse{Generations: make([]GenerationSummary, len(gens))}
		for i, g := range gens {
			resp.Generations[i] = GenerationToSummary(g)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getGenerationHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cfg.Service.GetStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, GenerationToResponse(g))
	}
}

func getScenarioHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sc, err := cfg.Service.GetScenario(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		resp := ScenarioResponse{ID: id, Scenario: sc}
		if g, err := cfg.Service.GetStatus(r.Context(), id); err == nil {
			resp.Status = string(g.Status())
			resp.Phase = string(g.Phase())
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func updateScenarioHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateScenarioRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Scenario == nil {
			WriteError(w, http.StatusBadRequest, "scenario is required", "VALIDATION_ERROR")
			return
		}

		id := chi.URLParam(r, "id")
		sc, err := cfg.Service.UpdateScenario(r.Context(), id, req.Scenario)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, ScenarioResponse{ID: id, Scenario: sc})
	}
}

func continueHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cfg.Service.Continue(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, GenerationToSummary(g))
	}
}

func cancelHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cfg.Service.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, GenerationToSummary(g))
	}
}

func regenerateSceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sc, err := cfg.Service.RegenerateScene(r.Context(), id, chi.URLParam(r, "sceneId"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, RegenerateResponse{
			ID:       id,
			SceneID:  sc.SceneID,
			Status:   string(sc.Status),
			Attempts: sc.Attempts,
		})
	}
}

func resultHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cfg.Service.GetStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		if g.Status() != generation.StatusCompleted || g.ResultPath == "" {
			writeServiceError(w, cfg.Logger, fmt.Errorf("%w: result is available once the generation completes", generation.ErrNotReady))
			return
		}
		serveArtifact(cfg, w, r, g.ResultPath)
	}
}

func sceneAssetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cfg.Service.GetStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		sceneID := chi.URLParam(r, "sceneId")
		for _, sc := range g.Scenes {
			if sc.SceneID != sceneID {
				continue
			}
			if sc.Status != generation.SceneCompleted || sc.RenderedAssetPath == "" {
				writeServiceError(w, cfg.Logger, fmt.Errorf("%w: scene %s has no rendered asset", generation.ErrNotReady, sceneID))
				return
			}
			serveArtifact(cfg, w, r, sc.RenderedAssetPath)
			return
		}
		writeServiceError(w, cfg.Logger, fmt.Errorf("%w: scene %s", generation.ErrNotFound, sceneID))
	}
}

func serveArtifact(cfg ServerConfig, w http.ResponseWriter, r *http.Request, path string) {
	if cfg.PlaybackServer == nil {
		WriteError(w, http.StatusServiceUnavailable, "playback is not configured", "UNAVAILABLE")
		return
	}
	if err := cfg.PlaybackServer.ServeFile(w, r, path); err != nil {
		cfg.Logger.Error("serve artifact failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to serve file", "INTERNAL_ERROR")
	}
}
