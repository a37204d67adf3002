package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenegen/internal/export"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

const defaultFrameRate = 30.0

func exportTimeline(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*generation.Generation, []export.ResolvedClip, []string, bool) {
	g, err := cfg.Service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, cfg.Logger, err)
		return nil, nil, nil, false
	}
	clips, skipped, err := export.Timeline(g)
	if errors.Is(err, export.ErrNoScenes) {
		WriteError(w, http.StatusConflict, err.Error(), "NOT_READY")
		return nil, nil, nil, false
	}
	if err != nil {
		writeServiceError(w, cfg.Logger, err)
		return nil, nil, nil, false
	}
	return g, clips, skipped, true
}

func downloadEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, clips, _, ok := exportTimeline(cfg, w, r)
		if !ok {
			return
		}
		name := export.ProjectName(r.URL.Query().Get("name"), g.ID)
		edl := export.GenerateEDL(clips, name, defaultFrameRate)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.edl"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(edl))
	}
}

func exportEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.ExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if err := export.CheckOutputDir(req.OutputDir, cfg.ExportRoots); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		g, clips, skipped, ok := exportTimeline(cfg, w, r)
		if !ok {
			return
		}

		name := export.ProjectName(req.ProjectName, g.ID)
		frameRate := req.FrameRate
		if frameRate <= 0 {
			frameRate = defaultFrameRate
		}

		placeholders := make([]string, 0)
		for _, c := range clips {
			if c.Placeholder {
				placeholders = append(placeholders, c.SceneID)
			}
		}
		if skipped == nil {
			skipped = []string{}
		}

		edl := export.GenerateEDL(clips, name, frameRate)
		outputPath := filepath.Join(req.OutputDir, name+".edl")
		if err := os.WriteFile(outputPath, []byte(edl), 0o644); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to write export file", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, export.ExportResponse{
			Status:       "ok",
			Format:       "edl",
			OutputPath:   outputPath,
			ClipCount:    len(clips),
			Placeholders: placeholders,
			Skipped:      skipped,
		})
	}
}
