package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenegen/internal/events"
	"github.com/heimdex/heimdex-scenegen/internal/generation"
)

const keepAliveInterval = 15 * time.Second

// eventsHandler streams a generation's events as server-sent events. The
// stream ends after generation-complete or a generation-level error, or when
// the client goes away.
func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		sub, err := cfg.Service.Subscribe(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Joined after the generation already finished: nothing more will be
		// published, so hand the late subscriber the terminal event directly.
		if g, err := cfg.Service.GetStatus(r.Context(), id); err == nil && g.Status().Terminal() {
			writeEvent(w, terminalEvent(g))
			flusher.Flush()
			return
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					cfg.Logger.Debug("event stream write failed", "generation_id", id, "error", err)
					return
				}
				flusher.Flush()
				if closesStream(ev) {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

// Scene-level errors leave the generation running.
func closesStream(ev events.Event) bool {
	switch ev.Kind {
	case events.KindGenerationComplete:
		return true
	case events.KindError:
		return ev.SceneID == ""
	}
	return false
}

func terminalEvent(g *generation.Generation) events.Event {
	ev := events.Event{
		Kind:         events.KindError,
		GenerationID: g.ID,
		Status:       g.Status(),
		Phase:        g.Phase(),
		Stage:        g.Stage,
		Progress:     g.Progress,
		Error:        g.Error,
		At:           g.UpdatedAt,
	}
	switch g.Status() {
	case generation.StatusCompleted:
		ev.Kind = events.KindGenerationComplete
		ev.ResultURL = g.ResultURL
	case generation.StatusCancelled:
		ev.Error = string(generation.StatusCancelled)
	}
	return ev
}
