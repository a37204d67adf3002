package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/api"
	"github.com/heimdex/heimdex-scenegen/internal/events"
)

type fakeServer struct {
	polls     atomic.Int32
	completed atomic.Bool
	events    http.HandlerFunc
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/generations/g1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			api.WriteError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}
		f.polls.Add(1)
		status := "processing"
		progress := 40
		if f.completed.Load() {
			status, progress = "completed", 100
		}
		api.WriteJSON(w, http.StatusOK, api.GenerationResponse{
			GenerationSummary: api.GenerationSummary{ID: "g1", Status: status, Progress: progress},
		})
	})
	mux.HandleFunc("/generations/g1/events", func(w http.ResponseWriter, r *http.Request) {
		if f.events == nil {
			http.NotFound(w, r)
			return
		}
		f.events(w, r)
	})
	mux.HandleFunc("/generations/missing", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "generation not found", "NOT_FOUND")
	})
	return mux
}

func TestFollow_PollsWithoutEventStream(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		fs.completed.Store(true)
	}()

	c := New(srv.URL, "tok", nil)
	var seen []int
	final, err := c.Follow(context.Background(), "g1", 10*time.Millisecond, func(g *api.GenerationResponse) {
		seen = append(seen, g.Progress)
	})
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}
	if final.Status != "completed" {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if len(seen) < 2 || seen[0] != 40 || seen[len(seen)-1] != 100 {
		t.Errorf("progress seen = %v", seen)
	}
}

func TestFollow_EventTriggersRefresh(t *testing.T) {
	fs := &fakeServer{}
	fs.events = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for fs.polls.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		fs.completed.Store(true)
		data, _ := json.Marshal(events.Event{Kind: events.KindGenerationComplete, GenerationID: "g1", Progress: 100})
		fmt.Fprintf(w, "event: generation-complete\ndata: %s\n\n", data)
		w.(http.Flusher).Flush()
	}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The poll interval is far longer than the test timeout, so only the
	// pushed event can trigger the final refresh.
	final, err := New(srv.URL, "tok", nil).Follow(ctx, "g1", time.Hour, nil)
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}
	if final.Progress != 100 {
		t.Errorf("final progress = %d, want 100", final.Progress)
	}
}

func TestFollow_PermanentErrorStops(t *testing.T) {
	srv := httptest.NewServer((&fakeServer{}).handler(t))
	defer srv.Close()

	_, err := New(srv.URL, "tok", nil).Follow(context.Background(), "missing", 10*time.Millisecond, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Follow() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestGetStatus_Unauthorized(t *testing.T) {
	srv := httptest.NewServer((&fakeServer{}).handler(t))
	defer srv.Close()

	_, err := New(srv.URL, "wrong", nil).GetStatus(context.Background(), "g1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GetStatus() error = %v, want 401", err)
	}
	if !apiErr.Permanent() {
		t.Error("401 should be permanent")
	}
}

func TestEvents_ParsesStream(t *testing.T) {
	fs := &fakeServer{}
	fs.events = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"kind\":\"progress\",\"generation_id\":\"g1\",\"progress\":12}\n\n")
		fmt.Fprint(w, "event: progress\ndata: {broken\n\n")
		fmt.Fprint(w, "event: scene-complete\ndata: {\"kind\":\"scene-complete\",\"generation_id\":\"g1\",\"scene_id\":\"intro\"}\n\n")
	}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	var got []events.Event
	err := New(srv.URL, "tok", nil).Events(context.Background(), "g1", func(ev events.Event) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %+v, want 2", got)
	}
	if got[0].Progress != 12 || got[1].SceneID != "intro" {
		t.Errorf("events = %+v", got)
	}
}

func TestAPIError_Permanent(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, true},
		{404, true},
		{409, true},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tt := range tests {
		if got := (&APIError{StatusCode: tt.code}).Permanent(); got != tt.want {
			t.Errorf("Permanent(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
