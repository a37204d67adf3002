// Package scenario defines the timeline a generation renders: an ordered list
// of typed scene items and the per-scene render projects built from it.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind is the closed set of timeline item kinds.
type Kind string

const (
	KindBanner     Kind = "banner"
	KindVideo      Kind = "video"
	KindOverlay    Kind = "overlay"
	KindPIP        Kind = "pip"
	KindTransition Kind = "transition"
)

var kinds = map[Kind]struct{}{
	KindBanner:     {},
	KindVideo:      {},
	KindOverlay:    {},
	KindPIP:        {},
	KindTransition: {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// UsesSource reports whether items of this kind trim into a supplied source video.
func (k Kind) UsesSource() bool {
	return k == KindVideo || k == KindOverlay || k == KindPIP
}

type DetailedRequest struct {
	Description string `json:"description"`
	TextContent string `json:"text_content,omitempty"`
}

// TimelineItem is one scene description. Source fields are only meaningful for
// kinds where UsesSource is true.
type TimelineItem struct {
	ID              string          `json:"id" validate:"required"`
	Kind            Kind            `json:"kind" validate:"required,scenekind"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty" validate:"omitempty,gte=0"`
	DetailedRequest DetailedRequest `json:"detailed_request"`
	SourceVideoID   string          `json:"source_video_id,omitempty"`
	FromSeconds     *float64        `json:"from_seconds,omitempty" validate:"omitempty,gte=0"`
	ToSeconds       *float64        `json:"to_seconds,omitempty" validate:"omitempty,gte=0"`
}

// Scenario is the ordered timeline. Order is the composition order.
type Scenario struct {
	Items []TimelineItem `json:"items" validate:"dive"`
}

// SceneProject is the render configuration for one timeline item.
type SceneProject struct {
	SceneID         string          `json:"scene_id"`
	Kind            Kind            `json:"kind"`
	OrderIndex      int             `json:"order_index"`
	DurationSeconds float64         `json:"duration_seconds"`
	Config          json.RawMessage `json:"config,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("scenekind", func(fl validator.FieldLevel) bool {
		return Kind(fl.Field().String()).Valid()
	})
	v.RegisterStructValidation(trimWindowValidation, TimelineItem{})
	return v
}

func trimWindowValidation(sl validator.StructLevel) {
	item := sl.Current().Interface().(TimelineItem)
	if item.FromSeconds != nil && item.ToSeconds != nil && *item.ToSeconds < *item.FromSeconds {
		sl.ReportError(item.ToSeconds, "ToSeconds", "to_seconds", "trimwindow", "")
	}
}

// Validate checks the structural invariants of the timeline: non-empty and
// unique ids, known kinds, non-negative durations and trim windows with
// to >= from. It does not judge whether the timeline makes sense.
func (s *Scenario) Validate() error {
	if s == nil {
		return errors.New("scenario is required")
	}
	if len(s.Items) == 0 {
		return errors.New("scenario has no timeline items")
	}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return errors.New(describe(verrs))
		}
		return err
	}
	seen := make(map[string]int, len(s.Items))
	for i, item := range s.Items {
		if prev, ok := seen[item.ID]; ok {
			return fmt.Errorf("duplicate timeline item id %q at positions %d and %d", item.ID, prev, i)
		}
		seen[item.ID] = i
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "scenekind":
			parts = append(parts, fmt.Sprintf("%s: unknown kind %q", fe.Namespace(), fe.Value()))
		case "gte":
			parts = append(parts, fmt.Sprintf("%s must be >= 0", fe.Namespace()))
		case "trimwindow":
			parts = append(parts, fmt.Sprintf("%s must not be before from_seconds", fe.Namespace()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy so callers can hand the scenario to another
// goroutine without sharing pointers.
func (s *Scenario) Clone() *Scenario {
	if s == nil {
		return nil
	}
	out := &Scenario{Items: make([]TimelineItem, len(s.Items))}
	for i, item := range s.Items {
		item.DurationSeconds = cloneFloat(item.DurationSeconds)
		item.FromSeconds = cloneFloat(item.FromSeconds)
		item.ToSeconds = cloneFloat(item.ToSeconds)
		out.Items[i] = item
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Duration returns the item's requested duration, or the trim window length
// when no explicit duration was given.
func (t TimelineItem) Duration() float64 {
	if t.DurationSeconds != nil {
		return *t.DurationSeconds
	}
	if t.FromSeconds != nil && t.ToSeconds != nil {
		return *t.ToSeconds - *t.FromSeconds
	}
	return 0
}

// ValidateProjects checks that projects map 1:1 onto the scenario's items in
// timeline order.
func ValidateProjects(s *Scenario, projects []SceneProject) error {
	if s == nil {
		return errors.New("scenario is required")
	}
	if len(projects) != len(s.Items) {
		return fmt.Errorf("expected %d scene projects, got %d", len(s.Items), len(projects))
	}
	for i, p := range projects {
		item := s.Items[i]
		if p.SceneID != item.ID {
			return fmt.Errorf("scene project %d is for %q, want %q", i, p.SceneID, item.ID)
		}
		if p.OrderIndex != i {
			return fmt.Errorf("scene project %q has order index %d, want %d", p.SceneID, p.OrderIndex, i)
		}
	}
	return nil
}

// Float is a helper for building optional seconds values.
func Float(v float64) *float64 {
	return &v
}
