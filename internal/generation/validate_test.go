package generation

import (
	"errors"
	"strings"
	"testing"
)

func TestRequest_NormalizeAndValidate(t *testing.T) {
	req := Request{Prompt: "  launch teaser  ", Videos: []string{" ", "/data/a.mp4"}}
	req.Normalize()
	if req.Prompt != "launch teaser" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if len(req.Videos) != 1 || req.Videos[0] != "/data/a.mp4" {
		t.Errorf("Videos = %v", req.Videos)
	}
	if req.AspectRatio != AspectLandscape {
		t.Errorf("AspectRatio = %q, want default 16:9", req.AspectRatio)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestRequest_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"empty prompt", Request{Prompt: "   "}, "prompt is required"},
		{"bad reference", Request{Prompt: "x", References: []string{"not a url"}}, "is not a url"},
		{"bad aspect", Request{Prompt: "x", AspectRatio: "4:3"}, "aspectratio must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Normalize()
			err := req.Validate()
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}
