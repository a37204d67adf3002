// Package playback serves rendered scene assets and composed results. Only
// files under the artifacts root are ever served.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/heimdex/heimdex-scenegen/internal/logging"
)

// ErrOutsideRoot is returned for paths that resolve outside the artifacts root.
var ErrOutsideRoot = errors.New("path is outside the artifacts root")

type PlaybackService interface {
	ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error
}

type Server struct {
	root   string
	logger *slog.Logger
}

func NewServer(root string, logger *slog.Logger) *Server {
	return &Server{root: filepath.Clean(root), logger: logger}
}

// Resolve returns the cleaned absolute path when it lies under the root.
func (s *Server) Resolve(filePath string) (string, error) {
	if filePath == "" {
		return "", os.ErrNotExist
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// ServeFile writes the file with range support. Missing files answer 404 and
// paths outside the root answer 403; neither is returned as an error.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error {
	path, err := s.Resolve(filePath)
	if errors.Is(err, ErrOutsideRoot) {
		s.logger.Warn("refused to serve file outside artifacts root", "path", logging.SanitizePath(filePath))
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), file)
	return nil
}
