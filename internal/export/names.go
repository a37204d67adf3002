package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

const (
	clipNameMax    = 160
	projectNameMax = 120
	fallbackIDLen  = 8
)

// ErrOutputDir marks an export destination that cannot be written to.
var ErrOutputDir = errors.New("invalid output_dir")

// ClipName labels one scene in an edit list, for example "03 banner intro".
func ClipName(orderIndex int, kind scenario.Kind, sceneID string) string {
	return cleanName(fmt.Sprintf("%02d %s %s", orderIndex+1, kind, sceneID), clipNameMax)
}

// ProjectName is the file-safe base name of an export. A name that cleans to
// nothing falls back to scenegen_ plus the start of the generation id.
func ProjectName(name, generationID string) string {
	if n := strings.TrimLeft(cleanName(name, projectNameMax), "._ "); n != "" {
		return n
	}
	id := cleanName(generationID, 0)
	if len(id) > fallbackIDLen {
		id = id[:fallbackIDLen]
	}
	return "scenegen_" + id
}

func cleanName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if runes := []rune(cleaned); maxLen > 0 && len(runes) > maxLen {
		cleaned = strings.TrimSpace(string(runes[:maxLen]))
	}
	return cleaned
}

// CheckOutputDir accepts an absolute, clean, existing directory. When roots
// is not empty the directory, after resolving symlinks, must also lie inside
// one of them.
func CheckOutputDir(dir string, roots []string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: output_dir is required", ErrOutputDir)
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("%w: output_dir cannot contain path traversal", ErrOutputDir)
		}
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: output_dir must be absolute", ErrOutputDir)
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("%w: output_dir must be a clean path", ErrOutputDir)
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: output_dir does not exist", ErrOutputDir)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: output_dir is not a directory", ErrOutputDir)
	}
	if len(roots) == 0 {
		return nil
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputDir, err)
	}
	for _, root := range roots {
		if within(root, resolved) {
			return nil
		}
	}
	return fmt.Errorf("%w: output_dir is outside the export roots", ErrOutputDir)
}

func within(root, resolved string) bool {
	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
