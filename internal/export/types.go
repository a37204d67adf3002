package export

// ExportRequest asks for the composed timeline of a generation to be written
// as an EDL file into OutputDir.
type ExportRequest struct {
	ProjectName string  `json:"project_name"`
	FrameRate   float64 `json:"frame_rate"`
	OutputDir   string  `json:"output_dir"`
}

// ResolvedClip is one EDL event. Placeholder clips are emitted as black.
type ResolvedClip struct {
	ClipName    string
	MediaPath   string
	StartMs     int
	EndMs       int
	SceneID     string
	Placeholder bool
}

type ExportResponse struct {
	Status       string   `json:"status"`
	Format       string   `json:"format"`
	OutputPath   string   `json:"output_path"`
	ClipCount    int      `json:"clip_count"`
	Placeholders []string `json:"placeholders"`
	Skipped      []string `json:"skipped"`
}
