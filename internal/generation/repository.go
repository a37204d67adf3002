package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-scenegen/internal/db"
	"github.com/heimdex/heimdex-scenegen/internal/scenario"
)

// Repository persists generations and scenes. Get methods return nil, nil
// when the row does not exist.
type Repository interface {
	CreateGeneration(ctx context.Context, g *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerations(ctx context.Context, limit int) ([]*Generation, error)
	UpdateStage(ctx context.Context, id string, stage Stage, errorMsg string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	SaveEnrichedContext(ctx context.Context, id string, enriched json.RawMessage) error
	SaveScenario(ctx context.Context, id string, s *scenario.Scenario) error
	SaveSceneProjects(ctx context.Context, id string, projects []scenario.SceneProject) error
	CompleteGeneration(ctx context.Context, id, resultPath, resultURL string) error

	CreateScenes(ctx context.Context, scenes []*Scene) error
	ListScenes(ctx context.Context, generationID string) ([]*Scene, error)
	GetScene(ctx context.Context, generationID, sceneID string) (*Scene, error)
	UpdateScene(ctx context.Context, scene *Scene) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLRepository struct {
	db      *sql.DB
	dialect db.Dialect
}

func NewRepository(conn *sql.DB, dialect db.Dialect) *SQLRepository {
	return &SQLRepository{db: conn, dialect: dialect}
}

func (r *SQLRepository) q(query string) string {
	return r.dialect.Rebind(query)
}

func (r *SQLRepository) CreateGeneration(ctx context.Context, g *Generation) error {
	reqJSON, err := json.Marshal(g.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.q(`
		INSERT INTO generations (id, stage, progress, prompt, request_json, task_id, publication_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), g.ID, string(g.Stage), g.Progress, g.Request.Prompt, string(reqJSON),
		nullString(g.Request.TaskID), nullString(g.Request.PublicationID),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	return err
}

const generationColumns = `id, stage, phase, progress, request_json, enriched_context, scenario_json, scene_projects_json,
	result_path, result_url, error, created_at, updated_at, completed_at`

func (r *SQLRepository) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+generationColumns+` FROM generations WHERE id = ?`), id)
	g, err := scanGeneration(row)
	if err != nil || g == nil {
		return g, err
	}
	scenes, err := r.ListScenes(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Scenes = scenes
	return g, nil
}

// ListGenerations returns the newest generations first, without scenes.
func (r *SQLRepository) ListGenerations(ctx context.Context, limit int) ([]*Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+generationColumns+` FROM generations ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*Generation, error) {
	var (
		g                                           Generation
		stage, phase, reqJSON, createdAt, updatedAt string
		enriched, scenarioJSON, projectsJSON        sql.NullString
		resultPath, resultURL, errMsg, complete     sql.NullString
	)
	err := row.Scan(&g.ID, &stage, &phase, &g.Progress, &reqJSON, &enriched, &scenarioJSON, &projectsJSON,
		&resultPath, &resultURL, &errMsg, &createdAt, &updatedAt, &complete)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	g.Stage = Stage(stage)
	g.LastPhase = Phase(phase)
	if err := json.Unmarshal([]byte(reqJSON), &g.Request); err != nil {
		return nil, fmt.Errorf("decode request of %s: %w", g.ID, err)
	}
	if enriched.Valid && enriched.String != "" {
		g.EnrichedContext = json.RawMessage(enriched.String)
	}
	if scenarioJSON.Valid && scenarioJSON.String != "" {
		var s scenario.Scenario
		if err := json.Unmarshal([]byte(scenarioJSON.String), &s); err != nil {
			return nil, fmt.Errorf("decode scenario of %s: %w", g.ID, err)
		}
		g.Scenario = &s
	}
	if projectsJSON.Valid && projectsJSON.String != "" {
		if err := json.Unmarshal([]byte(projectsJSON.String), &g.SceneProjects); err != nil {
			return nil, fmt.Errorf("decode scene projects of %s: %w", g.ID, err)
		}
	}
	g.ResultPath = resultPath.String
	g.ResultURL = resultURL.String
	g.Error = errMsg.String
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	if complete.Valid && complete.String != "" {
		t := parseTime(complete.String)
		g.CompletedAt = &t
	}
	return &g, nil
}

// UpdateStage writes a new stage. Terminal stages also stamp completed_at and
// keep the phase the generation stopped in.
// An empty errorMsg leaves the stored error untouched.
func (r *SQLRepository) UpdateStage(ctx context.Context, id string, stage Stage, errorMsg string) error {
	now := formatTime(time.Now())
	var completedAt any
	if stage.Terminal() {
		completedAt = now
	}
	_, err := r.db.ExecContext(ctx, r.q(`
		UPDATE generations
		SET stage = ?, phase = COALESCE(?, phase), error = COALESCE(?, error), updated_at = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`), string(stage), nullString(string(stage.Phase())), nullString(errorMsg), now, completedAt, id)
	return err
}

func (r *SQLRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE generations SET progress = ?, updated_at = ? WHERE id = ?`),
		progress, formatTime(time.Now()), id)
	return err
}

func (r *SQLRepository) SaveEnrichedContext(ctx context.Context, id string, enriched json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE generations SET enriched_context = ?, updated_at = ? WHERE id = ?`),
		string(enriched), formatTime(time.Now()), id)
	return err
}

func (r *SQLRepository) SaveScenario(ctx context.Context, id string, s *scenario.Scenario) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal scenario: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.q(`UPDATE generations SET scenario_json = ?, updated_at = ? WHERE id = ?`),
		string(data), formatTime(time.Now()), id)
	return err
}

func (r *SQLRepository) SaveSceneProjects(ctx context.Context, id string, projects []scenario.SceneProject) error {
	data, err := json.Marshal(projects)
	if err != nil {
		return fmt.Errorf("marshal scene projects: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.q(`UPDATE generations SET scene_projects_json = ?, updated_at = ? WHERE id = ?`),
		string(data), formatTime(time.Now()), id)
	return err
}

// CompleteGeneration stores the composed result and moves the generation to
// completed at full progress in a single write.
func (r *SQLRepository) CompleteGeneration(ctx context.Context, id, resultPath, resultURL string) error {
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, r.q(`
		UPDATE generations
		SET stage = ?, phase = ?, progress = 100, result_path = ?, result_url = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`), string(StageCompleted), string(PhaseComposition), nullString(resultPath), nullString(resultURL), now, now, id)
	return err
}

// CreateScenes inserts the whole scene set atomically, replacing any scenes a
// previous attempt left behind.
func (r *SQLRepository) CreateScenes(ctx context.Context, scenes []*Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM scenes WHERE generation_id = ?`), scenes[0].GenerationID); err != nil {
		return err
	}
	for _, s := range scenes {
		project, err := json.Marshal(s.Project)
		if err != nil {
			return fmt.Errorf("marshal scene project %s: %w", s.SceneID, err)
		}
		if _, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO scenes (generation_id, scene_id, kind, status, progress, order_index, project_json,
				rendered_asset_path, rendered_asset_url, error, attempts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), s.GenerationID, s.SceneID, string(s.Kind), string(s.Status), s.Progress, s.OrderIndex, string(project),
			nullString(s.RenderedAssetPath), nullString(s.RenderedAssetURL), nullString(s.Error), s.Attempts,
			formatTime(s.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const sceneColumns = `generation_id, scene_id, kind, status, progress, order_index, project_json,
	rendered_asset_path, rendered_asset_url, error, attempts, updated_at`

// ListScenes returns scenes in timeline order.
func (r *SQLRepository) ListScenes(ctx context.Context, generationID string) ([]*Scene, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+sceneColumns+` FROM scenes WHERE generation_id = ? ORDER BY order_index ASC`), generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLRepository) GetScene(ctx context.Context, generationID, sceneID string) (*Scene, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+sceneColumns+` FROM scenes WHERE generation_id = ? AND scene_id = ?`), generationID, sceneID)
	return scanScene(row)
}

func scanScene(row scanner) (*Scene, error) {
	var (
		s                          Scene
		kind, status, project, upd string
		assetPath, assetURL, errS  sql.NullString
	)
	err := row.Scan(&s.GenerationID, &s.SceneID, &kind, &status, &s.Progress, &s.OrderIndex, &project,
		&assetPath, &assetURL, &errS, &s.Attempts, &upd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Kind = scenario.Kind(kind)
	s.Status = SceneStatus(status)
	if err := json.Unmarshal([]byte(project), &s.Project); err != nil {
		return nil, fmt.Errorf("decode scene project %s: %w", s.SceneID, err)
	}
	s.RenderedAssetPath = assetPath.String
	s.RenderedAssetURL = assetURL.String
	s.Error = errS.String
	s.UpdatedAt = parseTime(upd)
	return &s, nil
}

// UpdateScene writes the mutable fields of one scene.
func (r *SQLRepository) UpdateScene(ctx context.Context, s *Scene) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		UPDATE scenes
		SET status = ?, progress = ?, rendered_asset_path = ?, rendered_asset_url = ?, error = ?, attempts = ?, updated_at = ?
		WHERE generation_id = ? AND scene_id = ?
	`), string(s.Status), s.Progress, nullString(s.RenderedAssetPath), nullString(s.RenderedAssetURL),
		nullString(s.Error), s.Attempts, formatTime(s.UpdatedAt), s.GenerationID, s.SceneID)
	return err
}

func (r *SQLRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, r.q(`SELECT value FROM config WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), key, value)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
