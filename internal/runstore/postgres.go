package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/lessonreel/internal/models"
)

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const runColumns = `id, request, script, status, outcome, failed_stage, error, degradations,
	audio_key, audio_format, total_duration, artifact_key, created_at, updated_at`

func (p *Postgres) Create(ctx context.Context, run *models.Run) error {
	req, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO pipeline_runs (id, request, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, req, run.Status, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		run          models.Run
		req, degrade []byte
	)
	err := row.Scan(&run.ID, &req, &run.Script, &run.Status, &run.Outcome, &run.FailedStage, &run.Error, &degrade,
		&run.AudioKey, &run.AudioFormat, &run.TotalDuration, &run.ArtifactKey, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(req, &run.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(degrade, &run.Degradations); err != nil {
		return nil, fmt.Errorf("decode degradations: %w", err)
	}
	return &run, nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	run, err := scanRun(p.db.QueryRow(ctx, "SELECT "+runColumns+" FROM pipeline_runs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := p.db.Query(ctx,
		`SELECT scene_index, text, visual_prompt, caption, image_key, image_mime, image_placeholder,
		        audio_key, audio_format, duration, duration_estimated, words, words_estimated,
		        start_time, end_time
		 FROM pipeline_scenes WHERE run_id = $1 ORDER BY scene_index`, id)
	if err != nil {
		return nil, fmt.Errorf("get scenes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sc    models.Scene
			words []byte
		)
		if err := rows.Scan(&sc.Index, &sc.Text, &sc.VisualPrompt, &sc.Caption, &sc.ImageKey, &sc.ImageMIME,
			&sc.ImagePlaceholder, &sc.AudioKey, &sc.AudioFormat, &sc.Duration, &sc.DurationEstimated,
			&words, &sc.WordsEstimated, &sc.StartTime, &sc.EndTime); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		if err := json.Unmarshal(words, &sc.Words); err != nil {
			return nil, fmt.Errorf("decode scene %d words: %w", sc.Index, err)
		}
		run.Scenes = append(run.Scenes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenes: %w", err)
	}
	return run, nil
}

func (p *Postgres) List(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx,
		"SELECT "+runColumns+" FROM pipeline_runs ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (p *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, status models.RunStatus) error {
	tag, err := p.db.Exec(ctx,
		"UPDATE pipeline_runs SET status = $2, updated_at = $3 WHERE id = $1", id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, run *models.Run) error {
	degrade, err := json.Marshal(run.Degradations)
	if err != nil {
		return fmt.Errorf("encode degradations: %w", err)
	}
	if run.Degradations == nil {
		degrade = []byte("[]")
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pipeline_runs SET script = $2, status = $3, outcome = $4, failed_stage = $5, error = $6,
		        degradations = $7, audio_key = $8, audio_format = $9, total_duration = $10,
		        artifact_key = $11, updated_at = $12
		 WHERE id = $1`,
		run.ID, run.Script, run.Status, run.Outcome, run.FailedStage, run.Error, degrade,
		run.AudioKey, run.AudioFormat, run.TotalDuration, run.ArtifactKey, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, "DELETE FROM pipeline_scenes WHERE run_id = $1", run.ID); err != nil {
		return fmt.Errorf("clear scenes: %w", err)
	}

	batch := &pgx.Batch{}
	for _, sc := range run.Scenes {
		words, err := json.Marshal(sc.Words)
		if err != nil {
			return fmt.Errorf("encode scene %d words: %w", sc.Index, err)
		}
		if sc.Words == nil {
			words = []byte("[]")
		}
		batch.Queue(
			`INSERT INTO pipeline_scenes (run_id, scene_index, text, visual_prompt, caption, image_key, image_mime,
			        image_placeholder, audio_key, audio_format, duration, duration_estimated, words,
			        words_estimated, start_time, end_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			run.ID, sc.Index, sc.Text, sc.VisualPrompt, sc.Caption, sc.ImageKey, sc.ImageMIME,
			sc.ImagePlaceholder, sc.AudioKey, sc.AudioFormat, sc.Duration, sc.DurationEstimated, words,
			sc.WordsEstimated, sc.StartTime, sc.EndTime,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert scenes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}
