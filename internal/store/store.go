// Package store persists evaluations, rows, examples, scores and evaluation
// jobs with gorm. Postgres is the production dialect; sqlite serves local
// development and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ahrav/go-imgeval/internal/domain"
)

// Store errors.
var (
	ErrRowNotFound     = errors.New("row not found")
	ErrExampleNotFound = errors.New("example not found")
	ErrJobNotFound     = errors.New("evaluation job not found")
)

// EvaluationSummary is one entry of a caller's evaluation listing.
type EvaluationSummary struct {
	EvalID        string    `json:"eval_id"`
	Title         string    `json:"title"`
	EnabledModels []string  `json:"enabled_models"`
	CreatedAt     time.Time `json:"created_at"`
	NumRows       int64     `json:"num_rows"`
}

// Store is the persistence contract used by dispatch, activities and the results view.
type Store interface {
	CreateEvaluation(ctx context.Context, e *domain.Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error)
	GetEvaluationByID(ctx context.Context, id uint) (*domain.Evaluation, error)
	ListEvaluationsByAPIKeyHash(ctx context.Context, hash string) ([]EvaluationSummary, error)

	// ListRows returns an evaluation's rows in position order with examples preloaded.
	ListRows(ctx context.Context, evaluationID uint) ([]domain.Row, error)
	// GetRows returns the requested rows in position order with examples preloaded.
	GetRows(ctx context.Context, rowIDs []uint) ([]domain.Row, error)
	GetRow(ctx context.Context, rowID uint) (*domain.Row, error)

	GetExample(ctx context.Context, id uint) (*domain.Example, error)
	UpdateExample(ctx context.Context, e *domain.Example) error
	// MarkExampleTerminal moves an example to state unless it is already
	// resolved, in one conditional UPDATE. It reports whether a row changed.
	MarkExampleTerminal(ctx context.Context, id uint, state domain.ExampleState) (bool, error)

	// CreateScores appends score records. Duplicates are accepted.
	CreateScores(ctx context.Context, scores []domain.ModelScore) error
	ListScores(ctx context.Context, evaluationID uint) ([]domain.ModelScore, error)

	// CreateEvaluationJob records a job; recording the same JobID twice is a no-op.
	CreateEvaluationJob(ctx context.Context, j *domain.EvaluationJob) error
	GetEvaluationJob(ctx context.Context, jobID string) (*domain.EvaluationJob, error)
	UpdateEvaluationJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
	ListEvaluationJobs(ctx context.Context, evaluationID uint) ([]domain.EvaluationJob, error)
}

// Open connects to the database using driver ("postgres" or "sqlite") and dsn.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect to %s: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates or updates the schema for all persisted entities.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Evaluation{},
		&domain.Row{},
		&domain.Example{},
		&domain.ModelScore{},
		&domain.EvaluationJob{},
	)
}

type gormStore struct {
	db *gorm.DB
}

// New returns a Store backed by db.
func New(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func orderedExamples(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func (s *gormStore) CreateEvaluation(ctx context.Context, e *domain.Evaluation) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("store: create evaluation: %w", err)
	}
	return nil
}

func (s *gormStore) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	var e domain.Evaluation
	err := s.db.WithContext(ctx).Where("eval_id = ?", evalID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get evaluation: %w", err)
	}
	return &e, nil
}

func (s *gormStore) GetEvaluationByID(ctx context.Context, id uint) (*domain.Evaluation, error) {
	var e domain.Evaluation
	err := s.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get evaluation %d: %w", id, err)
	}
	return &e, nil
}

func (s *gormStore) ListEvaluationsByAPIKeyHash(ctx context.Context, hash string) ([]EvaluationSummary, error) {
	var evals []domain.Evaluation
	err := s.db.WithContext(ctx).
		Where("api_key_hash = ?", hash).
		Order("created_at DESC, id DESC").
		Find(&evals).Error
	if err != nil {
		return nil, fmt.Errorf("store: list evaluations: %w", err)
	}

	out := make([]EvaluationSummary, 0, len(evals))
	for _, e := range evals {
		var n int64
		if err := s.db.WithContext(ctx).Model(&domain.Row{}).Where("evaluation_id = ?", e.ID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("store: count rows: %w", err)
		}
		out = append(out, EvaluationSummary{
			EvalID:        e.EvalID,
			Title:         e.Title,
			EnabledModels: []string(e.EnabledModels),
			CreatedAt:     e.CreatedAt,
			NumRows:       n,
		})
	}
	return out, nil
}

func (s *gormStore) ListRows(ctx context.Context, evaluationID uint) ([]domain.Row, error) {
	var rows []domain.Row
	err := s.db.WithContext(ctx).
		Preload("Examples", orderedExamples).
		Where("evaluation_id = ?", evaluationID).
		Order("position ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return rows, nil
}

func (s *gormStore) GetRows(ctx context.Context, rowIDs []uint) ([]domain.Row, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	var rows []domain.Row
	err := s.db.WithContext(ctx).
		Preload("Examples", orderedExamples).
		Where("id IN ?", rowIDs).
		Order("position ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: get rows: %w", err)
	}
	return rows, nil
}

func (s *gormStore) GetRow(ctx context.Context, rowID uint) (*domain.Row, error) {
	var row domain.Row
	err := s.db.WithContext(ctx).Preload("Examples", orderedExamples).First(&row, rowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get row %d: %w", rowID, err)
	}
	return &row, nil
}

func (s *gormStore) GetExample(ctx context.Context, id uint) (*domain.Example, error) {
	var ex domain.Example
	err := s.db.WithContext(ctx).First(&ex, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExampleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get example %d: %w", id, err)
	}
	return &ex, nil
}

func (s *gormStore) UpdateExample(ctx context.Context, e *domain.Example) error {
	if e.ID == 0 {
		return ErrExampleNotFound
	}
	if err := s.db.WithContext(ctx).Save(e).Error; err != nil {
		return fmt.Errorf("store: update example %d: %w", e.ID, err)
	}
	return nil
}

func (s *gormStore) MarkExampleTerminal(ctx context.Context, id uint, state domain.ExampleState) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.Example{}).
		Where("id = ? AND state <> ?", id, domain.ExampleResolved).
		Update("state", state)
	if res.Error != nil {
		return false, fmt.Errorf("store: mark example %d %s: %w", id, state, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) CreateScores(ctx context.Context, scores []domain.ModelScore) error {
	if len(scores) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(scores, 500).Error; err != nil {
		return fmt.Errorf("store: create scores: %w", err)
	}
	return nil
}

func (s *gormStore) ListScores(ctx context.Context, evaluationID uint) ([]domain.ModelScore, error) {
	var scores []domain.ModelScore
	err := s.db.WithContext(ctx).Where("evaluation_id = ?", evaluationID).Order("id ASC").Find(&scores).Error
	if err != nil {
		return nil, fmt.Errorf("store: list scores: %w", err)
	}
	return scores, nil
}

func (s *gormStore) CreateEvaluationJob(ctx context.Context, j *domain.EvaluationJob) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(j).Error
	if err != nil {
		return fmt.Errorf("store: create evaluation job: %w", err)
	}
	return nil
}

func (s *gormStore) GetEvaluationJob(ctx context.Context, jobID string) (*domain.EvaluationJob, error) {
	var j domain.EvaluationJob
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get evaluation job: %w", err)
	}
	return &j, nil
}

func (s *gormStore) UpdateEvaluationJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	res := s.db.WithContext(ctx).Model(&domain.EvaluationJob{}).Where("job_id = ?", jobID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("store: update evaluation job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *gormStore) ListEvaluationJobs(ctx context.Context, evaluationID uint) ([]domain.EvaluationJob, error) {
	var jobs []domain.EvaluationJob
	err := s.db.WithContext(ctx).Where("evaluation_id = ?", evaluationID).Order("id ASC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list evaluation jobs: %w", err)
	}
	return jobs, nil
}
