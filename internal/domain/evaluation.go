// Package domain provides the core entities of an image evaluation run.
// It defines evaluations, rows, examples, model scores and evaluation jobs,
// the lifecycle states they move through, and the submission payloads that
// create them. Entities carry gorm tags because they are persisted as-is by
// the store package.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// EvaluationKind records how an evaluation's images were obtained.
type EvaluationKind string

const (
	// EvaluationImages marks an evaluation whose image URLs were supplied by the caller.
	EvaluationImages EvaluationKind = "images"

	// EvaluationGeneration marks an evaluation whose images are generated on demand.
	EvaluationGeneration EvaluationKind = "generation"
)

// Evaluation is one user-initiated scoring run over a set of rows.
// It is created once at submission time and never mutated afterwards; its
// completion status is derived on read and never stored.
type Evaluation struct {
	ID uint `gorm:"primaryKey" json:"-"`

	// EvalID is the external identifier handed back to callers.
	EvalID string `gorm:"size:36;uniqueIndex;not null" json:"eval_id"`

	Title string `gorm:"size:255;not null" json:"title"`

	// EnabledModels lists scoring model names in submission order.
	EnabledModels datatypes.JSONSlice[string] `gorm:"not null" json:"enabled_models"`

	Kind EvaluationKind `gorm:"size:16;not null" json:"kind"`

	// APIKeyHash identifies the submitting credential without storing it.
	APIKeyHash string `gorm:"size:64;index" json:"-"`

	CreatedAt time.Time `json:"created_at"`

	Rows []Row `gorm:"foreignKey:EvaluationID" json:"-"`
}

// HasModel reports whether the named scoring model is enabled.
func (e *Evaluation) HasModel(name string) bool {
	for _, m := range e.EnabledModels {
		if m == name {
			return true
		}
	}
	return false
}

// Row is one prompt/seed unit containing one or more image slots.
type Row struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	EvaluationID uint   `gorm:"index;not null" json:"-"`
	Position     int    `gorm:"not null" json:"position"`
	Prompt       string `gorm:"type:text" json:"prompt"`
	Seed         int64  `json:"seed"`

	CreatedAt time.Time `json:"-"`

	Examples []Example `gorm:"foreignKey:RowID" json:"examples,omitempty"`
}

// ExampleState is the lifecycle state of one image slot.
type ExampleState string

const (
	// ExamplePending means no image and no provider job yet.
	ExamplePending ExampleState = "pending"

	// ExampleInFlight means a generation job has been issued and not resolved.
	ExampleInFlight ExampleState = "in_flight"

	// ExampleResolved means the image URL is known.
	ExampleResolved ExampleState = "resolved"

	// ExampleFailed means the generation job failed or was canceled.
	ExampleFailed ExampleState = "failed"

	// ExampleTimedOut means polling gave up before the job reached a terminal state.
	ExampleTimedOut ExampleState = "timed_out"
)

// Terminal reports whether no further transition is expected for the state.
func (s ExampleState) Terminal() bool {
	switch s {
	case ExampleResolved, ExampleFailed, ExampleTimedOut:
		return true
	default:
		return false
	}
}

// Example is one image slot within a row, either pre-supplied or generated.
type Example struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	RowID    uint `gorm:"index;not null" json:"-"`
	Position int  `gorm:"not null" json:"position"`

	// ImageURL is empty until generation resolves; pre-supplied images have it at creation.
	ImageURL string `gorm:"size:1000" json:"image_url"`

	// Labels holds free-form caller metadata plus provider-reported timing.
	Labels datatypes.JSONMap `json:"labels"`

	GenModel string `gorm:"size:255" json:"gen_model,omitempty"`
	GenJobID string `gorm:"size:64;index" json:"gen_job_id,omitempty"`
	CacheKey string `gorm:"size:160" json:"cache_key,omitempty"`

	State ExampleState `gorm:"size:16;not null;index" json:"state"`

	UpdatedAt time.Time `json:"-"`
}

// Failed reports whether generation for this slot ended without an image.
func (e *Example) Failed() bool { return e.State == ExampleFailed || e.State == ExampleTimedOut }

// Resolved reports whether the slot has a usable image URL.
func (e *Example) Resolved() bool { return e.State == ExampleResolved && e.ImageURL != "" }

// ModelScore is one scalar result for an (image, model) pair.
// Exactly one of Prompt or RefImage is set; it is part of the score's identity.
type ModelScore struct {
	ID           uint    `gorm:"primaryKey" json:"-"`
	EvaluationID uint    `gorm:"index;not null" json:"-"`
	ImageURL     string  `gorm:"size:1000;index;not null" json:"image_url"`
	Model        string  `gorm:"size:50;not null" json:"model"`
	Score        float64 `json:"score"`
	Prompt       *string `gorm:"type:text" json:"prompt,omitempty"`
	RefImage     *string `gorm:"size:1000" json:"ref_image,omitempty"`

	CreatedAt time.Time `json:"-"`
}

// Disambiguator returns the context value that completes the score's identity.
func (s *ModelScore) Disambiguator() string {
	switch {
	case s.RefImage != nil:
		return *s.RefImage
	case s.Prompt != nil:
		return *s.Prompt
	default:
		return ""
	}
}

// JobKind distinguishes the two evaluation job shapes issued per chunk.
type JobKind string

const (
	// JobSimilarity compares each candidate image to its row's reference image.
	JobSimilarity JobKind = "similarity"

	// JobBatchScoring scores every image against all non-pairwise models at once.
	JobBatchScoring JobKind = "batch_scoring"
)

// JobStatus is the recorded outcome of an evaluation provider job.
type JobStatus string

// Evaluation job statuses.
const (
	JobInFlight  JobStatus = "in_flight"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobTimedOut  JobStatus = "timed_out"
)

// EvaluationJob records one provider job issued for a chunk of rows.
type EvaluationJob struct {
	ID           uint                      `gorm:"primaryKey" json:"-"`
	EvaluationID uint                      `gorm:"index;not null" json:"-"`
	JobID        string                    `gorm:"size:64;uniqueIndex;not null" json:"job_id"`
	Kind         JobKind                   `gorm:"size:16;not null" json:"kind"`
	RowIDs       datatypes.JSONSlice[uint] `json:"row_ids"`
	Status       JobStatus                 `gorm:"size:16;not null" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
