package dispatch

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/ahrav/go-imgeval/internal/cache"
	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/workflow"
)

// maxSeed is the inclusive upper bound of generated row seeds.
const maxSeed = 1_000_000

func seedOrRandom(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return rand.Int64N(maxSeed + 1)
}

// SubmitImages records an evaluation over caller-supplied images and starts
// its evaluation chunks. Every example is resolved at creation, so every row
// is immediately eligible for evaluation.
func (d *Dispatcher) SubmitImages(ctx context.Context, req *domain.EvaluateImagesRequest) (Submission, error) {
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}
	if err := d.checkModels(req.EvalModels); err != nil {
		return Submission{}, err
	}
	sealed, c, err := d.open(req.APIKey)
	if err != nil {
		return Submission{}, err
	}
	plan, err := d.resolveScoring(ctx, c, req.EvalModels)
	if err != nil {
		return Submission{}, err
	}

	eval := &domain.Evaluation{
		EvalID:        uuid.NewString(),
		Title:         req.Title,
		EnabledModels: datatypes.JSONSlice[string](req.EvalModels),
		Kind:          domain.EvaluationImages,
		APIKeyHash:    d.creds.HashAPIKey(req.APIKey),
		Rows:          make([]domain.Row, len(req.Data)),
	}
	for i, rd := range req.Data {
		row := domain.Row{Position: i, Prompt: rd.Prompt, Seed: seedOrRandom(rd.Seed)}
		for j, img := range rd.Images {
			row.Examples = append(row.Examples, domain.Example{
				Position: j,
				ImageURL: img.URL,
				Labels:   datatypes.JSONMap(maps.Clone(img.Labels)),
				State:    domain.ExampleResolved,
			})
		}
		eval.Rows[i] = row
	}
	if err := d.store.CreateEvaluation(ctx, eval); err != nil {
		return Submission{}, fmt.Errorf("create evaluation: %w", err)
	}

	rowIDs := make([]uint, len(eval.Rows))
	for i := range eval.Rows {
		rowIDs[i] = eval.Rows[i].ID
	}
	d.log.Info("Evaluation submitted",
		"eval_id", eval.EvalID,
		"kind", eval.Kind,
		"rows", len(rowIDs))

	if err := d.startChunks(ctx, eval, rowIDs, sealed, plan); err != nil {
		return Submission{}, err
	}
	return Submission{EvaluationID: eval.EvalID, ResultsURL: d.resultsURL(eval.EvalID)}, nil
}

// generationGroup is the work of one cache key within a submission.
type generationGroup struct {
	key        string
	versionID  string
	inputs     map[string]any
	exampleIDs []uint
}

// SubmitGeneration records an evaluation whose images are generated and
// starts one GenerationWorkflow per distinct cache key. Evaluation of a row
// is dispatched later, when its last example reaches a terminal state.
func (d *Dispatcher) SubmitGeneration(ctx context.Context, req *domain.GenerateAndEvaluateRequest) (Submission, error) {
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}
	if err := d.checkModels(req.EvalModels); err != nil {
		return Submission{}, err
	}
	sealed, c, err := d.open(req.APIKey)
	if err != nil {
		return Submission{}, err
	}
	// Scoring models are resolved now so a bad reference fails the
	// submission instead of every later completion trigger.
	if _, err := d.resolveScoring(ctx, c, req.EvalModels); err != nil {
		return Submission{}, err
	}

	versions := make(map[string]string)
	for _, row := range req.Rows {
		for _, ex := range row.Examples {
			if _, ok := versions[ex.Model]; ok {
				continue
			}
			mv, err := c.ResolveModel(ctx, ex.Model)
			if err != nil {
				return Submission{}, err
			}
			versions[ex.Model] = mv.ID
		}
	}

	eval := &domain.Evaluation{
		EvalID:        uuid.NewString(),
		Title:         req.Title,
		EnabledModels: datatypes.JSONSlice[string](req.EvalModels),
		Kind:          domain.EvaluationGeneration,
		APIKeyHash:    d.creds.HashAPIKey(req.APIKey),
		Rows:          make([]domain.Row, len(req.Rows)),
	}
	// inputs[i][j] are the provider inputs of row i, example j.
	inputs := make([][]map[string]any, len(req.Rows))
	for i, gr := range req.Rows {
		row := domain.Row{Position: i, Prompt: gr.Prompt, Seed: seedOrRandom(gr.Seed)}
		inputs[i] = make([]map[string]any, len(gr.Examples))
		for j, ex := range gr.Examples {
			ex = ex.WithDefaults()
			in := maps.Clone(ex.Inputs)
			if in == nil {
				in = make(map[string]any)
			}
			in[ex.PromptInput] = row.Prompt
			in[ex.SeedInput] = row.Seed
			key, err := cache.Key(versions[ex.Model], in)
			if err != nil {
				return Submission{}, fmt.Errorf("%w: rows[%d].examples[%d]: %w", domain.ErrInvalidRequest, i, j, err)
			}
			inputs[i][j] = in
			row.Examples = append(row.Examples, domain.Example{
				Position: j,
				Labels:   datatypes.JSONMap(maps.Clone(ex.Inputs)),
				GenModel: ex.Model,
				CacheKey: key,
				State:    domain.ExamplePending,
			})
		}
		eval.Rows[i] = row
	}
	if err := d.store.CreateEvaluation(ctx, eval); err != nil {
		return Submission{}, fmt.Errorf("create evaluation: %w", err)
	}

	var groups []*generationGroup
	byKey := make(map[string]*generationGroup)
	for i := range eval.Rows {
		for j := range eval.Rows[i].Examples {
			ex := &eval.Rows[i].Examples[j]
			g, ok := byKey[ex.CacheKey]
			if !ok {
				g = &generationGroup{key: ex.CacheKey, versionID: versions[ex.GenModel], inputs: inputs[i][j]}
				byKey[ex.CacheKey] = g
				groups = append(groups, g)
			}
			g.exampleIDs = append(g.exampleIDs, ex.ID)
		}
	}
	d.log.Info("Generation submitted",
		"eval_id", eval.EvalID,
		"rows", len(eval.Rows),
		"jobs", len(groups))

	if err := d.startGenerations(ctx, eval, groups, sealed); err != nil {
		return Submission{}, err
	}
	return Submission{EvaluationID: eval.EvalID, ResultsURL: d.resultsURL(eval.EvalID)}, nil
}

func (d *Dispatcher) startGenerations(ctx context.Context, eval *domain.Evaluation, groups []*generationGroup, sealed string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentStarts)
	for _, grp := range groups {
		g.Go(func() error {
			opts := client.StartWorkflowOptions{
				ID:                                       "generate/" + eval.EvalID + "/" + grp.key,
				TaskQueue:                                d.opts.TaskQueue,
				WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
				WorkflowExecutionErrorWhenAlreadyStarted: true,
			}
			in := workflow.GenerationInput{
				EvaluationID: eval.ID,
				ExampleIDs:   grp.exampleIDs,
				VersionID:    grp.versionID,
				Inputs:       grp.inputs,
				CacheKey:     grp.key,
				SealedToken:  sealed,
				Policy:       d.opts.Policy,
			}
			return d.start(gctx, opts, workflow.GenerationWorkflowName, in)
		})
	}
	return g.Wait()
}
