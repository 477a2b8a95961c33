package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/provider"
	"github.com/ahrav/go-imgeval/internal/workflow"
)

// scoringPlan holds the resolved evaluation jobs for an evaluation's models.
// A nil job means no enabled model needs it.
type scoringPlan struct {
	similarity *workflow.ScoringJob
	batch      *workflow.ScoringJob
}

func (p scoringPlan) empty() bool { return p.similarity == nil && p.batch == nil }

// resolveScoring resolves the pairwise scorer when the pairwise model is
// enabled and the batch scorer when any other model is.
func (d *Dispatcher) resolveScoring(ctx context.Context, c provider.Client, models []string) (scoringPlan, error) {
	var plan scoringPlan
	var batchModels []string
	for _, m := range models {
		if m == d.opts.Models.PairwiseModel {
			continue
		}
		batchModels = append(batchModels, m)
	}

	if slices.Contains(models, d.opts.Models.PairwiseModel) {
		mv, err := c.ResolveModel(ctx, d.opts.Models.PairwiseRef)
		if err != nil {
			return scoringPlan{}, err
		}
		plan.similarity = &workflow.ScoringJob{VersionID: mv.ID}
	}
	if len(batchModels) > 0 {
		mv, err := c.ResolveModel(ctx, d.opts.Models.BatchRef)
		if err != nil {
			return scoringPlan{}, err
		}
		plan.batch = &workflow.ScoringJob{VersionID: mv.ID, Models: batchModels}
	}
	return plan, nil
}

// SubmitEvaluation starts evaluation of rowIDs in chunks. Chunks started
// before a failure are not rolled back; restarting a chunk that already
// ran is a no-op.
func (d *Dispatcher) SubmitEvaluation(ctx context.Context, evaluationID uint, rowIDs []uint, sealedToken string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	eval, err := d.store.GetEvaluationByID(ctx, evaluationID)
	if err != nil {
		return fmt.Errorf("load evaluation %d: %w", evaluationID, err)
	}
	c, err := d.clients.ForSealed(sealedToken)
	if err != nil {
		return err
	}
	plan, err := d.resolveScoring(ctx, c, eval.EnabledModels)
	if err != nil {
		return err
	}
	return d.startChunks(ctx, eval, rowIDs, sealedToken, plan)
}

// OnRowGenerationComplete dispatches evaluation for a single row whose
// examples have all reached a terminal state.
func (d *Dispatcher) OnRowGenerationComplete(ctx context.Context, evaluationID, rowID uint, sealedToken string) error {
	return d.SubmitEvaluation(ctx, evaluationID, []uint{rowID}, sealedToken)
}

func (d *Dispatcher) startChunks(
	ctx context.Context,
	eval *domain.Evaluation,
	rowIDs []uint,
	sealedToken string,
	plan scoringPlan,
) error {
	if plan.empty() {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentStarts)
	for chunk := range slices.Chunk(rowIDs, d.opts.ChunkSize) {
		g.Go(func() error {
			opts := client.StartWorkflowOptions{
				ID:                                       ChunkWorkflowID(eval.EvalID, chunk),
				TaskQueue:                                d.opts.TaskQueue,
				WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
				WorkflowExecutionErrorWhenAlreadyStarted: true,
			}
			in := workflow.EvaluationChunkInput{
				EvaluationID:  eval.ID,
				RowIDs:        chunk,
				SealedToken:   sealedToken,
				Similarity:    plan.similarity,
				Batch:         plan.batch,
				PairwiseModel: d.opts.Models.PairwiseModel,
				Policy:        d.opts.Policy,
			}
			return d.start(gctx, opts, workflow.EvaluationChunkWorkflowName, in)
		})
	}
	return g.Wait()
}

// ChunkWorkflowID derives a stable workflow id from an evaluation and the
// set of rows in a chunk. Row order does not matter.
func ChunkWorkflowID(evalID string, rowIDs []uint) string {
	sorted := slices.Clone(rowIDs)
	slices.Sort(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write(strconv.AppendUint(nil, uint64(id), 10))
		h.Write([]byte{','})
	}
	return "evaluate/" + evalID + "/" + hex.EncodeToString(h.Sum(nil))[:16]
}

// start executes a workflow, treating an existing execution with the same id
// as success.
func (d *Dispatcher) start(ctx context.Context, opts client.StartWorkflowOptions, name string, in any) error {
	_, err := d.starter.ExecuteWorkflow(ctx, opts, name, in)
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	switch {
	case err == nil:
		d.log.Debug("Workflow started", "workflow_id", opts.ID, "type", name)
		return nil
	case errors.As(err, &already):
		d.log.Info("Workflow already started", "workflow_id", opts.ID, "type", name)
		return nil
	default:
		return fmt.Errorf("start %s %s: %w", name, opts.ID, err)
	}
}
