package completion

import (
	"context"
	"fmt"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/pkg/activity"
)

// RowGenerationCompletedEvent is emitted once a row's examples are all terminal.
const RowGenerationCompletedEvent = "row.generation_completed"

// Trigger is notified when a row becomes generation-complete.
type Trigger interface {
	OnRowGenerationComplete(ctx context.Context, evaluationID, rowID uint, sealedToken string) error
}

// RowLoader loads a row with its examples.
type RowLoader interface {
	GetRow(ctx context.Context, rowID uint) (*domain.Row, error)
}

type rowCompletedPayload struct {
	EvaluationID uint `json:"evaluation_id"`
	RowID        uint `json:"row_id"`
	Resolved     int  `json:"resolved"`
	Failed       int  `json:"failed"`
}

// Gate turns example state transitions into row completion triggers.
// Evaluate is safe to call after every example transition: it fires the
// trigger whenever the row is complete, and the trigger collapses repeats.
type Gate struct {
	activity.BaseActivities
	rows    RowLoader
	trigger Trigger
}

// NewGate creates a gate over rows that notifies trigger.
func NewGate(base activity.BaseActivities, rows RowLoader, trigger Trigger) *Gate {
	return &Gate{BaseActivities: base, rows: rows, trigger: trigger}
}

// Evaluate checks rowID and, when every example is terminal, emits a
// row.generation_completed event and invokes the trigger. It reports
// whether the row was complete.
func (g *Gate) Evaluate(ctx context.Context, rowID uint, sealedToken string) (bool, error) {
	row, err := g.rows.GetRow(ctx, rowID)
	if err != nil {
		return false, fmt.Errorf("completion gate: %w", err)
	}
	if !RowGenerationComplete(row.Examples) {
		return false, nil
	}

	payload := rowCompletedPayload{EvaluationID: row.EvaluationID, RowID: row.ID}
	for i := range row.Examples {
		if row.Examples[i].Resolved() {
			payload.Resolved++
		} else {
			payload.Failed++
		}
	}
	g.Emit(ctx, activity.Event{
		Type:           RowGenerationCompletedEvent,
		Source:         "completion-gate",
		IdempotencyKey: fmt.Sprintf("row:%d:generation_completed", row.ID),
		Payload:        payload,
	})

	if g.trigger == nil {
		return true, nil
	}
	if err := g.trigger.OnRowGenerationComplete(ctx, row.EvaluationID, row.ID, sealedToken); err != nil {
		return true, fmt.Errorf("completion gate: trigger row %d: %w", row.ID, err)
	}
	return true, nil
}
