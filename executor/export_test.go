package executor

import (
	"context"

	"github.com/meikuraledutech/dsr"
)

// GatherInputs exposes gatherInputs to the external test package.
func (g *GraphTask) GatherInputs(ctx context.Context, task *dsr.RequestTask) ([][]dsr.Row, error) {
	return g.gatherInputs(ctx, task)
}
