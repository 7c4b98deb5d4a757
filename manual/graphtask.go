package manual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/executor"
)

// GraphTask executes the synthetic manual-task nodes of the request graph.
// It never performs connector I/O: for access it waits for (then aggregates)
// human submissions; for erasure it follows the same pattern against
// erasure-type configs and always reports zero rows masked; manual tasks
// gate and inform, they never mask directly.
type GraphTask struct {
	tasks  dsr.Store
	manual Store
}

// NewGraphTask creates the manual-task executor.
func NewGraphTask(tasks dsr.Store, manual Store) *GraphTask {
	return &GraphTask{tasks: tasks, manual: manual}
}

func (g *GraphTask) Execute(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask) executor.Result {
	mt, err := g.findTask(ctx, task)
	if err != nil {
		return executor.Failed(err)
	}

	// Conditional-dependency gate: when the condition evaluates false for
	// this request, the task resolves immediately with empty output instead
	// of waiting on human input.
	applies, err := g.conditionApplies(ctx, req, task, mt)
	if err != nil {
		return executor.Failed(err)
	}

	configType := ConfigAccess
	if task.ActionType == dsr.ActionErasure {
		configType = ConfigErasure
	}

	if !applies {
		if task.ActionType == dsr.ActionErasure {
			return executor.ResolvedMasked(0)
		}
		task.AccessData = []dsr.Row{}
		task.DataForErasures = []dsr.Row{}
		return executor.Resolved(task.AccessData)
	}

	configs, err := g.manual.ListConfigs(ctx, mt.ID)
	if err != nil {
		return executor.Failed(fmt.Errorf("manual: list configs for %s: %w", mt.Key, err))
	}
	current := CurrentConfigs(configs, configType)
	if len(current) == 0 {
		if task.ActionType == dsr.ActionErasure {
			return executor.ResolvedMasked(0)
		}
		return executor.Resolved(nil)
	}

	// One instance per current config, created once per privacy request.
	instances := make([]*ManualTaskInstance, 0, len(current))
	for _, cfg := range current {
		inst, err := g.ensureInstance(ctx, req, mt, cfg)
		if err != nil {
			return executor.Failed(err)
		}
		instances = append(instances, inst)
	}

	for i, inst := range instances {
		if !inst.Complete(current[i]) {
			return executor.AwaitingInput("awaiting manual input for " + mt.Key)
		}
	}

	if task.ActionType == dsr.ActionErasure {
		return executor.ResolvedMasked(0)
	}

	row := aggregateSubmissions(instances)
	task.AccessData = []dsr.Row{row}
	task.DataForErasures = []dsr.Row{row}
	return executor.Resolved(task.AccessData)
}

func (g *GraphTask) findTask(ctx context.Context, task *dsr.RequestTask) (*ManualTask, error) {
	tasks, err := g.manual.ListManualTasks(ctx, task.DatasetName)
	if err != nil {
		return nil, fmt.Errorf("manual: list tasks for connection %s: %w", task.DatasetName, err)
	}
	for _, mt := range tasks {
		if mt.Key == task.CollectionName {
			return mt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, task.CollectionAddress)
}

// conditionApplies harvests the referenced field values from the regular
// tasks feeding this node and evaluates the task's root condition.
func (g *GraphTask) conditionApplies(ctx context.Context, req *dsr.PrivacyRequest, task *dsr.RequestTask, mt *ManualTask) (bool, error) {
	if mt.Condition == nil {
		return true, nil
	}
	inputs := make([][]dsr.Row, 0, len(task.TraversalDetails.InputKeys))
	for _, key := range task.TraversalDetails.InputKeys {
		upstream, err := g.tasks.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, key)
		if errors.Is(err, dsr.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("manual: load condition input %s: %w", key, err)
		}
		inputs = append(inputs, upstream.DataForErasures)
	}
	values := ExtractValues(mt.Condition.FieldAddresses(), inputs)
	return mt.Condition.Evaluate(values)
}

func (g *GraphTask) ensureInstance(ctx context.Context, req *dsr.PrivacyRequest, mt *ManualTask, cfg *ManualTaskConfig) (*ManualTaskInstance, error) {
	inst, err := g.manual.GetInstance(ctx, req.ID, cfg.ID)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, ErrInstanceNotFound) {
		return nil, fmt.Errorf("manual: get instance for %s: %w", mt.Key, err)
	}
	inst = &ManualTaskInstance{
		ID:               uuid.NewString(),
		ManualTaskID:     mt.ID,
		ConfigID:         cfg.ID,
		PrivacyRequestID: req.ID,
		Submissions:      map[string]*Submission{},
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.manual.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("manual: create instance for %s: %w", mt.Key, err)
	}
	return inst, nil
}

// aggregateSubmissions folds every instance's submissions into one output
// row, with attachments rendered as sized references.
func aggregateSubmissions(instances []*ManualTaskInstance) dsr.Row {
	row := dsr.Row{}
	for _, inst := range instances {
		for key, sub := range inst.Submissions {
			if sub.Attachment != nil {
				row[key] = map[string]any{
					"name": sub.Attachment.Name,
					"size": sub.Attachment.Size,
					"url":  sub.Attachment.URL,
				}
				continue
			}
			row[key] = sub.Value
		}
	}
	return row
}
