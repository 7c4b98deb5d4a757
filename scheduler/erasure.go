package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/meikuraledutech/dsr"
)

// wireErasureInputs populates every erasure task with the unfiltered
// access-phase output of its same-named access task, plus the erasure-
// formatted data of each input collection in the stored input-key order.
// The full "data for erasures" payload is used rather than the filtered
// access data: filtered rows may have dropped array indices that no longer
// match data categories but are still needed to locate masking targets.
func (s *Scheduler) wireErasureInputs(ctx context.Context, req *dsr.PrivacyRequest) error {
	tasks, err := s.store.ListTasks(ctx, req.ID, dsr.ActionErasure)
	if err != nil {
		return fmt.Errorf("dsr: wire erasure inputs: %w", err)
	}

	for _, task := range tasks {
		if task.IsRoot() || task.IsTerminator() || task.Status.Resolved() {
			continue
		}

		access, err := s.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, task.CollectionAddress)
		if err != nil && !errors.Is(err, dsr.ErrTaskNotFound) {
			return fmt.Errorf("dsr: wire erasure inputs for %s: %w", task.CollectionAddress, err)
		}
		if access != nil {
			task.DataForErasures = access.DataForErasures
		}

		// The input keys come from the traversal, not from the erasure
		// graph's own upstream edges: the node that supplied the data may
		// differ from the erase_after dependency node.
		inputs := make([][]dsr.Row, 0, len(task.TraversalDetails.InputKeys))
		for _, key := range task.TraversalDetails.InputKeys {
			input, err := s.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, key)
			if errors.Is(err, dsr.ErrTaskNotFound) {
				inputs = append(inputs, nil)
				continue
			}
			if err != nil {
				return fmt.Errorf("dsr: wire erasure inputs for %s: %w", task.CollectionAddress, err)
			}
			inputs = append(inputs, input.DataForErasures)
		}
		task.ErasureInputData = inputs

		if err := s.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("dsr: wire erasure inputs for %s: %w", task.CollectionAddress, err)
		}
	}
	return nil
}
