package executor

import (
	"context"
	"time"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
)

// Connector is the capability interface a data source implements. Inputs
// carries the upstream rows per input key, in the task's stored input-key
// order.
type Connector interface {
	// Retrieve fetches the rows of a collection reachable from the inputs.
	Retrieve(ctx context.Context, collection *graph.Collection, inputs [][]dsr.Row) ([]dsr.Row, error)
	// Mask erases the matched fields of the given rows and returns how many
	// rows were masked. Inputs carries the access-phase output of each input
	// collection in the task's stored input-key order, for connectors that
	// need it to locate masking targets (array element alignment).
	Mask(ctx context.Context, collection *graph.Collection, rows []dsr.Row, inputs [][]dsr.Row, rule dsr.Rule) (int, error)
	// PropagateConsent pushes the consent preference to the third-party
	// system identified by the collection.
	PropagateConsent(ctx context.Context, collection *graph.Collection, identity map[string]string) error
}

// RetryPolicy bounds the per-call retries absorbed inside the connector
// layer, distinct from the request-level retry on resume.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// DefaultRetryPolicy retries twice with a doubling delay.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second, Backoff: 2}

// withRetry runs fn up to the policy's attempt count, sleeping between
// attempts, and returns the last error.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Delay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if policy.Backoff > 1 {
			delay = time.Duration(float64(delay) * policy.Backoff)
		}
	}
	return err
}
