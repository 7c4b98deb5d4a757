package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/executor"
	"github.com/meikuraledutech/dsr/graph"
	"github.com/meikuraledutech/dsr/inmemory"
	"github.com/meikuraledutech/dsr/manual"
)

// shopConnector serves two fixture collections: customers keyed by the email
// identity and orders keyed by customer id.
type shopConnector struct {
	customers  []dsr.Row
	orders     []dsr.Row
	masked     map[string]int
	maskInputs map[string][][]dsr.Row
}

func (c *shopConnector) Retrieve(ctx context.Context, col *graph.Collection, inputs [][]dsr.Row) ([]dsr.Row, error) {
	match := func(rows []dsr.Row, key string) []dsr.Row {
		var out []dsr.Row
		for _, row := range rows {
			for _, in := range inputs {
				for _, inRow := range in {
					if inRow[key] == row[key] {
						out = append(out, row)
					}
				}
			}
		}
		return out
	}
	switch col.Name {
	case "customers":
		return match(c.customers, "email"), nil
	case "orders":
		var out []dsr.Row
		for _, row := range c.orders {
			for _, in := range inputs {
				for _, inRow := range in {
					if inRow["id"] == row["customer_id"] {
						out = append(out, row)
					}
				}
			}
		}
		return out, nil
	}
	return nil, nil
}

func (c *shopConnector) Mask(ctx context.Context, col *graph.Collection, rows []dsr.Row, inputs [][]dsr.Row, rule dsr.Rule) (int, error) {
	c.masked[col.Name] += len(rows)
	c.maskInputs[col.Name] = inputs
	return len(rows), nil
}

func (c *shopConnector) PropagateConsent(ctx context.Context, col *graph.Collection, identity map[string]string) error {
	return nil
}

func shopDatasets() []graph.GraphDataset {
	return []graph.GraphDataset{{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{
				Name: "customers",
				Fields: []*graph.Field{
					{Name: "id", Kind: graph.ScalarKind, PrimaryKey: true},
					{Name: "email", Kind: graph.ScalarKind, Identity: "email",
						DataCategories: []string{"user.contact.email"}},
					{Name: "ssn", Kind: graph.ScalarKind,
						DataCategories: []string{"user.government_id"}},
				},
				EraseAfter: []graph.CollectionAddress{{Dataset: "shop", Collection: "orders"}},
			},
			{
				Name: "orders",
				Fields: []*graph.Field{
					{Name: "id", Kind: graph.ScalarKind, PrimaryKey: true},
					{Name: "customer_id", Kind: graph.ScalarKind, References: []graph.Reference{{
						Field:     graph.NewFieldAddress(graph.CollectionAddress{Dataset: "shop", Collection: "customers"}, "id"),
						Direction: graph.DirectionFrom,
					}}},
					{Name: "shipping_address", Kind: graph.ScalarKind,
						DataCategories: []string{"user.contact.address"}},
				},
			},
		},
	}}
}

func newShopConnector() *shopConnector {
	return &shopConnector{
		customers: []dsr.Row{
			{"id": 1, "email": "jane@example.com", "ssn": "123-45-6789"},
			{"id": 2, "email": "sam@example.com", "ssn": "987-65-4321"},
		},
		orders: []dsr.Row{
			{"id": 10, "customer_id": 1, "shipping_address": "1 Main St"},
			{"id": 11, "customer_id": 1, "shipping_address": "2 Side St"},
			{"id": 12, "customer_id": 2, "shipping_address": "9 Elm St"},
		},
		masked:     map[string]int{},
		maskInputs: map[string][][]dsr.Row{},
	}
}

type fixture struct {
	store     *inmemory.Store
	queue     *inmemory.Queue
	sched     *Scheduler
	worker    *executor.Worker
	connector *shopConnector
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     inmemory.New(),
		queue:     inmemory.NewQueue(),
		connector: newShopConnector(),
	}
	f.sched = New(f.store, f.queue, cfg)
	exec := executor.NewGraphTask(f.store, map[string]executor.Connector{"shop": f.connector},
		executor.RetryPolicy{Attempts: 1})
	f.worker = executor.NewWorker(f.store, f.queue, exec, f.sched.RunPrivacyRequest, executor.FailFast, time.Millisecond)
	return f
}

// drain processes queue items until the queue stays empty.
func (f *fixture) drain(ctx context.Context, t *testing.T) {
	t.Helper()
	drainQueue(ctx, t, f.queue, f.worker)
}

func drainQueue(ctx context.Context, t *testing.T, queue *inmemory.Queue, worker *executor.Worker) {
	t.Helper()
	for i := 0; i < 100; i++ {
		item, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		if item == nil {
			return
		}
		worker.Process(ctx, *item)
	}
	t.Fatal("queue never drained")
}

func newRequest(rules ...dsr.Rule) *dsr.PrivacyRequest {
	now := time.Now().UTC()
	return &dsr.PrivacyRequest{
		ID:        "req-1",
		Status:    dsr.RequestApproved,
		Identity:  map[string]string{"email": "jane@example.com"},
		Policy:    dsr.Policy{Key: "test", Rules: rules},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func accessRule() dsr.Rule {
	return dsr.Rule{Key: "download", ActionType: dsr.ActionAccess, DataCategories: []string{"user.contact"}}
}

func erasureRule() dsr.Rule {
	return dsr.Rule{Key: "delete", ActionType: dsr.ActionErasure, MaskingStrategy: "null_rewrite"}
}

func TestRunPrivacyRequestAccessOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets()})

	req := newRequest(accessRule())
	require.NoError(t, f.store.CreateRequest(ctx, req))
	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))
	f.drain(ctx, t)

	final, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestComplete, final.Status)

	customers, err := f.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "shop:customers")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskComplete, customers.Status)
	// Access output is filtered to the rule's categories; ssn is out of
	// scope but stays in the unfiltered erasure payload.
	require.Len(t, customers.AccessData, 1)
	assert.Equal(t, "jane@example.com", customers.AccessData[0]["email"])
	assert.NotContains(t, customers.AccessData[0], "ssn")
	assert.Contains(t, customers.DataForErasures[0], "ssn")

	orders, err := f.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "shop:orders")
	require.NoError(t, err)
	assert.Len(t, orders.AccessData, 2)
}

func TestRunPrivacyRequestAccessAndErasure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets()})

	req := newRequest(accessRule(), erasureRule())
	require.NoError(t, f.store.CreateRequest(ctx, req))
	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))

	// The first pass enqueues only the seeded access task; erasure holds
	// until the access terminator resolves.
	assert.Equal(t, 1, f.queue.Len())
	erasures, err := f.store.ListTasks(ctx, req.ID, dsr.ActionErasure)
	require.NoError(t, err)
	assert.Len(t, erasures, 4)

	f.drain(ctx, t)

	final, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestComplete, final.Status)

	assert.Equal(t, 2, f.connector.masked["orders"])
	assert.Equal(t, 1, f.connector.masked["customers"])

	// Erasure tasks masked the rows the access phase collected.
	customers, err := f.store.GetTaskByAddress(ctx, req.ID, dsr.ActionErasure, "shop:customers")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskComplete, customers.Status)
	assert.Equal(t, 1, customers.RowsMasked)
	assert.Contains(t, customers.DataForErasures[0], "ssn")
	// customers erases after orders.
	assert.Equal(t, []string{"shop:orders"}, customers.UpstreamTasks)

	// The connector received the wired access outputs alongside the rows:
	// orders' single input holds the one matched customer.
	orderInputs := f.connector.maskInputs["orders"]
	require.Len(t, orderInputs, 1)
	require.Len(t, orderInputs[0], 1)
	assert.Equal(t, "jane@example.com", orderInputs[0][0]["email"])
}

func TestRunPrivacyRequestTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets()})

	req := newRequest(accessRule())
	req.Status = dsr.RequestCanceled
	require.NoError(t, f.store.CreateRequest(ctx, req))

	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))
	assert.Equal(t, 0, f.queue.Len())

	final, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestCanceled, final.Status)
}

func TestRunPrivacyRequestResumeResetsErroredTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets()})

	req := newRequest(accessRule())
	require.NoError(t, f.store.CreateRequest(ctx, req))
	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))
	f.drain(ctx, t)

	// Simulate a failed run: one errored task, errored request.
	customers, err := f.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "shop:customers")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, customers.ID, dsr.TaskError))
	require.NoError(t, f.store.UpdateRequestStatus(ctx, req.ID, dsr.RequestError))

	// A plain run (worker redispatch) leaves the errored request alone.
	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))
	assert.Equal(t, 0, f.queue.Len())
	still, err := f.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "shop:customers")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskError, still.Status)

	// Resume re-enters dispatch, resets the errored task, and re-runs it.
	require.NoError(t, f.sched.ResumePrivacyRequest(ctx, req.ID))
	f.drain(ctx, t)

	customers, err = f.store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "shop:customers")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskComplete, customers.Status)

	final, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestComplete, final.Status)
}

func TestRunPrivacyRequestIdempotentResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets()})

	req := newRequest(accessRule())
	require.NoError(t, f.store.CreateRequest(ctx, req))
	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))
	f.drain(ctx, t)

	// A resume of a completed request changes nothing and enqueues nothing.
	require.NoError(t, f.sched.RunPrivacyRequest(ctx, req.ID))
	assert.Equal(t, 0, f.queue.Len())

	tasks, err := f.store.ListTasks(ctx, req.ID, dsr.ActionAccess)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}

// flakyConnector serves two independently seeded collections; billing fails
// on its first attempt and recovers afterwards.
type flakyConnector struct {
	attempts map[string]int
}

func (c *flakyConnector) Retrieve(ctx context.Context, col *graph.Collection, inputs [][]dsr.Row) ([]dsr.Row, error) {
	c.attempts[col.Name]++
	if col.Name == "billing" && c.attempts["billing"] == 1 {
		return nil, errors.New("billing backend down")
	}
	return []dsr.Row{{"email": "jane@example.com"}}, nil
}

func (c *flakyConnector) Mask(ctx context.Context, col *graph.Collection, rows []dsr.Row, inputs [][]dsr.Row, rule dsr.Rule) (int, error) {
	return 0, nil
}

func (c *flakyConnector) PropagateConsent(ctx context.Context, col *graph.Collection, identity map[string]string) error {
	return nil
}

func splitDatasets() []graph.GraphDataset {
	emailField := func() []*graph.Field {
		return []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}}
	}
	return []graph.GraphDataset{{
		Name:          "split",
		ConnectionKey: "split_db",
		Collections: []graph.Collection{
			{Name: "billing", Fields: emailField()},
			{Name: "profiles", Fields: emailField()},
		},
	}}
}

func TestFailedRequestHaltsDispatchUntilResume(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	queue := inmemory.NewQueue()
	sched := New(store, queue, Config{Datasets: splitDatasets()})
	connector := &flakyConnector{attempts: map[string]int{}}
	exec := executor.NewGraphTask(store, map[string]executor.Connector{"split": connector},
		executor.RetryPolicy{Attempts: 1})
	worker := executor.NewWorker(store, queue, exec, sched.RunPrivacyRequest, executor.FailFast, time.Millisecond)

	req := newRequest(dsr.Rule{Key: "download", ActionType: dsr.ActionAccess})
	require.NoError(t, store.CreateRequest(ctx, req))
	require.NoError(t, sched.RunPrivacyRequest(ctx, req.ID))
	drainQueue(ctx, t, queue, worker)

	// Billing failed and errored the request before the profiles sibling
	// finished. The sibling's completion redispatch must not retry billing
	// behind the operator's back.
	assert.Equal(t, 1, connector.attempts["billing"])
	assert.Equal(t, 1, connector.attempts["profiles"])

	billing, err := store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "split:billing")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskError, billing.Status)

	final, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestError, final.Status)

	// The operator resume retries the failed task; the backend recovered.
	require.NoError(t, sched.ResumePrivacyRequest(ctx, req.ID))
	drainQueue(ctx, t, queue, worker)

	assert.Equal(t, 2, connector.attempts["billing"])
	final, err = store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestComplete, final.Status)
}

func TestManualTaskJoinsTraversal(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	queue := inmemory.NewQueue()

	// One stored manual task with a current access config. No dataset
	// declares it; injection alone puts it on the graph.
	require.NoError(t, store.CreateManualTask(ctx, &manual.ManualTask{
		ID: "mt-1", Key: "legal_review", ConnectionKey: "manual_legal",
	}))
	require.NoError(t, store.CreateConfig(ctx, &manual.ManualTaskConfig{
		ID: "cfg-1", ManualTaskID: "mt-1", Type: manual.ConfigAccess, Version: 1, IsCurrent: true,
		Fields: []manual.ConfigField{{Key: "approved", Label: "Approved", Type: manual.FieldCheckbox, Required: true}},
	}))

	sched := New(store, queue, Config{
		Datasets: shopDatasets(),
		Manual:   &ManualGraph{Store: store, Connections: []string{"manual_legal"}},
	})
	exec := &executor.Router{
		Default: executor.NewGraphTask(store, map[string]executor.Connector{"shop": newShopConnector()},
			executor.RetryPolicy{Attempts: 1}),
		ByDataset: map[string]executor.TaskExecutor{"manual_legal": manual.NewGraphTask(store, store)},
	}
	worker := executor.NewWorker(store, queue, exec, sched.RunPrivacyRequest, executor.FailFast, time.Millisecond)

	req := newRequest(accessRule())
	require.NoError(t, store.CreateRequest(ctx, req))
	require.NoError(t, sched.RunPrivacyRequest(ctx, req.ID))
	drainQueue(ctx, t, queue, worker)

	review, err := store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "manual_legal:legal_review")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskRequiresInput, review.Status)

	blocked, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestRequiresInput, blocked.Status)

	instances, err := store.ListInstances(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	// The submission completes the instance; the next run unblocks the task
	// and the whole request.
	require.NoError(t, store.AddSubmission(ctx, instances[0].ID, &manual.Submission{
		FieldKey: "approved", Value: true, SubmittedAt: time.Now().UTC(),
	}))
	require.NoError(t, sched.RunPrivacyRequest(ctx, req.ID))
	drainQueue(ctx, t, queue, worker)

	review, err = store.GetTaskByAddress(ctx, req.ID, dsr.ActionAccess, "manual_legal:legal_review")
	require.NoError(t, err)
	assert.Equal(t, dsr.TaskComplete, review.Status)
	require.Len(t, review.AccessData, 1)
	assert.Equal(t, true, review.AccessData[0]["approved"])

	final, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestComplete, final.Status)
}

func TestMarkStalledRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets(), StalledTimeout: time.Hour})

	stale := newRequest(accessRule())
	stale.Status = dsr.RequestRequiresInput
	stale.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.store.CreateRequest(ctx, stale))

	fresh := newRequest(accessRule())
	fresh.ID = "req-2"
	fresh.Status = dsr.RequestPaused
	fresh.UpdatedAt = time.Now().UTC()
	require.NoError(t, f.store.CreateRequest(ctx, fresh))

	n, err := f.sched.MarkStalledRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetRequest(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestError, got.Status)

	kept, err := f.store.GetRequest(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, dsr.RequestPaused, kept.Status)
}

func TestMarkStalledRequestsDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Datasets: shopDatasets()})

	stale := newRequest(accessRule())
	stale.Status = dsr.RequestPaused
	stale.UpdatedAt = time.Now().UTC().Add(-100 * time.Hour)
	require.NoError(t, f.store.CreateRequest(ctx, stale))

	n, err := f.sched.MarkStalledRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
