package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/graph"
	"github.com/meikuraledutech/dsr/inmemory"
)

func testRequest() *dsr.PrivacyRequest {
	now := time.Now().UTC()
	return &dsr.PrivacyRequest{
		ID:       "req-1",
		Status:   dsr.RequestApproved,
		Identity: map[string]string{"email": "jane@example.com"},
		Policy: dsr.Policy{
			Key: "test",
			Rules: []dsr.Rule{
				{Key: "access", ActionType: dsr.ActionAccess},
				{Key: "erasure", ActionType: dsr.ActionErasure, MaskingStrategy: "null_rewrite"},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func traverse(t *testing.T, datasets []graph.GraphDataset, identity map[string]string) *graph.Traversal {
	t.Helper()
	g, err := graph.NewDatasetGraph(datasets)
	require.NoError(t, err)
	tr, err := graph.Traverse(g, identity)
	require.NoError(t, err)
	return tr
}

func customersOrders() []graph.GraphDataset {
	return []graph.GraphDataset{{
		Name: "shop",
		Collections: []graph.Collection{
			{
				Name: "customers",
				Fields: []*graph.Field{
					{Name: "id", Kind: graph.ScalarKind, PrimaryKey: true},
					{Name: "email", Kind: graph.ScalarKind, Identity: "email"},
				},
			},
			{
				Name: "orders",
				Fields: []*graph.Field{
					{Name: "customer_id", Kind: graph.ScalarKind, References: []graph.Reference{{
						Field:     graph.NewFieldAddress(graph.CollectionAddress{Dataset: "shop", Collection: "customers"}, "id"),
						Direction: graph.DirectionFrom,
					}}},
				},
			},
		},
	}}
}

func taskByAddress(t *testing.T, tasks []*dsr.RequestTask, address string) *dsr.RequestTask {
	t.Helper()
	for _, task := range tasks {
		if task.CollectionAddress == address {
			return task
		}
	}
	t.Fatalf("no task for address %s", address)
	return nil
}

func TestCreateAccessTasks(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	require.NoError(t, store.CreateRequest(ctx, req))

	tr := traverse(t, customersOrders(), req.Identity)
	tasks, err := New(store).CreateAccessTasks(ctx, req, tr)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	root := taskByAddress(t, tasks, dsr.RootAddress)
	assert.Equal(t, dsr.TaskComplete, root.Status)
	assert.Equal(t, []dsr.Row{{"email": "jane@example.com"}}, root.AccessData)

	customers := taskByAddress(t, tasks, "shop:customers")
	assert.Equal(t, dsr.TaskPending, customers.Status)
	assert.Equal(t, []string{"__ROOT__"}, customers.UpstreamTasks)
	assert.Equal(t, []string{"shop:orders"}, customers.DownstreamTasks)

	orders := taskByAddress(t, tasks, "shop:orders")
	assert.Equal(t, []string{"shop:customers"}, orders.UpstreamTasks)
	assert.Equal(t, []string{"__TERMINATOR__"}, orders.DownstreamTasks)
	assert.Equal(t, []string{"shop:customers"}, orders.TraversalDetails.InputKeys)
	assert.NotEmpty(t, orders.Collection)

	term := taskByAddress(t, tasks, dsr.TerminatorAddress)
	assert.Equal(t, []string{"shop:orders"}, term.UpstreamTasks)
}

func TestCreateAccessTasksDescendantClosure(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	require.NoError(t, store.CreateRequest(ctx, req))

	tr := traverse(t, customersOrders(), req.Identity)
	tasks, err := New(store).CreateAccessTasks(ctx, req, tr)
	require.NoError(t, err)

	customers := taskByAddress(t, tasks, "shop:customers")
	assert.ElementsMatch(t, []string{"shop:orders", "__TERMINATOR__"}, customers.AllDescendantTasks)
}

func TestCreateAccessTasksIdempotent(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	require.NoError(t, store.CreateRequest(ctx, req))

	b := New(store)
	tr := traverse(t, customersOrders(), req.Identity)
	first, err := b.CreateAccessTasks(ctx, req, tr)
	require.NoError(t, err)
	require.Len(t, first, 4)

	// Second build finds every address existing and creates nothing.
	second, err := b.CreateAccessTasks(ctx, req, tr)
	require.NoError(t, err)
	assert.Empty(t, second)

	all, err := store.ListTasks(ctx, req.ID, dsr.ActionAccess)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCreateAccessTasksEmptyTraversal(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	req.Identity = map[string]string{"phone": "555"}
	require.NoError(t, store.CreateRequest(ctx, req))

	tr := traverse(t, customersOrders(), req.Identity)
	tasks, err := New(store).CreateAccessTasks(ctx, req, tr)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	root := taskByAddress(t, tasks, dsr.RootAddress)
	assert.Equal(t, []string{"__TERMINATOR__"}, root.DownstreamTasks)
}

// Erasure ordering comes from erase_after alone: a node with traversed
// erase_after entries depends on exactly those, with no direct root edge.
func TestCreateErasureTasksOrdering(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	require.NoError(t, store.CreateRequest(ctx, req))

	datasets := []graph.GraphDataset{{
		Name: "shop",
		Collections: []graph.Collection{
			{
				Name:   "a",
				Fields: []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}},
			},
			{
				Name:   "b",
				Fields: []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}},
			},
			{
				Name:   "c",
				Fields: []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}},
				EraseAfter: []graph.CollectionAddress{
					{Dataset: "shop", Collection: "a"},
					{Dataset: "shop", Collection: "b"},
				},
			},
		},
	}}

	tr := traverse(t, datasets, req.Identity)
	tasks, err := New(store).CreateErasureTasks(ctx, req, tr)
	require.NoError(t, err)

	c := taskByAddress(t, tasks, "shop:c")
	assert.ElementsMatch(t, []string{"shop:a", "shop:b"}, c.UpstreamTasks)
	assert.NotContains(t, c.UpstreamTasks, "__ROOT__")
	assert.Equal(t, []string{"__TERMINATOR__"}, c.DownstreamTasks)

	a := taskByAddress(t, tasks, "shop:a")
	assert.Equal(t, []string{"__ROOT__"}, a.UpstreamTasks)
	// a feeds c, so it no longer feeds the terminator directly.
	assert.Equal(t, []string{"shop:c"}, a.DownstreamTasks)

	root := taskByAddress(t, tasks, dsr.RootAddress)
	assert.Equal(t, dsr.TaskComplete, root.Status)
	// The erasure root carries no identity payload.
	assert.Empty(t, root.AccessData)
}

// erase_after targets outside the traversal are ignored rather than wired.
func TestCreateErasureTasksUntraversedConstraint(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	require.NoError(t, store.CreateRequest(ctx, req))

	datasets := []graph.GraphDataset{{
		Name: "shop",
		Collections: []graph.Collection{
			{
				Name:   "a",
				Fields: []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}},
				EraseAfter: []graph.CollectionAddress{
					{Dataset: "shop", Collection: "offline"},
				},
			},
			{
				// Never traversed: no identity, no references.
				Name:   "offline",
				Fields: []*graph.Field{{Name: "sku", Kind: graph.ScalarKind}},
			},
		},
	}}

	tr := traverse(t, datasets, req.Identity)
	tasks, err := New(store).CreateErasureTasks(ctx, req, tr)
	require.NoError(t, err)

	a := taskByAddress(t, tasks, "shop:a")
	assert.Equal(t, []string{"__ROOT__"}, a.UpstreamTasks)
}

func TestCreateErasureTasksCycle(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	require.NoError(t, store.CreateRequest(ctx, req))

	datasets := []graph.GraphDataset{{
		Name: "shop",
		Collections: []graph.Collection{
			{
				Name:       "a",
				Fields:     []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}},
				EraseAfter: []graph.CollectionAddress{{Dataset: "shop", Collection: "b"}},
			},
			{
				Name:       "b",
				Fields:     []*graph.Field{{Name: "email", Kind: graph.ScalarKind, Identity: "email"}},
				EraseAfter: []graph.CollectionAddress{{Dataset: "shop", Collection: "a"}},
			},
		},
	}}

	tr := traverse(t, datasets, req.Identity)
	_, err := New(store).CreateErasureTasks(ctx, req, tr)
	assert.ErrorIs(t, err, dsr.ErrEraseAfterCycle)

	// The cycle is detected before persistence, so no rows were written.
	tasks, err := store.ListTasks(ctx, req.ID, dsr.ActionErasure)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateConsentTasks(t *testing.T) {
	ctx := context.Background()
	store := inmemory.New()
	req := testRequest()
	req.Policy.Rules = []dsr.Rule{{Key: "consent", ActionType: dsr.ActionConsent}}
	require.NoError(t, store.CreateRequest(ctx, req))

	datasets := []graph.GraphDataset{
		{Name: "ads_platform", Collections: []graph.Collection{{Name: "ads_platform"}}},
		{Name: "email_vendor", Collections: []graph.Collection{{Name: "email_vendor"}}},
	}

	tasks, err := New(store).CreateConsentTasks(ctx, req, datasets)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	ads := taskByAddress(t, tasks, "ads_platform:ads_platform")
	assert.Equal(t, []string{"__ROOT__"}, ads.UpstreamTasks)
	assert.Equal(t, []string{"__TERMINATOR__"}, ads.DownstreamTasks)

	// Consent nodes never depend on each other.
	vendor := taskByAddress(t, tasks, "email_vendor:email_vendor")
	assert.NotContains(t, vendor.UpstreamTasks, "ads_platform:ads_platform")
}
