package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/ctxlog"
	"github.com/meikuraledutech/dsr/executor"
	"github.com/meikuraledutech/dsr/graph"
	"github.com/meikuraledutech/dsr/inmemory"
	"github.com/meikuraledutech/dsr/scheduler"
)

// memoryConnector serves fixture rows for the walkthrough. Retrieve
// filters by the upstream rows it is handed; Mask just counts.
type memoryConnector struct {
	customers []dsr.Row
	orders    []dsr.Row
	masked    map[string]int
}

func (m *memoryConnector) Retrieve(ctx context.Context, c *graph.Collection, inputs [][]dsr.Row) ([]dsr.Row, error) {
	switch c.Name {
	case "customers":
		return filter(m.customers, "email", inputValues(inputs, "email")), nil
	case "orders":
		return filter(m.orders, "customer_id", inputValues(inputs, "id")), nil
	}
	return nil, nil
}

func (m *memoryConnector) Mask(ctx context.Context, c *graph.Collection, rows []dsr.Row, inputs [][]dsr.Row, rule dsr.Rule) (int, error) {
	m.masked[c.Name] += len(rows)
	return len(rows), nil
}

func (m *memoryConnector) PropagateConsent(ctx context.Context, c *graph.Collection, identity map[string]string) error {
	return nil
}

func inputValues(inputs [][]dsr.Row, key string) map[any]struct{} {
	vals := map[any]struct{}{}
	for _, rows := range inputs {
		for _, row := range rows {
			if v, ok := row[key]; ok {
				vals[v] = struct{}{}
			}
		}
	}
	return vals
}

func filter(rows []dsr.Row, key string, vals map[any]struct{}) []dsr.Row {
	var out []dsr.Row
	for _, row := range rows {
		if _, ok := vals[row[key]]; ok {
			out = append(out, row)
		}
	}
	return out
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	store := inmemory.New()
	queue := inmemory.NewQueue()

	// Two collections: customers keyed by email identity, orders keyed by
	// customer id. Orders erase before customers.
	datasets := []graph.GraphDataset{{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{
				Name: "customers",
				Fields: []*graph.Field{
					{Name: "id", Kind: graph.ScalarKind, PrimaryKey: true},
					{Name: "email", Kind: graph.ScalarKind, Identity: "email",
						DataCategories: []string{"user.contact.email"}},
					{Name: "name", Kind: graph.ScalarKind,
						DataCategories: []string{"user.name"}},
				},
				EraseAfter: []graph.CollectionAddress{{Dataset: "shop", Collection: "orders"}},
			},
			{
				Name: "orders",
				Fields: []*graph.Field{
					{Name: "id", Kind: graph.ScalarKind, PrimaryKey: true},
					{Name: "customer_id", Kind: graph.ScalarKind, References: []graph.Reference{{
						Field: graph.NewFieldAddress(graph.CollectionAddress{Dataset: "shop", Collection: "customers"}, "id"),
						Direction: graph.DirectionFrom,
					}}},
					{Name: "shipping_address", Kind: graph.ScalarKind,
						DataCategories: []string{"user.contact.address"}},
				},
			},
		},
	}}

	connector := &memoryConnector{
		customers: []dsr.Row{
			{"id": 1, "email": "jane@example.com", "name": "Jane"},
			{"id": 2, "email": "sam@example.com", "name": "Sam"},
		},
		orders: []dsr.Row{
			{"id": 10, "customer_id": 1, "shipping_address": "1 Main St"},
			{"id": 11, "customer_id": 1, "shipping_address": "2 Side St"},
			{"id": 12, "customer_id": 2, "shipping_address": "9 Elm St"},
		},
		masked: map[string]int{},
	}

	sched := scheduler.New(store, queue, scheduler.Config{Datasets: datasets})
	exec := executor.NewGraphTask(store, map[string]executor.Connector{"shop": connector}, executor.DefaultRetryPolicy)
	worker := executor.NewWorker(store, queue, exec, sched.RunPrivacyRequest, executor.FailFast, 0)

	// One request for jane@example.com, access plus erasure.
	now := time.Now().UTC()
	req := &dsr.PrivacyRequest{
		ID:       uuid.NewString(),
		Status:   dsr.RequestApproved,
		Identity: map[string]string{"email": "jane@example.com"},
		Policy: dsr.Policy{
			Key: "access_and_erasure",
			Rules: []dsr.Rule{
				{Key: "download", ActionType: dsr.ActionAccess, DataCategories: []string{"user"}},
				{Key: "delete", ActionType: dsr.ActionErasure, MaskingStrategy: "null_rewrite"},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRequest(ctx, req); err != nil {
		log.Fatalf("create request: %v", err)
	}

	if err := sched.RunPrivacyRequest(ctx, req.ID); err != nil {
		log.Fatalf("run request: %v", err)
	}

	// Drain the queue synchronously. Each completed task re-runs the
	// scheduler, which enqueues whatever became ready.
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			log.Fatalf("dequeue: %v", err)
		}
		if item == nil {
			break
		}
		worker.Process(ctx, *item)
	}

	final, err := store.GetRequest(ctx, req.ID)
	if err != nil {
		log.Fatalf("get request: %v", err)
	}
	fmt.Printf("request %s finished: %s\n", final.ID, final.Status)

	// ── Access results ────────────────────────────────────────────────
	tasks, err := store.ListTasks(ctx, req.ID, dsr.ActionAccess)
	if err != nil {
		log.Fatalf("list access tasks: %v", err)
	}
	for _, t := range tasks {
		if t.IsRoot() || t.IsTerminator() {
			continue
		}
		fmt.Printf("\n%s (%s):\n", t.CollectionAddress, t.Status)
		printJSON(t.AccessData)
	}

	// ── Erasure results ───────────────────────────────────────────────
	erasures, err := store.ListTasks(ctx, req.ID, dsr.ActionErasure)
	if err != nil {
		log.Fatalf("list erasure tasks: %v", err)
	}
	fmt.Println()
	for _, t := range erasures {
		if t.IsRoot() || t.IsTerminator() {
			continue
		}
		fmt.Printf("%s masked %d rows\n", t.CollectionAddress, t.RowsMasked)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
