package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/dsr"
	"github.com/meikuraledutech/dsr/config"
	"github.com/meikuraledutech/dsr/ctxlog"
	"github.com/meikuraledutech/dsr/executor"
	"github.com/meikuraledutech/dsr/manual"
	"github.com/meikuraledutech/dsr/postgres"
	"github.com/meikuraledutech/dsr/scheduler"
)

const workerCount = 4

func main() {
	env := config.FromEnv()
	if env.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	cfg, err := config.Load(env.ConfigPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), env.DatabaseURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	queue := postgres.NewQueue(pool)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := ctxlog.WithLogger(context.Background(), logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(store, queue, scheduler.Config{
		Datasets:       cfg.Datasets,
		Manual:         manualGraph(cfg, store),
		StalledTimeout: 7 * 24 * time.Hour,
	})

	// Synthetic manual datasets route to the manual executor; everything
	// else needs a registered connector.
	exec := &executor.Router{
		Default:   executor.NewGraphTask(store, connectors(), executor.DefaultRetryPolicy),
		ByDataset: manualRoutes(store, cfg.Manual.Connections),
	}

	worker := executor.NewWorker(store, queue, exec, sched.RunPrivacyRequest, executor.FailFast, env.PollInterval)
	for i := 0; i < workerCount; i++ {
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "error", err)
			}
		}()
	}

	go expireStalled(ctx, sched)

	app := fiber.New()

	// ── Schema ────────────────────────────────────────────────────────
	app.Post("/schema", func(c fiber.Ctx) error {
		if err := store.CreateSchema(c.Context()); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"message": "schema created"})
	})

	app.Delete("/schema", func(c fiber.Ctx) error {
		if err := store.DropSchema(c.Context()); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"message": "schema dropped"})
	})

	// ── Privacy requests ──────────────────────────────────────────────
	app.Post("/requests", func(c fiber.Ctx) error {
		var body struct {
			Identity  map[string]string `json:"identity"`
			PolicyKey string            `json:"policy_key"`
		}
		if err := c.Bind().JSON(&body); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		policy, err := cfg.Policy(body.PolicyKey)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}

		now := time.Now().UTC()
		req := &dsr.PrivacyRequest{
			ID:        uuid.NewString(),
			Status:    dsr.RequestApproved,
			Identity:  body.Identity,
			Policy:    *policy,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateRequest(c.Context(), req); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if err := sched.RunPrivacyRequest(ctxlog.WithLogger(c.Context(), logger), req.ID); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(201).JSON(req)
	})

	app.Get("/requests/:id", func(c fiber.Ctx) error {
		req, err := store.GetRequest(c.Context(), c.Params("id"))
		if errors.Is(err, dsr.ErrRequestNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "request not found"})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(req)
	})

	app.Get("/requests/:id/tasks", func(c fiber.Ctx) error {
		action := dsr.ActionType(c.Query("action", string(dsr.ActionAccess)))
		tasks, err := store.ListTasks(c.Context(), c.Params("id"), action)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(tasks)
	})

	app.Post("/requests/:id/resume", func(c fiber.Ctx) error {
		rctx := ctxlog.WithLogger(c.Context(), logger)
		err := sched.ResumePrivacyRequest(rctx, c.Params("id"))
		if errors.Is(err, dsr.ErrRequestNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "request not found"})
		}
		if errors.Is(err, dsr.ErrEraseAfterCycle) {
			return c.Status(422).JSON(fiber.Map{"error": "erase_after cycle"})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(202)
	})

	app.Post("/requests/:id/cancel", func(c fiber.Ctx) error {
		req, err := store.GetRequest(c.Context(), c.Params("id"))
		if errors.Is(err, dsr.ErrRequestNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "request not found"})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if req.Status.Terminal() {
			return c.Status(409).JSON(fiber.Map{"error": "request already " + string(req.Status)})
		}
		if err := store.UpdateRequestStatus(c.Context(), req.ID, dsr.RequestCanceled); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(204)
	})

	// ── Manual task instances ─────────────────────────────────────────
	app.Get("/requests/:id/instances", func(c fiber.Ctx) error {
		instances, err := store.ListInstances(c.Context(), c.Params("id"))
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(instances)
	})

	app.Post("/instances/:id/submissions", func(c fiber.Ctx) error {
		var sub manual.Submission
		if err := c.Bind().JSON(&sub); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		sub.SubmittedAt = time.Now().UTC()

		inst, err := store.GetInstanceByID(c.Context(), c.Params("id"))
		if errors.Is(err, manual.ErrInstanceNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "instance not found"})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if err := store.AddSubmission(c.Context(), inst.ID, &sub); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}

		// A submission may complete the instance and unblock its task, so
		// re-run the request.
		rctx := ctxlog.WithLogger(c.Context(), logger)
		if err := sched.RunPrivacyRequest(rctx, inst.PrivacyRequestID); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(202)
	})

	log.Fatal(app.Listen(env.Addr))
}

// connectors returns the dataset connector registry. Deployments add
// their own implementations here; the engine ships none.
func connectors() map[string]executor.Connector {
	return map[string]executor.Connector{}
}

// manualGraph wires the configured manual-task connections into every
// traversal. Nil when the config declares none.
func manualGraph(cfg *config.Config, store *postgres.PGStore) *scheduler.ManualGraph {
	if len(cfg.Manual.Connections) == 0 {
		return nil
	}
	return &scheduler.ManualGraph{
		Store:       store,
		Connections: cfg.Manual.Connections,
		Resolve:     cfg.Manual.Resolver(),
	}
}

// manualRoutes routes the synthetic manual datasets, named after their
// connection keys, to the manual executor.
func manualRoutes(store *postgres.PGStore, connections []string) map[string]executor.TaskExecutor {
	routes := map[string]executor.TaskExecutor{}
	if len(connections) == 0 {
		return routes
	}
	mexec := manual.NewGraphTask(store, store)
	for _, connection := range connections {
		routes[connection] = mexec
	}
	return routes
}

func expireStalled(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sched.MarkStalledRequests(ctx); err != nil {
				ctxlog.FromContext(ctx).Error("expire stalled requests", "error", err)
			}
		}
	}
}
