// demoflow starts a prefectd API server with an in-memory store and submits a
// small demonstration flow so the REST and SSE surfaces have live data.
// Usage: go run ./cmd/demoflow
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/nparley/prefect/internal/api"
	"github.com/nparley/prefect/internal/engine"
	"github.com/nparley/prefect/internal/events"
	"github.com/nparley/prefect/internal/model"
	"github.com/nparley/prefect/internal/runner"
	"github.com/nparley/prefect/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("PREFECT_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	broker := events.NewBroker()
	eng := engine.NewEngine(engine.Options{
		Store:   db,
		Events:  broker,
		Logger:  logger,
		Workers: 4,
	})

	fr, err := eng.Submit(context.Background(), engine.Flow{
		Name: "demo-etl",
		Fn:   demoFlow,
	})
	if err != nil {
		log.Fatalf("failed to submit demo flow: %v", err)
	}
	logger.Info("demoflow: submitted", "flow_run_id", fr.ID)

	srv := api.NewServer(addr, db, eng, broker, logger)
	logger.Info("demoflow: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}

// demoFlow extracts three batches in parallel, transforms each, and loads the
// combined result. The load step is gated on every transform completing.
func demoFlow(ctx context.Context, r runner.TaskRunner) error {
	extract := model.Task{
		Name: "extract",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return params["batch"].(int) * 10, nil
		},
	}
	transform := model.Task{
		Name: "transform",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			time.Sleep(100 * time.Millisecond)
			return params["rows"].(int) + 1, nil
		},
	}
	load := model.Task{
		Name: "load",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			time.Sleep(100 * time.Millisecond)
			return "loaded", nil
		},
	}

	var transforms []*runner.Future
	for batch := 1; batch <= 3; batch++ {
		ef, err := r.Submit(ctx, extract, model.Parameters{"batch": batch})
		if err != nil {
			return err
		}
		tf, err := r.Submit(ctx, transform, model.Parameters{"rows": ef})
		if err != nil {
			return err
		}
		transforms = append(transforms, tf)
	}

	lf, err := r.Submit(ctx, load, nil, transforms...)
	if err != nil {
		return err
	}
	_, err = lf.Result(ctx)
	return err
}
