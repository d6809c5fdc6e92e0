package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"flowdeck/internal/config"
	"flowdeck/internal/logging"
	"flowdeck/internal/repository"
	"flowdeck/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	configFile := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// 1. Ensure the default pool and queues exist
	pool1 := &models.WorkPool{Name: "default", Description: "Default process pool"}
	if err := store.CreateWorkPool(ctx, pool1); err != nil && !isConflict(err) {
		log.Fatalf("Failed to create work pool: %v", err)
	}

	queues := []*models.WorkQueue{
		{Name: "default", PoolName: "default", Capacity: cfg.Queue.DefaultCapacity},
		{Name: "high-priority", PoolName: "default", Capacity: cfg.Queue.DefaultCapacity, ConcurrencyLimit: 4},
	}
	for _, q := range queues {
		if err := store.CreateWorkQueue(ctx, q); err != nil && !isConflict(err) {
			log.Fatalf("Failed to create work queue %s: %v", q.Name, err)
		}
	}
	logger.Info("Seeded work pool", "name", pool1.Name, "queues", len(queues))

	// 2. Create sample deployments, skipping those already present
	deployments := []*models.Deployment{
		{
			FlowID:     "etl-pipeline",
			Name:       "nightly-load",
			Entrypoint: "flows/etl.py:main",
			Path:       "/opt/flows/etl",
			Parameters: map[string]any{"batch_size": 500},
			Schedules: []models.Schedule{
				{ID: "nightly", Type: models.RuleCron, Cron: "0 2 * * *", Active: true},
			},
			WorkPoolName:  "default",
			WorkQueueName: "default",
			Tags:          []string{"etl", "nightly"},
		},
		{
			FlowID:     "metrics-rollup",
			Name:       "every-5m",
			Entrypoint: "flows/rollup.py:aggregate",
			Path:       "/opt/flows/rollup",
			Schedules: []models.Schedule{
				{ID: "rollup", Type: models.RuleInterval, IntervalSeconds: 300, Active: true},
			},
			WorkPoolName:  "default",
			WorkQueueName: "high-priority",
			Tags:          []string{"metrics"},
		},
	}

	for _, d := range deployments {
		d.ID = uuid.New().String()
		if err := store.CreateDeployment(ctx, d); err != nil {
			if isConflict(err) {
				logger.Info("Skipping existing deployment", "flow", d.FlowID, "name", d.Name)
				continue
			}
			log.Printf("Failed to create deployment %s/%s: %v", d.FlowID, d.Name, err)
			continue
		}
		logger.Info("Seeded deployment", "flow", d.FlowID, "name", d.Name, "id", d.ID)
	}
	logger.Info("Seeding complete!")
}

func isConflict(err error) bool {
	var conflict *models.ConflictError
	return errors.As(err, &conflict)
}
