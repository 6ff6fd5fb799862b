package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"storesync/internal/database"
	"storesync/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// seed_queue загружает операции из YAML в локальную очередь. Утилита
// для стендов и ручной проверки диспетчера на терминале.

type seedOperation struct {
	EntityType   string `yaml:"entity_type"`
	EntityID     string `yaml:"entity_id"`
	Operation    string `yaml:"operation"`
	Payload      string `yaml:"payload"`
	Priority     string `yaml:"priority"`
	LocalVersion int64  `yaml:"local_version"`
}

type seedFile struct {
	StoreID    string          `yaml:"store_id"`
	Operations []seedOperation `yaml:"operations"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		seedPath = flag.String("seed", "configs/seed.yaml", "path to seed yaml")
		dbPath   = flag.String("db", "./data/syncqueue.db", "path to sqlite db")
	)
	flag.Parse()

	data, err := os.ReadFile(*seedPath)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	if seed.StoreID == "" {
		return fmt.Errorf("store_id is required")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	for _, op := range seed.Operations {
		item := &models.SyncQueueItem{
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			Operation:     op.Operation,
			Payload:       op.Payload,
			Priority:      models.ParsePriority(op.Priority),
			OriginStoreID: seed.StoreID,
			LocalVersion:  op.LocalVersion,
		}
		if err := db.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue %s/%s: %w", op.EntityType, op.EntityID, err)
		}
		logger.Info().Str("id", item.ID).Str("entity_type", op.EntityType).
			Str("entity_id", op.EntityID).Msg("операция добавлена в очередь")
	}

	logger.Info().Int("count", len(seed.Operations)).Msg("очередь заполнена")
	return nil
}
