package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storesync/internal/api"
	"storesync/internal/config"
	"storesync/internal/database"
	"storesync/internal/dispatcher"
	"storesync/internal/events"
	"storesync/internal/export"
	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/monitor"
	"storesync/internal/resolver"
	"storesync/internal/status"
	"storesync/internal/transport"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	eventBus := events.NewEventBus()
	subscribeSyncEvents(eventBus, logger)

	central := transport.NewHTTPTransport(cfg.Central, cfg.Store.ID, logger)
	mon := monitor.New(central, eventBus, cfg.Monitor, logger)

	res, err := resolver.New(cfg.Resolution.Strategies, logger)
	if err != nil {
		return err
	}

	disp := dispatcher.New(db, central, mon, res, eventBus, redisClient, cfg.Store.ID, cfg.Sync, logger)
	go mon.Start(ctx)
	go disp.Start(ctx)

	agg := status.New(db, mon, disp, cfg.Health, cfg.Sync.EscalateAfter, logger)

	var exporter *export.Exporter
	if cfg.Exports.Path != "" {
		exporter = export.New(db, cfg.Exports, logger)
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, cfg.Monitoring, db, agg, exporter, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("store_id", cfg.Store.ID).Msg("sync agent started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis не настроен, работаем только через опрос БД")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Redis ускоряет пробуждение диспетчера, но не обязателен
		logger.Warn().Err(err).Msg("redis недоступен, работаем только через опрос БД")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("address", cfg.Redis.Address).Msg("redis подключен")
	return client
}

// subscribeSyncEvents wires event-bus traffic into the operational log.
func subscribeSyncEvents(bus *events.EventBus, logger *zerolog.Logger) {
	l := logging.Component(logger, "sync-events")

	bus.Subscribe(events.EventConnectionStateChanged, func(event *events.Event) error {
		var payload events.ConnectionStatePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		l.Info().Str("from", payload.Previous).Str("to", payload.Current).Msg("connection state")
		return nil
	})

	bus.Subscribe(events.EventCriticalEscalation, func(event *events.Event) error {
		var payload events.ItemEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		l.Error().Str("item_id", payload.ItemID).Str("entity_type", payload.EntityType).
			Int("attempts", payload.AttemptCount).Str("error", payload.Error).
			Msg("CRITICAL: sync item exceeded failure threshold")
		return nil
	})

	bus.Subscribe(events.EventItemConflicted, func(event *events.Event) error {
		var payload events.ItemEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		l.Warn().Str("item_id", payload.ItemID).Str("entity_type", payload.EntityType).
			Str("entity_id", payload.EntityID).Msg("conflict awaiting review")
		return nil
	})
}
