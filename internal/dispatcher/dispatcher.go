package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"storesync/internal/config"
	"storesync/internal/database"
	"storesync/internal/events"
	"storesync/internal/metrics"
	"storesync/internal/models"
	"storesync/internal/monitor"
	"storesync/internal/resolver"
	"storesync/internal/transport"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by TriggerSync while the central endpoint
// is unreachable.
var ErrNotConnected = errors.New("not connected to central")

// Dispatcher drains the durable queue towards the central system. One
// instance runs per terminal; within it pushes run with bounded
// parallelism and never two in-flight items for the same entity.
type Dispatcher struct {
	db        *database.DB
	transport transport.Transport
	monitor   *monitor.Monitor
	resolver  *resolver.Resolver
	retry     RetryPolicy
	bus       *events.EventBus
	redis     *redis.Client
	logger    zerolog.Logger

	storeID       string
	batchSize     int
	parallelism   int
	maxInFlight   int
	itemTimeout   time.Duration
	escalateAfter int

	wakeKey       string
	deadLetterKey string
	pollInterval  time.Duration

	wake    chan struct{}
	trigger chan struct{}
}

func New(
	db *database.DB,
	tr transport.Transport,
	mon *monitor.Monitor,
	res *resolver.Resolver,
	bus *events.EventBus,
	redisClient *redis.Client,
	storeID string,
	cfg config.SyncConfig,
	logger *zerolog.Logger,
) *Dispatcher {
	var l zerolog.Logger
	if logger != nil {
		l = logger.With().Str("component", "dispatcher").Logger()
	} else {
		l = zerolog.Nop()
	}
	return &Dispatcher{
		db:            db,
		transport:     tr,
		monitor:       mon,
		resolver:      res,
		retry:         NewRetryPolicy(cfg.Backoff),
		bus:           bus,
		redis:         redisClient,
		logger:        l,
		storeID:       storeID,
		batchSize:     cfg.BatchSize,
		parallelism:   cfg.Parallelism,
		maxInFlight:   cfg.MaxInFlight,
		itemTimeout:   cfg.ItemTimeoutDuration(),
		escalateAfter: cfg.EscalateAfter,
		wakeKey:       "storesync:wake",
		deadLetterKey: "storesync:deadletter",
		pollInterval:  2 * time.Second,
		wake:          make(chan struct{}, models.WakeQueueSize),
		trigger:       make(chan struct{}, 1),
	}
}

// Enqueue durably persists one operation and nudges the dispatch loop.
// The database write is the commit point: if it fails, the caller's
// business transaction must fail too. The wake signal is best-effort.
func (d *Dispatcher) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	if item.OriginStoreID == "" {
		item.OriginStoreID = d.storeID
	}
	if err := d.db.Enqueue(ctx, item); err != nil {
		return err
	}

	if d.redis != nil {
		if err := d.redis.LPush(ctx, d.wakeKey, item.ID).Err(); err != nil {
			d.logger.Debug().Err(err).Msg("redis wake push failed, polling will pick it up")
		}
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// TriggerSync requests an immediate cycle. It fails fast when the
// central endpoint is unreachable so the caller can report that
// instead of silently queueing a no-op.
func (d *Dispatcher) TriggerSync() error {
	if !d.monitor.CurrentState().Reachable() {
		return ErrNotConnected
	}
	select {
	case d.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the dispatch loop until ctx is done. Run it in its own
// goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info().Msg("dispatcher started")
	defer d.logger.Info().Msg("dispatcher stopped")

	// Элементы, зависшие в in_flight после падения процесса, возвращаются
	// в pending: исход их последней отправки неизвестен, идемпотентность
	// делает повтор безопасным.
	if n, err := d.db.ResetInFlight(ctx); err != nil {
		d.logger.Error().Err(err).Msg("reset in-flight on startup")
	} else if n > 0 {
		d.logger.Warn().Int64("count", n).Msg("recovered stranded in-flight items")
	}

	if d.redis != nil {
		go d.consumeWakeSignals(ctx)
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		manual := false
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			manual = true
		case <-d.wake:
		case <-ticker.C:
		}

		// Обычный цикл требует online; ручной запуск довольствуется
		// connecting — оператор знает лучше последней пробы.
		state := d.monitor.CurrentState()
		if state == models.ConnOnline || (manual && state.Reachable()) {
			d.runCycle(ctx)
		}
	}
}

// consumeWakeSignals drains the redis wake list into the local wake
// channel so other processes (a sibling terminal writing to the same
// queue) can nudge this loop without waiting for the poll tick.
func (d *Dispatcher) consumeWakeSignals(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := d.redis.BRPop(ctx, time.Second, d.wakeKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			d.logger.Debug().Err(err).Msg("redis wake BRPOP error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}
		if len(res) == 2 {
			select {
			case d.wake <- struct{}{}:
			default:
			}
		}
	}
}

// runCycle drains the queue until it is empty, the connection drops or
// ctx is done. The monitor shows syncing for the duration.
func (d *Dispatcher) runCycle(ctx context.Context) {
	d.monitor.SetSyncing(true)
	defer d.monitor.SetSyncing(false)

	for {
		if ctx.Err() != nil || !d.monitor.CurrentState().Reachable() {
			return
		}

		limit := d.batchSize
		if d.maxInFlight > 0 && limit > d.maxInFlight {
			limit = d.maxInFlight
		}
		batch, err := d.db.DequeueReady(ctx, models.PriorityLow, limit)
		if err != nil {
			d.logger.Error().Err(err).Msg("claim batch")
			return
		}
		if len(batch) == 0 {
			d.reportQueueDepth(ctx)
			return
		}

		d.processBatch(ctx, batch)
	}
}

func (d *Dispatcher) processBatch(ctx context.Context, batch []models.SyncQueueItem) {
	workers := d.parallelism
	if workers < 1 {
		workers = 1
	}
	if workers > len(batch) {
		workers = len(batch)
	}

	items := make(chan *models.SyncQueueItem)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for item := range items {
				d.processItem(ctx, item)
			}
		}()
	}
	for i := range batch {
		items <- &batch[i]
	}
	close(items)
	wg.Wait()
}

// processItem pushes one claimed item and applies the outcome to the
// queue store, the monitor and the event bus.
func (d *Dispatcher) processItem(ctx context.Context, item *models.SyncQueueItem) {
	appliedLocal, knownRemote, err := d.db.AppliedVersion(ctx, item.EntityType, item.EntityID)
	if err != nil {
		d.logger.Error().Err(err).Str("item_id", item.ID).Msg("load applied version")
		d.markTransient(ctx, item, err)
		return
	}

	// Устаревший повтор: центральная система уже подтвердила более новую
	// локальную версию этой сущности. Отправлять нечего.
	if item.LocalVersion <= appliedLocal {
		d.logger.Info().Str("item_id", item.ID).Int64("local_version", item.LocalVersion).
			Int64("applied", appliedLocal).Msg("stale replay, completing without push")
		if err := d.db.MarkCompleted(ctx, item.ID); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("complete stale item")
		}
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, d.itemTimeout)
	result, err := d.transport.Push(pushCtx, transport.PushRequest{
		ItemID:                item.ID,
		OriginStoreID:         item.OriginStoreID,
		EntityType:            item.EntityType,
		EntityID:              item.EntityID,
		Operation:             item.Operation,
		Payload:               item.Payload,
		ExpectedRemoteVersion: knownRemote,
	})
	cancel()

	if err == nil {
		d.completeItem(ctx, item, result.NewRemoteVersion)
		return
	}

	switch transport.Classify(err) {
	case transport.ClassConflict:
		d.resolveConflict(ctx, item, err)
	case transport.ClassRejected:
		d.rejectItem(ctx, item, err)
	default:
		d.markTransient(ctx, item, err)
	}
}

func (d *Dispatcher) completeItem(ctx context.Context, item *models.SyncQueueItem, newRemoteVersion int64) {
	if err := d.db.MarkCompleted(ctx, item.ID); err != nil {
		d.logger.Error().Err(err).Str("item_id", item.ID).Msg("mark completed")
		return
	}
	if err := d.db.SetAppliedVersion(ctx, item.EntityType, item.EntityID, item.LocalVersion, newRemoteVersion); err != nil {
		d.logger.Error().Err(err).Str("item_id", item.ID).Msg("record applied version")
	}

	d.monitor.ReportPushOutcome(true, false)
	metrics.IncPush("accepted")
	d.publishItemEvent(events.EventItemCompleted, item, "", "")
	d.logger.Info().Str("item_id", item.ID).Str("entity_type", item.EntityType).
		Str("entity_id", item.EntityID).Int("attempts", item.AttemptCount).Msg("item synced")
}

// resolveConflict routes an optimistic-concurrency rejection through
// the resolver. Auto-resolvable outcomes are applied immediately;
// everything else parks the item with an open conflict record.
func (d *Dispatcher) resolveConflict(ctx context.Context, item *models.SyncQueueItem, cause error) {
	metrics.IncPush("conflict")

	remote, ok := transport.AsVersionConflict(cause)
	if !ok {
		// Класс conflict без деталей версии: отправляем на ручной разбор.
		remote = &transport.VersionConflict{}
	}

	record := d.resolver.Resolve(item, remote)
	metrics.IncConflict(record.Resolution)

	switch record.Resolution {
	case models.StrategyLastWriteWinsLocal, models.StrategyAutoMerged:
		// Local state must still reach central: re-queue with the resolved
		// payload and the now-known remote version.
		if err := d.db.ApplyResolution(ctx, item.ID, record, true); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("apply local-wins resolution")
			d.markTransient(ctx, item, err)
			return
		}
		if err := d.db.SetAppliedVersion(ctx, item.EntityType, item.EntityID, 0, remote.CurrentRemoteVersion); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("record remote version")
		}
		d.logger.Info().Str("item_id", item.ID).Str("resolution", record.Resolution).
			Msg("conflict auto-resolved, re-queued")

	case models.StrategyLastWriteWinsRemote:
		// Remote state stands; the local change is dropped as applied.
		if err := d.db.ApplyResolution(ctx, item.ID, record, false); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("apply remote-wins resolution")
			d.markTransient(ctx, item, err)
			return
		}
		if err := d.db.SetAppliedVersion(ctx, item.EntityType, item.EntityID, item.LocalVersion, remote.CurrentRemoteVersion); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("record remote version")
		}
		d.logger.Info().Str("item_id", item.ID).Msg("conflict resolved in favour of remote")

	default:
		if err := d.db.MarkConflict(ctx, item.ID, record); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("park conflict")
			return
		}
		d.publishItemEvent(events.EventItemConflicted, item, "", record.Resolution)
		d.logger.Warn().Str("item_id", item.ID).Str("entity_type", item.EntityType).
			Str("entity_id", item.EntityID).Msg("conflict parked for manual review")
	}
}

// rejectItem parks a permanently rejected item as failed and copies it
// to the redis dead-letter list for external tooling.
func (d *Dispatcher) rejectItem(ctx context.Context, item *models.SyncQueueItem, cause error) {
	if err := d.db.MarkFailed(ctx, item.ID, cause.Error(), nil); err != nil {
		d.logger.Error().Err(err).Str("item_id", item.ID).Msg("mark rejected")
		return
	}

	d.monitor.ReportPushOutcome(false, false)
	metrics.IncPush("rejected")
	d.pushDeadLetter(ctx, item, cause)
	d.publishItemEvent(events.EventItemFailed, item, cause.Error(), "")
	d.maybeEscalate(item, cause)
	d.logger.Error().Err(cause).Str("item_id", item.ID).Msg("item rejected by central")
}

// markTransient schedules a retry with exponential backoff.
func (d *Dispatcher) markTransient(ctx context.Context, item *models.SyncQueueItem, cause error) {
	delay := d.retry.NextDelay(item.AttemptCount, item.Priority)
	next := time.Now().Add(delay)
	if err := d.db.MarkFailed(ctx, item.ID, cause.Error(), &next); err != nil {
		d.logger.Error().Err(err).Str("item_id", item.ID).Msg("schedule retry")
		return
	}

	d.monitor.ReportPushOutcome(false, true)
	metrics.IncPush("transient")
	d.publishItemEvent(events.EventItemFailed, item, cause.Error(), "")
	d.maybeEscalate(item, cause)
	d.logger.Warn().Err(cause).Str("item_id", item.ID).Int("attempt", item.AttemptCount).
		Dur("retry_in", delay).Msg("push failed, retry scheduled")
}

// maybeEscalate raises the alarm when a critical-priority item keeps
// failing. Escalation does not change queue state, it is a signal for
// operators (sales and shift-close data must not quietly rot).
func (d *Dispatcher) maybeEscalate(item *models.SyncQueueItem, cause error) {
	if item.Priority != models.PriorityCritical || item.AttemptCount < d.escalateAfter {
		return
	}
	metrics.IncEscalation()
	d.publishItemEvent(events.EventCriticalEscalation, item, cause.Error(), "")
	d.logger.Error().Str("item_id", item.ID).Str("entity_type", item.EntityType).
		Int("attempts", item.AttemptCount).Msg("critical item exceeded failure threshold")
}

func (d *Dispatcher) pushDeadLetter(ctx context.Context, item *models.SyncQueueItem, cause error) {
	if d.redis == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"item":   item,
		"reason": cause.Error(),
		"at":     time.Now(),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("item_id", item.ID).Msg("encode dead letter")
		return
	}
	if err := d.redis.LPush(ctx, d.deadLetterKey, data).Err(); err != nil {
		d.logger.Warn().Err(err).Str("item_id", item.ID).Msg("dead letter push failed")
	}
}

func (d *Dispatcher) publishItemEvent(eventType string, item *models.SyncQueueItem, errMsg, resolution string) {
	if d.bus == nil {
		return
	}
	_ = d.bus.PublishJSON(eventType, events.ItemEventPayload{
		ItemID:       item.ID,
		EntityType:   item.EntityType,
		EntityID:     item.EntityID,
		Operation:    item.Operation,
		Priority:     item.Priority.String(),
		AttemptCount: item.AttemptCount,
		Error:        errMsg,
		Resolution:   resolution,
	})
}

func (d *Dispatcher) reportQueueDepth(ctx context.Context) {
	counts, err := d.db.CountByStatus(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("count queue depth")
		return
	}
	for _, status := range []string{
		models.StatusPending, models.StatusInFlight, models.StatusCompleted,
		models.StatusFailed, models.StatusConflict, models.StatusCancelled,
	} {
		metrics.SetQueueDepth(status, counts[status])
	}
}

// DrainOnce runs a single dispatch cycle synchronously. Used by the
// manual sync trigger path and by tests; the background loop uses the
// same cycle via Start.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	if !d.monitor.CurrentState().Reachable() {
		return fmt.Errorf("drain: %w", ErrNotConnected)
	}
	d.runCycle(ctx)
	return nil
}
