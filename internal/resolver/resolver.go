package resolver

import (
	"fmt"
	"sync"

	"storesync/internal/models"
	"storesync/internal/transport"

	"github.com/rs/zerolog"
)

// MergeFunc merges a local and a remote payload for one entity type.
// Supplied by the business layer for entities with known-disjoint
// fields (e.g. two stores adding different lines to a shared campaign).
type MergeFunc func(localPayload, remotePayload string) (string, error)

// Resolver decides the outcome of a version conflict. It is pure and
// stateless per call; safe for concurrent use.
type Resolver struct {
	strategies map[string]string
	logger     zerolog.Logger

	mu     sync.RWMutex
	merges map[string]MergeFunc
}

// New builds a resolver from per-entity-type strategy config. Unknown
// strategy names are a configuration error; a missing entry is not (it
// means manual review).
func New(strategies map[string]string, logger *zerolog.Logger) (*Resolver, error) {
	for entityType, strategy := range strategies {
		if !models.KnownStrategy(strategy) {
			return nil, fmt.Errorf("resolution strategy %q for %q: unknown strategy", strategy, entityType)
		}
	}

	var l zerolog.Logger
	if logger != nil {
		l = logger.With().Str("component", "resolver").Logger()
	} else {
		l = zerolog.Nop()
	}
	return &Resolver{
		strategies: strategies,
		logger:     l,
		merges:     make(map[string]MergeFunc),
	}, nil
}

// RegisterMerge installs the business layer's merge function for an
// entity type configured with the field_merge strategy.
func (r *Resolver) RegisterMerge(entityType string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[entityType] = fn
}

// Resolve decides what happens to a local item the central system
// rejected with a version mismatch. It never guesses: any entity type
// without a configured strategy, and any misconfiguration discovered at
// runtime, falls back to manual review. Silent data loss is worse than
// a visible backlog.
func (r *Resolver) Resolve(item *models.SyncQueueItem, remote *transport.VersionConflict) *models.ConflictRecord {
	record := &models.ConflictRecord{
		ItemID:        item.ID,
		EntityType:    item.EntityType,
		EntityID:      item.EntityID,
		LocalVersion:  item.LocalVersion,
		RemoteVersion: remote.CurrentRemoteVersion,
		LocalPayload:  item.Payload,
		RemotePayload: remote.CurrentRemotePayload,
		Resolution:    models.StrategyManualReview,
	}

	strategy, configured := r.strategies[item.EntityType]
	if !configured {
		r.logger.Info().Str("entity_type", item.EntityType).Str("item_id", item.ID).
			Msg("no resolution strategy configured, parking for review")
		return record
	}

	switch strategy {
	case models.StrategyLastWriteWinsLocal:
		record.Resolution = models.StrategyLastWriteWinsLocal
		record.ResolvedPayload = &item.Payload

	case models.StrategyLastWriteWinsRemote:
		record.Resolution = models.StrategyLastWriteWinsRemote
		record.ResolvedPayload = &remote.CurrentRemotePayload

	case models.StrategyFieldMerge:
		r.mu.RLock()
		merge, ok := r.merges[item.EntityType]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn().Str("entity_type", item.EntityType).
				Msg("field_merge configured but no merge function registered, parking for review")
			return record
		}
		merged, err := merge(item.Payload, remote.CurrentRemotePayload)
		if err != nil {
			r.logger.Warn().Err(err).Str("entity_type", item.EntityType).Str("item_id", item.ID).
				Msg("merge failed, parking for review")
			return record
		}
		record.Resolution = models.StrategyAutoMerged
		record.ResolvedPayload = &merged

	default:
		// Unknown strategies are rejected in New.
		return record
	}

	return record
}
