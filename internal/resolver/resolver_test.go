package resolver

import (
	"encoding/json"
	"errors"
	"testing"

	"storesync/internal/models"
	"storesync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localItem(entityType string) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		ID:           "item-1",
		EntityType:   entityType,
		EntityID:     "e-1",
		Operation:    models.OperationUpdate,
		Payload:      `{"count": 5}`,
		LocalVersion: 1,
	}
}

func remoteState() *transport.VersionConflict {
	return &transport.VersionConflict{
		CurrentRemoteVersion: 2,
		CurrentRemotePayload: `{"count": 9}`,
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(map[string]string{"receipt": "newest_wins"}, nil)
	require.Error(t, err)
}

func TestResolveUnconfiguredEntityParksForReview(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)

	record := r.Resolve(localItem("promo_campaign"), remoteState())
	assert.Equal(t, models.StrategyManualReview, record.Resolution)
	assert.Nil(t, record.ResolvedPayload)
	assert.Equal(t, int64(2), record.RemoteVersion)
	assert.Equal(t, `{"count": 5}`, record.LocalPayload)
	assert.Equal(t, `{"count": 9}`, record.RemotePayload)
}

func TestResolveLastWriteWinsLocal(t *testing.T) {
	r, err := New(map[string]string{"stock_count": models.StrategyLastWriteWinsLocal}, nil)
	require.NoError(t, err)

	record := r.Resolve(localItem("stock_count"), remoteState())
	assert.Equal(t, models.StrategyLastWriteWinsLocal, record.Resolution)
	require.NotNil(t, record.ResolvedPayload)
	assert.Equal(t, `{"count": 5}`, *record.ResolvedPayload)
}

func TestResolveLastWriteWinsRemote(t *testing.T) {
	r, err := New(map[string]string{"price_list": models.StrategyLastWriteWinsRemote}, nil)
	require.NoError(t, err)

	record := r.Resolve(localItem("price_list"), remoteState())
	assert.Equal(t, models.StrategyLastWriteWinsRemote, record.Resolution)
	require.NotNil(t, record.ResolvedPayload)
	assert.Equal(t, `{"count": 9}`, *record.ResolvedPayload)
}

func TestResolveFieldMerge(t *testing.T) {
	r, err := New(map[string]string{"promo_campaign": models.StrategyFieldMerge}, nil)
	require.NoError(t, err)

	// Shallow JSON merge: remote base, local keys overlaid.
	r.RegisterMerge("promo_campaign", func(localPayload, remotePayload string) (string, error) {
		var local, remote map[string]any
		if err := json.Unmarshal([]byte(localPayload), &local); err != nil {
			return "", err
		}
		if err := json.Unmarshal([]byte(remotePayload), &remote); err != nil {
			return "", err
		}
		for k, v := range local {
			remote[k] = v
		}
		out, err := json.Marshal(remote)
		return string(out), err
	})

	item := localItem("promo_campaign")
	item.Payload = `{"line_a": 1}`
	remote := remoteState()
	remote.CurrentRemotePayload = `{"line_b": 2}`

	record := r.Resolve(item, remote)
	assert.Equal(t, models.StrategyAutoMerged, record.Resolution)
	require.NotNil(t, record.ResolvedPayload)
	assert.JSONEq(t, `{"line_a": 1, "line_b": 2}`, *record.ResolvedPayload)
}

func TestResolveFieldMergeWithoutFunctionParksForReview(t *testing.T) {
	r, err := New(map[string]string{"promo_campaign": models.StrategyFieldMerge}, nil)
	require.NoError(t, err)

	record := r.Resolve(localItem("promo_campaign"), remoteState())
	assert.Equal(t, models.StrategyManualReview, record.Resolution)
	assert.Nil(t, record.ResolvedPayload)
}

func TestResolveMergeErrorParksForReview(t *testing.T) {
	r, err := New(map[string]string{"promo_campaign": models.StrategyFieldMerge}, nil)
	require.NoError(t, err)
	r.RegisterMerge("promo_campaign", func(_, _ string) (string, error) {
		return "", errors.New("fields overlap")
	})

	record := r.Resolve(localItem("promo_campaign"), remoteState())
	assert.Equal(t, models.StrategyManualReview, record.Resolution)
}
