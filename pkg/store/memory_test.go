package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpsertAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "candles/bybit/BTCUSDT/1h", "1700000000000",
		map[string]interface{}{"open": 100.0, "close": 101.0}, true))

	doc, err := m.Get(ctx, "candles/bybit/BTCUSDT/1h", "1700000000000")
	require.NoError(t, err)
	assert.Equal(t, 100.0, doc["open"])
	assert.Contains(t, doc, "updated_at", "server-assigned timestamp expected")
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "candles", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMergePreservesFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "system_health", "ingestd",
		map[string]interface{}{"status": "ok", "exchange": "bybit"}, true))
	require.NoError(t, m.Upsert(ctx, "system_health", "ingestd",
		map[string]interface{}{"status": "degraded"}, true))

	doc, err := m.Get(ctx, "system_health", "ingestd")
	require.NoError(t, err)
	assert.Equal(t, "degraded", doc["status"])
	assert.Equal(t, "bybit", doc["exchange"], "merge must keep untouched fields")
}

func TestMemoryReplaceDropsFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "system_health", "ingestd",
		map[string]interface{}{"status": "ok", "exchange": "bybit"}, true))
	require.NoError(t, m.Upsert(ctx, "system_health", "ingestd",
		map[string]interface{}{"status": "ok"}, false))

	doc, err := m.Get(ctx, "system_health", "ingestd")
	require.NoError(t, err)
	assert.NotContains(t, doc, "exchange")
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "c", "d", map[string]interface{}{"v": 1}, true))
	doc, err := m.Get(ctx, "c", "d")
	require.NoError(t, err)
	doc["v"] = 2

	again, err := m.Get(ctx, "c", "d")
	require.NoError(t, err)
	assert.Equal(t, 1, again["v"])
}
