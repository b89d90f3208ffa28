package cache

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketfeed/internal/model"
)

const niftyCE = model.InstrumentKey("NSE_FO|45678")

func TestLatestCache_MergesPresentFields(t *testing.T) {
	c := NewLatestCache()
	ctx := context.Background()

	full := model.Tick{
		Key:       niftyCE,
		Mode:      model.ModeFull,
		LastPrice: optional.Some(decimal.RequireFromString("120.5")),
		Volume:    optional.Some(int64(1000)),
		Bid:       model.Quote{Price: optional.Some(decimal.RequireFromString("120.4")), Size: optional.Some(int64(50))},
		Greeks:    optional.Some(model.Greeks{Delta: optional.Some(0.41)}),
	}
	require.NoError(t, c.Handle(ctx, full))

	ltpc := model.Tick{
		Key:        niftyCE,
		Mode:       model.ModeLTPC,
		LastPrice:  optional.Some(decimal.RequireFromString("121")),
		ReceivedAt: time.Now(),
	}
	require.NoError(t, c.Handle(ctx, ltpc))

	got, ok := c.Get(niftyCE)
	require.True(t, ok)
	assert.True(t, got.LastPrice.Unwrap().Equal(decimal.NewFromInt(121)))
	assert.Equal(t, int64(1000), got.Volume.Unwrap(), "volume kept from full tick")
	assert.Equal(t, int64(50), got.Bid.Size.Unwrap())
	assert.True(t, got.Greeks.IsSome())
	assert.Equal(t, model.ModeLTPC, got.Mode)
}

func TestLatestCache_AllRemoveLen(t *testing.T) {
	c := NewLatestCache()
	ctx := context.Background()

	keys := []model.InstrumentKey{"NSE_FO|2", "NSE_EQ|INE002A01018", "NSE_FO|1"}
	for _, k := range keys {
		require.NoError(t, c.Handle(ctx, model.Tick{Key: k}))
	}
	assert.Equal(t, 3, c.Len())

	all := c.All()
	require.Len(t, all, 3)
	assert.Equal(t, model.InstrumentKey("NSE_EQ|INE002A01018"), all[0].Key)
	assert.Equal(t, model.InstrumentKey("NSE_FO|2"), all[2].Key)

	c.Remove("NSE_FO|1", "NSE_FO|unknown")
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("NSE_FO|1")
	assert.False(t, ok)
}
