package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketfeed/internal/model"
)

var recv = time.Date(2024, 12, 2, 9, 30, 0, 0, time.UTC)

func decodeEvent(t *testing.T, raw string) MarketEvent {
	t.Helper()
	msg, err := Decode([]byte(raw), recv)
	require.NoError(t, err)
	require.Equal(t, KindMarketEvent, msg.Kind())
	return msg.(MarketEvent)
}

func TestDecodeLTPCLeavesRicherFieldsAbsent(t *testing.T) {
	ev := decodeEvent(t, `{
		"type": "live_feed",
		"currentTs": "1733131800000",
		"feeds": {
			"NSE_FO|60965": {"ltpc": {"ltp": 112.45, "ltt": "1733131799000", "ltq": "75", "cp": 110.1}}
		}
	}`)

	require.Len(t, ev.Ticks, 1)
	tick := ev.Ticks[0]
	assert.Equal(t, model.InstrumentKey("NSE_FO|60965"), tick.Key)
	assert.Equal(t, model.ModeLTPC, tick.Mode)
	assert.True(t, tick.LastPrice.Unwrap().Equal(decimal.RequireFromString("112.45")))
	assert.Equal(t, int64(75), tick.LastQty.Unwrap())
	assert.Equal(t, time.UnixMilli(1733131799000).UTC(), tick.LastTradeTime.Unwrap())
	assert.Equal(t, recv, tick.ReceivedAt)
	assert.False(t, ev.Initial)

	assert.True(t, tick.Volume.IsNone(), "volume")
	assert.True(t, tick.OpenInterest.IsNone(), "oi")
	assert.True(t, tick.ImpliedVol.IsNone(), "iv")
	assert.True(t, tick.Greeks.IsNone(), "greeks")
	assert.True(t, tick.Bid.Price.IsNone(), "bid")
	assert.True(t, tick.Ask.Size.IsNone(), "ask")
	assert.True(t, tick.Open.IsNone(), "open")
	assert.Empty(t, tick.Depth)
}

func TestDecodeMarketFullFeed(t *testing.T) {
	ev := decodeEvent(t, `{
		"type": "initial_feed",
		"feeds": {
			"NSE_FO|1": {"fullFeed": {"marketFF": {
				"ltpc": {"ltp": 10.5, "cp": 9.0},
				"marketLevel": {"bidAskQuote": [
					{"bidQ": "150", "bidP": 10.4, "askQ": "75", "askP": 10.6},
					{"bidQ": "300", "bidP": 10.3, "askQ": "225", "askP": 10.7}
				]},
				"optionGreeks": {"delta": 0.42, "theta": -3.1, "gamma": 0.002, "vega": 8.5, "rho": 0.7},
				"marketOHLC": {"ohlc": [
					{"interval": "I1", "open": 10.1, "high": 10.6, "low": 10.0, "close": 10.5},
					{"interval": "1d", "open": 9.5, "high": 11.0, "low": 9.2, "close": 10.5}
				]},
				"atp": 10.2, "vtt": "125000", "oi": 560000, "iv": 0.153, "tbq": 42000, "tsq": 39000
			}}, "requestMode": "full"}
		}
	}`)

	require.Len(t, ev.Ticks, 1)
	tick := ev.Ticks[0]
	assert.True(t, ev.Initial)
	assert.True(t, tick.InitialUpdate)
	assert.Equal(t, model.ModeFull, tick.Mode)
	require.Len(t, tick.Depth, 2)
	assert.Equal(t, int64(150), tick.Bid.Size.Unwrap())
	assert.True(t, tick.Ask.Price.Unwrap().Equal(decimal.RequireFromString("10.6")))
	assert.True(t, tick.Open.Unwrap().Equal(decimal.RequireFromString("9.5")), "day candle, not intraday")
	assert.True(t, tick.High.Unwrap().Equal(decimal.RequireFromString("11")))
	assert.Equal(t, int64(125000), tick.Volume.Unwrap())
	assert.Equal(t, int64(560000), tick.OpenInterest.Unwrap())
	assert.InDelta(t, 0.153, tick.ImpliedVol.Unwrap(), 1e-9)
	assert.Equal(t, int64(42000), tick.TotalBuyQty.Unwrap())

	require.True(t, tick.Greeks.IsSome())
	g := tick.Greeks.Unwrap()
	assert.InDelta(t, 0.42, g.Delta.Unwrap(), 1e-9)
	assert.InDelta(t, 0.7, g.Rho.Unwrap(), 1e-9)
	assert.True(t, tick.LastQty.IsNone())
}

func TestDecodeLargeIntegersAreExact(t *testing.T) {
	ev := decodeEvent(t, `{
		"type": "live_feed",
		"currentTs": "1733131800123",
		"feeds": {
			"NSE_FO|1": {"fullFeed": {"marketFF": {
				"ltpc": {"ltp": 10.5, "ltq": "9007199254740993"},
				"vtt": "9223372036854775807", "oi": 1200.0, "tbq": "42000.0"
			}}, "requestMode": "full"}
		}
	}`)

	tick := ev.Ticks[0]
	assert.Equal(t, int64(9007199254740993), tick.LastQty.Unwrap())
	assert.Equal(t, int64(9223372036854775807), tick.Volume.Unwrap())
	assert.Equal(t, int64(1200), tick.OpenInterest.Unwrap())
	assert.Equal(t, int64(42000), tick.TotalBuyQty.Unwrap())
	assert.Equal(t, time.UnixMilli(1733131800123).UTC(), ev.Timestamp)
}

func TestDecodeIndexAndGreeksFeeds(t *testing.T) {
	ev := decodeEvent(t, `{
		"type": "live_feed",
		"feeds": {
			"NSE_INDEX|Nifty 50": {"fullFeed": {"indexFF": {
				"ltpc": {"ltp": 24321.5},
				"marketOHLC": {"ohlc": [{"interval": "1d", "open": 24200, "high": 24400, "low": 24150, "close": 24321.5}]}
			}}},
			"NSE_FO|2": {"firstLevelWithGreeks": {
				"ltpc": {"ltp": 55},
				"firstDepth": {"bidQ": "50", "bidP": 54.9, "askQ": "25", "askP": 55.1},
				"optionGreeks": {"delta": -0.3},
				"vtt": "900", "oi": 1200, "iv": 0.2
			}}
		}
	}`)

	require.Len(t, ev.Ticks, 2)
	// sorted by key
	opt, idx := ev.Ticks[0], ev.Ticks[1]
	assert.Equal(t, model.InstrumentKey("NSE_FO|2"), opt.Key)
	assert.Equal(t, model.ModeOptionGreeks, opt.Mode)
	require.Len(t, opt.Depth, 1)
	assert.Equal(t, int64(25), opt.Ask.Size.Unwrap())
	assert.True(t, opt.Greeks.Unwrap().Gamma.IsNone())
	assert.True(t, opt.TotalBuyQty.IsNone())

	assert.Equal(t, model.InstrumentKey("NSE_INDEX|Nifty 50"), idx.Key)
	assert.True(t, idx.Close.Unwrap().Equal(decimal.RequireFromString("24321.5")))
	assert.True(t, idx.Greeks.IsNone())
	assert.True(t, idx.OpenInterest.IsNone())
	assert.Empty(t, idx.Depth)
}

func TestDecodeSessionInfo(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"market_info","currentTs":"1733131800000",
		"marketInfo":{"segmentStatus":{"NSE_FO":"NORMAL_OPEN","NSE_EQ":"CLOSING_END"}}}`), recv)
	require.NoError(t, err)

	info, ok := msg.(SessionInfo)
	require.True(t, ok)
	assert.Equal(t, "NORMAL_OPEN", info.SegmentStatus["NSE_FO"])
	assert.Equal(t, time.UnixMilli(1733131800000).UTC(), info.Timestamp)
}

func TestDecodeControlAck(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		success bool
		reason  string
	}{
		{"success", `{"type":"control","guid":"abc","method":"sub","status":"success"}`, true, ""},
		{"untyped", `{"guid":"abc","method":"sub","status":"success"}`, true, ""},
		{"failed with error", `{"guid":"abc","method":"sub","status":"failed","error":{"code":"E1","message":"limit exceeded"}}`, false, "limit exceeded"},
		{"failed with message", `{"guid":"abc","method":"unsub","status":"error","message":"bad key"}`, false, "bad key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw), recv)
			require.NoError(t, err)
			ack, ok := msg.(ControlAck)
			require.True(t, ok)
			assert.Equal(t, "abc", ack.CorrelationID)
			assert.Equal(t, tt.success, ack.Success)
			assert.Equal(t, tt.reason, ack.Reason)
		})
	}
}

func TestDecodeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"whitespace", "  \n"},
		{"malformed", `{"type":`},
		{"not an object", `[1,2,3]`},
		{"unknown type", `{"type":"heartbeat"}`},
		{"no type no guid", `{"foo":1}`},
		{"market_info without body", `{"type":"market_info"}`},
		{"bad feed key", `{"type":"live_feed","feeds":{"bogus":{"ltpc":{"ltp":1}}}}`},
		{"feed without payload", `{"type":"live_feed","feeds":{"NSE_FO|1":{}}}`},
		{"bad number", `{"type":"live_feed","feeds":{"NSE_FO|1":{"ltpc":{"ltp":"abc"}}}}`},
		{"control without guid", `{"type":"control","status":"success"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw), recv)
			require.Error(t, err)
			assert.Nil(t, msg)

			var pe *model.ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.raw, string(pe.Raw))
		})
	}
}

func TestDecodeEmptyFeedBatch(t *testing.T) {
	ev := decodeEvent(t, `{"type":"live_feed","feeds":{}}`)
	assert.Empty(t, ev.Ticks)
}
