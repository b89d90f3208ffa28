package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/internal/model"
)

// Decode parses one inbound frame. receivedAt is stamped on every produced tick.
func Decode(raw []byte, receivedAt time.Time) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = protocolErr(raw, fmt.Sprintf("decoder panic: %v", r), nil)
		}
	}()

	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, protocolErr(raw, "empty frame", nil)
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, protocolErr(raw, "malformed json", err)
	}

	switch f.Type {
	case TypeMarketInfo:
		return decodeSessionInfo(raw, &f, receivedAt)
	case TypeLiveFeed, TypeInitialFeed:
		return decodeMarketEvent(raw, &f, receivedAt)
	case TypeControl:
		return decodeControlAck(raw, &f)
	case "":
		if f.GUID != "" {
			return decodeControlAck(raw, &f)
		}
		return nil, protocolErr(raw, "missing message type", nil)
	default:
		return nil, protocolErr(raw, fmt.Sprintf("unknown message type %q", f.Type), nil)
	}
}

func protocolErr(raw []byte, reason string, err error) *model.ProtocolError {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &model.ProtocolError{Reason: reason, Raw: cp, Err: err}
}

func decodeSessionInfo(raw []byte, f *frame, receivedAt time.Time) (Message, error) {
	if f.MarketInfo == nil {
		return nil, protocolErr(raw, "market_info without marketInfo", nil)
	}
	status := make(map[string]string, len(f.MarketInfo.SegmentStatus))
	for seg, st := range f.MarketInfo.SegmentStatus {
		status[seg] = st
	}
	return SessionInfo{
		Timestamp:     millis(f.CurrentTs),
		SegmentStatus: status,
		ReceivedAt:    receivedAt,
	}, nil
}

func decodeControlAck(raw []byte, f *frame) (Message, error) {
	if f.GUID == "" {
		return nil, protocolErr(raw, "control message without guid", nil)
	}
	ack := ControlAck{
		CorrelationID: f.GUID,
		Method:        f.Method,
	}
	switch strings.ToLower(f.Status) {
	case "success", "ok", "subscribed", "unsubscribed":
		ack.Success = true
	case "":
		ack.Success = f.Error == nil
	}
	switch {
	case f.Error != nil && f.Error.Message != "":
		ack.Reason = f.Error.Message
	case f.Error != nil:
		ack.Reason = f.Error.Code
	case !ack.Success && f.Message != "":
		ack.Reason = f.Message
	case !ack.Success:
		ack.Reason = f.Status
	}
	return ack, nil
}

func decodeMarketEvent(raw []byte, f *frame, receivedAt time.Time) (Message, error) {
	ev := MarketEvent{
		Timestamp:  millis(f.CurrentTs),
		Initial:    f.Type == TypeInitialFeed,
		Ticks:      make([]model.Tick, 0, len(f.Feeds)),
		ReceivedAt: receivedAt,
	}

	for k, feed := range f.Feeds {
		key, err := model.ParseInstrumentKey(k)
		if err != nil {
			return nil, protocolErr(raw, "bad feed key", err)
		}
		b := newTickBuilder(key, receivedAt, ev.Initial)
		if !ev.Timestamp.IsZero() {
			b.t.ExchangeTime = optional.Some(ev.Timestamp)
		}

		switch {
		case feed.LTPC != nil:
			b.mode(model.ModeLTPC)
			extractLTPC(b, feed.LTPC)
		case feed.FullFeed != nil && feed.FullFeed.MarketFF != nil:
			b.mode(model.ModeFull)
			extractMarketFF(b, feed.FullFeed.MarketFF)
		case feed.FullFeed != nil && feed.FullFeed.IndexFF != nil:
			b.mode(model.ModeFull)
			extractIndexFF(b, feed.FullFeed.IndexFF)
		case feed.FirstLevelWithGreeks != nil:
			b.mode(model.ModeOptionGreeks)
			extractFirstLevel(b, feed.FirstLevelWithGreeks)
		default:
			return nil, protocolErr(raw, fmt.Sprintf("feed %s has no recognised payload", key), nil)
		}

		if m, err := model.ParseMode(feed.RequestMode); err == nil {
			b.mode(m)
		}
		ev.Ticks = append(ev.Ticks, b.t)
	}

	sort.Slice(ev.Ticks, func(i, j int) bool { return ev.Ticks[i].Key < ev.Ticks[j].Key })
	return ev, nil
}

// -----------------------------------------------------------------------------
// Per-shape extraction
// -----------------------------------------------------------------------------

type tickBuilder struct {
	t model.Tick
}

func newTickBuilder(key model.InstrumentKey, receivedAt time.Time, initial bool) *tickBuilder {
	return &tickBuilder{t: model.Tick{Key: key, ReceivedAt: receivedAt, InitialUpdate: initial}}
}

func (b *tickBuilder) mode(m model.Mode) { b.t.Mode = m }

func extractLTPC(b *tickBuilder, w *wireLTPC) {
	if w == nil {
		return
	}
	b.t.LastPrice = price(w.LTP)
	b.t.LastQty = integer(w.LTQ)
	if w.LTT != nil {
		b.t.LastTradeTime = optional.Some(millis(w.LTT))
	}
	b.t.PrevClose = price(w.CP)
}

func extractMarketFF(b *tickBuilder, w *wireMarketFF) {
	extractLTPC(b, w.LTPC)
	if w.MarketLevel != nil {
		extractDepth(b, w.MarketLevel.BidAskQuote)
	}
	extractGreeks(b, w.OptionGreeks)
	extractDayOHLC(b, w.MarketOHLC)
	b.t.AvgPrice = price(w.ATP)
	b.t.Volume = integer(w.VTT)
	b.t.OpenInterest = integer(w.OI)
	b.t.ImpliedVol = float(w.IV)
	b.t.TotalBuyQty = integer(w.TBQ)
	b.t.TotalSellQty = integer(w.TSQ)
}

func extractIndexFF(b *tickBuilder, w *wireIndexFF) {
	extractLTPC(b, w.LTPC)
	extractDayOHLC(b, w.MarketOHLC)
}

func extractFirstLevel(b *tickBuilder, w *wireFirstLevel) {
	extractLTPC(b, w.LTPC)
	if w.FirstDepth != nil {
		extractDepth(b, []wireQuote{*w.FirstDepth})
	}
	extractGreeks(b, w.OptionGreeks)
	b.t.Volume = integer(w.VTT)
	b.t.OpenInterest = integer(w.OI)
	b.t.ImpliedVol = float(w.IV)
}

func extractDepth(b *tickBuilder, quotes []wireQuote) {
	if len(quotes) == 0 {
		return
	}
	levels := make([]model.DepthLevel, len(quotes))
	for i, q := range quotes {
		levels[i] = model.DepthLevel{
			Bid: model.Quote{Price: price(q.BidP), Size: integer(q.BidQ)},
			Ask: model.Quote{Price: price(q.AskP), Size: integer(q.AskQ)},
		}
	}
	b.t.Depth = levels
	b.t.Bid = levels[0].Bid
	b.t.Ask = levels[0].Ask
}

func extractGreeks(b *tickBuilder, w *wireGreeks) {
	if w == nil {
		return
	}
	b.t.Greeks = optional.Some(model.Greeks{
		Delta: float(w.Delta),
		Theta: float(w.Theta),
		Gamma: float(w.Gamma),
		Vega:  float(w.Vega),
		Rho:   float(w.Rho),
	})
}

// extractDayOHLC takes the "1d" candle; intraday candles are ignored.
func extractDayOHLC(b *tickBuilder, w *wireOHLCList) {
	if w == nil {
		return
	}
	for _, c := range w.OHLC {
		if c.Interval != "1d" {
			continue
		}
		b.t.Open = price(c.Open)
		b.t.High = price(c.High)
		b.t.Low = price(c.Low)
		b.t.Close = price(c.Close)
		if b.t.Volume.IsNone() {
			b.t.Volume = integer(c.Vol)
		}
		return
	}
}

func price(n *wireNum) optional.Option[decimal.Decimal] {
	if n == nil {
		return optional.None[decimal.Decimal]()
	}
	return optional.Some(decimal.NewFromFloat(float64(*n)))
}

func integer(n *wireInt) optional.Option[int64] {
	if n == nil {
		return optional.None[int64]()
	}
	return optional.Some(int64(*n))
}

func float(n *wireNum) optional.Option[float64] {
	if n == nil {
		return optional.None[float64]()
	}
	return optional.Some(float64(*n))
}

func millis(n *wireInt) time.Time {
	if n == nil || *n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(*n)).UTC()
}
