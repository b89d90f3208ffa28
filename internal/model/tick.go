package model

import (
	"encoding/json"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
)

// Quote is one price level of the order book.
type Quote struct {
	Price optional.Option[decimal.Decimal]
	Size  optional.Option[int64]
}

// DepthLevel is a bid/ask pair at one book level.
type DepthLevel struct {
	Bid Quote
	Ask Quote
}

// Greeks holds option sensitivities.
type Greeks struct {
	Delta optional.Option[float64]
	Theta optional.Option[float64]
	Gamma optional.Option[float64]
	Vega  optional.Option[float64]
	Rho   optional.Option[float64]
}

// Tick is one normalized market-data event for a single instrument.
type Tick struct {
	Key  InstrumentKey
	Mode Mode // mode implied by the payload shape that produced the tick

	LastPrice     optional.Option[decimal.Decimal]
	LastQty       optional.Option[int64]
	LastTradeTime optional.Option[time.Time]
	PrevClose     optional.Option[decimal.Decimal]

	// Day OHLC
	Open  optional.Option[decimal.Decimal]
	High  optional.Option[decimal.Decimal]
	Low   optional.Option[decimal.Decimal]
	Close optional.Option[decimal.Decimal]

	Volume        optional.Option[int64]
	OpenInterest  optional.Option[int64]
	ImpliedVol    optional.Option[float64]
	AvgPrice      optional.Option[decimal.Decimal]
	TotalBuyQty   optional.Option[int64]
	TotalSellQty  optional.Option[int64]
	Bid           Quote
	Ask           Quote
	Depth         []DepthLevel
	Greeks        optional.Option[Greeks]
	ExchangeTime  optional.Option[time.Time]
	ReceivedAt    time.Time
	InitialUpdate bool // part of the snapshot sent right after subscribing
}

// Merge returns t with every field present in update overlaid on it.
// Fields absent in update keep their previous value.
func (t Tick) Merge(update Tick) Tick {
	out := t
	out.Key = update.Key
	if update.Mode != "" {
		out.Mode = update.Mode
	}
	overlay(&out.LastPrice, update.LastPrice)
	overlay(&out.LastQty, update.LastQty)
	overlay(&out.LastTradeTime, update.LastTradeTime)
	overlay(&out.PrevClose, update.PrevClose)
	overlay(&out.Open, update.Open)
	overlay(&out.High, update.High)
	overlay(&out.Low, update.Low)
	overlay(&out.Close, update.Close)
	overlay(&out.Volume, update.Volume)
	overlay(&out.OpenInterest, update.OpenInterest)
	overlay(&out.ImpliedVol, update.ImpliedVol)
	overlay(&out.AvgPrice, update.AvgPrice)
	overlay(&out.TotalBuyQty, update.TotalBuyQty)
	overlay(&out.TotalSellQty, update.TotalSellQty)
	overlay(&out.Bid.Price, update.Bid.Price)
	overlay(&out.Bid.Size, update.Bid.Size)
	overlay(&out.Ask.Price, update.Ask.Price)
	overlay(&out.Ask.Size, update.Ask.Size)
	if len(update.Depth) > 0 {
		out.Depth = update.Depth
	}
	overlay(&out.Greeks, update.Greeks)
	overlay(&out.ExchangeTime, update.ExchangeTime)
	if !update.ReceivedAt.IsZero() {
		out.ReceivedAt = update.ReceivedAt
	}
	out.InitialUpdate = update.InitialUpdate
	return out
}

func overlay[T any](dst *optional.Option[T], src optional.Option[T]) {
	if src.IsSome() {
		*dst = src
	}
}

// Ptr converts an option into a pointer, nil when absent.
func Ptr[T any](o optional.Option[T]) *T {
	if o.IsNone() {
		return nil
	}
	v := o.Unwrap()
	return &v
}

// FromPtr converts a pointer into an option, None when nil.
func FromPtr[T any](p *T) optional.Option[T] {
	if p == nil {
		return optional.None[T]()
	}
	return optional.Some(*p)
}

type quoteJSON struct {
	Price *decimal.Decimal `json:"price,omitempty"`
	Size  *int64           `json:"size,omitempty"`
}

type greeksJSON struct {
	Delta *float64 `json:"delta,omitempty"`
	Theta *float64 `json:"theta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`
	Vega  *float64 `json:"vega,omitempty"`
	Rho   *float64 `json:"rho,omitempty"`
}

type depthJSON struct {
	Bid quoteJSON `json:"bid"`
	Ask quoteJSON `json:"ask"`
}

type tickJSON struct {
	Key           InstrumentKey    `json:"instrument_key"`
	Mode          Mode             `json:"mode,omitempty"`
	LastPrice     *decimal.Decimal `json:"ltp,omitempty"`
	LastQty       *int64           `json:"ltq,omitempty"`
	LastTradeTime *time.Time       `json:"ltt,omitempty"`
	PrevClose     *decimal.Decimal `json:"cp,omitempty"`
	Open          *decimal.Decimal `json:"open,omitempty"`
	High          *decimal.Decimal `json:"high,omitempty"`
	Low           *decimal.Decimal `json:"low,omitempty"`
	Close         *decimal.Decimal `json:"close,omitempty"`
	Volume        *int64           `json:"volume,omitempty"`
	OpenInterest  *int64           `json:"oi,omitempty"`
	ImpliedVol    *float64         `json:"iv,omitempty"`
	AvgPrice      *decimal.Decimal `json:"atp,omitempty"`
	TotalBuyQty   *int64           `json:"tbq,omitempty"`
	TotalSellQty  *int64           `json:"tsq,omitempty"`
	Bid           *quoteJSON       `json:"bid,omitempty"`
	Ask           *quoteJSON       `json:"ask,omitempty"`
	Depth         []depthJSON      `json:"depth,omitempty"`
	Greeks        *greeksJSON      `json:"greeks,omitempty"`
	ExchangeTime  *time.Time       `json:"exchange_ts,omitempty"`
	ReceivedAt    time.Time        `json:"received_at"`
	Initial       bool             `json:"initial,omitempty"`
}

func quoteToJSON(q Quote) *quoteJSON {
	if q.Price.IsNone() && q.Size.IsNone() {
		return nil
	}
	return &quoteJSON{Price: Ptr(q.Price), Size: Ptr(q.Size)}
}

func quoteFromJSON(q *quoteJSON) Quote {
	if q == nil {
		return Quote{}
	}
	return Quote{Price: FromPtr(q.Price), Size: FromPtr(q.Size)}
}

// MarshalJSON encodes the tick with absent fields omitted.
func (t Tick) MarshalJSON() ([]byte, error) {
	out := tickJSON{
		Key:           t.Key,
		Mode:          t.Mode,
		LastPrice:     Ptr(t.LastPrice),
		LastQty:       Ptr(t.LastQty),
		LastTradeTime: Ptr(t.LastTradeTime),
		PrevClose:     Ptr(t.PrevClose),
		Open:          Ptr(t.Open),
		High:          Ptr(t.High),
		Low:           Ptr(t.Low),
		Close:         Ptr(t.Close),
		Volume:        Ptr(t.Volume),
		OpenInterest:  Ptr(t.OpenInterest),
		ImpliedVol:    Ptr(t.ImpliedVol),
		AvgPrice:      Ptr(t.AvgPrice),
		TotalBuyQty:   Ptr(t.TotalBuyQty),
		TotalSellQty:  Ptr(t.TotalSellQty),
		Bid:           quoteToJSON(t.Bid),
		Ask:           quoteToJSON(t.Ask),
		ExchangeTime:  Ptr(t.ExchangeTime),
		ReceivedAt:    t.ReceivedAt,
		Initial:       t.InitialUpdate,
	}
	for _, lvl := range t.Depth {
		d := depthJSON{}
		if q := quoteToJSON(lvl.Bid); q != nil {
			d.Bid = *q
		}
		if q := quoteToJSON(lvl.Ask); q != nil {
			d.Ask = *q
		}
		out.Depth = append(out.Depth, d)
	}
	if t.Greeks.IsSome() {
		g := t.Greeks.Unwrap()
		out.Greeks = &greeksJSON{
			Delta: Ptr(g.Delta),
			Theta: Ptr(g.Theta),
			Gamma: Ptr(g.Gamma),
			Vega:  Ptr(g.Vega),
			Rho:   Ptr(g.Rho),
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the format produced by MarshalJSON.
func (t *Tick) UnmarshalJSON(data []byte) error {
	var in tickJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*t = Tick{
		Key:           in.Key,
		Mode:          in.Mode,
		LastPrice:     FromPtr(in.LastPrice),
		LastQty:       FromPtr(in.LastQty),
		LastTradeTime: FromPtr(in.LastTradeTime),
		PrevClose:     FromPtr(in.PrevClose),
		Open:          FromPtr(in.Open),
		High:          FromPtr(in.High),
		Low:           FromPtr(in.Low),
		Close:         FromPtr(in.Close),
		Volume:        FromPtr(in.Volume),
		OpenInterest:  FromPtr(in.OpenInterest),
		ImpliedVol:    FromPtr(in.ImpliedVol),
		AvgPrice:      FromPtr(in.AvgPrice),
		TotalBuyQty:   FromPtr(in.TotalBuyQty),
		TotalSellQty:  FromPtr(in.TotalSellQty),
		Bid:           quoteFromJSON(in.Bid),
		Ask:           quoteFromJSON(in.Ask),
		ExchangeTime:  FromPtr(in.ExchangeTime),
		ReceivedAt:    in.ReceivedAt,
		InitialUpdate: in.Initial,
	}
	for i := range in.Depth {
		t.Depth = append(t.Depth, DepthLevel{
			Bid: quoteFromJSON(&in.Depth[i].Bid),
			Ask: quoteFromJSON(&in.Depth[i].Ask),
		})
	}
	if in.Greeks != nil {
		t.Greeks = optional.Some(Greeks{
			Delta: FromPtr(in.Greeks.Delta),
			Theta: FromPtr(in.Greeks.Theta),
			Gamma: FromPtr(in.Greeks.Gamma),
			Vega:  FromPtr(in.Greeks.Vega),
			Rho:   FromPtr(in.Greeks.Rho),
		})
	}
	return nil
}
