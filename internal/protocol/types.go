package protocol

import (
	"bytes"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/internal/model"
)

// Inbound message types.
const (
	TypeMarketInfo  = "market_info"
	TypeLiveFeed    = "live_feed"
	TypeInitialFeed = "initial_feed"
	TypeControl     = "control"
)

// Outbound request methods.
const (
	MethodSubscribe   = "sub"
	MethodUnsubscribe = "unsub"
	MethodChangeMode  = "change_mode"
)

// Kind tags the decoded message variant.
type Kind int

const (
	KindSessionInfo Kind = iota + 1
	KindMarketEvent
	KindControlAck
)

func (k Kind) String() string {
	switch k {
	case KindSessionInfo:
		return "session_info"
	case KindMarketEvent:
		return "market_event"
	case KindControlAck:
		return "control_ack"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound frame: SessionInfo, MarketEvent or ControlAck.
type Message interface {
	Kind() Kind
}

// SessionInfo announces per-segment market status.
type SessionInfo struct {
	Timestamp     time.Time
	SegmentStatus map[string]string // segment -> status, e.g. "NSE_FO" -> "NORMAL_OPEN"
	ReceivedAt    time.Time
}

func (SessionInfo) Kind() Kind { return KindSessionInfo }

// MarketEvent is a batch of per-instrument updates from one frame.
type MarketEvent struct {
	Timestamp  time.Time    // exchange time of the frame, zero if absent
	Initial    bool         // snapshot sent after subscribing
	Ticks      []model.Tick // sorted by instrument key
	ReceivedAt time.Time
}

func (MarketEvent) Kind() Kind { return KindMarketEvent }

// ControlAck acknowledges a request by correlation id.
type ControlAck struct {
	CorrelationID string
	Method        string
	Success       bool
	Reason        string
}

func (ControlAck) Kind() Kind { return KindControlAck }

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

// wireNum accepts both JSON numbers and quoted numbers. Used for prices, IV and greeks.
type wireNum float64

func (n *wireNum) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*n = wireNum(v)
	return nil
}

// wireInt holds quantities, volumes and epoch millis. 64-bit integers arrive as strings and
// are parsed exactly; a decimal literal such as "1200.0" is truncated to its integer part.
type wireInt int64

func (n *wireInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if v, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*n = wireInt(v)
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return err
	}
	*n = wireInt(d.IntPart())
	return nil
}

type frame struct {
	Type       string              `json:"type"`
	CurrentTs  *wireInt            `json:"currentTs"`
	Feeds      map[string]wireFeed `json:"feeds"`
	MarketInfo *wireMarketInfo     `json:"marketInfo"`

	// control acknowledgement
	GUID    string        `json:"guid"`
	Method  string        `json:"method"`
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Error   *wireAckError `json:"error"`
}

type wireAckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireMarketInfo struct {
	SegmentStatus map[string]string `json:"segmentStatus"`
}

type wireFeed struct {
	LTPC                 *wireLTPC       `json:"ltpc"`
	FullFeed             *wireFullFeed   `json:"fullFeed"`
	FirstLevelWithGreeks *wireFirstLevel `json:"firstLevelWithGreeks"`
	RequestMode          string          `json:"requestMode"`
}

type wireLTPC struct {
	LTP *wireNum `json:"ltp"`
	LTT *wireInt `json:"ltt"`
	LTQ *wireInt `json:"ltq"`
	CP  *wireNum `json:"cp"`
}

type wireFullFeed struct {
	MarketFF *wireMarketFF `json:"marketFF"`
	IndexFF  *wireIndexFF  `json:"indexFF"`
}

type wireMarketFF struct {
	LTPC         *wireLTPC        `json:"ltpc"`
	MarketLevel  *wireMarketLevel `json:"marketLevel"`
	OptionGreeks *wireGreeks      `json:"optionGreeks"`
	MarketOHLC   *wireOHLCList    `json:"marketOHLC"`
	ATP          *wireNum         `json:"atp"`
	VTT          *wireInt         `json:"vtt"`
	OI           *wireInt         `json:"oi"`
	IV           *wireNum         `json:"iv"`
	TBQ          *wireInt         `json:"tbq"`
	TSQ          *wireInt         `json:"tsq"`
}

type wireIndexFF struct {
	LTPC       *wireLTPC     `json:"ltpc"`
	MarketOHLC *wireOHLCList `json:"marketOHLC"`
}

type wireFirstLevel struct {
	LTPC         *wireLTPC   `json:"ltpc"`
	FirstDepth   *wireQuote  `json:"firstDepth"`
	OptionGreeks *wireGreeks `json:"optionGreeks"`
	VTT          *wireInt    `json:"vtt"`
	OI           *wireInt    `json:"oi"`
	IV           *wireNum    `json:"iv"`
}

type wireMarketLevel struct {
	BidAskQuote []wireQuote `json:"bidAskQuote"`
}

type wireQuote struct {
	BidQ *wireInt `json:"bidQ"`
	BidP *wireNum `json:"bidP"`
	AskQ *wireInt `json:"askQ"`
	AskP *wireNum `json:"askP"`
}

type wireGreeks struct {
	Delta *wireNum `json:"delta"`
	Theta *wireNum `json:"theta"`
	Gamma *wireNum `json:"gamma"`
	Vega  *wireNum `json:"vega"`
	Rho   *wireNum `json:"rho"`
}

type wireOHLCList struct {
	OHLC []wireOHLC `json:"ohlc"`
}

type wireOHLC struct {
	Interval string   `json:"interval"`
	Open     *wireNum `json:"open"`
	High     *wireNum `json:"high"`
	Low      *wireNum `json:"low"`
	Close    *wireNum `json:"close"`
	Vol      *wireInt `json:"vol"`
	Ts       *wireInt `json:"ts"`
}

// Request is an outbound control message.
type Request struct {
	GUID   string      `json:"guid"`
	Method string      `json:"method"`
	Data   RequestData `json:"data"`
}

// RequestData carries the mode and instrument list of a request.
type RequestData struct {
	Mode           model.Mode            `json:"mode,omitempty"`
	InstrumentKeys []model.InstrumentKey `json:"instrumentKeys"`
}
