package model

import (
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Instruments
// -----------------------------------------------------------------------------

// InstrumentKey is a venue-qualified instrument identifier ("NSE_FO|60965").
type InstrumentKey string

// ParseInstrumentKey validates the SEGMENT|token shape.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	seg, tok, ok := strings.Cut(s, "|")
	if !ok || seg == "" || tok == "" || strings.Contains(tok, "|") {
		return "", fmt.Errorf("invalid instrument key %q", s)
	}
	return InstrumentKey(s), nil
}

// Segment returns the exchange segment part of the key.
func (k InstrumentKey) Segment() string {
	seg, _, _ := strings.Cut(string(k), "|")
	return seg
}

// Token returns the part after the segment separator.
func (k InstrumentKey) Token() string {
	_, tok, _ := strings.Cut(string(k), "|")
	return tok
}

func (k InstrumentKey) String() string { return string(k) }

// Symbol is a human-readable trading identifier (e.g. "NIFTY24DEC24000CE", "RELIANCE-EQ").
type Symbol string

// -----------------------------------------------------------------------------
// Subscription modes
// -----------------------------------------------------------------------------

// Mode is the capability tier requested for a set of instrument keys.
type Mode string

const (
	ModeLTPC         Mode = "ltpc"
	ModeFull         Mode = "full"
	ModeOptionGreeks Mode = "option_greeks"
	ModeFullD30      Mode = "full_d30"
)

// Per-mode ceilings on concurrently subscribed keys.
const (
	LimitLTPC         = 5000
	LimitFull         = 2000
	LimitOptionGreeks = 3000
	LimitFullD30      = 50
)

// ParseMode returns the Mode named by s.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown subscription mode %q", s)
	}
	return m, nil
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m.Limit() > 0
}

// Limit returns the maximum number of instrument keys the mode may cover, or 0 for unknown modes.
func (m Mode) Limit() int {
	switch m {
	case ModeLTPC:
		return LimitLTPC
	case ModeFull:
		return LimitFull
	case ModeOptionGreeks:
		return LimitOptionGreeks
	case ModeFullD30:
		return LimitFullD30
	default:
		return 0
	}
}

// HasGreeks reports whether ticks in this mode carry option greeks.
func (m Mode) HasGreeks() bool {
	return m == ModeFull || m == ModeOptionGreeks || m == ModeFullD30
}

// HasDepth reports whether ticks in this mode carry bid/ask depth.
func (m Mode) HasDepth() bool {
	return m != ModeLTPC
}

// -----------------------------------------------------------------------------
// Subscription state
// -----------------------------------------------------------------------------

// SubscriptionState is the ledger state of one instrument key.
type SubscriptionState int

const (
	StatePending SubscriptionState = iota
	StateActive
	StateFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int(s))
	}
}

// SubscriptionRecord is the per-key subscription state held by the ledger.
type SubscriptionRecord struct {
	Key         InstrumentKey
	Mode        Mode
	State       SubscriptionState
	LastAttempt time.Time // zero until the first send
	Attempts    int
}

// -----------------------------------------------------------------------------
// Connection state
// -----------------------------------------------------------------------------

// ConnectionState is the lifecycle state of the feed connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status documents.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
