package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
)

func TestParseInstrumentKey(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		segment string
		token   string
	}{
		{"NSE_FO|60965", false, "NSE_FO", "60965"},
		{"NSE_INDEX|Nifty 50", false, "NSE_INDEX", "Nifty 50"},
		{"NSE_FO", true, "", ""},
		{"|123", true, "", ""},
		{"NSE_FO|", true, "", ""},
		{"A|B|C", true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, err := ParseInstrumentKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInstrumentKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if k.Segment() != tt.segment {
				t.Errorf("Segment() = %q, want %q", k.Segment(), tt.segment)
			}
			if k.Token() != tt.token {
				t.Errorf("Token() = %q, want %q", k.Token(), tt.token)
			}
		})
	}
}

func TestModeLimits(t *testing.T) {
	tests := []struct {
		mode  Mode
		limit int
	}{
		{ModeLTPC, 5000},
		{ModeFull, 2000},
		{ModeOptionGreeks, 3000},
		{ModeFullD30, 50},
		{Mode("bogus"), 0},
	}

	for _, tt := range tests {
		if got := tt.mode.Limit(); got != tt.limit {
			t.Errorf("%s.Limit() = %d, want %d", tt.mode, got, tt.limit)
		}
		if got := tt.mode.Valid(); got != (tt.limit > 0) {
			t.Errorf("%s.Valid() = %v", tt.mode, got)
		}
	}

	if _, err := ParseMode(" FULL "); err != nil {
		t.Errorf("ParseMode(FULL) error = %v", err)
	}
	if _, err := ParseMode("depth"); err == nil {
		t.Error("ParseMode(depth) should fail")
	}
	if ModeLTPC.HasGreeks() || ModeLTPC.HasDepth() {
		t.Error("ltpc should carry neither greeks nor depth")
	}
}

func TestSymbolToKey(t *testing.T) {
	tests := []struct {
		sym  Symbol
		want InstrumentKey
	}{
		{"NSE_FO|60965", "NSE_FO|60965"},
		{"RELIANCE-EQ", "NSE_EQ|RELIANCE"},
		{"NIFTY24DEC24000CE", "NSE_FO|NIFTY24DEC24000CE"},
		{"BANKNIFTY24DEC51000PE", "NSE_FO|BANKNIFTY24DEC51000PE"},
		{"NIFTY24DECFUT", "NSE_FO|NIFTY24DECFUT"},
		{"  TCS-EQ ", "NSE_EQ|TCS"},
	}

	for _, tt := range tests {
		if got := SymbolToKey(tt.sym); got != tt.want {
			t.Errorf("SymbolToKey(%q) = %q, want %q", tt.sym, got, tt.want)
		}
	}
}

func TestSymbolsToKeysDedup(t *testing.T) {
	keys := SymbolsToKeys([]Symbol{"TCS-EQ", "NSE_EQ|TCS", "", "X"})
	if len(keys) != 2 {
		t.Fatalf("len = %d, want 2 (%v)", len(keys), keys)
	}
	if keys[0] != "NSE_EQ|TCS" || keys[1] != "NSE_FO|X" {
		t.Errorf("keys = %v", keys)
	}
}

func TestStateStrings(t *testing.T) {
	if Failed.String() != "failed" || Disconnected.String() != "disconnected" {
		t.Errorf("unexpected connection state names")
	}
	if StateActive.String() != "active" {
		t.Errorf("StateActive = %q", StateActive.String())
	}
	b, _ := json.Marshal(map[string]ConnectionState{"s": Reconnecting})
	if string(b) != `{"s":"reconnecting"}` {
		t.Errorf("json = %s", b)
	}
}

func TestTickMerge(t *testing.T) {
	prev := Tick{
		Key:          "NSE_FO|1",
		LastPrice:    optional.Some(decimal.RequireFromString("100.5")),
		OpenInterest: optional.Some(int64(1200)),
		Greeks:       optional.Some(Greeks{Delta: optional.Some(0.5)}),
	}
	update := Tick{
		Key:       "NSE_FO|1",
		Mode:      ModeLTPC,
		LastPrice: optional.Some(decimal.RequireFromString("101")),
	}

	got := prev.Merge(update)
	if !got.LastPrice.Unwrap().Equal(decimal.RequireFromString("101")) {
		t.Errorf("LastPrice = %v, want 101", got.LastPrice.Unwrap())
	}
	if got.OpenInterest.IsNone() || got.OpenInterest.Unwrap() != 1200 {
		t.Errorf("OpenInterest should survive a partial update")
	}
	if got.Greeks.IsNone() {
		t.Errorf("Greeks should survive a partial update")
	}
	if got.Mode != ModeLTPC {
		t.Errorf("Mode = %q, want ltpc", got.Mode)
	}
}

func TestTickJSONOmitsAbsentFields(t *testing.T) {
	tick := Tick{
		Key:        "NSE_FO|1",
		LastPrice:  optional.Some(decimal.RequireFromString("12.35")),
		Bid:        Quote{Price: optional.Some(decimal.RequireFromString("12.3"))},
		ReceivedAt: time.Date(2024, 12, 1, 9, 15, 0, 0, time.UTC),
	}

	data, err := json.Marshal(tick)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, absent := range []string{"volume", "oi", "greeks", "ask", "open"} {
		if _, ok := raw[absent]; ok {
			t.Errorf("field %q should be omitted, got %s", absent, data)
		}
	}

	var back Tick
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal tick: %v", err)
	}
	if back.Volume.IsSome() {
		t.Error("Volume should stay absent")
	}
	if !back.Bid.Price.Unwrap().Equal(decimal.RequireFromString("12.3")) {
		t.Errorf("Bid.Price = %v", back.Bid.Price.Unwrap())
	}
	if back.Bid.Size.IsSome() {
		t.Error("Bid.Size should stay absent")
	}
}

func TestErrorTypesUnwrap(t *testing.T) {
	cause := errors.New("boom")

	var te *TransportError
	if !errors.As(fmt.Errorf("wrap: %w", &TransportError{Op: "dial", Err: cause}), &te) {
		t.Fatal("errors.As TransportError failed")
	}
	if !errors.Is(te, cause) {
		t.Error("TransportError should unwrap to cause")
	}

	pe := &ProtocolError{Reason: "bad json", Raw: []byte("{"), Err: cause}
	if !errors.Is(pe, cause) || string(pe.Raw) != "{" {
		t.Error("ProtocolError should keep raw payload and cause")
	}

	ce := &CapacityError{Mode: ModeFull, Requested: 2001, Limit: 2000}
	if ce.Error() != "mode full: 2001 instrument keys requested, limit 2000" {
		t.Errorf("CapacityError = %q", ce.Error())
	}
}

func TestJoinKeys(t *testing.T) {
	keys := []InstrumentKey{"A|1", "A|2", "A|3"}
	if got := JoinKeys(keys, 2); got != "A|1,A|2,...(+1)" {
		t.Errorf("JoinKeys = %q", got)
	}
	if got := JoinKeys(keys, 0); got != "A|1,A|2,A|3" {
		t.Errorf("JoinKeys = %q", got)
	}
}
