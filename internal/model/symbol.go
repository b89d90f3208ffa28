package model

import "strings"

// Segment prefixes used when converting bare symbols.
const (
	SegmentEquity = "NSE_EQ"
	SegmentFO     = "NSE_FO"
	SegmentIndex  = "NSE_INDEX"
)

// SymbolToKey converts a trading symbol into its instrument key.
//
// Symbols that already contain a segment separator are returned unchanged. Symbols ending in
// "-EQ" map to the equity segment with the suffix stripped; everything else, including
// option symbols ending in CE/PE, maps to the F&O segment.
func SymbolToKey(sym Symbol) InstrumentKey {
	s := strings.TrimSpace(string(sym))
	switch {
	case strings.Contains(s, "|"):
		return InstrumentKey(s)
	case strings.HasSuffix(s, "-EQ"):
		return InstrumentKey(SegmentEquity + "|" + strings.TrimSuffix(s, "-EQ"))
	default:
		return InstrumentKey(SegmentFO + "|" + s)
	}
}

// SymbolsToKeys converts symbols in order, dropping duplicates after conversion.
func SymbolsToKeys(symbols []Symbol) []InstrumentKey {
	seen := make(map[InstrumentKey]struct{}, len(symbols))
	keys := make([]InstrumentKey, 0, len(symbols))
	for _, sym := range symbols {
		if strings.TrimSpace(string(sym)) == "" {
			continue
		}
		k := SymbolToKey(sym)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
