// Package protocol translates between feed wire frames and the normalized model.
//
// Inbound frames are JSON documents discriminated by "type":
//   - market_info: segment status announcement (SessionInfo)
//   - live_feed / initial_feed: per-instrument updates keyed by instrument key (MarketEvent)
//   - control, or any frame carrying a "guid" and no type: request acknowledgement (ControlAck)
//
// Each feed entry carries exactly one payload shape (ltpc, fullFeed.marketFF, fullFeed.indexFF,
// firstLevelWithGreeks). Shapes are decoded by dedicated extraction functions that only set the
// Tick fields the shape actually carries.
//
// Outbound requests are {"guid", "method", "data": {"mode", "instrumentKeys"}}.
//
// Decoding is pure: every failure is returned as *model.ProtocolError holding the raw frame.
package protocol
