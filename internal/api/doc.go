// Package api provides the REST client for the market-data vendor.
//
// Endpoints used:
//   - GET /feed/market-data-feed/authorize: one-time websocket URL for a feed session
//   - GET /market-quote/ltp: last traded price snapshot, used to verify instrument keys
//
// All requests carry the bearer access token. 5xx and 429 responses are retried
// with jittered exponential backoff.
package api
