// Package model defines shared data types used across the market feed gatherer.
//
// Conventions:
//   - Instrument keys: venue-qualified "SEGMENT|token" strings (e.g. "NSE_FO|60965")
//   - Prices: shopspring decimal values, never float64
//   - Numeric tick fields: optional.Option values; a field the feed did not send is None, not zero
//   - Timestamps: time.Time in UTC
package model
