package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketfeed/internal/model"
)

// FeedAuthorizePath returns the one-time websocket URL for a feed session.
const FeedAuthorizePath = "/feed/market-data-feed/authorize"

// LTPPath returns last traded prices for up to 500 instrument keys.
const LTPPath = "/market-quote/ltp"

// MaxLTPKeys is the per-request key ceiling of the LTP endpoint.
const MaxLTPKeys = 500

type authorizeData struct {
	AuthorizedRedirectURI      string `json:"authorizedRedirectUri"`
	AuthorizedRedirectURISnake string `json:"authorized_redirect_uri"`
}

// AuthorizeFeed requests a websocket URL for one connection attempt.
// The URL embeds a short-lived code and must not be reused.
func (c *Client) AuthorizeFeed(ctx context.Context) (string, error) {
	var data authorizeData
	if err := c.get(ctx, FeedAuthorizePath, nil, &data); err != nil {
		return "", fmt.Errorf("authorize feed: %w", err)
	}

	uri := data.AuthorizedRedirectURI
	if uri == "" {
		uri = data.AuthorizedRedirectURISnake
	}
	if uri == "" {
		return "", errors.New("authorize feed: response has no redirect uri")
	}
	c.logger.Debug("feed authorized", "url", redactFeedURL(uri))
	return uri, nil
}

// Authorize implements connection.Authorizer.
func (c *Client) Authorize(ctx context.Context) (string, error) {
	return c.AuthorizeFeed(ctx)
}

// LTPQuote is one entry of the LTP endpoint.
type LTPQuote struct {
	InstrumentKey model.InstrumentKey `json:"instrument_token"`
	LastPrice     decimal.Decimal     `json:"last_price"`
	Volume        int64               `json:"volume"`
	PrevClose     decimal.Decimal     `json:"cp"`
}

// LTP fetches last traded prices keyed by instrument key.
// Keys the vendor does not recognise are absent from the result.
func (c *Client) LTP(ctx context.Context, keys []model.InstrumentKey) (map[model.InstrumentKey]LTPQuote, error) {
	out := make(map[model.InstrumentKey]LTPQuote, len(keys))

	for start := 0; start < len(keys); start += MaxLTPKeys {
		end := min(start+MaxLTPKeys, len(keys))

		query := url.Values{}
		query.Set("instrument_key", model.JoinKeys(keys[start:end], 0))

		// The response is keyed by a display symbol, not the instrument key.
		var data map[string]LTPQuote
		if err := c.get(ctx, LTPPath, query, &data); err != nil {
			return nil, fmt.Errorf("ltp: %w", err)
		}
		for _, q := range data {
			if q.InstrumentKey != "" {
				out[q.InstrumentKey] = q
			}
		}
	}

	return out, nil
}

// MissingKeys returns the keys absent from quotes, preserving input order.
func MissingKeys(keys []model.InstrumentKey, quotes map[model.InstrumentKey]LTPQuote) []model.InstrumentKey {
	var missing []model.InstrumentKey
	for _, k := range keys {
		if _, ok := quotes[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// redactFeedURL strips the query string, which carries the session code.
func redactFeedURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?<redacted>"
	}
	return u
}
