// Package auth provides bearer-token credentials for the market-data feed.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrNoToken is returned when neither an inline token nor a token file is configured.
var ErrNoToken = errors.New("access token is required")

// Credentials holds the OAuth access token presented to the feed.
type Credentials struct {
	Token string
}

// LoadCredentials uses token when set, otherwise reads it from tokenPath.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token != "" {
		return &Credentials{Token: token}, nil
	}
	if tokenPath == "" {
		return nil, ErrNoToken
	}

	tok, err := LoadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &Credentials{Token: tok}, nil
}

// LoadToken reads a token file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return tok, nil
}

// AuthorizationHeader returns the value of the Authorization header.
func (c *Credentials) AuthorizationHeader() string {
	return "Bearer " + c.Token
}

// Headers returns authentication headers for a REST request or websocket handshake.
func (c *Credentials) Headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", c.AuthorizationHeader())
	return h
}

// SignRequest sets the Authorization header on req.
func (c *Credentials) SignRequest(req *http.Request) {
	req.Header.Set("Authorization", c.AuthorizationHeader())
}

// String hides the token when credentials are logged.
func (c *Credentials) String() string {
	if len(c.Token) <= 4 {
		return "Bearer ****"
	}
	return "Bearer ****" + c.Token[len(c.Token)-4:]
}
