package database

import (
	"net/url"
	"strconv"

	"github.com/rickgao/marketfeed/internal/config"
)

// BuildConnString builds a PostgreSQL URL from cfg. cfg.URL wins when set.
func BuildConnString(cfg config.DBConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}
	if secs := int(cfg.ConnectTimeout.Seconds()); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// RedactConnString masks the password so the string can be logged.
func RedactConnString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "<invalid connection string>"
	}
	return u.Redacted()
}
