// Package universe resolves the desired instrument set.
//
// A Source loads instrument keys from static config, a text file or a Postgres query.
// The Registry keeps the last loaded set and reports what changed on each sync so the
// service can subscribe new keys and unsubscribe dropped ones.
package universe
