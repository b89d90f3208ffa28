// Package publish fans ticks out to a kafka topic.
//
// Messages are keyed by instrument key so every update for one instrument lands
// on the same partition in arrival order. The value is the JSON form of model.Tick,
// where absent fields are omitted.
package publish
