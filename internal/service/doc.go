// Package service composes the gatherer pipeline.
//
// A Service owns one connection manager, the subscription ledger and coordinator, the
// dispatch router and its handlers, and the background pollers that retry failed
// subscriptions and refresh the instrument universe. It is an explicit object; nothing is
// kept in package-level state.
//
// Data flow:
//
//	websocket -> connection.Manager -> router queue -> handlers (latest, timescale, redis, kafka)
//	                  |                      ^
//	          session/ack events       ledger.IsActive
//	                  v                      |
//	       subscription.Coordinator ------> ledger
package service
