package model

import (
	"fmt"
	"strings"
)

// TransportError is a handshake, authorization or network failure. It drives reconnection.
type TransportError struct {
	Op  string // "authorize", "dial", "read", "write", "keepalive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unrecognized wire message. The frame is skipped.
type ProtocolError struct {
	Reason string
	Raw    []byte // offending payload
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SubscriptionError is a batch that failed to send or was rejected.
type SubscriptionError struct {
	Method string // "sub", "unsub", "change_mode"
	Keys   []InstrumentKey
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s batch of %d keys: %v", e.Method, len(e.Keys), e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// HandlerError is a failure of one handler to process one tick.
type HandlerError struct {
	Handler string
	Key     InstrumentKey
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %s: %v", e.Handler, e.Key, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CapacityError is a request for more keys under a mode than its ceiling allows.
type CapacityError struct {
	Mode      Mode
	Requested int
	Limit     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("mode %s: %d instrument keys requested, limit %d", e.Mode, e.Requested, e.Limit)
}

// JoinKeys renders keys for log lines, truncated after n entries.
func JoinKeys(keys []InstrumentKey, n int) string {
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = string(keys[i])
	}
	s := strings.Join(parts, ",")
	if n < len(keys) {
		s += fmt.Sprintf(",...(+%d)", len(keys)-n)
	}
	return s
}
