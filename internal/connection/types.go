package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/protocol"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrStaleConnection   = errors.New("connection stale (no pong)")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrAlreadyStarted    = errors.New("manager already started")
	ErrAttemptsExhausted = errors.New("reconnection attempts exhausted")
	ErrUnauthorized      = errors.New("handshake rejected credentials")
	ErrStreamClosed      = errors.New("message stream closed")
)

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// InboundSink receives decoded market events in arrival order. It may block; blocking
// suspends the read loop.
type InboundSink func(ctx context.Context, ev protocol.MarketEvent) error

// Authorizer resolves the websocket URL for one connection attempt.
type Authorizer interface {
	Authorize(ctx context.Context) (string, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClientConfig configures a websocket client.
type ClientConfig struct {
	URL              string        // Feed websocket URL
	Token            string        // Bearer token for the Authorization header
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // Interval between keepalive pings
	PongTimeout      time.Duration // Max wait for traffic after a ping
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	BinaryFrames     bool          // Send requests as binary frames
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL         string        // Static websocket URL, used when no Authorizer is set
	Client      ClientConfig  // Per-attempt client settings; URL is filled per attempt
	BackoffBase time.Duration // Wait before attempt 2
	BackoffCap  time.Duration // Upper bound on any wait
	MaxAttempts int           // Consecutive failures before Failed
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:      DefaultClientConfig(),
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
		MaxAttempts: 10,
	}
}

// ManagerStats is a point-in-time view of the manager.
type ManagerStats struct {
	State               model.ConnectionState `json:"state"`
	SessionID           uint64                `json:"session_id"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	MaxAttempts         int                   `json:"max_attempts"`
	Reconnects          int64                 `json:"reconnects"`
	LastBackoff         time.Duration         `json:"last_backoff_ns"`
	LastError           string                `json:"last_error,omitempty"`
	ConnectedSince      time.Time             `json:"connected_since,omitzero"`
	FramesReceived      int64                 `json:"frames_received"`
	MarketEvents        int64                 `json:"market_events"`
	ControlAcks         int64                 `json:"control_acks"`
	ProtocolErrors      int64                 `json:"protocol_errors"`
	SegmentStatus       map[string]string     `json:"segment_status,omitempty"`
}
