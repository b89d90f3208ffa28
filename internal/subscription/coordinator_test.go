package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketfeed/internal/ledger"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/protocol"
)

// fakeSender records frames and fails the batches listed in failOn (1-based send index).
type fakeSender struct {
	mu     sync.Mutex
	state  model.ConnectionState
	frames []protocol.Request
	failOn map[int]bool
	onSend func(req protocol.Request)
}

func newFakeSender() *fakeSender {
	return &fakeSender{state: model.Connected, failOn: map[int]bool{}}
}

func (f *fakeSender) Send(data []byte) error {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, req)
	n := len(f.frames)
	fail := f.failOn[n]
	onSend := f.onSend
	f.mu.Unlock()

	if fail {
		return errors.New("write: broken pipe")
	}
	if onSend != nil {
		onSend(req)
	}
	return nil
}

func (f *fakeSender) State() model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) setState(s model.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeSender) sent() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.frames...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func makeKeys(n int) []model.InstrumentKey {
	out := make([]model.InstrumentKey, n)
	for i := range out {
		out[i] = model.InstrumentKey(fmt.Sprintf("NSE_FO|%d", 1000+i))
	}
	return out
}

func newTestCoordinator(cfg Config, sender Sender, opts ...Option) (*Coordinator, *ledger.Ledger) {
	l := ledger.New()
	return NewCoordinator(cfg, sender, l, nil, opts...), l
}

func TestPartitionSizes(t *testing.T) {
	tests := []struct {
		n, b int
		want []int
	}{
		{0, 50, nil},
		{1, 50, []int{1}},
		{49, 50, []int{49}},
		{50, 50, []int{50}},
		{51, 50, []int{50, 1}},
		{100, 50, []int{50, 50}},
		{156, 50, []int{50, 50, 50, 6}},
		{7, 3, []int{3, 3, 1}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d/B=%d", tt.n, tt.b), func(t *testing.T) {
			batches := Partition(makeKeys(tt.n), tt.b)
			require.Len(t, batches, (tt.n+tt.b-1)/tt.b)

			var sizes []int
			for _, b := range batches {
				sizes = append(sizes, len(b))
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestSubscribeFullUniverseInBatches(t *testing.T) {
	sender := newFakeSender()
	rec := &sleepRecorder{}
	cfg := Config{Mode: model.ModeLTPC, BatchSize: 50, BatchDelay: time.Second}
	c, l := newTestCoordinator(cfg, sender, WithSleep(rec.sleep))

	keys := makeKeys(156)
	res, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50, 50, 6}, res.Batches)
	assert.Equal(t, 156, res.Succeeded)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, rec.waits)

	frames := sender.sent()
	require.Len(t, frames, 4)
	var order []model.InstrumentKey
	for _, f := range frames {
		assert.Equal(t, protocol.MethodSubscribe, f.Method)
		assert.Equal(t, model.ModeLTPC, f.Data.Mode)
		assert.NotEmpty(t, f.GUID)
		order = append(order, f.Data.InstrumentKeys...)
	}
	assert.Equal(t, keys, order, "batches follow insertion order")

	assert.Equal(t, ledger.Snapshot{Total: 156, Active: 156}, l.Snapshot())
}

func TestSubscribeElapsedRespectsBatchDelay(t *testing.T) {
	sender := newFakeSender()
	cfg := Config{Mode: model.ModeLTPC, BatchSize: 50, BatchDelay: 20 * time.Millisecond}
	c, _ := newTestCoordinator(cfg, sender)

	start := time.Now()
	res, err := c.Subscribe(context.Background(), "", makeKeys(120))
	require.NoError(t, err)
	require.Len(t, res.Batches, 3)

	assert.GreaterOrEqual(t, time.Since(start), 2*cfg.BatchDelay)
}

func TestBatchFailureDoesNotBlockLaterBatches(t *testing.T) {
	sender := newFakeSender()
	sender.failOn[2] = true
	rec := &sleepRecorder{}
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 10}, sender, WithSleep(rec.sleep))

	keys := makeKeys(30)
	res, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 10}, res.Batches)
	assert.Equal(t, 20, res.Succeeded)
	assert.Equal(t, 10, res.Failed)
	assert.Equal(t, keys[10:20], l.Keys(model.StateFailed))
	assert.Equal(t, ledger.Snapshot{Total: 30, Active: 20, Failed: 10}, l.Snapshot())

	rec1, _ := l.Record(keys[15])
	assert.Equal(t, 1, rec1.Attempts)

	// retry only the failed keys
	res, err = c.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{10}, res.Batches)
	assert.Equal(t, 10, res.Succeeded)

	frames := sender.sent()
	require.Len(t, frames, 4)
	assert.Equal(t, keys[10:20], frames[3].Data.InstrumentKeys)
	assert.Equal(t, ledger.Snapshot{Total: 30, Active: 30}, l.Snapshot())

	rec1, _ = l.Record(keys[15])
	assert.Equal(t, 2, rec1.Attempts)
}

func TestRetryFailedNothingToDo(t *testing.T) {
	sender := newFakeSender()
	c, _ := newTestCoordinator(DefaultConfig(), sender)

	res, err := c.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
	assert.Empty(t, sender.sent())
}

func TestCapacityRejectedBeforeIO(t *testing.T) {
	sender := newFakeSender()
	c, l := newTestCoordinator(Config{Mode: model.ModeFullD30}, sender)

	_, err := c.Subscribe(context.Background(), "", makeKeys(model.LimitFullD30+1))
	var ce *model.CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, model.ModeFullD30, ce.Mode)
	assert.Empty(t, sender.sent())
	assert.Equal(t, 0, l.Snapshot().Total)
}

func TestCapacityCountsExistingKeys(t *testing.T) {
	sender := newFakeSender()
	c, _ := newTestCoordinator(Config{Mode: model.ModeFullD30, BatchSize: 50}, sender)

	keys := makeKeys(60)
	_, err := c.Subscribe(context.Background(), "", keys[:40])
	require.NoError(t, err)

	// re-requesting known keys does not count twice
	_, err = c.Subscribe(context.Background(), "", keys[:45])
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), "", keys[45:51])
	var ce *model.CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 51, ce.Requested)
}

func TestSubscribeUnknownMode(t *testing.T) {
	c, _ := newTestCoordinator(DefaultConfig(), newFakeSender())
	_, err := c.Subscribe(context.Background(), "depth", makeKeys(1))
	assert.ErrorIs(t, err, protocol.ErrUnknownMode)
}

func TestSubscribeWhileDisconnectedDefers(t *testing.T) {
	sender := newFakeSender()
	sender.setState(model.Reconnecting)
	c, l := newTestCoordinator(DefaultConfig(), sender)

	res, err := c.Subscribe(context.Background(), model.ModeFull, makeKeys(5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Deferred)
	assert.Empty(t, sender.sent())
	assert.Equal(t, ledger.Snapshot{Total: 5, Pending: 5}, l.Snapshot())
}

func TestSubscribeSkipsActiveKeys(t *testing.T) {
	sender := newFakeSender()
	rec := &sleepRecorder{}
	c, _ := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 50}, sender, WithSleep(rec.sleep))

	keys := makeKeys(10)
	_, err := c.Subscribe(context.Background(), "", keys[:6])
	require.NoError(t, err)

	res, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Skipped)
	assert.Equal(t, []int{4}, res.Batches)
}

func TestSubscribeSymbols(t *testing.T) {
	sender := newFakeSender()
	c, l := newTestCoordinator(DefaultConfig(), sender)

	_, err := c.SubscribeSymbols(context.Background(), model.ModeLTPC, []model.Symbol{"RELIANCE-EQ", "NIFTY24DEC24000CE"})
	require.NoError(t, err)
	assert.True(t, l.IsActive("NSE_EQ|RELIANCE"))
	assert.True(t, l.IsActive("NSE_FO|NIFTY24DEC24000CE"))
}

func TestSessionResetResubscribesActiveKeys(t *testing.T) {
	sender := newFakeSender()
	rec := &sleepRecorder{}
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 50}, sender, WithSleep(rec.sleep))

	keys := makeKeys(120)
	_, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)
	require.Len(t, sender.sent(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.HandleSessionStart(2)

	require.Eventually(t, func() bool { return len(sender.sent()) == 6 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return l.Snapshot().Active == 120 }, 2*time.Second, 5*time.Millisecond)

	var resent []model.InstrumentKey
	for _, f := range sender.sent()[3:] {
		resent = append(resent, f.Data.InstrumentKeys...)
	}
	assert.Equal(t, keys, resent)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionResetAlsoRetriesFailed(t *testing.T) {
	sender := newFakeSender()
	sender.failOn[1] = true
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 5}, sender, WithSleep((&sleepRecorder{}).sleep))

	_, err := c.Subscribe(context.Background(), "", makeKeys(10))
	require.NoError(t, err)
	require.Equal(t, 5, l.Snapshot().Failed)

	_, err = c.resync(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, ledger.Snapshot{Total: 10, Active: 10}, l.Snapshot())
}

func TestAwaitPolicyUsesAcks(t *testing.T) {
	sender := newFakeSender()
	cfg := Config{Mode: model.ModeFull, BatchSize: 2, AckPolicy: AckAwait, AckTimeout: time.Second}
	c, l := newTestCoordinator(cfg, sender, WithSleep((&sleepRecorder{}).sleep))

	// reject the second batch, accept the others
	var n int
	sender.onSend = func(req protocol.Request) {
		n++
		ok := n != 2
		go c.HandleAck(protocol.ControlAck{CorrelationID: req.GUID, Method: req.Method, Success: ok, Reason: "limit exceeded"})
	}

	keys := makeKeys(6)
	res, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, keys[2:4], l.Keys(model.StateFailed))
}

func TestAwaitPolicyTimeout(t *testing.T) {
	sender := newFakeSender()
	cfg := Config{Mode: model.ModeFull, BatchSize: 50, AckPolicy: AckAwait, AckTimeout: 20 * time.Millisecond}
	c, l := newTestCoordinator(cfg, sender)

	res, err := c.Subscribe(context.Background(), "", makeKeys(3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 3, l.Snapshot().Failed)

	// a late ack for an expired request is ignored
	c.HandleAck(protocol.ControlAck{CorrelationID: sender.sent()[0].GUID, Success: true})
	assert.Equal(t, 3, l.Snapshot().Failed)
}

func TestUnsubscribeRemovesKeys(t *testing.T) {
	sender := newFakeSender()
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 50}, sender)

	keys := makeKeys(4)
	_, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)

	res, err := c.Unsubscribe(context.Background(), append(keys[:2:2], "NSE_FO|unknown"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	frames := sender.sent()
	last := frames[len(frames)-1]
	assert.Equal(t, protocol.MethodUnsubscribe, last.Method)
	assert.Equal(t, keys[:2], last.Data.InstrumentKeys)
	assert.False(t, l.IsActive(keys[0]))
	assert.Equal(t, 2, l.Snapshot().Total)
}

func TestUnsubscribeSendFailureReported(t *testing.T) {
	sender := newFakeSender()
	sender.failOn[2] = true
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 50}, sender)

	_, err := c.Subscribe(context.Background(), "", makeKeys(2))
	require.NoError(t, err)

	_, err = c.Unsubscribe(context.Background(), makeKeys(2))
	var se *model.SubscriptionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, protocol.MethodUnsubscribe, se.Method)
	assert.Equal(t, 0, l.Snapshot().Total, "keys leave the ledger even if the unsub frame fails")
}

func TestStatusProjection(t *testing.T) {
	sender := newFakeSender()
	sender.failOn[1] = true
	c, _ := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 1}, sender, WithSleep((&sleepRecorder{}).sleep))

	_, err := c.Subscribe(context.Background(), "", makeKeys(4))
	require.NoError(t, err)

	st := c.Status()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 3, st.ActiveCount)
	assert.Equal(t, 1, st.FailedCount)
	assert.InDelta(t, 0.75, st.ActiveRate, 1e-9)
}

func TestCancelledDriveStops(t *testing.T) {
	sender := newFakeSender()
	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 1, BatchDelay: time.Hour}, sender,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	_, err := c.Subscribe(ctx, "", makeKeys(3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sender.sent(), 1)
}

func TestSubscribeChangesModeOfActiveKeys(t *testing.T) {
	sender := newFakeSender()
	rec := &sleepRecorder{}
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 50}, sender, WithSleep(rec.sleep))

	keys := makeKeys(3)
	_, err := c.Subscribe(context.Background(), model.ModeFull, keys[:2])
	require.NoError(t, err)

	res, err := c.Subscribe(context.Background(), model.ModeLTPC, keys)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 2, res.ModeChanged)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, []int{1, 2}, res.Batches)

	frames := sender.sent()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.MethodSubscribe, frames[1].Method)
	assert.Equal(t, model.ModeLTPC, frames[1].Data.Mode)
	assert.Equal(t, keys[2:], frames[1].Data.InstrumentKeys)
	assert.Equal(t, protocol.MethodChangeMode, frames[2].Method)
	assert.Equal(t, model.ModeLTPC, frames[2].Data.Mode)
	assert.Equal(t, keys[:2], frames[2].Data.InstrumentKeys)

	for _, k := range keys {
		r, ok := l.Record(k)
		require.True(t, ok)
		assert.Equal(t, model.ModeLTPC, r.Mode)
		assert.Equal(t, model.StateActive, r.State)
	}
	assert.Zero(t, l.CountByMode(model.ModeFull))
	assert.Equal(t, []time.Duration{0}, rec.waits)
}

func TestSameModeResubscribeSendsNothing(t *testing.T) {
	sender := newFakeSender()
	c, _ := newTestCoordinator(Config{Mode: model.ModeFull}, sender)

	keys := makeKeys(2)
	_, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)
	res, err := c.Subscribe(context.Background(), "", keys)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.ModeChanged)
	assert.Len(t, sender.sent(), 1)
}

func TestModeChangeFailureIsRetriedAsSubscribe(t *testing.T) {
	sender := newFakeSender()
	sender.failOn[2] = true
	c, l := newTestCoordinator(Config{Mode: model.ModeFull}, sender)

	keys := makeKeys(2)
	_, err := c.Subscribe(context.Background(), model.ModeFull, keys)
	require.NoError(t, err)

	res, err := c.Subscribe(context.Background(), model.ModeOptionGreeks, keys)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, ledger.Snapshot{Total: 2, Failed: 2}, l.Snapshot())

	_, err = c.RetryFailed(context.Background())
	require.NoError(t, err)
	frames := sender.sent()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.MethodSubscribe, frames[2].Method)
	assert.Equal(t, model.ModeOptionGreeks, frames[2].Data.Mode)
	assert.Equal(t, ledger.Snapshot{Total: 2, Active: 2}, l.Snapshot())
}

func TestConcurrentSubscribeRespectsCapacity(t *testing.T) {
	for round := 0; round < 20; round++ {
		sender := newFakeSender()
		sender.setState(model.Disconnected)
		c, l := newTestCoordinator(Config{Mode: model.ModeFullD30}, sender)

		keys := makeKeys(60)
		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, part := range [][]model.InstrumentKey{keys[:30], keys[30:]} {
			part := part
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := c.Subscribe(context.Background(), "", part)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		rejected := 0
		for err := range errs {
			var ce *model.CapacityError
			if errors.As(err, &ce) {
				rejected++
				continue
			}
			require.NoError(t, err)
		}
		require.Equal(t, 1, rejected, "round %d", round)
		require.Equal(t, 30, l.Snapshot().Total, "round %d", round)
	}
}

func TestHandleSessionEndDemotesActive(t *testing.T) {
	sender := newFakeSender()
	sender.failOn[2] = true
	c, l := newTestCoordinator(Config{Mode: model.ModeFull, BatchSize: 2}, sender, WithSleep((&sleepRecorder{}).sleep))

	_, err := c.Subscribe(context.Background(), "", makeKeys(4))
	require.NoError(t, err)
	require.Equal(t, ledger.Snapshot{Total: 4, Active: 2, Failed: 2}, l.Snapshot())

	sender.setState(model.Reconnecting)
	c.HandleSessionEnd(1)
	assert.Equal(t, ledger.Snapshot{Total: 4, Pending: 2, Failed: 2}, l.Snapshot())
	assert.Zero(t, c.Status().ActiveRate)
}
