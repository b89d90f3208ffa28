package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewJobFunc names fn as a Job.
func NewJobFunc(name string, fn func(ctx context.Context) error) JobFunc {
	return JobFunc{name: name, fn: fn}
}

func (j JobFunc) Name() string { return j.name }

func (j JobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Cycle interval (default: 60s)
	Concurrency int           // Max jobs running at once (default: 1)
	Timeout     time.Duration // Per-job timeout (default: 30s)
	SkipInitial bool          // Wait one interval before the first cycle
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		Concurrency: 1,
		Timeout:     30 * time.Second,
	}
}

// Stats holds cumulative run counters.
type Stats struct {
	Cycles    int64     `json:"cycles"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastCycle time.Time `json:"last_cycle"`
}

// Poller periodically runs a fixed set of jobs.
type Poller struct {
	cfg    Config
	jobs   []Job
	logger *slog.Logger

	cycles    atomic.Int64
	runs      atomic.Int64
	failures  atomic.Int64
	lastCycle atomic.Int64 // unix nanos

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, jobs []Job, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Poller{
		cfg:    cfg,
		jobs:   jobs,
		logger: logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"jobs", len(p.jobs),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns cumulative counters.
func (p *Poller) Stats() Stats {
	s := Stats{
		Cycles:   p.cycles.Load(),
		Runs:     p.runs.Load(),
		Failures: p.failures.Load(),
	}
	if ns := p.lastCycle.Load(); ns > 0 {
		s.LastCycle = time.Unix(0, ns)
	}
	return s
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if !p.cfg.SkipInitial {
		p.runAll()
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runAll()
		}
	}
}

// runAll runs every job with bounded concurrency and waits for them.
func (p *Poller) runAll() {
	start := time.Now()

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var failed atomic.Int64

	for _, job := range p.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			p.runs.Add(1)
			if err := p.runJob(job); err != nil {
				p.logger.Warn("poller job failed",
					"job", job.Name(),
					"err", err,
				)
				p.failures.Add(1)
				failed.Add(1)
			}
		}(job)
	}

	wg.Wait()
	p.cycles.Add(1)
	p.lastCycle.Store(time.Now().UnixNano())

	p.logger.Debug("poll cycle complete",
		"jobs", len(p.jobs),
		"failed", failed.Load(),
		"duration", time.Since(start),
	)
}

// runJob runs a single job under the per-job timeout.
func (p *Poller) runJob(job Job) error {
	ctx := p.ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.cfg.Timeout)
		defer cancel()
	}
	return job.Run(ctx)
}
