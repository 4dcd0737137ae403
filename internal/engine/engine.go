// Package engine owns the store at runtime. All writes funnel through one
// goroutine (the owner loop), which is what lets the store skip write-side
// locking coordination across processes and threads: there is exactly one
// writer, and readers go straight to the mapped file.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/errors"
	"github.com/haysel/hayselnut/internal/logging"
	"github.com/haysel/hayselnut/internal/summary"
	"github.com/haysel/hayselnut/internal/tsdb"
)

// Config configures the runtime engine.
type Config struct {
	// SubmitQueueSize is the capacity of the write queue. Submitters block
	// when it is full.
	SubmitQueueSize int

	// SyncInterval is how often the mapped store is flushed to disk. Zero
	// disables periodic flushing (the kernel still writes back on its own).
	SyncInterval time.Duration

	// DrainTimeout bounds how long Stop waits for queued writes.
	DrainTimeout time.Duration

	// SketchAccuracy is the relative accuracy of per-channel value
	// summaries. Zero disables percentile tracking.
	SketchAccuracy float64
}

// DefaultConfig returns the engine configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		SubmitQueueSize: config.DefaultSubmitQueueSize,
		SyncInterval:    config.DefaultSyncInterval,
		DrainTimeout:    config.DefaultDrainTimeout,
		SketchAccuracy:  config.DefaultSketchAccuracy,
	}
}

// submitReq is one queued write plus its reply path.
type submitReq struct {
	station uuid.UUID
	channel uuid.UUID
	ts      uint64
	value   float64
	reply   chan error
}

// Stats holds engine counters.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     string `json:"uptime"`
}

// Engine drives the store: a single owner goroutine applies queued writes
// in arrival order; reads bypass the queue entirely.
type Engine struct {
	log       *slog.Logger
	cfg       Config
	db        *tsdb.DB
	summaries *summary.Registry

	// stopMu fences submitters against queue close: Submit holds the read
	// side across its enqueue, Stop takes the write side before closing.
	stopMu   sync.RWMutex
	submitCh chan submitReq

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	startTime time.Time
}

// New wraps an open store in an engine. The engine does not own the store
// file lifecycle; the caller opens and closes the DB.
func New(db *tsdb.DB, cfg Config) *Engine {
	if cfg.SubmitQueueSize <= 0 {
		cfg.SubmitQueueSize = config.DefaultSubmitQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}
	return &Engine{
		log:       logging.Component("engine"),
		cfg:       cfg,
		db:        db,
		summaries: summary.NewRegistry(cfg.SketchAccuracy),
		submitCh:  make(chan submitReq, cfg.SubmitQueueSize),
	}
}

// Start launches the owner loop and the periodic sync worker.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrInternal, "engine already running")
	}
	e.startTime = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)

	e.group.Go(func() error { return e.ownerLoop(ctx) })
	if e.cfg.SyncInterval > 0 {
		e.group.Go(func() error { return e.syncLoop(ctx) })
	}

	e.log.Info("engine started",
		"queue_size", e.cfg.SubmitQueueSize, "sync_interval", e.cfg.SyncInterval)
	return nil
}

// Stop drains queued writes, flushes the store, and shuts the workers
// down. Queued writes still unprocessed after DrainTimeout are failed with
// a shutting-down error rather than silently dropped.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.log.Info("engine stopping", "queued", len(e.submitCh))

	// Closing the queue lets the owner loop drain it and exit. The write
	// lock waits out submitters that passed the running check but have
	// not finished their enqueue yet.
	e.stopMu.Lock()
	close(e.submitCh)
	e.stopMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(e.cfg.DrainTimeout):
		e.log.Warn("drain timeout reached, abandoning queued writes")
		e.cancel()
		err = <-done
	}
	e.cancel()

	if serr := e.db.Sync(); serr != nil && err == nil {
		err = serr
	}
	e.log.Info("engine stopped", "accepted", e.accepted.Load(), "rejected", e.rejected.Load())
	return err
}

// ownerLoop is the only goroutine that mutates the store.
func (e *Engine) ownerLoop(ctx context.Context) error {
	for {
		select {
		case req, ok := <-e.submitCh:
			if !ok {
				return nil
			}
			req.reply <- e.apply(req)
		case <-ctx.Done():
			// Drain abandoned: fail whatever is still queued.
			for {
				select {
				case req, ok := <-e.submitCh:
					if !ok {
						return nil
					}
					req.reply <- errors.ErrShuttingDown
				default:
					return nil
				}
			}
		}
	}
}

// apply performs one write and feeds the summaries on success.
func (e *Engine) apply(req submitReq) error {
	err := e.db.Append(req.station, req.channel, req.ts, req.value)
	if err != nil {
		e.rejected.Add(1)
		return err
	}
	e.accepted.Add(1)
	e.summaries.Observe(req.station, req.channel, req.ts, req.value)
	return nil
}

// syncLoop periodically flushes the mapping to disk.
func (e *Engine) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.db.Sync(); err != nil {
				e.log.Error("periodic sync failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Submit queues one record for storage and waits for the outcome. The
// returned error is the store's verdict: nil on success,
// ErrRecordOutOfOrder for a stale timestamp, ErrStorageCorrupt for a
// poisoned chain, ErrEngineStopped when the engine is not running.
func (e *Engine) Submit(ctx context.Context, station, channel uuid.UUID, ts uint64, value float64) error {
	req := submitReq{
		station: station,
		channel: channel,
		ts:      ts,
		value:   value,
		reply:   make(chan error, 1),
	}

	e.stopMu.RLock()
	if !e.running.Load() {
		e.stopMu.RUnlock()
		return errors.ErrEngineStopped
	}
	select {
	case e.submitCh <- req:
		e.stopMu.RUnlock()
	case <-ctx.Done():
		e.stopMu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueryRange reads directly from the store; reads never enter the write
// queue.
func (e *Engine) QueryRange(station, channel uuid.UUID, start, end uint64) (*tsdb.Cursor, error) {
	return e.db.QueryRange(station, channel, start, end)
}

// Stations lists known station identifiers.
func (e *Engine) Stations() ([]uuid.UUID, error) {
	return e.db.Stations()
}

// Channels lists channel identifiers for a station.
func (e *Engine) Channels(station uuid.UUID) ([]uuid.UUID, error) {
	return e.db.Channels(station)
}

// Summaries exposes the per-channel streaming statistics.
func (e *Engine) Summaries() *summary.Registry {
	return e.summaries
}

// Store exposes the underlying DB for read-side consumers (export).
func (e *Engine) Store() *tsdb.DB {
	return e.db
}

// Snapshot returns the engine counters.
func (e *Engine) Snapshot() Stats {
	uptime := time.Duration(0)
	if e.running.Load() {
		uptime = time.Since(e.startTime)
	}
	return Stats{
		Accepted:   e.accepted.Load(),
		Rejected:   e.rejected.Load(),
		QueueDepth: len(e.submitCh),
		Uptime:     uptime.Round(time.Second).String(),
	}
}

// StoreStats returns the store counters.
func (e *Engine) StoreStats() tsdb.Stats {
	return e.db.Snapshot()
}
