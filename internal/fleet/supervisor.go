// Package fleet runs one workflow instance per device and reports on the
// whole fleet.
package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/instance"
	"github.com/xkilldash9x/rerollctl/internal/metrics"
	"github.com/xkilldash9x/rerollctl/internal/notify"
)

// Defaults for zero Config fields.
const (
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 30 * time.Minute
	DefaultHeartbeatQuantum  = time.Second
)

// Worker is the part of an instance the supervisor drives.
type Worker interface {
	Run(ctx context.Context) error
	Done() bool
	Status() instance.Status
}

// Config tunes the supervisor.
type Config struct {
	// MaxWorkers caps concurrently running instances; 0 runs them all.
	MaxWorkers int
	// PollInterval is how often worker completion is checked.
	PollInterval time.Duration
	// HeartbeatInterval is the time between heartbeat reports.
	HeartbeatInterval time.Duration
	// HeartbeatQuantum is the longest the heartbeat sleeps at once, and so
	// the longest it takes to notice shutdown.
	HeartbeatQuantum time.Duration
	// AccountName labels heartbeat reports.
	AccountName string
	// Offline lists configured ports that did not come online. Heartbeats
	// report them alongside instances that have finished.
	Offline []string
}

// Supervisor owns the worker pool.
type Supervisor struct {
	cfg       Config
	workers   []Worker
	heartbeat notify.Notifier
	clock     clock.Clock
	logger    *zap.Logger

	stateLock sync.Mutex
	isRunning bool

	stop    atomic.Bool
	started time.Time
}

// New creates a supervisor. heartbeat may be nil to disable reports.
func New(cfg Config, workers []Worker, heartbeat notify.Notifier, clk clock.Clock, logger *zap.Logger) (*Supervisor, error) {
	if len(workers) == 0 {
		return nil, errors.New("no workers to supervise")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatQuantum <= 0 {
		cfg.HeartbeatQuantum = DefaultHeartbeatQuantum
	}
	return &Supervisor{
		cfg:       cfg,
		workers:   workers,
		heartbeat: heartbeat,
		clock:     clk,
		logger:    logger.Named("fleet"),
	}, nil
}

// Run starts every worker and blocks until all of them are done or ctx is
// cancelled. A worker that fails is logged; the others keep running.
func (s *Supervisor) Run(ctx context.Context) error {
	s.stateLock.Lock()
	if s.isRunning {
		s.stateLock.Unlock()
		return errors.New("supervisor is already running")
	}
	s.isRunning = true
	s.stop.Store(false)
	s.started = s.clock.Now()
	s.stateLock.Unlock()
	defer func() {
		s.stateLock.Lock()
		s.isRunning = false
		s.stateLock.Unlock()
	}()

	limit := s.cfg.MaxWorkers
	if limit <= 0 {
		limit = len(s.workers)
	}
	g := new(errgroup.Group)
	if s.heartbeat != nil {
		// One extra slot for the heartbeat.
		g.SetLimit(limit + 1)
		g.Go(func() error { return s.heartbeatLoop(ctx) })
	} else {
		g.SetLimit(limit)
	}

	s.logger.Info("Starting fleet.", zap.Int("instances", len(s.workers)), zap.Int("max_workers", limit))

	// Go blocks while the pool is full, so queued workers are submitted
	// from their own goroutine and completion is polled here.
	var submit sync.WaitGroup
	submit.Add(1)
	go func() {
		defer submit.Done()
		for _, w := range s.workers {
			g.Go(func() error {
				s.runWorker(ctx, w)
				return nil
			})
		}
	}()

	for {
		online := s.online()
		metrics.SetInstancesOnline(online)
		if online == 0 {
			break
		}
		if err := s.clock.Sleep(ctx, s.cfg.PollInterval); err != nil {
			break
		}
	}

	s.stop.Store(true)
	submit.Wait()
	_ = g.Wait()
	metrics.SetInstancesOnline(0)

	if err := ctx.Err(); err != nil {
		s.logger.Info("Fleet stopped.", zap.Error(err))
		return err
	}
	s.logger.Info("All instances finished.")
	return nil
}

func (s *Supervisor) runWorker(ctx context.Context, w Worker) {
	st := w.Status()
	logger := s.logger.With(zap.String("device", st.Device))
	logger.Info("Instance started.")
	err := w.Run(ctx)
	switch {
	case err == nil:
		logger.Info("Instance finished.", zap.Stringer("phase", w.Status().Phase))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("Instance cancelled.")
	default:
		logger.Error("Instance failed.", zap.Error(err), zap.Stringer("phase", w.Status().Phase))
	}
}

func (s *Supervisor) online() int {
	n := 0
	for _, w := range s.workers {
		if !w.Done() {
			n++
		}
	}
	return n
}

// heartbeatLoop sends a report at startup and then every interval until the
// stop flag is set. It sleeps in quanta so that shutdown is noticed quickly.
func (s *Supervisor) heartbeatLoop(ctx context.Context) error {
	if ctx.Err() == nil {
		s.sendHeartbeat(ctx)
	}
	next := s.clock.Now().Add(s.cfg.HeartbeatInterval)
	for !s.stop.Load() {
		if err := s.clock.Sleep(ctx, s.cfg.HeartbeatQuantum); err != nil {
			return nil
		}
		if s.stop.Load() || s.clock.Now().Before(next) {
			continue
		}
		next = next.Add(s.cfg.HeartbeatInterval)
		s.sendHeartbeat(ctx)
	}
	return nil
}

func (s *Supervisor) sendHeartbeat(ctx context.Context) {
	var online []string
	offline := append([]string(nil), s.cfg.Offline...)
	var packs int64
	for _, w := range s.workers {
		st := w.Status()
		packs += st.TotalPacks
		if w.Done() {
			offline = append(offline, st.Port)
		} else {
			online = append(online, st.Port)
		}
	}
	text := notify.HeartbeatText(s.cfg.AccountName, online, offline, s.clock.Now().Sub(s.started), packs)
	if err := s.heartbeat.Notify(ctx, notify.Message{Text: text}); err != nil {
		s.logger.Warn("Failed to send heartbeat.", zap.Error(err))
		return
	}
	s.logger.Debug("Sent heartbeat.", zap.Int("online", len(online)), zap.Int("offline", len(offline)))
}
