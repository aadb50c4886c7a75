// Package instance drives one device through the reroll workflow: account
// creation, the tutorial, pack opening, and cleanup or backup depending on
// what the packs contained.
package instance

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/actions"
	"github.com/xkilldash9x/rerollctl/internal/classifier"
	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/codesource"
	"github.com/xkilldash9x/rerollctl/internal/device"
	"github.com/xkilldash9x/rerollctl/internal/evidence"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/metrics"
	"github.com/xkilldash9x/rerollctl/internal/notify"
	"github.com/xkilldash9x/rerollctl/internal/poll"
	"github.com/xkilldash9x/rerollctl/internal/templates"
	"github.com/xkilldash9x/rerollctl/internal/validation"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// Defaults for zero Config fields.
const (
	DefaultActionDelay       = 250 * time.Millisecond
	DefaultSwipeSpeed        = 350 * time.Millisecond
	DefaultMaxSwipeSpeed     = time.Second
	DefaultConfidence        = 0.8
	DefaultTimeout           = 45 * time.Second
	DefaultMaxFriendWait     = 15 * time.Second
	DefaultMaintenanceStart  = 6 * time.Hour
	DefaultMaintenanceLength = 5 * time.Minute
	DefaultAccountName       = "reroll"
	DefaultMaxDeviceFailures = 5
)

// Config holds the resolved tunables of one instance.
type Config struct {
	ActionDelay   time.Duration
	SwipeSpeed    time.Duration
	MaxSwipeSpeed time.Duration
	// GameSpeed is the in-game speed multiplier, 1 to 3.
	GameSpeed    int
	Confidence   float64
	Timeout      time.Duration
	PollInterval time.Duration
	// MaxPacks is the number of real packs per account, clamped to [1,4].
	MaxPacks        int
	CheckDoubleRare bool
	CommonThreshold int
	AccountName     string
	Pack            layout.Pack
	BackupDir       string
	DebugCapture    bool
	MaxFriendWait   time.Duration
	// The daily window, as an offset from UTC midnight, in which the client
	// may show a date change dialog that needs a restart.
	MaintenanceStart  time.Duration
	MaintenanceLength time.Duration
	// MaxDeviceFailures is how many transport failures in a row, with no
	// phase completing in between, break the instance.
	MaxDeviceFailures int
}

func (c *Config) applyDefaults() {
	if c.ActionDelay <= 0 {
		c.ActionDelay = DefaultActionDelay
	}
	if c.SwipeSpeed <= 0 {
		c.SwipeSpeed = DefaultSwipeSpeed
	}
	if c.MaxSwipeSpeed <= 0 {
		c.MaxSwipeSpeed = DefaultMaxSwipeSpeed
	}
	if c.GameSpeed < 1 || c.GameSpeed > 3 {
		c.GameSpeed = 1
	}
	if c.Confidence <= 0 {
		c.Confidence = DefaultConfidence
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.MaxPacks = max(1, min(c.MaxPacks, 4))
	if c.AccountName == "" {
		c.AccountName = DefaultAccountName
	}
	if c.Pack.Name == "" {
		c.Pack, _ = layout.LookupPack("MEWTWO")
	}
	if c.MaxFriendWait <= 0 {
		c.MaxFriendWait = DefaultMaxFriendWait
	}
	if c.MaintenanceStart <= 0 {
		c.MaintenanceStart = DefaultMaintenanceStart
	}
	if c.MaintenanceLength <= 0 {
		c.MaintenanceLength = DefaultMaintenanceLength
	}
	if c.MaxDeviceFailures <= 0 {
		c.MaxDeviceFailures = DefaultMaxDeviceFailures
	}
}

// Classifier inspects a pack result screen.
type Classifier interface {
	Classify(ctx context.Context, frame image.Image) (classifier.Outcome, error)
}

// Deps are the collaborators of an instance. Notifier, Store, Codes and
// Recognizer may be nil. Classifier defaults to the template classifier.
type Deps struct {
	Device     device.Transport
	Probe      vision.Probe
	Templates  templates.Source
	Layout     *layout.Layout
	Clock      clock.Clock
	Evidence   *evidence.Writer
	Recognizer vision.Recognizer
	Notifier   notify.Notifier
	Store      validation.Store
	Codes      codesource.Source
	Classifier Classifier
	Logger     *zap.Logger
}

// Status is a snapshot safe to take from any goroutine.
type Status struct {
	Device            string
	Port              string
	Phase             Phase
	TotalPacks        int64
	CurrentPack       int32
	NeedsVerification bool
	Account           string
	Done              bool
}

// Instance runs the workflow on one device. Run and Step must be called from
// a single goroutine; Status may be called from anywhere.
type Instance struct {
	cfg        Config
	dev        device.Transport
	port       string
	layout     *layout.Layout
	clock      clock.Clock
	actor      *actions.Actor
	poller     *poll.Poller
	classifier Classifier
	recognizer vision.Recognizer
	notifier   notify.Notifier
	store      validation.Store
	codes      codesource.Source
	logger     *zap.Logger

	phase             atomic.Int32
	totalPacks        atomic.Int64
	currentPack       atomic.Int32
	needsVerification atomic.Bool
	done              atomic.Bool

	mu      sync.Mutex
	account string

	// Owned by the run goroutine.
	prev        Phase
	runID       string
	skipRestart bool
	found       *finding
	failures    int
	retry       *backoff.ExponentialBackOff
}

// finding is the outcome that moved the account to a rare phase.
type finding struct {
	outcome classifier.Outcome
	pack    int
}

// New wires an instance. It does not touch the device.
func New(cfg Config, deps Deps) (*Instance, error) {
	if deps.Device == nil || deps.Probe == nil || deps.Templates == nil || deps.Layout == nil {
		return nil, errors.New("device, probe, templates and layout are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	cfg.applyDefaults()

	serial := deps.Device.Serial()
	logger := deps.Logger.Named("instance").With(zap.String("device", serial))

	i := &Instance{
		cfg:        cfg,
		dev:        deps.Device,
		port:       device.Port(serial),
		layout:     deps.Layout,
		clock:      deps.Clock,
		recognizer: deps.Recognizer,
		notifier:   deps.Notifier,
		store:      deps.Store,
		codes:      deps.Codes,
		logger:     logger,
		runID:      uuid.NewString(),
	}
	i.actor = actions.New(deps.Device, deps.Clock, actions.Config{
		ActionDelay:   cfg.ActionDelay,
		SwipeSpeed:    cfg.SwipeSpeed,
		MaxSwipeSpeed: cfg.MaxSwipeSpeed,
	}, logger)
	i.poller = poll.New(i.actor, deps.Probe, deps.Templates, deps.Clock, deps.Evidence,
		poll.EscalatorFunc(i.Escalate), poll.Config{
			Device:       serial,
			Confidence:   cfg.Confidence,
			Timeout:      cfg.Timeout,
			PollInterval: cfg.PollInterval,
			DebugCapture: cfg.DebugCapture,
		}, logger)
	i.classifier = deps.Classifier
	if i.classifier == nil {
		i.classifier = classifier.New(i.poller, deps.Layout, deps.Evidence, classifier.Config{
			Device:          serial,
			CommonThreshold: cfg.CommonThreshold,
			CheckDoubleRare: cfg.CheckDoubleRare,
		}, logger)
	}
	i.retry = backoff.NewExponentialBackOff()
	i.retry.InitialInterval = time.Second
	i.retry.MaxInterval = time.Minute
	i.retry.MaxElapsedTime = 0
	i.retry.Clock = deps.Clock
	i.retry.Reset()
	metrics.SetPhase(serial, int(Initializing))
	return i, nil
}

// Phase is the current workflow phase.
func (i *Instance) Phase() Phase { return Phase(i.phase.Load()) }

// Done reports whether Run has finished for good.
func (i *Instance) Done() bool { return i.done.Load() }

// SetConfidence changes the live match confidence used by later waits and
// classifications.
func (i *Instance) SetConfidence(c float64) { i.poller.SetConfidence(c) }

// Status returns a snapshot of the counters.
func (i *Instance) Status() Status {
	i.mu.Lock()
	account := i.account
	i.mu.Unlock()
	return Status{
		Device:            i.dev.Serial(),
		Port:              i.port,
		Phase:             i.Phase(),
		TotalPacks:        i.totalPacks.Load(),
		CurrentPack:       i.currentPack.Load(),
		NeedsVerification: i.needsVerification.Load(),
		Account:           account,
		Done:              i.Done(),
	}
}

func (i *Instance) transition(to Phase) error {
	from := i.Phase()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	i.prev = from
	i.phase.Store(int32(to))
	metrics.SetPhase(i.dev.Serial(), int(to))
	i.logger.Info("Phase changed.", zap.Stringer("from", from), zap.Stringer("to", to), zap.String("run", i.runID))
	return nil
}

// Run steps the workflow until it ends, breaks or ctx is cancelled. A run
// ends after a rare outcome has been backed up; an account that finished
// without one loops back to Initializing.
func (i *Instance) Run(ctx context.Context) error {
	defer i.done.Store(true)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i.Phase().Terminal() {
			i.logger.Error("Instance is broken, stopping.")
			return nil
		}
		if i.done.Load() {
			return nil
		}
		if err := i.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs the work of the current phase once and applies the recovery
// policy to its error. It returns only errors that end the run.
func (i *Instance) Step(ctx context.Context) error {
	p := i.Phase()
	err := i.runPhase(ctx)
	if err == nil {
		// A restart alone proves nothing about the device.
		if p != RestartingApp {
			i.resetFailures()
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return i.recover(ctx, err)
}

func (i *Instance) runPhase(ctx context.Context) error {
	switch p := i.Phase(); p {
	case Initializing:
		frame, err := i.actor.Capture(ctx)
		if err != nil {
			return err
		}
		if err := i.Escalate(ctx, "", frame); err != nil {
			return err
		}
		return i.transition(Registering)

	case Registering, RestartingApp, ResettingForRetry:
		if p == RestartingApp {
			if i.skipRestart {
				i.skipRestart = false
			} else if err := i.actor.RestartApp(ctx, i.layout.App.Package, i.layout.App.Activity); err != nil {
				return err
			}
		}
		if p != Registering {
			return i.transition(Registering)
		}
		registered, err := i.register(ctx)
		if err != nil {
			return err
		}
		if !registered {
			return i.transition(ResettingForRetry)
		}
		return i.transition(Registered)

	case Registered:
		if err := i.tutorial(ctx); err != nil {
			return err
		}
		if i.Phase() == RareOutcomeFound {
			return nil
		}
		return i.transition(PostTutorial)

	case PostTutorial:
		if err := i.addConnections(ctx); err != nil {
			return err
		}
		if err := i.openPacks(ctx); err != nil {
			return err
		}
		if i.Phase() == PostTutorial {
			return i.transition(WorkflowComplete)
		}
		_, err := i.until(ctx, "found_home")
		return err

	case WorkflowComplete:
		if err := i.deleteAccount(ctx, true); err != nil {
			return err
		}
		return i.transition(Initializing)

	case RareOutcomeFound:
		if err := i.markProfile(ctx); err != nil {
			return err
		}
		code := i.resolveOwnCode(ctx)
		i.submitOwnCode(ctx, code)
		return i.finishWithBackup(ctx, code, true)

	case RareOutcomeRejected:
		if err := i.removeConnections(ctx); err != nil {
			return err
		}
		return i.finishWithBackup(ctx, "", false)

	case Broken:
		return nil
	}
	return fmt.Errorf("%w: no work for phase %s", ErrInvalidTransition, i.Phase())
}

// finishWithBackup backs up the account and ends the run. A missing account
// file sends the instance back to registration instead.
func (i *Instance) finishWithBackup(ctx context.Context, code string, valid bool) error {
	saved, err := i.backup(ctx, code, valid)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		i.logger.Error("Backup failed.", zap.Error(err))
		return i.transition(Broken)
	case !saved:
		return i.transition(ResettingForRetry)
	}
	i.done.Store(true)
	return nil
}

// recover turns stuck waits and transport failures into an app restart and
// stops the run on anything else.
func (i *Instance) recover(ctx context.Context, err error) error {
	if !errors.Is(err, poll.ErrStuck) && !errors.Is(err, device.ErrTransport) {
		i.logger.Error("Unexpected failure, stopping instance.", zap.Error(err), zap.Stringer("phase", i.Phase()))
		if tErr := i.transition(Broken); tErr != nil {
			i.logger.Error("Failed to mark instance broken.", zap.Error(tErr))
		}
		return err
	}

	reason := "transport"
	restarted := false
	var stuck *poll.StuckError
	if errors.As(err, &stuck) {
		reason = "stuck"
		restarted = stuck.AppRestarted
	}
	if reason == "transport" {
		if fErr := i.deviceFailed(ctx, err); fErr != nil {
			return fErr
		}
	} else {
		i.resetFailures()
	}
	i.logger.Warn("Instance stuck, restarting app.", zap.Error(err), zap.Stringer("phase", i.Phase()))
	metrics.RecordRestart(i.dev.Serial(), reason)

	if i.Phase() == RareOutcomeFound {
		if restarted {
			return nil
		}
		if rErr := i.actor.RestartApp(ctx, i.layout.App.Package, i.layout.App.Activity); rErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The phase is kept so the next step retries the restart.
			return i.deviceFailed(ctx, fmt.Errorf("restart after %v: %w", err, rErr))
		}
		return nil
	}
	i.skipRestart = restarted
	return i.transition(RestartingApp)
}

// deviceFailed counts a transport failure and waits out the backoff before
// the next attempt. Too many failures in a row break the instance.
func (i *Instance) deviceFailed(ctx context.Context, err error) error {
	i.failures++
	if i.failures >= i.cfg.MaxDeviceFailures {
		i.logger.Error("Device keeps failing, stopping instance.", zap.Error(err), zap.Int("failures", i.failures))
		if tErr := i.transition(Broken); tErr != nil {
			i.logger.Error("Failed to mark instance broken.", zap.Error(tErr))
		}
		return fmt.Errorf("giving up after %d device failures: %w", i.failures, err)
	}
	wait := i.retry.NextBackOff()
	i.logger.Debug("Backing off before retry.", zap.Duration("wait", wait), zap.Int("failures", i.failures))
	return i.clock.Sleep(ctx, wait)
}

func (i *Instance) resetFailures() {
	if i.failures == 0 {
		return
	}
	i.failures = 0
	i.retry.Reset()
}

// resetAccount clears the per-account state after a backup or deletion.
func (i *Instance) resetAccount() {
	i.currentPack.Store(0)
	i.needsVerification.Store(false)
	i.found = nil
	i.runID = uuid.NewString()
}

func (i *Instance) setAccount(name string) {
	i.mu.Lock()
	i.account = name
	i.mu.Unlock()
}
