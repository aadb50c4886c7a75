// Package poll implements the bounded "tap until visible" wait every
// workflow step is built from.
package poll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/rerollctl/internal/actions"
	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/evidence"
	"github.com/xkilldash9x/rerollctl/internal/templates"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// FastClickThreshold is the action delay below which each tap is doubled,
// since the client debounces single taps that close together.
const FastClickThreshold = 200 * time.Millisecond

// DefaultPollInterval is slept between probes that miss.
const DefaultPollInterval = 100 * time.Millisecond

// Escalator inspects a frame once a wait has used a third of its budget.
// sought is the template the wait is after. A non-nil error aborts the wait
// and is returned to the caller.
type Escalator interface {
	Escalate(ctx context.Context, sought string, frame image.Image) error
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, sought string, frame image.Image) error

func (f EscalatorFunc) Escalate(ctx context.Context, sought string, frame image.Image) error {
	return f(ctx, sought, frame)
}

// Config holds the instance-wide defaults a Request falls back to.
type Config struct {
	Device       string
	Confidence   float64
	Timeout      time.Duration
	PollInterval time.Duration
	// DebugCapture saves the last frame when a wait times out.
	DebugCapture bool
}

// Request describes one wait.
type Request struct {
	Template templates.Ref
	// Click is tapped while waiting, when set.
	Click *vision.Point
	// ActionDelay paces taps; defaults to the actor's delay.
	ActionDelay time.Duration
	// Timeout is the hard budget; defaults to Config.Timeout.
	Timeout time.Duration
	// SoftTimeout ends the wait with (false, nil) when it elapses before the
	// hard deadline.
	SoftTimeout time.Duration
	// AlreadyElapsed is charged against Timeout, so that sequential waits
	// can share one budget.
	AlreadyElapsed time.Duration
	// Confidence overrides Config.Confidence when non-zero.
	Confidence float64
}

// Poller runs waits against one device.
type Poller struct {
	actor     *actions.Actor
	probe     vision.Probe
	templates templates.Source
	clock     clock.Clock
	evidence  *evidence.Writer
	escalator Escalator
	cfg       Config
	logger    *zap.Logger

	// confidence holds the float64 bits of the live default confidence.
	confidence atomic.Uint64
}

// New creates a Poller. escalator and ev may be nil.
func New(actor *actions.Actor, probe vision.Probe, tpls templates.Source, clk clock.Clock,
	ev *evidence.Writer, escalator Escalator, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	p := &Poller{
		actor:     actor,
		probe:     probe,
		templates: tpls,
		clock:     clk,
		evidence:  ev,
		escalator: escalator,
		cfg:       cfg,
		logger:    logger.Named("poll"),
	}
	p.SetConfidence(cfg.Confidence)
	return p
}

// SetConfidence changes the default match confidence for later waits. It
// is safe to call while a wait is running.
func (p *Poller) SetConfidence(c float64) { p.confidence.Store(math.Float64bits(c)) }

// Confidence is the current default match confidence.
func (p *Poller) Confidence() float64 { return math.Float64frombits(p.confidence.Load()) }

func (p *Poller) matchConfidence(override float64) float64 {
	if override > 0 {
		return override
	}
	return p.Confidence()
}

// Until taps and probes until the template shows up. It returns true on a
// match, false when the soft timeout ends the wait, and a *StuckError when
// the hard timeout runs out.
func (p *Poller) Until(ctx context.Context, req Request) (bool, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	if req.AlreadyElapsed >= timeout {
		return false, p.stuck(req, req.AlreadyElapsed)
	}
	delay := req.ActionDelay
	if delay <= 0 {
		delay = p.actor.ActionDelay()
	}
	tpl, err := p.templates.Image(req.Template.Name)
	if err != nil {
		return false, err
	}
	conf := p.matchConfidence(req.Confidence)
	// The soft timeout only counts when it would fire before the hard one.
	soft := req.SoftTimeout > 0 && req.SoftTimeout < timeout-req.AlreadyElapsed

	limiter := rate.NewLimiter(rate.Every(delay), 1)
	start := p.clock.Now()
	p.logger.Debug("Looking for template.", zap.String("device", p.cfg.Device), zap.Stringer("template", req.Template))

	for {
		if req.Click != nil && limiter.AllowN(p.clock.Now(), 1) {
			if err := p.tap(ctx, *req.Click, delay); err != nil {
				return false, err
			}
		}

		frame, err := p.actor.Capture(ctx)
		if err != nil {
			return false, err
		}
		if m, ok := p.probe.Locate(tpl, frame, req.Template.Region, conf); ok {
			p.logger.Debug("Found template.",
				zap.String("device", p.cfg.Device),
				zap.String("template", req.Template.Name),
				zap.Int("left", m.Left), zap.Int("top", m.Top),
				zap.Float64("score", m.Score))
			return true, nil
		}

		since := p.clock.Now().Sub(start)
		elapsed := req.AlreadyElapsed + since
		if soft && since >= req.SoftTimeout {
			return false, nil
		}
		if elapsed >= timeout {
			p.logger.Warn("Timed out waiting for template.",
				zap.String("device", p.cfg.Device),
				zap.String("template", req.Template.Name),
				zap.Duration("elapsed", elapsed))
			p.saveDebugFrame(frame)
			return false, p.stuck(req, elapsed)
		}
		if p.escalator != nil && elapsed >= timeout/3 {
			p.logger.Warn("Starting diagnostic check.",
				zap.String("device", p.cfg.Device),
				zap.String("template", req.Template.Name),
				zap.Duration("elapsed", elapsed))
			if err := p.escalator.Escalate(ctx, req.Template.Name, frame); err != nil {
				var stuck *StuckError
				if errors.As(err, &stuck) && stuck.Template == "" {
					stuck.Template = req.Template.Name
				}
				return false, err
			}
		}
		if err := p.clock.Sleep(ctx, p.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

// tap issues one paced tap, doubled when the delay is below the fast click
// threshold.
func (p *Poller) tap(ctx context.Context, at vision.Point, delay time.Duration) error {
	if err := p.actor.TapNow(ctx, at); err != nil {
		return err
	}
	if delay < FastClickThreshold {
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return err
		}
		return p.actor.TapNow(ctx, at)
	}
	return p.clock.Sleep(ctx, delay-FastClickThreshold)
}

func (p *Poller) stuck(req Request, elapsed time.Duration) *StuckError {
	return &StuckError{Template: req.Template.Name, Device: p.cfg.Device, Elapsed: elapsed}
}

func (p *Poller) saveDebugFrame(frame image.Image) {
	if !p.cfg.DebugCapture || p.evidence == nil {
		return
	}
	path, err := p.evidence.Save(evidence.KindStuck, p.cfg.Device, frame)
	if err != nil {
		p.logger.Error("Failed to save stuck screenshot.", zap.Error(err))
		return
	}
	p.logger.Info("Saved stuck screenshot.", zap.String("path", path))
}

// Visible captures one frame and reports whether ref is on it.
func (p *Poller) Visible(ctx context.Context, ref templates.Ref) (bool, error) {
	frame, err := p.actor.Capture(ctx)
	if err != nil {
		return false, err
	}
	return p.VisibleIn(frame, ref)
}

// VisibleIn reports whether ref is on an already captured frame.
func (p *Poller) VisibleIn(frame image.Image, ref templates.Ref) (bool, error) {
	tpl, err := p.templates.Image(ref.Name)
	if err != nil {
		return false, fmt.Errorf("template %s: %w", ref.Name, err)
	}
	_, ok := p.probe.Locate(tpl, frame, ref.Region, p.Confidence())
	return ok, nil
}
