// Package classifier decides whether an opened pack is worth keeping by
// counting template matches in the card slots of its result screen.
package classifier

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/evidence"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/templates"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// Template names the classifier looks for.
const (
	TemplateCommon  = "Common"
	TemplateOnestar = "Onestar"
	TemplateImmerse = "Immerse"
	TemplateCrown   = "Crown"
	TemplateShining = "Shining"
)

// SpecialFrames mark the cards counted by the double rare check.
var SpecialFrames = []string{"RainbowFrame", "BlackFrame", "WhiteFrame"}

// UnknownStars is the StarCount of an outcome whose stars were not counted.
const UnknownStars = -1

// Outcome is the result of classifying one pack.
type Outcome struct {
	Rare       bool
	DoubleRare bool
	// NeedsConfirmation is cleared for rare packs of a kind nobody needs to
	// be paged about.
	NeedsConfirmation bool
	// StarCount is the number of slots without a one star card, or
	// UnknownStars.
	StarCount int
	// EvidencePath is the saved screenshot, empty when nothing was found.
	EvidencePath string
}

// Matcher tests a template against an already captured frame.
type Matcher interface {
	VisibleIn(frame image.Image, ref templates.Ref) (bool, error)
}

// Config tunes classification.
type Config struct {
	Device string
	// CommonThreshold: a pack is rare when fewer primary slots than this
	// show a common card.
	CommonThreshold int
	CheckDoubleRare bool
}

// Classifier inspects result screens for one device.
type Classifier struct {
	matcher  Matcher
	layout   *layout.Layout
	evidence *evidence.Writer
	cfg      Config
	logger   *zap.Logger
}

// New creates a Classifier. ev may be nil, in which case no evidence is
// saved and Outcome.EvidencePath stays empty.
func New(m Matcher, l *layout.Layout, ev *evidence.Writer, cfg Config, logger *zap.Logger) *Classifier {
	if cfg.CommonThreshold <= 0 {
		cfg.CommonThreshold = 1
	}
	return &Classifier{
		matcher:  m,
		layout:   l,
		evidence: ev,
		cfg:      cfg,
		logger:   logger.Named("classifier").With(zap.String("device", cfg.Device)),
	}
}

// Classify inspects frame. When the pack is rare or double rare the frame is
// written to disk before Classify returns.
func (c *Classifier) Classify(ctx context.Context, frame image.Image) (Outcome, error) {
	out := Outcome{StarCount: UnknownStars}

	commons, err := c.count(frame, c.layout.PrimarySlots(), TemplateCommon)
	if err != nil {
		return Outcome{}, err
	}
	out.Rare = commons < c.cfg.CommonThreshold

	if c.cfg.CheckDoubleRare && !out.Rare {
		specials, err := c.count(frame, c.layout.SecondarySlots(), SpecialFrames...)
		if err != nil {
			return Outcome{}, err
		}
		out.DoubleRare = specials == 2
	}
	c.logger.Info("Classified pack.",
		zap.Int("commons", commons),
		zap.Bool("rare", out.Rare),
		zap.Bool("double_rare", out.DoubleRare))

	if !out.Rare && !out.DoubleRare {
		return out, nil
	}

	kind := evidence.KindDoubleRare
	if out.Rare {
		kind = evidence.KindGodPack
	}
	if c.evidence != nil {
		if path, err := c.evidence.Save(kind, c.cfg.Device, frame); err != nil {
			c.logger.Error("Failed to save pack evidence.", zap.Error(err))
		} else {
			out.EvidencePath = path
		}
	}
	out.NeedsConfirmation = true

	if !out.Rare {
		return out, nil
	}

	overridden, err := c.anyVisible(frame,
		templates.Ref{Name: TemplateImmerse, Region: region(c.layout.Region("immerse"))},
		templates.Ref{Name: TemplateCrown, Region: region(c.layout.Region("crown"))},
		templates.Ref{Name: TemplateShining, Region: region(c.layout.Region("crown"))},
	)
	if err != nil {
		return Outcome{}, err
	}
	if overridden {
		out.NeedsConfirmation = false
	}

	stars := 0
	for _, slot := range c.layout.Slots {
		one, err := c.matcher.VisibleIn(frame, templates.Ref{Name: TemplateOnestar, Region: region(slot)})
		if err != nil {
			return Outcome{}, err
		}
		if !one {
			stars++
		}
	}
	out.StarCount = stars
	return out, nil
}

// count returns how many slots show any of names.
func (c *Classifier) count(frame image.Image, slots []vision.Region, names ...string) (int, error) {
	n := 0
	for _, slot := range slots {
		refs := make([]templates.Ref, len(names))
		for i, name := range names {
			refs[i] = templates.Ref{Name: name, Region: region(slot)}
		}
		hit, err := c.anyVisible(frame, refs...)
		if err != nil {
			return 0, err
		}
		if hit {
			n++
		}
	}
	return n, nil
}

func (c *Classifier) anyVisible(frame image.Image, refs ...templates.Ref) (bool, error) {
	for _, ref := range refs {
		ok, err := c.matcher.VisibleIn(frame, ref)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func region(r vision.Region) *vision.Region { return &r }
