// File: internal/mocks/screen.go
package mocks

import (
	"image"
	"sync"

	"github.com/xkilldash9x/rerollctl/internal/templates"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// Screen is a vision.Probe that decides visibility by template name instead
// of by pixels. Every template is visible unless hidden.
type Screen struct {
	mu      sync.Mutex
	names   map[image.Image]string
	hidden  map[string]bool
	visible func(name string) (bool, bool)
	lookups map[string]int
}

var _ vision.Probe = (*Screen)(nil)

// NewScreen creates an empty screen.
func NewScreen() *Screen {
	return &Screen{
		names:   make(map[image.Image]string),
		hidden:  make(map[string]bool),
		lookups: make(map[string]int),
	}
}

// Templates returns a source handing out one distinct image per name, which
// is how Locate tells templates apart.
func (s *Screen) Templates() templates.Source {
	return screenSource{s}
}

type screenSource struct{ s *Screen }

func (src screenSource) Image(name string) (image.Image, error) {
	s := src.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for img, n := range s.names {
		if n == name {
			return img, nil
		}
	}
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	s.names[img] = name
	return img, nil
}

// Hide makes names invisible.
func (s *Screen) Hide(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.hidden[n] = true
	}
}

// Show makes names visible again.
func (s *Screen) Show(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.hidden, n)
	}
}

// SetRule installs a visibility override consulted before the hidden set.
// The rule returns (visible, decided).
func (s *Screen) SetRule(rule func(name string) (bool, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = rule
}

// Lookups reports how many times name was probed.
func (s *Screen) Lookups(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[name]
}

// Locate implements vision.Probe.
func (s *Screen) Locate(tpl, frame image.Image, region *vision.Region, confidence float64) (vision.Match, bool) {
	s.mu.Lock()
	name := s.names[tpl]
	s.lookups[name]++
	rule := s.visible
	hidden := s.hidden[name]
	s.mu.Unlock()

	visible := !hidden
	if rule != nil {
		if v, decided := rule(name); decided {
			visible = v
		}
	}
	if !visible {
		return vision.Match{}, false
	}
	m := vision.Match{Width: 1, Height: 1, Score: 1}
	if region != nil {
		m.Left, m.Top = region.X, region.Y
	}
	return m, true
}
