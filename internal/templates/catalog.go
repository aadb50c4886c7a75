// Package templates loads the reference images the workflow waits for.
package templates

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// Ref names a template and, optionally, where on screen to look for it.
type Ref struct {
	Name   string
	Region *vision.Region
}

func (r Ref) String() string {
	if r.Region == nil {
		return r.Name
	}
	return r.Name + r.Region.String()
}

// Source resolves template names to decoded images.
type Source interface {
	Image(name string) (image.Image, error)
}

// Catalog reads templates from <dir>/<language>/<name>.png. Each image is
// decoded once and shared afterwards.
type Catalog struct {
	dir      string
	language string

	mu     sync.RWMutex
	images map[string]image.Image
}

// NewCatalog creates a catalog rooted at dir for one UI language.
func NewCatalog(dir, language string) *Catalog {
	return &Catalog{dir: dir, language: language, images: make(map[string]image.Image)}
}

// Path returns where the template called name is expected on disk.
func (c *Catalog) Path(name string) string {
	return filepath.Join(c.dir, c.language, name+".png")
}

// Image implements Source.
func (c *Catalog) Image(name string) (image.Image, error) {
	c.mu.RLock()
	img, ok := c.images[name]
	c.mu.RUnlock()
	if ok {
		return img, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if img, ok := c.images[name]; ok {
		return img, nil
	}
	img, err := decode(c.Path(name))
	if err != nil {
		return nil, err
	}
	c.images[name] = img
	return img, nil
}

// Preload decodes every name up front so a missing asset fails at startup
// rather than in the middle of a run.
func (c *Catalog) Preload(names []string) error {
	for _, n := range names {
		if _, err := c.Image(n); err != nil {
			return err
		}
	}
	return nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", path, err)
	}
	return img, nil
}

// Static is an in-memory Source, used for tests and embedded assets.
type Static map[string]image.Image

// Image implements Source.
func (s Static) Image(name string) (image.Image, error) {
	if img, ok := s[name]; ok {
		return img, nil
	}
	return nil, fmt.Errorf("template %q not found", name)
}
