// Package evidence persists screenshots that back up a classification or a
// failure.
package evidence

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/xkilldash9x/rerollctl/internal/clock"
)

// Kinds of evidence written by the workflow.
const (
	KindGodPack    = "god_pack"
	KindDoubleRare = "double_rare"
	KindStuck      = "stuck"
)

// Writer saves frames as {kind}_{deviceId}_{unix}.png under one directory.
type Writer struct {
	dir   string
	clock clock.Clock
}

// NewWriter creates a writer; the directory is created on first use.
func NewWriter(dir string, clk clock.Clock) *Writer {
	return &Writer{dir: dir, clock: clk}
}

// Dir is the evidence directory.
func (w *Writer) Dir() string { return w.dir }

// Save encodes img and returns the path it was written to. The file is
// complete on disk when Save returns.
func (w *Writer) Save(kind, deviceID string, img image.Image) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create evidence directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.png", kind, deviceID, w.clock.Now().Unix())
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode evidence: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	return path, nil
}
