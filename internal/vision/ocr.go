package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strings"
	"unicode"
)

// Recognizer extracts text from a cropped screen area.
type Recognizer interface {
	RecognizeDigits(ctx context.Context, img image.Image) (string, error)
}

// Tesseract runs the tesseract CLI in single-block digits mode.
type Tesseract struct {
	// Path is the tesseract binary; empty means look it up on PATH.
	Path string

	execCommandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewTesseract returns a Recognizer that shells out to tesseract.
func NewTesseract(path string) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	return &Tesseract{Path: path, execCommandContext: exec.CommandContext}
}

// RecognizeDigits writes img to a temporary PNG and returns the digits
// tesseract reads from it.
func (t *Tesseract) RecognizeDigits(ctx context.Context, img image.Image) (string, error) {
	f, err := os.CreateTemp("", "ocr-*.png")
	if err != nil {
		return "", fmt.Errorf("failed to create ocr input file: %w", err)
	}
	defer os.Remove(f.Name())

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode ocr input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write ocr input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := t.execCommandContext(ctx, t.Path, f.Name(), "stdout",
		"--psm", "6", "digits", "-c", "tessedit_char_whitelist=0123456789")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return digitsOnly(stdout.String()), nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
