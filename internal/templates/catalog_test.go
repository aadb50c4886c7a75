package templates

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/rerollctl/internal/vision"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewGray(image.Rect(0, 0, 3, 3))
	img.SetGray(1, 1, color.Gray{Y: 200})
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "English", "Skip.png"))
	c := NewCatalog(dir, "English")

	t.Run("decodes and caches", func(t *testing.T) {
		first, err := c.Image("Skip")
		require.NoError(t, err)
		assert.Equal(t, 3, first.Bounds().Dx())

		second, err := c.Image("Skip")
		require.NoError(t, err)
		assert.Same(t, first, second)
	})

	t.Run("language selects directory", func(t *testing.T) {
		_, err := NewCatalog(dir, "Chinese").Image("Skip")
		assert.Error(t, err)
	})

	t.Run("preload reports the missing asset", func(t *testing.T) {
		err := c.Preload([]string{"Skip", "Result"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Result")
	})
}

func TestStatic(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	s := Static{"A": img}
	got, err := s.Image("A")
	require.NoError(t, err)
	assert.Same(t, img, got)
	_, err = s.Image("B")
	assert.Error(t, err)
}

func TestRefString(t *testing.T) {
	assert.Equal(t, "Skip", Ref{Name: "Skip"}.String())
	assert.Equal(t, "Skip[1,2 3x4]", Ref{Name: "Skip", Region: &vision.Region{X: 1, Y: 2, W: 3, H: 4}}.String())
}
