package classifier

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/evidence"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/templates"
)

// scene says which templates show in which slot (0-4) or named region.
type scene map[string][]int

type sceneMatcher struct {
	layout *layout.Layout
	scene  scene
	broad  map[string]bool
	err    error
}

func (m *sceneMatcher) VisibleIn(frame image.Image, ref templates.Ref) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.broad[ref.Name] {
		return true, nil
	}
	for _, i := range m.scene[ref.Name] {
		if ref.Region != nil && *ref.Region == m.layout.Slots[i] {
			return true, nil
		}
	}
	return false, nil
}

func setupTest(t *testing.T, cfg Config, s scene, broad ...string) (*Classifier, string) {
	t.Helper()
	l := layout.Default()
	dir := t.TempDir()
	ev := evidence.NewWriter(dir, clock.NewFake(time.Unix(1700000000, 0)))
	m := &sceneMatcher{layout: l, scene: s, broad: map[string]bool{}}
	for _, b := range broad {
		m.broad[b] = true
	}
	cfg.Device = "5555"
	return New(m, l, ev, cfg, zap.NewNop()), dir
}

var frame = image.NewGray(image.Rect(0, 0, 540, 960))

var ignorePath = cmpopts.IgnoreFields(Outcome{}, "EvidencePath")

func TestClassify_Rare(t *testing.T) {
	c, dir := setupTest(t, Config{}, scene{TemplateOnestar: {0, 3}})

	out, err := c.Classify(context.Background(), frame)
	require.NoError(t, err)

	want := Outcome{Rare: true, NeedsConfirmation: true, StarCount: 3}
	if diff := cmp.Diff(want, out, ignorePath); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, filepath.Join(dir, "god_pack_5555_1700000000.png"), out.EvidencePath)
	_, err = os.Stat(out.EvidencePath)
	assert.NoError(t, err, "evidence must exist when Classify returns")
}

func TestClassify_WithoutEvidenceWriter(t *testing.T) {
	l := layout.Default()
	m := &sceneMatcher{layout: l, scene: scene{TemplateOnestar: {0, 3}}}
	c := New(m, l, nil, Config{Device: "5555"}, zap.NewNop())

	var out Outcome
	require.NotPanics(t, func() {
		var err error
		out, err = c.Classify(context.Background(), frame)
		require.NoError(t, err)
	})
	assert.True(t, out.Rare)
	assert.True(t, out.NeedsConfirmation)
	assert.Empty(t, out.EvidencePath)
}

func TestClassify_CommonIsNotRareRegardlessOfSecondary(t *testing.T) {
	for _, s := range []scene{
		{TemplateCommon: {1}},
		{TemplateCommon: {0, 1, 2}},
		{TemplateCommon: {2}, "RainbowFrame": {3}},
		{TemplateCommon: {0}, "BlackFrame": {3}, "WhiteFrame": {4}},
	} {
		c, dir := setupTest(t, Config{}, s)
		out, err := c.Classify(context.Background(), frame)
		require.NoError(t, err)

		assert.Equal(t, Outcome{StarCount: UnknownStars}, out)
		entries, _ := os.ReadDir(dir)
		assert.Empty(t, entries)
	}
}

func TestClassify_DoubleRare(t *testing.T) {
	c, dir := setupTest(t, Config{CheckDoubleRare: true}, scene{
		TemplateCommon: {0},
		"RainbowFrame":  {3},
		"WhiteFrame":    {4},
	})

	out, err := c.Classify(context.Background(), frame)
	require.NoError(t, err)

	want := Outcome{DoubleRare: true, NeedsConfirmation: true, StarCount: UnknownStars}
	if diff := cmp.Diff(want, out, ignorePath); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, strings.HasPrefix(filepath.Base(out.EvidencePath), "double_rare_5555_"))
	assert.Equal(t, dir, filepath.Dir(out.EvidencePath))
}

func TestClassify_DoubleRareNeedsBothSlots(t *testing.T) {
	c, _ := setupTest(t, Config{CheckDoubleRare: true}, scene{
		TemplateCommon: {0},
		"BlackFrame":   {4},
	})
	out, err := c.Classify(context.Background(), frame)
	require.NoError(t, err)
	assert.False(t, out.DoubleRare)
	assert.False(t, out.NeedsConfirmation)
}

func TestClassify_DoubleRareSkippedForRare(t *testing.T) {
	c, _ := setupTest(t, Config{CheckDoubleRare: true}, scene{
		TemplateOnestar: {0, 1, 2, 3, 4},
		"RainbowFrame":  {3, 4},
	})
	out, err := c.Classify(context.Background(), frame)
	require.NoError(t, err)
	assert.True(t, out.Rare)
	assert.False(t, out.DoubleRare)
	assert.Equal(t, 0, out.StarCount)
}

func TestClassify_Override(t *testing.T) {
	for _, tpl := range []string{TemplateImmerse, TemplateCrown, TemplateShining} {
		t.Run(tpl, func(t *testing.T) {
			c, _ := setupTest(t, Config{}, scene{}, tpl)
			out, err := c.Classify(context.Background(), frame)
			require.NoError(t, err)

			assert.True(t, out.Rare, "override never vetoes detection")
			assert.False(t, out.NeedsConfirmation)
			assert.NotEmpty(t, out.EvidencePath)
			assert.Equal(t, 5, out.StarCount)
		})
	}
}

func TestClassify_Threshold(t *testing.T) {
	c, _ := setupTest(t, Config{CommonThreshold: 2}, scene{TemplateCommon: {1}})
	out, err := c.Classify(context.Background(), frame)
	require.NoError(t, err)
	assert.True(t, out.Rare)
}

func TestClassify_MatcherError(t *testing.T) {
	c, _ := setupTest(t, Config{}, scene{})
	c.matcher.(*sceneMatcher).err = errors.New("template Common: not found")

	_, err := c.Classify(context.Background(), frame)
	assert.Error(t, err)
}
