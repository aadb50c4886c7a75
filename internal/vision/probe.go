// Package vision locates reference templates inside device screenshots and
// reads digits out of cropped screen areas.
package vision

import (
	"image"
	"math"
	"sync"
)

// Probe reports whether a template is visible in a frame.
type Probe interface {
	// Locate searches frame (optionally restricted to region) for tpl and
	// returns the best match scoring at least confidence.
	Locate(tpl, frame image.Image, region *Region, confidence float64) (Match, bool)
}

// maxPositions bounds the exhaustive search; larger areas are scanned on a
// stride-2 grid and the best coarse hit is refined locally.
const maxPositions = 200_000

// TemplateMatcher implements Probe with zero-mean normalized cross
// correlation over luminance, which is what OpenCV calls TM_CCOEFF_NORMED.
type TemplateMatcher struct {
	cache sync.Map // image.Image -> *grayPlane
}

// NewTemplateMatcher creates a matcher with an empty template cache.
func NewTemplateMatcher() *TemplateMatcher {
	return &TemplateMatcher{}
}

type grayPlane struct {
	w, h int
	pix  []float64
	mean float64
	// sum of squared deviations from mean
	dev float64
}

func newGrayPlane(img image.Image, r image.Rectangle) *grayPlane {
	g := &grayPlane{w: r.Dx(), h: r.Dy(), pix: make([]float64, r.Dx()*r.Dy())}
	var sum float64
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			cr, cg, cb, _ := img.At(r.Min.X+x, r.Min.Y+y).RGBA()
			v := (0.299*float64(cr) + 0.587*float64(cg) + 0.114*float64(cb)) / 257.0
			g.pix[y*g.w+x] = v
			sum += v
		}
	}
	if n := float64(len(g.pix)); n > 0 {
		g.mean = sum / n
	}
	for _, v := range g.pix {
		d := v - g.mean
		g.dev += d * d
	}
	return g
}

func (m *TemplateMatcher) template(tpl image.Image) *grayPlane {
	if cached, ok := m.cache.Load(tpl); ok {
		return cached.(*grayPlane)
	}
	g := newGrayPlane(tpl, tpl.Bounds())
	m.cache.Store(tpl, g)
	return g
}

// Locate implements Probe.
func (m *TemplateMatcher) Locate(tpl, frame image.Image, region *Region, confidence float64) (Match, bool) {
	if tpl == nil || frame == nil {
		return Match{}, false
	}
	area := frame.Bounds()
	if region != nil {
		area = region.Rect().Intersect(area)
	}
	t := m.template(tpl)
	if t.w == 0 || t.h == 0 || area.Dx() < t.w || area.Dy() < t.h {
		return Match{}, false
	}

	f := newGrayPlane(frame, area)
	integ, integSq := integrals(f)

	cols := f.w - t.w + 1
	rows := f.h - t.h + 1
	stride := 1
	if cols*rows > maxPositions {
		stride = 2
	}

	bestX, bestY, best := -1, -1, math.Inf(-1)
	for y := 0; y < rows; y += stride {
		for x := 0; x < cols; x += stride {
			if s := score(t, f, integ, integSq, x, y); s > best {
				bestX, bestY, best = x, y, s
			}
		}
	}
	if stride > 1 && bestX >= 0 {
		cx, cy := bestX, bestY
		for y := max(0, cy-stride+1); y <= min(rows-1, cy+stride-1); y++ {
			for x := max(0, cx-stride+1); x <= min(cols-1, cx+stride-1); x++ {
				if s := score(t, f, integ, integSq, x, y); s > best {
					bestX, bestY, best = x, y, s
				}
			}
		}
	}

	if bestX < 0 || best < confidence {
		return Match{}, false
	}
	return Match{
		Left:   area.Min.X + bestX,
		Top:    area.Min.Y + bestY,
		Width:  t.w,
		Height: t.h,
		Score:  best,
	}, true
}

// integrals builds summed-area tables of the plane and of its squares, each
// padded with a leading zero row and column.
func integrals(f *grayPlane) ([]float64, []float64) {
	stride := f.w + 1
	sum := make([]float64, stride*(f.h+1))
	sq := make([]float64, stride*(f.h+1))
	for y := 0; y < f.h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < f.w; x++ {
			v := f.pix[y*f.w+x]
			rowSum += v
			rowSq += v * v
			sum[(y+1)*stride+x+1] = sum[y*stride+x+1] + rowSum
			sq[(y+1)*stride+x+1] = sq[y*stride+x+1] + rowSq
		}
	}
	return sum, sq
}

func windowSum(integ []float64, stride, x, y, w, h int) float64 {
	return integ[(y+h)*stride+x+w] - integ[y*stride+x+w] - integ[(y+h)*stride+x] + integ[y*stride+x]
}

func score(t, f *grayPlane, integ, integSq []float64, x, y int) float64 {
	n := float64(t.w * t.h)
	stride := f.w + 1
	ws := windowSum(integ, stride, x, y, t.w, t.h)
	wsq := windowSum(integSq, stride, x, y, t.w, t.h)
	fmean := ws / n
	fdev := wsq - ws*ws/n

	// Flat template or flat window: correlation is undefined, fall back to
	// mean absolute difference scaled into [0,1].
	if t.dev < 1e-9 || fdev < 1e-9 {
		var diff float64
		for ty := 0; ty < t.h; ty++ {
			row := (y+ty)*f.w + x
			for tx := 0; tx < t.w; tx++ {
				diff += math.Abs(f.pix[row+tx] - t.pix[ty*t.w+tx])
			}
		}
		return 1 - diff/(n*255)
	}

	var cross float64
	for ty := 0; ty < t.h; ty++ {
		row := (y+ty)*f.w + x
		for tx := 0; tx < t.w; tx++ {
			cross += (t.pix[ty*t.w+tx] - t.mean) * (f.pix[row+tx] - fmean)
		}
	}
	return cross / math.Sqrt(t.dev*fdev)
}
