package layout

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// Pack is a booster the workflow targets after the tutorial.
type Pack struct {
	Name   string
	Num    int
	Series string
}

// TutorialSeries is the series icon shown for the tutorial packs.
const TutorialSeries = "A1"

var packs = []Pack{
	{Name: "MEWTWO", Num: 1, Series: "A1"},
	{Name: "CHARIZARD", Num: 2, Series: "A1"},
	{Name: "PIKACHU", Num: 3, Series: "A1"},
	{Name: "MEW", Num: 4, Series: "A1a"},
	{Name: "DIALGA", Num: 5, Series: "A2"},
	{Name: "PALKIA", Num: 6, Series: "A2"},
	{Name: "ARCEUS", Num: 7, Series: "A2a"},
	{Name: "SHINING", Num: 8, Series: "A2b"},
}

// Packs lists every known pack identity.
func Packs() []Pack {
	out := make([]Pack, len(packs))
	copy(out, packs)
	return out
}

// LookupPack resolves a pack by name, case-insensitively.
func LookupPack(name string) (Pack, error) {
	for _, p := range packs {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Pack{}, fmt.Errorf("unknown pack %q", name)
}

// Route is how to get from the home screen to the opening screen of a pack.
type Route struct {
	// Step is waited on, tapping Click, to enter the series.
	Step  string
	Click *vision.Point
	// Settle is slept after the step before the optional Tap.
	Settle time.Duration
	// Tap picks a pack inside a series that shows several.
	Tap *vision.Point
}

func pt(x, y int) *vision.Point { return &vision.Point{X: x, Y: y} }

// RouteFor returns the selection route for p.
func RouteFor(p Pack) (Route, error) {
	switch p.Series {
	case "A1":
		r := Route{Step: "pack_point", Click: pt(403, 320), Settle: time.Second}
		switch p.Name {
		case "CHARIZARD":
			r.Tap = pt(108, 529)
		case "PIKACHU":
			r.Tap = pt(422, 529)
		}
		return r, nil
	case "A1a":
		return Route{Step: "pack_small_back"}, nil
	case "A2":
		r := Route{Step: "pack_point", Click: pt(420, 312)}
		if p.Name == "PALKIA" {
			r.Tap = pt(422, 529)
		}
		return r, nil
	case "A2a":
		return Route{Step: "pack_point", Click: pt(420, 312)}, nil
	case "A2b":
		return Route{Step: "pack_point", Click: pt(268, 312)}, nil
	}
	return Route{}, fmt.Errorf("invalid pack series %q", p.Series)
}
