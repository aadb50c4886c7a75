// Package layout holds the screen coordinate table the workflow steps are
// written against. The default table targets a 540x960 client and can be
// replaced with a YAML file of the same shape.
package layout

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/rerollctl/internal/vision"
)

//go:embed default.yaml
var defaultYAML []byte

// App identifies the target application on the device.
type App struct {
	Package     string `yaml:"package"`
	Activity    string `yaml:"activity"`
	AccountFile string `yaml:"account_file"`
}

// Step is one "wait for template, tapping a point" unit.
type Step struct {
	Template string         `yaml:"template"`
	Region   *vision.Region `yaml:"region"`
	Click    *vision.Point  `yaml:"click"`
	// DelayMS overrides the instance action delay when set.
	DelayMS int `yaml:"delay_ms"`
	// SoftMS makes the wait give up early without failing.
	SoftMS int `yaml:"soft_ms"`
	// TimeoutS overrides the instance timeout when set.
	TimeoutS int `yaml:"timeout_s"`
}

// Delay returns the step's action delay, or def when the step has none.
func (s Step) Delay(def time.Duration) time.Duration {
	if s.DelayMS > 0 {
		return time.Duration(s.DelayMS) * time.Millisecond
	}
	return def
}

// Soft returns the soft timeout, zero when unset.
func (s Step) Soft() time.Duration {
	return time.Duration(s.SoftMS) * time.Millisecond
}

// Timeout returns the step's hard timeout, or def when the step has none.
func (s Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutS > 0 {
		return time.Duration(s.TimeoutS) * time.Second
	}
	return def
}

// WithClick returns a copy of s tapping p instead.
func (s Step) WithClick(p vision.Point) Step {
	s.Click = &p
	return s
}

// WithTemplate returns a copy of s looking for name instead.
func (s Step) WithTemplate(name string) Step {
	s.Template = name
	return s
}

// Swipe is a straight drag between two points.
type Swipe struct {
	From       vision.Point `yaml:"from"`
	To         vision.Point `yaml:"to"`
	DurationMS int          `yaml:"duration_ms"`
}

// Layout is the full coordinate table.
type Layout struct {
	App     App                      `yaml:"app"`
	Screen  vision.Region            `yaml:"screen"`
	Slots   []vision.Region          `yaml:"slots"`
	Regions map[string]vision.Region `yaml:"regions"`
	Steps   map[string]Step          `yaml:"steps"`
	Taps    map[string]vision.Point  `yaml:"taps"`
	Swipes  map[string]Swipe         `yaml:"swipes"`
}

// Default returns a fresh copy of the built-in layout.
func Default() *Layout {
	l, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("layout: embedded default is invalid: %v", err))
	}
	return l
}

// Load reads a layout file. An empty path yields the default layout.
func Load(path string) (*Layout, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML layout.
func Parse(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// PrimarySlots are the top-row card slots.
func (l *Layout) PrimarySlots() []vision.Region { return l.Slots[:3] }

// SecondarySlots are the bottom-row card slots.
func (l *Layout) SecondarySlots() []vision.Region { return l.Slots[3:5] }

// Step looks up a step by name. Validate guarantees the required names exist.
func (l *Layout) Step(name string) Step { return l.Steps[name] }

// Tap looks up a fixed tap point.
func (l *Layout) Tap(name string) vision.Point { return l.Taps[name] }

// Swipe looks up a drag gesture.
func (l *Layout) Swipe(name string) Swipe { return l.Swipes[name] }

// Region looks up a named area.
func (l *Layout) Region(name string) vision.Region { return l.Regions[name] }

// Validate checks that every name the workflow uses is present.
func (l *Layout) Validate() error {
	var errs []error
	if l.App.Package == "" || l.App.Activity == "" || l.App.AccountFile == "" {
		errs = append(errs, errors.New("app package, activity and account_file are required"))
	}
	if len(l.Slots) != 5 {
		errs = append(errs, fmt.Errorf("exactly 5 card slots are required, got %d", len(l.Slots)))
	}
	errs = append(errs, missing("step", l.Steps, requiredSteps)...)
	errs = append(errs, missing("tap", l.Taps, requiredTaps)...)
	errs = append(errs, missing("swipe", l.Swipes, requiredSwipes)...)
	errs = append(errs, missing("region", l.Regions, requiredRegions)...)
	for name, s := range l.Steps {
		if s.Template == "" && name != "pack_icon" {
			errs = append(errs, fmt.Errorf("step %q has no template", name))
		}
	}
	return errors.Join(errs...)
}

func missing[V any](kind string, have map[string]V, want []string) []error {
	var errs []error
	for _, name := range want {
		if _, ok := have[name]; !ok {
			errs = append(errs, fmt.Errorf("layout is missing %s %q", kind, name))
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errs
}

var requiredSteps = []string{
	"error_dialog", "home_screen", "date_change",
	"title_region", "title_menu", "confirm_birth", "region_unselected", "choose_region",
	"year_selected", "month_selected", "tos_open", "tos_close_terms", "tos_back",
	"tos_close_privacy", "data_uncomplete", "data_download", "data_complete", "welcome",
	"name_prompt", "name_confirm",
	"tutorial_back", "dex_task", "reward", "reward_full", "notification",
	"wonder_icon_tutorial", "wonder", "wonder_back", "wonder_confirm", "wonder_choose",
	"wonder_get", "wonder_dex", "wonder_tutorial", "wonder_home", "task",
	"skip", "skip_late", "pack_icon", "to_swipe", "weak", "move", "result", "blank", "dex",
	"unlock", "hourglass", "timer_open", "use_hourglass", "timer_done", "pack_home",
	"found_home", "pack_point", "pack_small_back",
	"wonder_icon_home", "profile", "badge_checked", "badge",
	"on_commu", "friend_num", "friend_num_wide", "search", "search_ok", "friend_result",
	"not_found", "apply", "commu_dismiss", "commu", "commu_open", "friend_all",
	"wonder_icon_social", "no_friend", "friended", "unfriend_confirm",
	"setting", "account_menu", "nin_account", "delete_warning", "delete_confirm", "deleted",
}

var requiredTaps = []string{
	"title", "speed_menu", "speed_1x", "speed_2x", "speed_3x", "speed_close",
	"region_list", "region_pick", "region_ok", "year_list", "year_pick", "month_list",
	"month_pick", "consent_terms", "consent_privacy", "consent_ok", "consent_confirm",
	"data_later", "name_field", "name_ok", "name_done", "name_done_confirm",
	"notification_dismiss", "tutorial_pack_next", "tutorial_pack_done", "result_next",
	"search_open", "search_field", "search_input", "not_found_ok", "apply", "friend_list",
	"unfriend", "title_delete", "deleted_ok",
}

var requiredSwipes = []string{"open_pack", "tutorial_swipe_up"}

var requiredRegions = []string{"immerse", "crown", "own_code"}
