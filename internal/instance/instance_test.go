package instance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rerollctl/internal/classifier"
	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/device"
	"github.com/xkilldash9x/rerollctl/internal/evidence"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/mocks"
	"github.com/xkilldash9x/rerollctl/internal/notify"
	"github.com/xkilldash9x/rerollctl/internal/poll"
	"github.com/xkilldash9x/rerollctl/internal/templates"
)

const accountXML = `<?xml version='1.0' encoding='utf-8' standalone='yes' ?>
<map>
    <string name="deviceAccount">0123456789abcdef</string>
    <string name="devicePassword">secret</string>
</map>`

type fixture struct {
	dev        *mocks.FakeDevice
	screen     *mocks.Screen
	clock      *clock.Fake
	cls        *mocks.MockClassifier
	store      *mocks.MockStore
	notifier   *mocks.MockNotifier
	recognizer *mocks.MockRecognizer
	backupDir  string
	inst       *Instance
}

// setupTest builds an instance against a screen on which every template is
// visible except the diagnostic ones. Swiping a pack hides its series icon
// and the tutorial swipe hides the reveal prompt until the next tap.
func setupTest(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		dev:        mocks.NewFakeDevice("127.0.0.1:5555"),
		screen:     mocks.NewScreen(),
		clock:      clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		cls:        new(mocks.MockClassifier),
		store:      new(mocks.MockStore),
		notifier:   new(mocks.MockNotifier),
		recognizer: new(mocks.MockRecognizer),
		backupDir:  t.TempDir(),
	}
	f.dev.PullData = []byte(accountXML)
	f.screen.Hide("App", "Error", "DateChange", "Blank", "NotFound")
	f.dev.OnInput = func(call string) {
		switch {
		case strings.HasPrefix(call, "swipe 42,555 502,555"):
			f.screen.Hide(layout.TutorialSeries)
		case strings.HasPrefix(call, "swipe 277,856 277,207"):
			f.screen.Hide("Weak")
		case strings.HasPrefix(call, "tap "):
			f.screen.Show(layout.TutorialSeries, "Weak")
		}
	}

	cfg.BackupDir = f.backupDir
	if cfg.MaxPacks == 0 {
		cfg.MaxPacks = 4
	}
	inst, err := New(cfg, Deps{
		Device:     f.dev,
		Probe:      f.screen,
		Templates:  f.screen.Templates(),
		Layout:     layout.Default(),
		Clock:      f.clock,
		Evidence:   evidence.NewWriter(t.TempDir(), f.clock),
		Recognizer: f.recognizer,
		Notifier:   f.notifier,
		Store:      f.store,
		Classifier: f.cls,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	f.inst = inst
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{Device: mocks.NewFakeDevice("emulator-5554")})
	assert.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{MaxPacks: 9, GameSpeed: 7}
	cfg.applyDefaults()
	assert.Equal(t, 4, cfg.MaxPacks)
	assert.Equal(t, 1, cfg.GameSpeed)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "MEWTWO", cfg.Pack.Name)

	cfg = Config{MaxPacks: -1}
	cfg.applyDefaults()
	assert.Equal(t, 1, cfg.MaxPacks)
}

func TestInstance_AccountWithoutRareOutcome(t *testing.T) {
	f := setupTest(t, Config{})
	f.store.On("FetchNextPending", mock.Anything).Return("", false, nil)
	f.cls.On("Classify", mock.Anything, mock.Anything).Return(classifier.Outcome{}, nil)
	ctx := context.Background()

	var seen []Phase
	for range 10 {
		require.NoError(t, f.inst.Step(ctx))
		seen = append(seen, f.inst.Phase())
		if f.inst.Phase() == Initializing {
			break
		}
	}

	assert.Equal(t, []Phase{Registering, Registered, PostTutorial, WorkflowComplete, Initializing}, seen)
	st := f.inst.Status()
	assert.EqualValues(t, 4, st.TotalPacks)
	assert.EqualValues(t, 0, st.CurrentPack, "deleting the account resets the pack counter")
	assert.False(t, st.NeedsVerification)
	assert.False(t, st.Done)
	assert.Equal(t, "5555", st.Port)
	assert.True(t, strings.HasPrefix(st.Account, DefaultAccountName))

	f.cls.AssertNumberOfCalls(t, "Classify", 3)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	assert.NotEmpty(t, f.dev.CallsWithPrefix("text "+DefaultAccountName))
	assert.Len(t, f.dev.CallsWithPrefix("swipe 277,856 277,207"), 1)

	entries, err := os.ReadDir(f.backupDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstance_RareOutcomeIsBackedUp(t *testing.T) {
	f := setupTest(t, Config{})
	const code = "1234567890123456"
	found := classifier.Outcome{Rare: true, NeedsConfirmation: true, StarCount: 5, EvidencePath: "/tmp/god.png"}

	f.store.On("FetchNextPending", mock.Anything).Return("", false, nil)
	f.cls.On("Classify", mock.Anything, mock.Anything).Return(classifier.Outcome{}, nil).Once()
	f.cls.On("Classify", mock.Anything, mock.Anything).Return(found, nil).Once()
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
		return m.Mention && m.EvidencePath == found.EvidencePath && strings.Contains(m.Text, "[5/5][2P]")
	})).Return(nil).Once()
	f.recognizer.On("RecognizeDigits", mock.Anything, mock.Anything).Return(code, nil)
	f.store.On("Submit", mock.Anything, code, 3).Return(true, nil)

	require.NoError(t, f.inst.Run(context.Background()))

	assert.True(t, f.inst.Done())
	assert.Equal(t, RareOutcomeFound, f.inst.Phase())
	assert.EqualValues(t, 3, f.inst.Status().TotalPacks, "no packs are opened after a confirmed find")
	f.cls.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
	f.store.AssertExpectations(t)

	_, err := os.Stat(filepath.Join(f.backupDir, code+"_valid.xml"))
	assert.NoError(t, err)
	assert.Len(t, f.dev.CallsWithPrefix("shell su -c 'rm -f "), 1)
}

func TestInstance_RejectedOutcomeUnfriendsAndBacksUp(t *testing.T) {
	f := setupTest(t, Config{})
	rejected := classifier.Outcome{Rare: true, StarCount: 5, EvidencePath: "/tmp/rejected.png"}

	f.store.On("FetchNextPending", mock.Anything).Return("", false, nil)
	f.cls.On("Classify", mock.Anything, mock.Anything).Return(rejected, nil).Once()
	f.cls.On("Classify", mock.Anything, mock.Anything).Return(classifier.Outcome{}, nil)
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(m notify.Message) bool {
		return !m.Mention && strings.HasSuffix(m.Text, "Invalid")
	})).Return(errors.New("webhook down")).Once()

	require.NoError(t, f.inst.Run(context.Background()))

	assert.True(t, f.inst.Done())
	assert.Equal(t, RareOutcomeRejected, f.inst.Phase())
	assert.EqualValues(t, 4, f.inst.Status().TotalPacks)
	f.notifier.AssertExpectations(t)
	f.recognizer.AssertNotCalled(t, "RecognizeDigits", mock.Anything, mock.Anything)

	entries, err := os.ReadDir(f.backupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^deviceAccount_5555_\d+\.xml$`, entries[0].Name())
}

func TestInstance_AddsKnownCodes(t *testing.T) {
	f := setupTest(t, Config{MaxPacks: 1})
	codes := new(mocks.MockCodeSource)
	codes.On("Codes", mock.Anything).Return([]string{"1111222233334444", "5555666677778888"}, nil)
	f.inst.codes = codes
	f.store.On("FetchNextPending", mock.Anything).Return("1111222233334444", true, nil)
	f.inst.phase.Store(int32(PostTutorial))

	require.NoError(t, f.inst.Step(context.Background()))

	assert.Equal(t, WorkflowComplete, f.inst.Phase())
	texts := f.dev.CallsWithPrefix("text ")
	assert.Equal(t, []string{"text 1111222233334444", "text 5555666677778888"}, texts, "pending identifiers already listed are not added twice")
	assert.Len(t, f.dev.CallsWithPrefix("key 67"), 16)
}

func TestInstance_TransportFailureRestartsApp(t *testing.T) {
	f := setupTest(t, Config{})
	ctx := context.Background()
	f.inst.phase.Store(int32(Registered))

	f.dev.Err = errors.New("device offline")
	require.NoError(t, f.inst.Step(ctx))
	assert.Equal(t, RestartingApp, f.inst.Phase())

	f.dev.Err = nil
	require.NoError(t, f.inst.Step(ctx))
	assert.Equal(t, Registering, f.inst.Phase())
	assert.Len(t, f.dev.CallsWithPrefix("start "), 1)
}

func TestInstance_DeadDeviceBreaksAfterBackoff(t *testing.T) {
	t.Run("restart loop", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.inst.phase.Store(int32(RestartingApp))
		f.dev.Err = errors.New("device offline")

		err := f.inst.Run(context.Background())
		require.ErrorIs(t, err, device.ErrTransport)
		assert.Contains(t, err.Error(), "giving up after 5 device failures")
		assert.Equal(t, Broken, f.inst.Phase())
		assert.True(t, f.inst.Done())
		assert.Len(t, f.dev.CallsWithPrefix("stop "), DefaultMaxDeviceFailures)
		assert.GreaterOrEqual(t, f.clock.Slept(), 2*time.Second, "retries are spaced out")
	})

	t.Run("while a find is pending", func(t *testing.T) {
		f := setupTest(t, Config{MaxDeviceFailures: 3})
		f.inst.phase.Store(int32(RareOutcomeFound))
		f.dev.Err = errors.New("device offline")

		err := f.inst.Run(context.Background())
		require.ErrorIs(t, err, device.ErrTransport)
		assert.Equal(t, Broken, f.inst.Phase())
		assert.Greater(t, f.clock.Slept(), time.Duration(0))
	})

	t.Run("completed phase resets the count", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.inst.failures = DefaultMaxDeviceFailures - 1
		f.inst.retry.NextBackOff()

		require.NoError(t, f.inst.Step(context.Background()))
		assert.Equal(t, Registering, f.inst.Phase())
		assert.Zero(t, f.inst.failures)
	})

	t.Run("cancel during backoff", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.inst.phase.Store(int32(RestartingApp))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := f.inst.deviceFailed(ctx, errors.New("device offline"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, RestartingApp, f.inst.Phase())
		assert.Equal(t, 1, f.inst.failures)
	})
}

func TestInstance_StuckWhileFoundKeepsPhase(t *testing.T) {
	f := setupTest(t, Config{})
	f.inst.phase.Store(int32(RareOutcomeFound))
	f.screen.SetRule(func(string) (bool, bool) { return false, true })

	require.NoError(t, f.inst.Step(context.Background()))

	assert.Equal(t, RareOutcomeFound, f.inst.Phase())
	assert.Len(t, f.dev.CallsWithPrefix("stop "), 1)
	assert.Len(t, f.dev.CallsWithPrefix("start "), 1)
	assert.False(t, f.inst.Done())
}

func TestInstance_UnexpectedErrorBreaks(t *testing.T) {
	f := setupTest(t, Config{})
	f.store.On("FetchNextPending", mock.Anything).Return("", false, nil)
	f.cls.On("Classify", mock.Anything, mock.Anything).Return(classifier.Outcome{}, errors.New("boom"))
	f.inst.phase.Store(int32(PostTutorial))

	err := f.inst.Step(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, Broken, f.inst.Phase())
	assert.NoError(t, f.inst.Run(context.Background()), "a broken instance stops quietly")
}

func TestInstance_RunStopsOnCancel(t *testing.T) {
	f := setupTest(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.inst.Run(ctx), context.Canceled)
	assert.True(t, f.inst.Done())
}

func TestEscalate(t *testing.T) {
	ctx := context.Background()

	t.Run("dismisses error dialog", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.screen.Show("Error")
		frame, _ := f.dev.Capture(ctx)
		require.NoError(t, f.inst.Escalate(ctx, "Skip", frame))
		assert.Len(t, f.dev.CallsWithPrefix("tap 235,675"), 1)
	})

	t.Run("home screen is stuck", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.screen.Show("App")
		frame, _ := f.dev.Capture(ctx)
		err := f.inst.Escalate(ctx, "Skip", frame)
		require.ErrorIs(t, err, poll.ErrStuck)
		var stuck *poll.StuckError
		require.ErrorAs(t, err, &stuck)
		assert.Equal(t, "stuck at home page", stuck.Reason)
		assert.Equal(t, "Skip", stuck.Template, "reports the template being waited for")
		assert.False(t, stuck.AppRestarted)
	})

	t.Run("home screen outside a wait names the home template", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.screen.Show("App")
		frame, _ := f.dev.Capture(ctx)
		var stuck *poll.StuckError
		require.ErrorAs(t, f.inst.Escalate(ctx, "", frame), &stuck)
		assert.Equal(t, layout.Default().Step("home_screen").Template, stuck.Template)
	})

	t.Run("home screen during a wait reports the wait's template", func(t *testing.T) {
		f := setupTest(t, Config{Timeout: 3 * time.Second})
		f.screen.Show("App")
		f.screen.Hide("Skip")

		_, err := f.inst.poller.Until(ctx, poll.Request{Template: templates.Ref{Name: "Skip"}})
		var stuck *poll.StuckError
		require.ErrorAs(t, err, &stuck)
		assert.Equal(t, "Skip", stuck.Template)
		assert.Equal(t, "stuck at home page", stuck.Reason)
	})

	t.Run("date change outside window is ignored", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.screen.Show("DateChange")
		frame, _ := f.dev.Capture(ctx)
		assert.NoError(t, f.inst.Escalate(ctx, "Skip", frame))
		assert.Empty(t, f.dev.CallsWithPrefix("start "))
	})

	t.Run("date change inside window restarts", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.clock.Advance(18*time.Hour + 2*time.Minute)
		f.screen.Show("DateChange")
		frame, _ := f.dev.Capture(ctx)
		err := f.inst.Escalate(ctx, "Skip", frame)
		var stuck *poll.StuckError
		require.ErrorAs(t, err, &stuck)
		assert.True(t, stuck.AppRestarted)
		assert.Equal(t, "Skip", stuck.Template)
		assert.Len(t, f.dev.CallsWithPrefix("start "), 1)
	})
}

func TestBackup(t *testing.T) {
	ctx := context.Background()

	t.Run("missing account file resets", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.dev.ShellFunc = func(cmd string) string {
			if strings.Contains(cmd, "ls ") {
				return "ls: /data/data/x: No such file or directory"
			}
			return ""
		}
		saved, err := f.inst.backup(ctx, "", false)
		require.NoError(t, err)
		assert.False(t, saved)
		assert.Empty(t, f.dev.CallsWithPrefix("pull "))
	})

	t.Run("copy output is an error", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.dev.ShellFunc = func(cmd string) string {
			if strings.Contains(cmd, "cp ") {
				return "cp: permission denied"
			}
			return ""
		}
		_, err := f.inst.backup(ctx, "", false)
		assert.ErrorIs(t, err, ErrBackup)
		assert.ErrorContains(t, err, "permission denied")
	})

	t.Run("empty file is an error", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.dev.PullData = nil
		_, err := f.inst.backup(ctx, "", false)
		assert.ErrorIs(t, err, ErrBackup)
		assert.Empty(t, f.dev.CallsWithPrefix("shell su -c 'rm -f "))
	})

	t.Run("file must be xml", func(t *testing.T) {
		f := setupTest(t, Config{})
		f.dev.PullData = []byte("plain text")
		_, err := f.inst.backup(ctx, "", false)
		assert.ErrorIs(t, err, ErrBackup)
	})

	t.Run("names by code", func(t *testing.T) {
		f := setupTest(t, Config{})
		saved, err := f.inst.backup(ctx, "1234567890123456", false)
		require.NoError(t, err)
		assert.True(t, saved)
		_, err = os.Stat(filepath.Join(f.backupDir, "1234567890123456_invalid.xml"))
		assert.NoError(t, err)
	})
}
