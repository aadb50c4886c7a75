package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type captured struct {
	contentType string
	body        []byte
}

// webhook records requests and answers with the statuses queued in order,
// then 204 once the queue is drained.
type webhook struct {
	mu       sync.Mutex
	requests []captured
	statuses []int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.mu.Lock()
	w.requests = append(w.requests, captured{contentType: r.Header.Get("Content-Type"), body: body})
	status := http.StatusNoContent
	if len(w.statuses) > 0 {
		status, w.statuses = w.statuses[0], w.statuses[1:]
	}
	w.mu.Unlock()
	rw.WriteHeader(status)
}

func (w *webhook) all() []captured {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]captured(nil), w.requests...)
}

func newDiscord(t *testing.T, url string) *Discord {
	t.Helper()
	d, err := NewDiscord(Config{WebhookURL: url, UserID: "42", Attempts: 3, RetryInterval: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.httpClient.CloseIdleConnections)
	return d
}

func content(t *testing.T, c captured) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, jsoniter.Unmarshal(c.body, &payload))
	return payload["content"]
}

func TestNewDiscord(t *testing.T) {
	_, err := NewDiscord(Config{}, zaptest.NewLogger(t))
	assert.Error(t, err)

	d, err := NewDiscord(Config{WebhookURL: "http://example.invalid"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, DefaultAttempts, d.cfg.Attempts)
	assert.Equal(t, DefaultRetryInterval, d.cfg.RetryInterval)
}

func TestDiscord_Mention(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()
	d := newDiscord(t, srv.URL)

	require.NoError(t, d.Notify(context.Background(), Message{Text: "hello", Mention: true}))
	require.NoError(t, d.Notify(context.Background(), Message{Text: "quiet"}))

	reqs := hook.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "application/json", reqs[0].contentType)
	assert.Equal(t, "<@42> hello", content(t, reqs[0]))
	assert.Equal(t, "quiet", content(t, reqs[1]))
}

func TestDiscord_Attachment(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()
	d := newDiscord(t, srv.URL)

	path := filepath.Join(t.TempDir(), "god_pack_dev_1.png")
	require.NoError(t, os.WriteFile(path, []byte("PNGDATA"), 0o644))

	require.NoError(t, d.Notify(context.Background(), Message{Text: "found", EvidencePath: path}))

	reqs := hook.all()
	require.Len(t, reqs, 2)
	assert.True(t, strings.HasPrefix(reqs[1].contentType, "multipart/form-data"))
	assert.Contains(t, string(reqs[1].body), `filename="god_pack_dev_1.png"`)
	assert.Contains(t, string(reqs[1].body), "PNGDATA")
}

func TestDiscord_MissingAttachment(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()
	d := newDiscord(t, srv.URL)

	err := d.Notify(context.Background(), Message{Text: "found", EvidencePath: filepath.Join(t.TempDir(), "gone.png")})
	assert.ErrorIs(t, err, ErrNotification)
	assert.Len(t, hook.all(), 1, "text is still delivered")
}

func TestDiscord_Retries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		hook := &webhook{statuses: []int{http.StatusInternalServerError, http.StatusTooManyRequests}}
		srv := httptest.NewServer(hook)
		defer srv.Close()
		d := newDiscord(t, srv.URL)

		require.NoError(t, d.Notify(context.Background(), Message{Text: "x"}))
		assert.Len(t, hook.all(), 3)
	})

	t.Run("gives up after the configured attempts", func(t *testing.T) {
		hook := &webhook{statuses: []int{500, 500, 500, 500, 500}}
		srv := httptest.NewServer(hook)
		defer srv.Close()
		d := newDiscord(t, srv.URL)

		err := d.Notify(context.Background(), Message{Text: "x"})
		assert.ErrorIs(t, err, ErrNotification)
		assert.Len(t, hook.all(), 3)
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		hook := &webhook{statuses: []int{http.StatusBadRequest}}
		srv := httptest.NewServer(hook)
		defer srv.Close()
		d := newDiscord(t, srv.URL)

		err := d.Notify(context.Background(), Message{Text: "x"})
		assert.ErrorIs(t, err, ErrNotification)
		assert.Len(t, hook.all(), 1)
	})
}

func TestDiscord_SerializesSends(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	var inflight, overlap atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inflight.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	d := newDiscord(t, srv.URL)
	defer d.httpClient.CloseIdleConnections()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Notify(context.Background(), Message{Text: "x"}))
		}()
	}
	wg.Wait()
	assert.Zero(t, overlap.Load())
}

func TestMessages(t *testing.T) {
	r := Report{Account: "reroll12", Code: "1234567890123456", Stars: 3, Pack: 4, Port: "5555", Verified: true}
	assert.Equal(t,
		"Found god pack!!\nreroll12 (1234567890123456)\n[3/5][3P] God pack found in instance: 5555\nValid",
		GodPackText(r))

	r.Stars = -1
	r.Verified = false
	assert.Contains(t, GodPackText(r), "[X/5][3P]")
	assert.True(t, strings.HasSuffix(GodPackText(r), "\nInvalid"))

	assert.Equal(t,
		"Double two star found\nreroll12 (1234567890123456)\n[2x2][3P] Double two pack found in instance: 5555\nInvalid",
		DoubleRareText(r))

	assert.Equal(t,
		"main\nOnline: 5555, 5565.\nOffline: none.\nTime: 90m Packs: 17\n",
		HeartbeatText("main", []string{"5555", "5565"}, nil, 90*time.Minute+20*time.Second, 17))
}
