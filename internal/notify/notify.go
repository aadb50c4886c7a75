// Package notify delivers found-pack reports and fleet heartbeats to a
// Discord webhook.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ErrNotification is returned once every delivery attempt has failed.
var ErrNotification = errors.New("notification failed")

const (
	DefaultAttempts      = 10
	DefaultRetryInterval = 250 * time.Millisecond
	defaultTimeout       = 15 * time.Second
)

// Message is one report. EvidencePath, when set, is uploaded as an
// attachment after the text. Mention pings the operator.
type Message struct {
	Text         string
	EvidencePath string
	Mention      bool
}

// Notifier is the sink instances and the fleet report to.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, Message) error { return nil }

// Config holds the webhook settings.
type Config struct {
	WebhookURL    string
	UserID        string
	Attempts      int
	RetryInterval time.Duration
	Timeout       time.Duration
}

// Discord posts messages to a webhook. Sends are serialized so messages
// from concurrent instances never interleave their text and attachment.
type Discord struct {
	mu         sync.Mutex
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Notifier = (*Discord)(nil)

// NewDiscord validates cfg and fills in retry defaults.
func NewDiscord(cfg Config, logger *zap.Logger) (*Discord, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("discord webhook URL is required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Discord{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("notify.discord"),
	}, nil
}

// Notify sends the text and then the attachment. It returns an error
// wrapping ErrNotification after the configured attempts are spent.
func (d *Discord) Notify(ctx context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	content := msg.Text
	if msg.Mention && d.cfg.UserID != "" {
		content = fmt.Sprintf("<@%s> %s", d.cfg.UserID, msg.Text)
	}
	body, err := jsoniter.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %v", ErrNotification, err)
	}
	if err := d.retry(ctx, func() error { return d.post(ctx, "application/json", body) }); err != nil {
		d.logger.Error("Dropping notification.", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}

	if msg.EvidencePath == "" {
		return nil
	}
	ctype, form, err := attachment(msg.EvidencePath)
	if err != nil {
		d.logger.Error("Dropping attachment.", zap.String("path", msg.EvidencePath), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}
	if err := d.retry(ctx, func() error { return d.post(ctx, ctype, form) }); err != nil {
		d.logger.Error("Dropping attachment.", zap.String("path", msg.EvidencePath), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}
	return nil
}

func (d *Discord) retry(ctx context.Context, op backoff.Operation) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryInterval), uint64(d.cfg.Attempts-1))
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		d.logger.Warn("Webhook delivery failed, retrying...", zap.Error(err), zap.Duration("next", next))
	})
}

func (d *Discord) post(ctx context.Context, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, respBody)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return err
	default:
		return backoff.Permanent(err)
	}
}

// attachment builds a multipart body carrying the file at path.
func attachment(path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", nil, err
	}
	if _, err := part.Write(data); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}
