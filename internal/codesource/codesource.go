// Package codesource supplies the friend codes an account connects with
// before opening packs.
package codesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// Source lists identifiers to send connection requests to.
type Source interface {
	Codes(ctx context.Context) ([]string, error)
}

// Config selects and configures the source. Remote wins when enabled and
// complete.
type Config struct {
	Remote    bool
	URL       string
	Username  string
	Password  string
	LocalPath string
	Timeout   time.Duration
}

// New builds the configured source. A source that cannot be built falls
// back to the next one with a warning, ending at an empty source.
func New(cfg Config, logger *zap.Logger) Source {
	logger = logger.Named("codesource")
	if cfg.Remote {
		if cfg.URL != "" && cfg.Username != "" && cfg.Password != "" {
			return NewRemote(cfg.URL, cfg.Username, cfg.Password, cfg.Timeout, logger)
		}
		logger.Warn("Remote code source is enabled but incomplete, falling back to local.")
	}
	if cfg.LocalPath != "" {
		return &Local{Path: cfg.LocalPath, logger: logger}
	}
	logger.Warn("No code source configured.")
	return Empty{}
}

// Empty never returns codes.
type Empty struct{}

func (Empty) Codes(context.Context) ([]string, error) { return nil, nil }

// Local reads a JSON array of codes from a file.
type Local struct {
	Path   string
	logger *zap.Logger
}

func (l *Local) Codes(_ context.Context) ([]string, error) {
	path, err := homedir.Expand(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", l.Path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read local codes: %w", err)
	}
	var codes []string
	if err := jsoniter.Unmarshal(data, &codes); err != nil {
		return nil, fmt.Errorf("failed to decode local codes: %w", err)
	}
	codes = dedupe(codes)
	if l.logger != nil {
		l.logger.Debug("Loaded local codes.", zap.Int("count", len(codes)))
	}
	return codes, nil
}

// Remote fetches codes from the shared pack checker service.
type Remote struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRemote creates a client for baseURL.
func NewRemote(baseURL, username, password string, timeout time.Duration, logger *zap.Logger) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		url:        strings.TrimRight(baseURL, "/") + "/get_true_ids",
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

func (r *Remote) Codes(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.SetBasicAuth(r.username, r.password)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("code source returned status %d", resp.StatusCode)
	}
	var payload idsResponse
	if err := jsoniter.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode response payload: %w", err)
	}
	r.logger.Debug("Fetched remote codes.", zap.Int("count", len(payload.IDs)))
	return dedupe(payload.IDs), nil
}

// dedupe drops repeats and blanks, keeping first-seen order.
func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := codes[:0]
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
