// Package webhook sends HMAC-signed HTTP notifications for snapshot
// lifecycle events.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jvs-project/lvsnap/pkg/logging"
)

// Event is the JSON payload posted to webhooks.
type Event struct {
	Event      string         `json:"event"`
	Timestamp  string         `json:"timestamp"`
	RunID      string         `json:"run_id,omitempty"`
	Host       string         `json:"host,omitempty"`
	Volume     string         `json:"volume,omitempty"`
	Snapshot   string         `json:"snapshot,omitempty"`
	Device     string         `json:"device,omitempty"`
	Mountpoint string         `json:"mountpoint,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HookConfig represents a single webhook endpoint.
type HookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Secret  string        `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events  []string      `yaml:"events" json:"events"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled bool          `yaml:"enabled" json:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Hooks          []HookConfig  `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	AsyncQueueSize int           `yaml:"async_queue_size" json:"async_queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		AsyncQueueSize: 100,
	}
}

const defaultTimeout = 30 * time.Second

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	logger *logging.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a new webhook client. The background worker for
// asynchronous sends starts when the configuration is enabled.
func NewClient(cfg *Config, logger *logging.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	queueSize := cfg.AsyncQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: logger,
		queue:  make(chan *job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Enabled {
		c.start()
	}
	return c
}

func (c *Client) start() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

// worker processes webhook notifications in the background.
func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			// Drain remaining jobs
			for len(c.queue) > 0 {
				c.send(context.Background(), <-c.queue)
			}
			return
		case j := <-c.queue:
			c.send(context.Background(), j)
		}
	}
}

// Send sends event to every enabled hook subscribed to it. With async the
// event is queued for the background worker; otherwise Send blocks until
// every hook has been tried and returns the last failure.
func (c *Client) Send(ctx context.Context, event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled || c.closed {
		return nil
	}

	hooks := c.Matching(event.Event)
	if len(hooks) == 0 {
		return nil
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.logger.Warn("webhook queue full, dropping event", map[string]any{
					"event": event.Event,
					"url":   hook.URL,
				})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(ctx, &job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Matching returns the enabled hooks subscribed to event.
func (c *Client) Matching(event string) []HookConfig {
	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event) {
			hooks = append(hooks, hook)
		}
	}
	return hooks
}

func (c *Client) send(ctx context.Context, j *job) {
	if err := c.sendSync(ctx, j); err != nil {
		c.logger.WarnErr("webhook delivery failed", err, map[string]any{
			"event": j.event.Event,
			"url":   j.hook.URL,
		})
	}
}

// sendSync posts a job, retrying with exponential backoff. Client errors
// other than 429 are not retried.
func (c *Client) sendSync(ctx context.Context, j *job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	timeout := j.hook.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := c.createRequest(attemptCtx, j.hook, j.event.Event, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(op, c.backoff(ctx), func(err error, wait time.Duration) {
		c.logger.Debug("retrying webhook", map[string]any{
			"url":   j.hook.URL,
			"error": err.Error(),
			"wait":  wait.String(),
		})
	})
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.config.RetryDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithMaxRetries(exp, uint64(max(c.config.MaxRetries, 0)))
	return backoff.WithContext(bo, ctx)
}

func (c *Client) createRequest(ctx context.Context, hook HookConfig, event string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lvsnap-webhook/1.0")
	req.Header.Set("X-Lvsnap-Event", event)
	if hook.Secret != "" {
		req.Header.Set("X-Lvsnap-Signature", Sign(payload, hook.Secret))
	}
	return req, nil
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event string) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close stops the background worker after it has delivered queued events.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
