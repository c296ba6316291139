package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayindex/internal/logger"
)

const (
	defaultReadLimit   = 4 << 20
	defaultDialTimeout = 10 * time.Second
)

var ErrInvalidRelayURL = errors.New("invalid relay url")

// DialError is returned when the websocket handshake fails. Status is zero
// when no HTTP response was received.
type DialError struct {
	URL        string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *DialError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dial %s: http %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func (e *DialError) StatusCode() int { return e.Status }

type ConsumerOptions struct {
	Name        string
	Reconnect   *ReconnectionManager
	Sequence    SequenceFunc
	ReadLimit   int64
	DialTimeout time.Duration
	HTTPHeader  http.Header
	HTTPClient  *http.Client
}

type ConsumerStatus struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Connected    bool   `json:"connected"`
	LastSequence int64  `json:"lastSequence"`
	HasSequence  bool   `json:"-"`
	ErrorCount   int64  `json:"errorCount"`
	Reconnects   int64  `json:"reconnects"`
}

// Consumer streams frames from a single relay, reconnecting on failure.
type Consumer struct {
	url  string
	opts ConsumerOptions

	connected  atomic.Bool
	hasSeq     atomic.Bool
	lastSeq    atomic.Int64
	errorCount atomic.Int64
	reconnects atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(relayURL string, opts ConsumerOptions) (*Consumer, error) {
	normalized, err := NormalizeRelayURL(relayURL)
	if err != nil {
		return nil, err
	}
	if opts.Reconnect == nil {
		opts.Reconnect = NewReconnectionManager(BackoffConfig{})
	}
	if opts.Sequence == nil {
		opts.Sequence = JSONSequence
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = RelayName(normalized)
	}
	return &Consumer{url: normalized, opts: opts}, nil
}

func (c *Consumer) URL() string  { return c.url }
func (c *Consumer) Name() string { return c.opts.Name }

// Subscribe starts streaming from fromSeq, or from the live tail when nil. The
// returned channel is closed after Disconnect or when ctx is done. Calling
// Subscribe again replaces the previous subscription.
func (c *Consumer) Subscribe(ctx context.Context, fromSeq *int64) <-chan Frame {
	c.Disconnect()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	out := make(chan Frame)

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if fromSeq != nil {
		c.lastSeq.Store(*fromSeq)
		c.hasSeq.Store(true)
	}
	go c.run(runCtx, out, done)
	return out
}

// Disconnect closes the current connection and waits for the stream to stop.
func (c *Consumer) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Consumer) Status() ConsumerStatus {
	return ConsumerStatus{
		Name:         c.opts.Name,
		URL:          c.url,
		Connected:    c.connected.Load(),
		LastSequence: c.lastSeq.Load(),
		HasSequence:  c.hasSeq.Load(),
		ErrorCount:   c.errorCount.Load(),
		Reconnects:   c.reconnects.Load(),
	}
}

func (c *Consumer) run(ctx context.Context, out chan<- Frame, done chan struct{}) {
	defer close(done)
	defer close(out)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "firehose.consumer", Relay: logger.Ptr(c.opts.Name)})
	for {
		err := c.stream(ctx, out)
		if ctx.Err() != nil {
			return
		}
		c.errorCount.Add(1)
		c.opts.Reconnect.Disconnected(c.url)
		delay := c.opts.Reconnect.NextDelay(c.url)
		slog.WarnContext(ctx, "relay stream ended, reconnecting",
			"error", err,
			"delay", delay.String(),
			"attempt", c.opts.Reconnect.Attempts(c.url))
		if waitWithContext(ctx, delay) != nil {
			return
		}
		c.reconnects.Add(1)
	}
}

func (c *Consumer) stream(ctx context.Context, out chan<- Frame) error {
	var from *int64
	if c.hasSeq.Load() {
		seq := c.lastSeq.Load()
		from = &seq
	}
	target := subscribeURL(c.url, from)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: c.opts.HTTPHeader,
	})
	cancel()
	if err != nil {
		dialErr := &DialError{URL: c.url, Err: err}
		if resp != nil {
			dialErr.Status = resp.StatusCode
			dialErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return dialErr
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(c.opts.ReadLimit)

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.opts.Reconnect.Connected(c.url)
	slog.InfoContext(ctx, "relay connected", "cursor", formatCursor(from))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", c.url, err)
		}
		if seq, ok := c.opts.Sequence(data); ok {
			c.lastSeq.Store(seq)
			c.hasSeq.Store(true)
		}
		frame := Frame{Relay: c.url, Data: data, ReceivedAt: time.Now().UTC()}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NormalizeRelayURL accepts ws, wss, http and https URLs and returns the
// websocket form.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidRelayURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRelayURL, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRelayURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidRelayURL)
	}
	return parsed.String(), nil
}

// RelayName derives a human-readable identifier from the relay hostname,
// e.g. wss://bsky.network/xrpc/... -> bsky-network.
func RelayName(relayURL string) string {
	parsed, err := url.Parse(relayURL)
	if err != nil || parsed.Hostname() == "" {
		return strings.TrimSpace(relayURL)
	}
	return strings.ReplaceAll(strings.ToLower(parsed.Hostname()), ".", "-")
}

func subscribeURL(relayURL string, from *int64) string {
	if from == nil {
		return relayURL
	}
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return relayURL
	}
	query := parsed.Query()
	query.Set("cursor", strconv.FormatInt(*from, 10))
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func formatCursor(from *int64) string {
	if from == nil {
		return "live"
	}
	return strconv.FormatInt(*from, 10)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
