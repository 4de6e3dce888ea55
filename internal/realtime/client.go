package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/designdesk/backend/internal/models"
)

var errStreamClosed = errors.New("stream closed by server")

// Client consumes the notification stream and keeps it open across disconnects. A connection
// that stays silent for IdleTimeout (no event and no heartbeat) is treated as dead.
type Client struct {
	URL         string
	Token       string
	HTTPClient  *http.Client
	Backoff     *Backoff
	IdleTimeout time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *slog.Logger

	// OnConnect, if set, is called after each successful connection.
	OnConnect func()

	mu          sync.Mutex
	lastEventID string
}

func NewClient(url, token string) *Client {
	return &Client{
		URL:         url,
		Token:       token,
		HTTPClient:  &http.Client{},
		Backoff:     DefaultBackoff(),
		IdleTimeout: 3 * DefaultHeartbeat,
	}
}

// LastEventID is the id of the last notification handled.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Run calls handle for each notification in order until ctx is cancelled. After a disconnect it
// waits Backoff.Next() and reconnects, resuming from the last event id.
func (c *Client) Run(ctx context.Context, handle func(*models.Notification)) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for {
		err := c.stream(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := c.Backoff.Next()
		logger.Warn("notification stream disconnected", "error", err, "attempt", c.Backoff.Attempt(), "retry_in", d)
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (c *Client) stream(ctx context.Context, handle func(*models.Notification)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if last := c.LastEventID(); last != "" {
		req.Header.Set("Last-Event-ID", last)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	c.Backoff.Reset()
	if c.OnConnect != nil {
		c.OnConnect()
	}

	var idle *time.Timer
	if c.IdleTimeout > 0 {
		idle = time.AfterFunc(c.IdleTimeout, cancel)
		defer idle.Stop()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var ev sseEvent
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(c.IdleTimeout)
		}
		line := scanner.Text()
		if line != "" {
			ev.field(line)
			continue
		}
		if ev.data.Len() > 0 && (ev.name == "" || ev.name == "notification") {
			var n models.Notification
			if err := json.Unmarshal([]byte(ev.data.String()), &n); err != nil {
				return fmt.Errorf("decode notification: %w", err)
			}
			handle(&n)
			if ev.id != "" {
				c.mu.Lock()
				c.lastEventID = ev.id
				c.mu.Unlock()
			}
		}
		ev = sseEvent{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamClosed
}

type sseEvent struct {
	id   string
	name string
	data strings.Builder
}

func (e *sseEvent) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "id":
		e.id = value
	case "event":
		e.name = value
	case "data":
		if e.data.Len() > 0 {
			e.data.WriteByte('\n')
		}
		e.data.WriteString(value)
	}
}
