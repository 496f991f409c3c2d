package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

const (
	// maxEventBytes bounds one SSE line; catalog contexts can get large.
	maxEventBytes = 1 << 20

	// reconnectBurst is where the backoff curve stops growing. Further
	// attempts keep retrying at the capped delay forever.
	reconnectBurst = 5

	// finalMarker precedes the terminal object on hosts that stream
	// LLM-style responses over the same channel. It is a marker line,
	// not an event.
	finalMarker = "[FINAL]"
)

// Stream subscribes to the store's event fan-out and delivers every
// mutation matching sel on the returned channel, in arrival order.
//
// The server filters by owner only, so the full selector runs against each
// frame here. Pings keep the connection alive and are consumed silently.
// Redelivered events after a reconnect are forwarded as-is; dedup belongs
// to the consumer and its journal.
//
// The stream reconnects forever with exponential backoff, emitting
// synthetic system frames ("Reconnecting", "Connected") around each cycle.
// Cancelling ctx closes the transport and then the channel.
func (c *Client) Stream(ctx context.Context, consumer string, sel breadcrumb.Selector) <-chan breadcrumb.Event {
	events := make(chan breadcrumb.Event, c.cfg.StreamBuffer)
	go c.streamLoop(ctx, consumer, sel, events)
	return events
}

func (c *Client) streamLoop(ctx context.Context, consumer string, sel breadcrumb.Selector, events chan<- breadcrumb.Event) {
	defer close(events)

	logger := c.logger.WithFields("consumer", consumer)
	policy := c.cfg.ReconnectPolicy
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			c.metrics.StreamReconnects.WithLabelValues(consumer).Inc()
			c.emitSystem(events, "Reconnecting")
			logger.Info(ctx, "reconnecting to event stream", "attempt", attempt)

			capped := attempt
			if capped > reconnectBurst {
				capped = reconnectBurst
			}
			if err := policy.Sleep(ctx, capped); err != nil {
				return
			}
		}
		attempt++

		err := c.consumeStream(ctx, consumer, sel, events, func() {
			// Restart the backoff curve. The next disconnect still
			// announces itself and waits the initial delay.
			attempt = 1
			c.emitSystem(events, "Connected")
			logger.Info(ctx, "event stream connected")
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn(ctx, "event stream disconnected", "error", err)
			if IsAuth(err) {
				c.tokens.Invalidate()
			}
		}
	}
}

// consumeStream holds one SSE connection open and pumps frames until the
// transport breaks or ctx ends. onConnected fires after the server accepts
// the subscription.
func (c *Client) consumeStream(ctx context.Context, consumer string, sel breadcrumb.Selector, events chan<- breadcrumb.Event, onConnected func()) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events/stream", nil)
	if err != nil {
		return WrapError(KindTransport, err, "build stream request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.sse.Do(req)
	if err != nil {
		return WrapError(KindTransport, err, "connect event stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, string(raw))
	}

	onConnected()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == finalMarker {
			continue
		}

		var ev breadcrumb.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug(ctx, "skipping undecodable stream frame", "error", err)
			continue
		}

		matched := sel.MatchesEvent(&ev)
		c.metrics.RecordStreamEvent(consumer, string(ev.Type), matched)

		if ev.Type == breadcrumb.EventPing || !matched {
			continue
		}

		// Blocking send: a slow consumer pushes back on the socket
		// rather than losing work items.
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return WrapError(KindTransport, err, "read event stream")
	}
	return fmt.Errorf("event stream closed by server")
}

// emitSystem delivers a stream-lifecycle frame without ever blocking; a
// consumer too busy to see "Reconnecting" loses nothing of substance.
func (c *Client) emitSystem(events chan<- breadcrumb.Event, message string) {
	ev := breadcrumb.Event{
		Type:      breadcrumb.EventSystem,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
	select {
	case events <- ev:
	default:
	}
}
