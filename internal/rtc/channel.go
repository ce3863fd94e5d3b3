package rtc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// maxFrameSize bounds a single channel payload (matches the worker's own
// limit of 4 MiB).
const maxFrameSize = 4 << 20

// channelRequest is one request frame to the worker.
type channelRequest struct {
	ID       int64             `json:"id"`
	Method   string            `json:"method"`
	Internal map[string]string `json:"internal,omitempty"`
	Data     any               `json:"data,omitempty"`
}

// channelFrame is anything the worker sends back: a response (id set) or a
// notification (targetId/event set).
type channelFrame struct {
	ID       int64           `json:"id,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// channel speaks netstring-framed JSON with the worker: requests go out on
// one socket, responses and notifications come back on the other.
type channel struct {
	logger zerolog.Logger

	wmu sync.Mutex
	w   net.Conn
	r   net.Conn

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan channelFrame
	listeners map[string]func(event string, data json.RawMessage)
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(w, r net.Conn, logger zerolog.Logger) *channel {
	c := &channel{
		logger:    logger,
		w:         w,
		r:         r,
		pending:   make(map[int64]chan channelFrame),
		listeners: make(map[string]func(event string, data json.RawMessage)),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// request sends one frame and waits for the matching response.
func (c *channel) request(ctx context.Context, method string, internal map[string]string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	waiter := make(chan channelFrame, 1)
	c.pending[id] = waiter
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	payload, err := json.Marshal(channelRequest{ID: id, Method: method, Internal: internal, Data: data})
	if err != nil {
		drop()
		return nil, fmt.Errorf("channel %s: marshal: %w", method, err)
	}
	if err := c.write(payload); err != nil {
		drop()
		return nil, fmt.Errorf("channel %s: %w", method, err)
	}

	select {
	case frame := <-waiter:
		if frame.Error != "" {
			reason := frame.Reason
			if reason == "" {
				reason = frame.Error
			}
			return nil, &WorkerError{Method: method, Kind: frame.Error, Reason: reason}
		}
		return frame.Data, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

// subscribe registers the notification handler for a targetId (pid, router
// id, observer id, ...). One handler per target.
func (c *channel) subscribe(targetID string, fn func(event string, data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[targetID] = fn
}

func (c *channel) unsubscribe(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, targetID)
}

func (c *channel) write(payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	frame := make([]byte, 0, len(payload)+16)
	frame = strconv.AppendInt(frame, int64(len(payload)), 10)
	frame = append(frame, ':')
	frame = append(frame, payload...)
	frame = append(frame, ',')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(frame)
	return err
}

func (c *channel) readLoop() {
	defer c.close()

	br := bufio.NewReaderSize(c.r, 64<<10)
	for {
		payload, err := readNetstring(br)
		if err != nil {
			if err != io.EOF {
				c.logger.Debug().Err(err).Str("event", "rtc.channel_read_error").Msg("channel read failed")
			}
			return
		}
		c.dispatch(payload)
	}
}

func readNetstring(br *bufio.Reader) ([]byte, error) {
	header, err := br.ReadString(':')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSuffix(header, ":"))
	if err != nil || n < 0 || n > maxFrameSize {
		return nil, fmt.Errorf("invalid netstring length %q", header)
	}

	buf := make([]byte, n+1)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	if buf[n] != ',' {
		return nil, fmt.Errorf("netstring missing trailing comma")
	}
	return buf[:n], nil
}

func (c *channel) dispatch(payload []byte) {
	var frame channelFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.logger.Warn().Err(err).Str("event", "rtc.channel_bad_frame").Msg("dropping unparseable channel frame")
		return
	}

	// Notification.
	if frame.TargetID != "" && frame.Event != "" {
		c.mu.Lock()
		fn := c.listeners[frame.TargetID]
		c.mu.Unlock()
		if fn != nil {
			fn(frame.Event, frame.Data)
		} else {
			c.logger.Debug().
				Str("event", "rtc.channel_unhandled_notification").
				Str("target_id", frame.TargetID).
				Str("worker_event", frame.Event).
				Msg("no listener for notification")
		}
		return
	}

	// Response.
	c.mu.Lock()
	waiter, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().
			Str("event", "rtc.channel_orphan_response").
			Int64("id", frame.ID).
			Msg("response without pending request")
		return
	}
	waiter <- frame
}

// close fails all pending requests and shuts both sockets. Safe to call
// multiple times.
func (c *channel) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = make(map[int64]chan channelFrame)
		c.listeners = make(map[string]func(event string, data json.RawMessage))
		c.mu.Unlock()

		close(c.done)
		_ = c.w.Close()
		_ = c.r.Close()
	})
}
