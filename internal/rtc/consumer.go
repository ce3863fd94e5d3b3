package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type mediaConsumer struct {
	id            string
	producerID    string
	kind          MediaKind
	rtpParameters json.RawMessage
	internal      map[string]string
	router        *mediaRouter

	mu       sync.Mutex
	closed   bool
	paused   bool
	closeFns []func()
}

func newConsumer(id, producerID string, kind MediaKind, rtpParameters json.RawMessage, internal map[string]string, router *mediaRouter, paused bool) *mediaConsumer {
	return &mediaConsumer{
		id:            id,
		producerID:    producerID,
		kind:          kind,
		rtpParameters: rtpParameters,
		internal:      internal,
		router:        router,
		paused:        paused,
	}
}

func (c *mediaConsumer) ID() string { return c.id }

func (c *mediaConsumer) ProducerID() string { return c.producerID }

func (c *mediaConsumer) Kind() MediaKind { return c.kind }

func (c *mediaConsumer) RtpParameters() json.RawMessage { return c.rtpParameters }

func (c *mediaConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *mediaConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mediaConsumer) Pause(ctx context.Context) error {
	if c.Closed() {
		return ErrClosed
	}
	if _, err := c.router.channel.request(ctx, "consumer.pause", c.internal, nil); err != nil {
		return fmt.Errorf("consumer pause: %w", err)
	}
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *mediaConsumer) Resume(ctx context.Context) error {
	if c.Closed() {
		return ErrClosed
	}
	if _, err := c.router.channel.request(ctx, "consumer.resume", c.internal, nil); err != nil {
		return fmt.Errorf("consumer resume: %w", err)
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *mediaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, _ = c.router.channel.request(ctx, "consumer.close", c.internal, nil)

	c.workerClosed()
}

func (c *mediaConsumer) workerClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.closeFns
	c.closeFns = nil
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *mediaConsumer) onClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go fn()
		return
	}
	c.closeFns = append(c.closeFns, fn)
}
