package rtc

import (
	"context"
	"fmt"
	"sync"
)

type mediaProducer struct {
	id       string
	kind     MediaKind
	internal map[string]string
	router   *mediaRouter

	mu       sync.Mutex
	closed   bool
	paused   bool
	closeFns []func()
}

func newProducer(id string, kind MediaKind, internal map[string]string, router *mediaRouter) *mediaProducer {
	return &mediaProducer{
		id:       id,
		kind:     kind,
		internal: internal,
		router:   router,
	}
}

func (p *mediaProducer) ID() string { return p.id }

func (p *mediaProducer) Kind() MediaKind { return p.kind }

func (p *mediaProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *mediaProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *mediaProducer) Pause(ctx context.Context) error {
	if p.Closed() {
		return ErrClosed
	}
	if _, err := p.router.channel.request(ctx, "producer.pause", p.internal, nil); err != nil {
		return fmt.Errorf("producer pause: %w", err)
	}
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *mediaProducer) Resume(ctx context.Context) error {
	if p.Closed() {
		return ErrClosed
	}
	if _, err := p.router.channel.request(ctx, "producer.resume", p.internal, nil); err != nil {
		return fmt.Errorf("producer resume: %w", err)
	}
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *mediaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, _ = p.router.channel.request(ctx, "producer.close", p.internal, nil)

	p.workerClosed()
}

func (p *mediaProducer) workerClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fns := p.closeFns
	p.closeFns = nil
	p.mu.Unlock()

	p.router.unregisterProducer(p.id)
	for _, fn := range fns {
		fn()
	}
}

func (p *mediaProducer) onClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go fn()
		return
	}
	p.closeFns = append(p.closeFns, fn)
}
