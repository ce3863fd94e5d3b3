package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type speakerObserver struct {
	id     string
	router *mediaRouter

	mu       sync.Mutex
	closed   bool
	handlers []func(producerID string)
}

func newSpeakerObserver(id string, router *mediaRouter) *speakerObserver {
	o := &speakerObserver{id: id, router: router}

	router.channel.subscribe(id, func(event string, data json.RawMessage) {
		if event != "dominantspeaker" {
			return
		}
		var payload struct {
			ProducerID string `json:"producerId"`
		}
		if err := json.Unmarshal(data, &payload); err != nil || payload.ProducerID == "" {
			return
		}
		o.mu.Lock()
		handlers := make([]func(string), len(o.handlers))
		copy(handlers, o.handlers)
		o.mu.Unlock()
		for _, fn := range handlers {
			fn(payload.ProducerID)
		}
	})
	return o
}

func (o *speakerObserver) ID() string { return o.id }

func (o *speakerObserver) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *speakerObserver) internal(producerID string) map[string]string {
	m := map[string]string{"routerId": o.router.id, "rtpObserverId": o.id}
	if producerID != "" {
		m["producerId"] = producerID
	}
	return m
}

func (o *speakerObserver) AddProducer(ctx context.Context, producerID string) error {
	if o.Closed() {
		return ErrClosed
	}
	if _, err := o.router.channel.request(ctx, "rtpObserver.addProducer", o.internal(producerID), nil); err != nil {
		return fmt.Errorf("observer add producer: %w", err)
	}
	return nil
}

func (o *speakerObserver) RemoveProducer(ctx context.Context, producerID string) error {
	if o.Closed() {
		return ErrClosed
	}
	if _, err := o.router.channel.request(ctx, "rtpObserver.removeProducer", o.internal(producerID), nil); err != nil {
		return fmt.Errorf("observer remove producer: %w", err)
	}
	return nil
}

func (o *speakerObserver) OnDominantSpeaker(fn func(producerID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, fn)
}

func (o *speakerObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, _ = o.router.channel.request(ctx, "rtpObserver.close", o.internal(""), nil)

	o.workerClosed()
	o.router.dropChild(o.id)
}

func (o *speakerObserver) workerClosed() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.handlers = nil
	o.mu.Unlock()

	o.router.channel.unsubscribe(o.id)
}
