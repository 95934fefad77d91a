// Copyright (C) 2025 pod-healer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pod-healer/logger"
)

// EventHandler processes events delivered by the bus. Handlers run on the
// dispatch goroutine and must not block.
type EventHandler func(event *Event)

// subscription is a registered consumer: a handler function or a buffered
// channel, optionally narrowed by a filter.
type subscription struct {
	id      string
	filter  *EventFilter
	handler EventHandler
	ch      chan *Event
}

// EventBus fans remediation lifecycle events out to subscribers. Publishing
// never blocks: events hitting a full buffer or a full subscriber channel
// are dropped and counted, so a slow consumer cannot stall the loop.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	buffer chan *Event
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewEventBus creates a bus with the given buffer size and starts its
// dispatch loop.
func NewEventBus(bufferSize int) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subs:   make(map[string]*subscription),
		buffer: make(chan *Event, bufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go eb.dispatch(ctx)
	return eb
}

// Subscribe registers a handler under the given id, replacing any previous
// subscription with the same id.
func (eb *EventBus) Subscribe(subscriberID string, handler EventHandler) {
	eb.mu.Lock()
	eb.subs[subscriberID] = &subscription{id: subscriberID, handler: handler}
	eb.mu.Unlock()
	logger.Info("📡 Event subscriber registered: %s", subscriberID)
}

// SubscribeChannel registers a buffered channel receiving events that match
// the filter and returns the subscription id.
func (eb *EventBus) SubscribeChannel(filter *EventFilter, eventChan chan *Event) string {
	id := fmt.Sprintf("channel-%d", eb.seq.Add(1))
	eb.mu.Lock()
	eb.subs[id] = &subscription{id: id, filter: filter, ch: eventChan}
	eb.mu.Unlock()
	logger.Info("📡 Event subscriber registered: %s", id)
	return id
}

// Unsubscribe removes a subscription.
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	delete(eb.subs, subscriberID)
	eb.mu.Unlock()
	logger.Info("📡 Event subscriber removed: %s", subscriberID)
}

// SubscriberCount returns the number of registered subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Dropped reports how many events were lost to full buffers or a stopped
// bus since startup.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Publish enqueues an event for delivery. It never blocks.
func (eb *EventBus) Publish(event *Event) {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()

	if closed {
		eb.dropped.Add(1)
		logger.Warn("Event bus stopped, dropping event: %s", event.Type)
		return
	}

	select {
	case eb.buffer <- event:
	default:
		eb.dropped.Add(1)
		logger.Warn("Event bus buffer full, dropping event: %s", event.Type)
	}
}

// dispatch delivers buffered events until the bus is stopped, then drains
// whatever is still buffered before exiting.
func (eb *EventBus) dispatch(ctx context.Context) {
	defer close(eb.done)
	for {
		select {
		case event := <-eb.buffer:
			eb.deliver(event)
		case <-ctx.Done():
			for {
				select {
				case event := <-eb.buffer:
					eb.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver fans one event out to every matching subscription.
func (eb *EventBus) deliver(event *Event) {
	eb.mu.RLock()
	subs := make([]*subscription, 0, len(eb.subs))
	for _, sub := range eb.subs {
		subs = append(subs, sub)
	}
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		if sub.ch != nil {
			select {
			case sub.ch <- event:
			default:
				eb.dropped.Add(1)
				logger.Warn("Subscriber %s channel full, dropping event: %s", sub.id, event.ID)
			}
			continue
		}
		eb.invoke(sub, event)
	}
}

// invoke runs a handler, containing panics so one bad subscriber cannot
// take down dispatch.
func (eb *EventBus) invoke(sub *subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Event handler panic for subscriber %s: %v", sub.id, r)
		}
	}()
	sub.handler(event)
}

// Stop shuts the bus down, waits for buffered events to drain, and clears
// the subscription table. Publish calls after Stop are dropped.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	eb.mu.Unlock()

	eb.cancel()
	<-eb.done

	eb.mu.Lock()
	eb.subs = make(map[string]*subscription)
	eb.mu.Unlock()
	logger.Info("📡 Event bus stopped")
}
