package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
	"github.com/Nikoldigital777/LIA/pkg/response"
)

// InboundExperience is an experience waiting for a pipeline worker.
type InboundExperience struct {
	Source     string
	Experience pipeline.Experience
	ReceivedAt time.Time
}

// OutboundResult carries either a response or the error of one submission.
type OutboundResult struct {
	Source       string
	ExperienceID string
	Response     *response.Response
	Err          error
}

// ResultHandler receives results published for a source.
type ResultHandler func(OutboundResult)

type MessageBus struct {
	inbound  chan InboundExperience
	outbound chan OutboundResult
	handlers map[string]ResultHandler
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

const (
	publishTimeout  = 100 * time.Millisecond
	defaultCapacity = 100
)

func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundExperience, capacity),
		outbound: make(chan OutboundResult, capacity),
		handlers: make(map[string]ResultHandler),
	}
}

// PublishInbound enqueues msg, waiting up to publishTimeout when the buffer
// is full. It reports whether msg was accepted.
func (mb *MessageBus) PublishInbound(msg InboundExperience) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	select {
	case mb.inbound <- msg:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- msg:
			return true
		case <-timer.C:
			mb.dropped.inbound.Add(1)
			return false
		}
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundExperience, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundExperience{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundExperience{}, false
	}
}

// PublishOutbound delivers msg to the handler registered for its source,
// or queues it for SubscribeOutbound when none is registered.
func (mb *MessageBus) PublishOutbound(msg OutboundResult) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	if handler, ok := mb.handlers[msg.Source]; ok {
		handler(msg)
		return
	}

	select {
	case mb.outbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.outbound <- msg:
		case <-timer.C:
			mb.dropped.outbound.Add(1)
		}
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundResult, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundResult{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundResult{}, false
	}
}

func (mb *MessageBus) RegisterHandler(source string, handler ResultHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[source] = handler
}

func (mb *MessageBus) GetHandler(source string) (ResultHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[source]
	return handler, ok
}

// Pending is the number of experiences waiting for a worker.
func (mb *MessageBus) Pending() int { return len(mb.inbound) }

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}
