package dispatch

import (
	"sync"

	"nft-pulse/internal/pipeline/model"
	"nft-pulse/internal/pipeline/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler 订阅回调
type Handler func(env model.InboundEnvelope)

// Subscription is the handle returned by Subscribe. The owning consumer must
// pass it back to Unsubscribe on teardown.
type Subscription struct {
	ID    string
	Topic string
}

type entry struct {
	sub *Subscription
	fn  Handler
}

// Dispatcher fans out decoded envelopes to registered subscribers by topic.
// Delivery is synchronous and in subscription order; it never buffers, so a
// subscriber registered after an envelope arrived will not see it.
type Dispatcher struct {
	tl *zap.Logger

	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry // subscription id → entry
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tl:    logger,
		index: make(map[string]*entry),
	}
}

// Subscribe registers fn for envelopes whose topic equals topic, or for every
// envelope when topic is model.TopicAny.
func (d *Dispatcher) Subscribe(topic string, fn Handler) *Subscription {
	sub := &Subscription{
		ID:    uuid.New().String(),
		Topic: topic,
	}
	e := &entry{sub: sub, fn: fn}

	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.index[sub.ID] = e
	d.mu.Unlock()

	d.tl.Debug("subscriber registered", zap.String("topic", topic), zap.String("id", sub.ID))
	return sub
}

// Unsubscribe removes the subscription. Safe to call twice and safe to call
// from inside a handler during dispatch; the current envelope is not delivered
// to a subscriber removed mid-dispatch.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	d.mu.Lock()
	e, ok := d.index[sub.ID]
	if ok {
		delete(d.index, sub.ID)
		for i, cur := range d.entries {
			if cur == e {
				d.entries = append(d.entries[:i], d.entries[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()

	if ok {
		d.tl.Debug("subscriber removed", zap.String("topic", sub.Topic), zap.String("id", sub.ID))
	}
}

// SubscriberCount 当前订阅数
func (d *Dispatcher) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Dispatch delivers env to every matching subscriber registered at the moment
// of the call.
func (d *Dispatcher) Dispatch(env model.InboundEnvelope) {
	d.mu.Lock()
	snapshot := make([]*entry, len(d.entries))
	copy(snapshot, d.entries)
	d.mu.Unlock()

	delivered := false
	for _, e := range snapshot {
		if e.sub.Topic != env.Topic && e.sub.Topic != model.TopicAny {
			continue
		}

		// Re-check registration so a handler unsubscribed earlier in this
		// same dispatch pass is skipped.
		d.mu.Lock()
		_, live := d.index[e.sub.ID]
		d.mu.Unlock()
		if !live {
			continue
		}

		d.deliver(e, env)
		delivered = true
	}

	if delivered {
		monitor.DispatcherEnvelopesDelivered.WithLabelValues(env.Topic).Inc()
	}
}

// deliver 隔离单个订阅者的 panic
func (d *Dispatcher) deliver(e *entry, env model.InboundEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			monitor.DispatcherSubscriberPanics.Inc()
			d.tl.Error("subscriber callback panicked",
				zap.String("topic", env.Topic),
				zap.String("id", e.sub.ID),
				zap.Any("panic", r),
			)
		}
	}()

	e.fn(env)
}
