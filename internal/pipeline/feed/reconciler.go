package feed

import (
	"context"
	"sync"

	"nft-pulse/internal/pipeline/dispatch"
	"nft-pulse/internal/pipeline/model"
	"nft-pulse/internal/pipeline/monitor"

	"go.uber.org/zap"
)

// FetchFunc loads one point-in-time snapshot: records in source order plus the
// authoritative total for the queried window.
type FetchFunc[T Item] func(ctx context.Context) ([]T, int, error)

// DecodeFunc turns a live envelope payload into a feed item.
type DecodeFunc[T Item] func(payload []byte) (T, error)

// Reconciler merges a paginated REST snapshot with live envelopes arriving
// concurrently into one ordered, de-duplicated sequence per consumer surface.
//
// Every Refresh is tagged with a monotonically increasing sequence number;
// a response that resolves after a newer request was issued is discarded, so
// stale fetches never overwrite fresher state. Live envelopes that arrive
// while a fetch is in flight are buffered in arrival order and re-applied on
// top of the snapshot.
type Reconciler[T Item] struct {
	tl         *zap.Logger
	topic      string
	store      *Store[T]
	decode     DecodeFunc[T]
	dispatcher *dispatch.Dispatcher
	sub        *dispatch.Subscription

	mu       sync.Mutex
	seq      uint64
	fetching bool
	pending  []T
	cancel   context.CancelFunc
	lastErr  error
	closed   bool
}

// NewReconciler registers itself on the dispatcher for topic. Close must be
// called on consumer teardown or the subscription leaks.
func NewReconciler[T Item](logger *zap.Logger, d *dispatch.Dispatcher, topic string, decode DecodeFunc[T], store *Store[T]) *Reconciler[T] {
	r := &Reconciler[T]{
		tl:         logger,
		topic:      topic,
		store:      store,
		decode:     decode,
		dispatcher: d,
	}
	r.sub = d.Subscribe(topic, r.onEnvelope)
	return r
}

// Store exposes the backing window for the rendering layer.
func (r *Reconciler[T]) Store() *Store[T] {
	return r.store
}

// Err returns the failure of the most recent snapshot fetch, nil after a
// successful one. A stale (superseded) fetch never sets this.
func (r *Reconciler[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Refresh issues a new snapshot fetch. A fetch already in flight is
// superseded: its context is cancelled and its result, should it still
// arrive, is dropped. Live envelopes keep buffering until the winning fetch
// resolves.
func (r *Reconciler[T]) Refresh(ctx context.Context, fetch FetchFunc[T]) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.seq++
	seq := r.seq

	if r.cancel != nil {
		r.cancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.fetching = true
	r.mu.Unlock()

	go func() {
		recs, total, err := fetch(fctx)
		cancel()
		r.resolve(seq, recs, total, err)
	}()
}

// resolve applies a completed fetch if it is still the latest one.
func (r *Reconciler[T]) resolve(seq uint64, recs []T, total int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || seq != r.seq {
		// Superseded by a newer request.
		monitor.SnapshotFetches.WithLabelValues("stale").Inc()
		r.tl.Debug("discarding stale snapshot response",
			zap.String("topic", r.topic),
			zap.Uint64("seq", seq),
		)
		return
	}

	r.fetching = false
	r.cancel = nil
	pending := r.pending
	r.pending = nil

	if err != nil {
		r.lastErr = err
		monitor.SnapshotFetches.WithLabelValues("error").Inc()
		r.tl.Warn("snapshot fetch failed",
			zap.String("topic", r.topic),
			zap.Error(err),
		)
		// The live stream goes on; buffered events still land on whatever
		// sequence the consumer currently shows.
		for _, rec := range pending {
			r.store.Append(rec)
		}
		return
	}

	r.lastErr = nil
	r.store.ResetWithTotal(recs, total)
	for _, rec := range pending {
		r.store.Append(rec)
	}
	monitor.SnapshotFetches.WithLabelValues("applied").Inc()

	r.tl.Debug("snapshot reconciled",
		zap.String("topic", r.topic),
		zap.Int("records", len(recs)),
		zap.Int("replayed", len(pending)),
	)
}

// Close unsubscribes from the dispatcher and abandons any in-flight fetch.
func (r *Reconciler[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.pending = nil
	r.mu.Unlock()

	r.dispatcher.Unsubscribe(r.sub)
}

// onEnvelope is the live path: buffer while a fetch is in flight, otherwise
// apply directly through the dedup algorithm.
func (r *Reconciler[T]) onEnvelope(env model.InboundEnvelope) {
	rec, err := r.decode(env.Payload)
	if err != nil {
		r.tl.Warn("dropping undecodable envelope",
			zap.String("topic", env.Topic),
			zap.Error(err),
		)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if r.fetching {
		r.pending = append(r.pending, rec)
		return
	}

	r.store.Append(rec)
}
