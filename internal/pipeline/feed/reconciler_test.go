package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"nft-pulse/internal/pipeline/dispatch"
	"nft-pulse/internal/pipeline/model"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tx(hash, tokenID string) model.TransactionRecord {
	return model.TransactionRecord{
		TxHash:  hash,
		TokenID: tokenID,
		Kind:    model.TxKindSale,
	}
}

func liveEnvelope(t *testing.T, rec model.TransactionRecord) model.InboundEnvelope {
	t.Helper()
	payload, err := sonic.Marshal(rec)
	require.NoError(t, err)
	return model.InboundEnvelope{
		Topic:      model.TopicTransactionNew,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

func newTxReconciler(t *testing.T) (*dispatch.Dispatcher, *Reconciler[model.TransactionRecord]) {
	t.Helper()
	d := dispatch.NewDispatcher(zap.NewNop())
	store := NewStore[model.TransactionRecord](500, 25)
	r := NewReconciler(zap.NewNop(), d, model.TopicTransactionNew, model.DecodeTransaction, store)
	t.Cleanup(r.Close)
	return d, r
}

func keys(w Window[model.TransactionRecord]) []string {
	out := make([]string, len(w.Visible))
	for i, rec := range w.Visible {
		out[i] = rec.TxHash
	}
	return out
}

// Snapshot returns [0xA, 0xB]; 0xC arrives live while the fetch is pending.
// The reconciled sequence is [0xC, 0xA, 0xB], totalSeen 3.
func TestReconcileBufferedLiveEvents(t *testing.T) {
	d, r := newTxReconciler(t)

	release := make(chan struct{})
	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		<-release
		return []model.TransactionRecord{tx("0xA", "1"), tx("0xB", "2")}, 0, nil
	})

	d.Dispatch(liveEnvelope(t, tx("0xC", "3")))
	require.Equal(t, 0, r.Store().Len(), "live event must buffer while fetch is in flight")

	close(release)
	require.Eventually(t, func() bool { return r.Store().Len() == 3 }, time.Second, 5*time.Millisecond)

	w := r.Store().Window()
	require.Equal(t, []string{"0xC", "0xA", "0xB"}, keys(w))
	require.Equal(t, 3, w.TotalSeen)
	require.NoError(t, r.Err())
}

// Request A is superseded by request B before resolving; A's late result must
// not overwrite B's.
func TestStaleFetchDiscarded(t *testing.T) {
	_, r := newTxReconciler(t)

	releaseA := make(chan struct{})
	doneA := make(chan struct{})
	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		defer close(doneA)
		<-releaseA
		return []model.TransactionRecord{tx("0xOLD", "1")}, 0, nil
	})

	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		return []model.TransactionRecord{tx("0xNEW", "2")}, 0, nil
	})

	require.Eventually(t, func() bool { return r.Store().Len() == 1 }, time.Second, 5*time.Millisecond)

	close(releaseA)
	<-doneA
	time.Sleep(50 * time.Millisecond) // let the stale resolve path run

	w := r.Store().Window()
	require.Equal(t, []string{"0xNEW"}, keys(w))
}

func TestSupersededFetchContextCancelled(t *testing.T) {
	_, r := newTxReconciler(t)

	cancelled := make(chan struct{})
	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, 0, ctx.Err()
	})

	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		return nil, 0, nil
	})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("superseded fetch was not cancelled")
	}
}

func TestLiveRedeliveryIsIdempotent(t *testing.T) {
	d, r := newTxReconciler(t)

	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		return []model.TransactionRecord{tx("0xA", "1")}, 0, nil
	})
	require.Eventually(t, func() bool { return r.Store().Len() == 1 }, time.Second, 5*time.Millisecond)

	d.Dispatch(liveEnvelope(t, tx("0xB", "2")))
	d.Dispatch(liveEnvelope(t, tx("0xB", "2")))
	d.Dispatch(liveEnvelope(t, tx("0xA", "1")))

	require.Equal(t, 2, r.Store().Len())
	require.Equal(t, 2, r.Store().TotalSeen())
	require.Equal(t, "0xB", r.Store().Window().Visible[0].TxHash)
}

func TestFetchErrorKeepsLiveEvents(t *testing.T) {
	d, r := newTxReconciler(t)

	release := make(chan struct{})
	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		<-release
		return nil, 0, errors.New("backend unavailable")
	})

	d.Dispatch(liveEnvelope(t, tx("0xC", "3")))
	close(release)

	require.Eventually(t, func() bool { return r.Err() != nil }, time.Second, 5*time.Millisecond)
	// The buffered live event still lands; degraded, not lost.
	require.Equal(t, 1, r.Store().Len())

	// A later successful refresh clears the error.
	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		return []model.TransactionRecord{tx("0xA", "1")}, 0, nil
	})
	require.Eventually(t, func() bool { return r.Err() == nil }, time.Second, 5*time.Millisecond)
}

func TestMalformedPayloadDropped(t *testing.T) {
	d, r := newTxReconciler(t)

	d.Dispatch(model.InboundEnvelope{
		Topic:      model.TopicTransactionNew,
		Payload:    []byte(`{not json`),
		ReceivedAt: time.Now(),
	})
	d.Dispatch(model.InboundEnvelope{
		Topic:      model.TopicTransactionNew,
		Payload:    []byte(`{"tokenId":"1"}`), // missing txHash
		ReceivedAt: time.Now(),
	})

	require.Equal(t, 0, r.Store().Len())
}

func TestCloseStopsDelivery(t *testing.T) {
	d, r := newTxReconciler(t)

	d.Dispatch(liveEnvelope(t, tx("0xA", "1")))
	require.Equal(t, 1, r.Store().Len())

	r.Close()
	require.Equal(t, 0, d.SubscriberCount())

	d.Dispatch(liveEnvelope(t, tx("0xB", "2")))
	require.Equal(t, 1, r.Store().Len())

	// Refresh after Close is a no-op.
	r.Refresh(context.Background(), func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		return []model.TransactionRecord{tx("0xZ", "9")}, 0, nil
	})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.Store().Len())
}
