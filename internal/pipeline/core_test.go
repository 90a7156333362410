package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nft-pulse/internal/pipeline/config"
	"nft-pulse/internal/pipeline/model"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(apiURL string) config.Config {
	return config.Config{
		Stream: config.StreamConfig{URL: "ws://127.0.0.1:1/events"},
		API: config.APIConfig{
			BaseURL:    apiURL,
			Collection: "testcol",
			Timeout:    2,
			RateLimit:  60000,
		},
		Feed: config.FeedConfig{Cap: 100, PageSize: 10},
		Notify: config.NotifyConfig{
			CooldownMs:        50,
			TTLMs:             100,
			WhaleThresholdETH: "50",
		},
		Monitor: config.MonitorConfig{Enable: false},
	}
}

func transactionsHandler(t *testing.T, records []model.TransactionRecord) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Later pages are empty; everything fits in the first one.
		page := records
		if r.URL.Query().Get("offset") != "0" {
			page = nil
		}
		body, err := sonic.Marshal(map[string]any{
			"records":       page,
			"count":         len(page),
			"totalInWindow": len(records),
		})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func TestTransactionFeedSnapshotThenLive(t *testing.T) {
	srv := httptest.NewServer(transactionsHandler(t, []model.TransactionRecord{
		{TokenID: "101", TxHash: "0xaaa", Kind: model.TxKindSale},
		{TokenID: "102", TxHash: "0xbbb", Kind: model.TxKindMint},
	}))
	defer srv.Close()

	core := New(testConfig(srv.URL), zap.NewNop())
	defer core.Stop(context.Background())

	r := core.NewTransactionFeed(context.Background(), "testcol", 24*time.Hour)
	defer r.Close()

	require.Eventually(t, func() bool {
		return len(r.Store().Window().Visible) == 2
	}, time.Second, 10*time.Millisecond)

	payload, err := sonic.Marshal(model.TransactionRecord{TokenID: "103", TxHash: "0xccc", Kind: model.TxKindTransfer})
	require.NoError(t, err)
	core.Dispatcher().Dispatch(model.InboundEnvelope{
		Topic:      model.TopicTransactionNew,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})

	win := r.Store().Window()
	require.Len(t, win.Visible, 3)
	require.Equal(t, "0xccc:103", win.Visible[0].Key())
	require.Equal(t, 3, win.TotalSeen)
}

func TestAlertEnvelopeReachesNoticesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[],"count":0,"totalInWindow":0}`))
	}))
	defer srv.Close()

	core := New(testConfig(srv.URL), zap.NewNop())
	defer core.Stop(context.Background())

	payload, err := sonic.Marshal(model.AlertTrigger{
		ID:       "al-1",
		RuleName: "volume-spike",
		Message:  "volume above threshold",
	})
	require.NoError(t, err)
	core.Dispatcher().Dispatch(model.InboundEnvelope{
		Topic:      model.TopicAlert,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})

	select {
	case n := <-core.Notices():
		require.Equal(t, "volume above threshold", n.Message)
	case <-time.After(time.Second):
		t.Fatal("no notice received")
	}
}

func TestStopClosesNoticesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[],"count":0,"totalInWindow":0}`))
	}))
	defer srv.Close()

	core := New(testConfig(srv.URL), zap.NewNop())

	done := make(chan struct{})
	go func() {
		for range core.Notices() {
		}
		close(done)
	}()

	core.Stop(context.Background())
	core.Stop(context.Background()) // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notices reader did not terminate after Stop")
	}
}

func TestSendRejectedBeforeStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[],"count":0,"totalInWindow":0}`))
	}))
	defer srv.Close()

	core := New(testConfig(srv.URL), zap.NewNop())
	require.Error(t, core.Manager().Send([]byte(`{"type":"ping"}`)))
}
