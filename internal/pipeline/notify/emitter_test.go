package notify

import (
	"sync"
	"testing"
	"time"

	"nft-pulse/internal/pipeline/config"
	"nft-pulse/internal/pipeline/dispatch"
	"nft-pulse/internal/pipeline/model"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type noticeLog struct {
	mu      sync.Mutex
	shown   []Notice
	expired []Notice
}

func (l *noticeLog) show(n Notice) {
	l.mu.Lock()
	l.shown = append(l.shown, n)
	l.mu.Unlock()
}

func (l *noticeLog) expire(n Notice) {
	l.mu.Lock()
	l.expired = append(l.expired, n)
	l.mu.Unlock()
}

func (l *noticeLog) shownCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.shown)
}

func (l *noticeLog) expiredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.expired)
}

func txEnvelope(t *testing.T, rec model.TransactionRecord) model.InboundEnvelope {
	t.Helper()
	payload, err := sonic.Marshal(rec)
	require.NoError(t, err)
	return model.InboundEnvelope{Topic: model.TopicTransactionNew, Payload: payload, ReceivedAt: time.Now()}
}

func whaleTx(hash string) model.TransactionRecord {
	return model.TransactionRecord{
		TxHash:         hash,
		TokenID:        "1",
		Kind:           model.TxKindSale,
		PriceETH:       decimal.NewFromInt(120),
		IsWhaleFlagged: true,
	}
}

func newTestEmitter(t *testing.T, cfg config.NotifyConfig) (*dispatch.Dispatcher, *Emitter, *noticeLog) {
	t.Helper()
	d := dispatch.NewDispatcher(zap.NewNop())
	log := &noticeLog{}
	e := NewEmitter(cfg, d, zap.NewNop(), log.show, log.expire)
	t.Cleanup(e.Close)
	return d, e, log
}

func TestWhaleTransactionEmitsNotice(t *testing.T) {
	d, _, log := newTestEmitter(t, config.NotifyConfig{})

	d.Dispatch(txEnvelope(t, whaleTx("0xA")))

	require.Equal(t, 1, log.shownCount())
	require.Equal(t, SeverityAlert, log.shown[0].Severity)
}

func TestHighValueWithoutFlagQualifies(t *testing.T) {
	d, _, log := newTestEmitter(t, config.NotifyConfig{WhaleThresholdETH: "50"})

	big := model.TransactionRecord{TxHash: "0xB", TokenID: "2", Kind: model.TxKindSale, PriceETH: decimal.NewFromInt(75)}
	small := model.TransactionRecord{TxHash: "0xC", TokenID: "3", Kind: model.TxKindSale, PriceETH: decimal.NewFromInt(2)}

	d.Dispatch(txEnvelope(t, big))
	d.Dispatch(txEnvelope(t, small))

	require.Equal(t, 1, log.shownCount())
	require.Equal(t, SeverityWarn, log.shown[0].Severity)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	d, _, log := newTestEmitter(t, config.NotifyConfig{CooldownMs: 60_000})

	d.Dispatch(txEnvelope(t, whaleTx("0xA")))
	d.Dispatch(txEnvelope(t, whaleTx("0xA")))
	d.Dispatch(txEnvelope(t, whaleTx("0xA")))

	require.Equal(t, 1, log.shownCount())

	// A different dedup key is its own notice.
	d.Dispatch(txEnvelope(t, whaleTx("0xB")))
	require.Equal(t, 2, log.shownCount())
}

func TestCooldownElapsesBetweenBursts(t *testing.T) {
	d, _, log := newTestEmitter(t, config.NotifyConfig{CooldownMs: 40, TTLMs: 60_000})

	d.Dispatch(txEnvelope(t, whaleTx("0xA")))
	time.Sleep(100 * time.Millisecond)
	d.Dispatch(txEnvelope(t, whaleTx("0xA")))

	require.Equal(t, 2, log.shownCount())
}

func TestNoticeExpiresAfterTTL(t *testing.T) {
	d, e, log := newTestEmitter(t, config.NotifyConfig{TTLMs: 30})

	d.Dispatch(txEnvelope(t, whaleTx("0xA")))
	require.Equal(t, 1, log.shownCount())
	require.Equal(t, 1, e.PendingTimers())

	require.Eventually(t, func() bool { return log.expiredCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, e.PendingTimers())
}

func TestDismissCancelsExpiry(t *testing.T) {
	d, e, log := newTestEmitter(t, config.NotifyConfig{TTLMs: 50})

	d.Dispatch(txEnvelope(t, whaleTx("0xA")))
	require.Equal(t, 1, log.shownCount())

	e.Dismiss(log.shown[0].ID)
	require.Equal(t, 0, e.PendingTimers())

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 0, log.expiredCount())
}

func TestAlertEnvelopeEmitsNotice(t *testing.T) {
	d, _, log := newTestEmitter(t, config.NotifyConfig{})

	payload, err := sonic.Marshal(model.AlertTrigger{
		ID:       "al-1",
		RuleName: "floor drop",
		Message:  "Floor price dropped below 1 ETH",
	})
	require.NoError(t, err)

	env := model.InboundEnvelope{Topic: model.TopicAlert, Payload: payload, ReceivedAt: time.Now()}
	d.Dispatch(env)
	d.Dispatch(env) // same alert id, suppressed

	require.Equal(t, 1, log.shownCount())
	require.Equal(t, SeverityInfo, log.shown[0].Severity)
	require.Equal(t, "Floor price dropped below 1 ETH", log.shown[0].Message)
}

func TestCloseStopsTimersAndUnsubscribes(t *testing.T) {
	d, e, log := newTestEmitter(t, config.NotifyConfig{TTLMs: 30})

	d.Dispatch(txEnvelope(t, whaleTx("0xA")))
	require.Equal(t, 1, e.PendingTimers())

	e.Close()
	require.Equal(t, 0, e.PendingTimers())
	require.Equal(t, 0, d.SubscriberCount())

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 0, log.expiredCount())
}
