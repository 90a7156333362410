package notify

import (
	"fmt"
	"sync"
	"time"

	"nft-pulse/internal/pipeline/config"
	"nft-pulse/internal/pipeline/dispatch"
	"nft-pulse/internal/pipeline/model"
	"nft-pulse/internal/pipeline/monitor"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityAlert Severity = "ALERT"
)

// Notice is a short-lived user-visible notification. It self-expires after
// TTL unless dismissed first.
type Notice struct {
	ID        string
	Key       string
	Message   string
	Severity  Severity
	ExpiresAt time.Time
}

// Sink receives notices; the display surface behind it is out of scope here.
type Sink func(n Notice)

// Emitter turns qualifying live events (whale-flagged or high-value
// transactions, fired alerts) into notices. Equivalent notices inside the
// cooldown window are suppressed so bursts do not flood the screen; every
// notice owns exactly one expiry timer, cancelled on early dismissal.
type Emitter struct {
	tl        *zap.Logger
	cfg       config.NotifyConfig
	d         *dispatch.Dispatcher
	threshold decimal.Decimal
	cooldown  *cache.Cache
	show      Sink
	expired   Sink

	txSub    *dispatch.Subscription
	alertSub *dispatch.Subscription

	mu     sync.Mutex
	timers map[string]*time.Timer // notice id → expiry timer
	closed bool
}

// NewEmitter subscribes itself for transaction and alert envelopes. expired
// may be nil when the display surface does not care about auto-expiry.
func NewEmitter(cfg config.NotifyConfig, d *dispatch.Dispatcher, logger *zap.Logger, show Sink, expired Sink) *Emitter {
	threshold, err := decimal.NewFromString(cfg.WhaleThresholdETH)
	if err != nil || threshold.IsZero() {
		threshold = decimal.NewFromInt(50)
	}

	cooldown := cfg.Cooldown()

	e := &Emitter{
		tl:        logger,
		cfg:       cfg,
		d:         d,
		threshold: threshold,
		cooldown:  cache.New(cooldown, cooldown),
		show:      show,
		expired:   expired,
		timers:    make(map[string]*time.Timer),
	}

	e.txSub = d.Subscribe(model.TopicTransactionNew, e.onTransaction)
	e.alertSub = d.Subscribe(model.TopicAlert, e.onAlert)
	return e
}

// Dismiss cancels the expiry timer for a notice dismissed by the user before
// its TTL. Unknown ids are a no-op.
func (e *Emitter) Dismiss(id string) {
	e.mu.Lock()
	timer := e.timers[id]
	delete(e.timers, id)
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

// PendingTimers 存活的过期定时器数(测试与泄漏检查用)
func (e *Emitter) PendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Close stops every pending timer and unsubscribes. Required on teardown.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	timers := e.timers
	e.timers = make(map[string]*time.Timer)
	e.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}

	e.d.Unsubscribe(e.txSub)
	e.d.Unsubscribe(e.alertSub)
}

func (e *Emitter) onTransaction(env model.InboundEnvelope) {
	rec, err := model.DecodeTransaction(env.Payload)
	if err != nil {
		e.tl.Debug("skipping undecodable transaction envelope", zap.Error(err))
		return
	}

	if !e.qualifies(rec) {
		return
	}

	severity := SeverityWarn
	if rec.IsWhaleFlagged {
		severity = SeverityAlert
	}

	key := fmt.Sprintf("whale:%s", rec.Key())
	message := fmt.Sprintf("Whale activity: token #%s %s for %s ETH", rec.TokenID, rec.Kind, rec.PriceETH.String())
	e.emit(key, message, severity)
}

func (e *Emitter) onAlert(env model.InboundEnvelope) {
	alert, err := model.DecodeAlert(env.Payload)
	if err != nil {
		e.tl.Debug("skipping undecodable alert envelope", zap.Error(err))
		return
	}

	key := fmt.Sprintf("alert:%s", alert.Key())
	e.emit(key, alert.Message, SeverityInfo)
}

// qualifies 高价值或鲸鱼标记
func (e *Emitter) qualifies(rec model.TransactionRecord) bool {
	if rec.IsWhaleFlagged {
		return true
	}
	return rec.PriceETH.GreaterThanOrEqual(e.threshold)
}

func (e *Emitter) emit(key, message string, severity Severity) {
	if _, hit := e.cooldown.Get(key); hit {
		monitor.NoticesSuppressed.Inc()
		e.tl.Debug("notice suppressed by cooldown", zap.String("key", key))
		return
	}
	e.cooldown.Set(key, struct{}{}, cache.DefaultExpiration)

	ttl := e.cfg.TTL()
	notice := Notice{
		ID:        uuid.New().String(),
		Key:       key,
		Message:   message,
		Severity:  severity,
		ExpiresAt: time.Now().Add(ttl),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.timers[notice.ID] = time.AfterFunc(ttl, func() {
		e.expire(notice)
	})
	e.mu.Unlock()

	monitor.NoticesEmitted.Inc()
	if e.show != nil {
		e.show(notice)
	}
}

// expire fires when the TTL elapses without a dismissal.
func (e *Emitter) expire(notice Notice) {
	e.mu.Lock()
	_, live := e.timers[notice.ID]
	delete(e.timers, notice.ID)
	closed := e.closed
	e.mu.Unlock()

	if !live || closed {
		return
	}
	if e.expired != nil {
		e.expired(notice)
	}
}
