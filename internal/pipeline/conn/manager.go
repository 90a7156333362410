package conn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"nft-pulse/internal/pipeline/config"
	"nft-pulse/internal/pipeline/dispatch"
	"nft-pulse/internal/pipeline/model"
	"nft-pulse/internal/pipeline/monitor"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type stateSub struct {
	id string
	fn func(StateChange)
}

// Manager owns the single streaming socket for the session. Consumers never
// open their own; they read dispatched envelopes only. Transport drops are
// recovered with exponential backoff and jitter; only an explicit Disconnect
// reaches Closed, and nothing leaves Closed on its own.
type Manager struct {
	cfg        config.StreamConfig
	tl         *zap.Logger
	dispatcher *dispatch.Dispatcher
	newClient  ClientFactory

	mu        sync.Mutex
	state     State
	attempt   int
	client    Client
	stateSubs []stateSub
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(cfg config.StreamConfig, d *dispatch.Dispatcher, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		tl:         logger,
		dispatcher: d,
		newClient:  NewClient,
		state:      StateClosed,
	}
}

// Connect starts the connection lifecycle. Legal exactly once: a manager that
// reached Closed through Disconnect stays there.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.ctx != nil && m.ctx.Err() == nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.setState(StateChange{State: StateConnecting})

	m.wg.Add(1)
	go m.run()

	return nil
}

// Disconnect is the only path to Closed. An in-flight connect attempt is
// abandoned via context cancellation.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	cli := m.client
	m.client = nil
	m.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
	m.wg.Wait()

	m.setState(StateChange{State: StateClosed})
	m.tl.Info("stream disconnected")
}

// Send writes to the socket, rejecting immediately while not Open. No silent
// queueing.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	cli := m.client
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || cli == nil {
		return ErrNotConnected
	}
	return cli.Send(data)
}

// State 当前连接状态(连通性指示用)
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers cb for every state transition and returns the
// remover. Callers must invoke the remover on teardown.
func (m *Manager) OnStateChange(cb func(StateChange)) func() {
	id := uuid.New().String()

	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, stateSub{id: id, fn: cb})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.stateSubs {
			if sub.id == id {
				m.stateSubs = append(m.stateSubs[:i], m.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// run is the lifecycle loop: connect, read until failure, back off, repeat.
func (m *Manager) run() {
	defer m.wg.Done()

	attempt := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateChange{State: StateConnecting})

		cli := m.newClient(m.clientConfig(), m.tl)
		err := cli.Connect(m.ctx)
		if m.ctx.Err() != nil {
			cli.Close()
			return
		}

		if err != nil {
			cli.Close()
			attempt++
			if !m.waitReconnect(attempt, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.client = cli
		m.mu.Unlock()
		attempt = 0
		m.setState(StateChange{State: StateOpen})
		m.tl.Info("stream connected", zap.String("url", m.cfg.URL))

		readErr := m.readFrames(cli)

		m.mu.Lock()
		m.client = nil
		m.mu.Unlock()
		cli.Close()

		if m.ctx.Err() != nil {
			return
		}

		attempt++
		if !m.waitReconnect(attempt, readErr) {
			return
		}
	}
}

// waitReconnect publishes the Reconnecting state and sleeps the backoff
// delay. Returns false when the manager is shutting down.
func (m *Manager) waitReconnect(attempt int, cause error) bool {
	delay := m.backoff(attempt)
	monitor.StreamReconnectAttempts.Inc()

	m.tl.Warn("stream connection lost, reconnecting",
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)
	m.setState(StateChange{State: StateReconnecting, Attempt: attempt, Delay: delay})

	select {
	case <-time.After(delay):
		return true
	case <-m.ctx.Done():
		return false
	}
}

// backoff 指数退避 + ±20% 抖动,避免重连惊群
func (m *Manager) backoff(attempt int) time.Duration {
	base := m.cfg.ReconnectBase()
	max := m.cfg.ReconnectMax()

	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	delay = time.Duration(float64(delay) * jitter)
	if delay > max {
		delay = max
	}
	return delay
}

// readFrames pumps inbound frames into the dispatcher until the transport
// fails.
func (m *Manager) readFrames(cli Client) error {
	for {
		select {
		case <-m.ctx.Done():
			return nil

		case err := <-cli.Errors():
			return err

		case frame, ok := <-cli.Frames():
			if !ok {
				return errors.New("frame channel closed")
			}
			m.handleFrame(frame)
		}
	}
}

// handleFrame decodes one raw frame into an envelope. Malformed frames are
// dropped and logged; they never affect connection state.
func (m *Manager) handleFrame(frame Frame) {
	monitor.StreamFramesReceived.Inc()

	var wire model.StreamFrame
	if err := sonic.Unmarshal(frame.Data, &wire); err != nil {
		monitor.StreamFramesDropped.WithLabelValues("malformed").Inc()
		m.tl.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if wire.Type == "" {
		monitor.StreamFramesDropped.WithLabelValues("missing_topic").Inc()
		m.tl.Warn("dropping frame without topic")
		return
	}

	m.dispatcher.Dispatch(model.InboundEnvelope{
		Topic:      wire.Type,
		Payload:    wire.Data,
		ReceivedAt: frame.ReceivedAt,
	})
}

func (m *Manager) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              m.cfg.URL,
		HandshakeTimeout: m.cfg.HandshakeTimeout(),
		WriteTimeout:     m.cfg.WriteTimeout(),
		PingTimeout:      m.cfg.PingTimeout(),
		BufferSize:       m.cfg.BufferSize,
	}
}

// setState records the transition and notifies observers outside the lock.
func (m *Manager) setState(change StateChange) {
	m.mu.Lock()
	if m.state == change.State && m.attempt == change.Attempt {
		m.mu.Unlock()
		return
	}
	m.state = change.State
	m.attempt = change.Attempt
	subs := make([]stateSub, len(m.stateSubs))
	copy(subs, m.stateSubs)
	m.mu.Unlock()

	monitor.StreamConnectionState.Set(stateGaugeValue(change.State))

	for _, sub := range subs {
		sub.fn(change)
	}
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateOpen:
		return 2
	case StateReconnecting:
		return 3
	default:
		return 0
	}
}
