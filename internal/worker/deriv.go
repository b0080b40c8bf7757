package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"deriv-bot-manager/internal/logging"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	derivWriteTimeout     = 10 * time.Second
	derivHandshakeTimeout = 15 * time.Second
	maxTrackedContracts   = 10000
)

// ErrTerminated is returned when a terminated worker is asked to do anything
var ErrTerminated = errors.New("worker terminated")

// DerivConfig holds connection settings shared by every Deriv worker
type DerivConfig struct {
	Endpoint             string
	AppID                string
	PingInterval         time.Duration
	MaxReconnectInterval time.Duration
	Dialer               *websocket.Dialer
}

// DerivWorker keeps an authorized websocket session to the Deriv API and mirrors
// balance and settled-contract results into its counters. It does not place
// orders; that belongs to the strategy engine.
type DerivWorker struct {
	identity string
	token    string
	cfg      DerivConfig
	logger   *logging.Logger

	mu         sync.RWMutex
	counters   Counters
	conn       *websocket.Conn
	authorized bool
	terminated bool
	cancel     context.CancelFunc
	done       chan struct{}
	settled    map[int64]struct{}
	onSettle   func(Counters)
	lastErr    error

	writeMu sync.Mutex
}

// NewDerivFactory returns a Factory producing Deriv workers. onSettle, when set,
// receives a snapshot after every settled contract.
func NewDerivFactory(cfg DerivConfig, onSettle func(identity string, c Counters)) Factory {
	return func(identity, secret string, baseline Counters) Worker {
		w := NewDerivWorker(identity, secret, baseline, cfg)
		if onSettle != nil {
			w.OnSettle(func(c Counters) { onSettle(identity, c) })
		}
		return w
	}
}

// NewDerivWorker builds an unconnected worker
func NewDerivWorker(identity, token string, baseline Counters, cfg DerivConfig) *DerivWorker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: derivHandshakeTimeout}
	}
	return &DerivWorker{
		identity: identity,
		token:    token,
		cfg:      cfg,
		logger:   logging.WebSocketContext(identity, cfg.Endpoint),
		counters: baseline.Normalize(),
		settled:  make(map[int64]struct{}),
	}
}

// OnSettle registers the settlement observer
func (w *DerivWorker) OnSettle(fn func(Counters)) {
	w.mu.Lock()
	w.onSettle = fn
	w.mu.Unlock()
}

// Connect starts the connection loop. Calling it again is a no-op.
func (w *DerivWorker) Connect(ctx context.Context) {
	w.mu.Lock()
	if w.terminated || w.cancel != nil {
		w.mu.Unlock()
		return
	}
	// the worker outlives the request that activated it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.connectLoop(runCtx)
	}()
}

func (w *DerivWorker) Start(limit int) {
	w.mu.Lock()
	if limit < 0 {
		limit = 0
	}
	w.counters.TradeLimit = limit
	w.counters.IsRunning = !w.terminated
	w.mu.Unlock()
	w.logger.Info("Worker started", "trade_limit", limit)
}

func (w *DerivWorker) Stop() {
	w.mu.Lock()
	w.counters.IsRunning = false
	w.mu.Unlock()
	w.logger.Info("Worker stopped")
}

func (w *DerivWorker) ResetSession() {
	w.mu.Lock()
	w.counters.SessionProfit = decimal.Zero
	w.counters.TradesToday = 0
	w.counters.Multiplier = DefaultMultiplier
	w.settled = make(map[int64]struct{})
	w.mu.Unlock()
}

func (w *DerivWorker) SetTradeLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	w.mu.Lock()
	w.counters.TradeLimit = limit
	w.mu.Unlock()
}

func (w *DerivWorker) Snapshot() Counters {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.counters
}

func (w *DerivWorker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil && w.authorized
}

// LastError returns the most recent connection or authorization failure
func (w *DerivWorker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Terminate closes the socket synchronously and stops reconnecting
func (w *DerivWorker) Terminate() error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return nil
	}
	w.terminated = true
	w.counters.IsRunning = false
	cancel := w.cancel
	conn := w.conn
	w.conn = nil
	w.authorized = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminated"),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = conn.Close()
	}
	w.logger.Info("Worker terminated")
	return err
}

func (w *DerivWorker) endpointURL() (string, error) {
	u, err := url.Parse(w.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if w.cfg.AppID != "" {
		q := u.Query()
		q.Set("app_id", w.cfg.AppID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (w *DerivWorker) connectLoop(ctx context.Context) {
	wsURL, err := w.endpointURL()
	if err != nil {
		w.setErr(err)
		w.logger.WithError(err).Error("Worker cannot connect")
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = w.cfg.MaxReconnectInterval

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := w.cfg.Dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			if !w.setConn(conn) {
				conn.Close()
				return
			}
			bo.Reset()
			err = w.session(ctx, conn)
			w.clearConn(conn)
			conn.Close()
			if errors.Is(err, errAuthRejected) {
				w.setErr(err)
				w.logger.WithError(err).Error("Authorization rejected, not reconnecting")
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.setErr(err)
			w.logger.WithError(err).Warn("Connection lost")
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = w.cfg.MaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (w *DerivWorker) setConn(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return false
	}
	w.conn = conn
	w.authorized = false
	return true
}

func (w *DerivWorker) clearConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
		w.authorized = false
	}
	w.mu.Unlock()
}

func (w *DerivWorker) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

var errAuthRejected = errors.New("authorization rejected")

// session runs one authorized connection until it fails or ctx ends
func (w *DerivWorker) session(ctx context.Context, conn *websocket.Conn) error {
	if err := w.send(conn, map[string]interface{}{"authorize": w.token}); err != nil {
		return fmt.Errorf("send authorize: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.pingLoop(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		// unblocks ReadMessage when the worker is terminated
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := w.handleMessage(conn, message); err != nil {
			return err
		}
	}
}

func (w *DerivWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.send(conn, map[string]interface{}{"ping": 1}); err != nil {
				return
			}
		}
	}
}

func (w *DerivWorker) send(conn *websocket.Conn, payload interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(derivWriteTimeout))
	return conn.WriteJSON(payload)
}

type derivError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type derivEnvelope struct {
	MsgType string      `json:"msg_type"`
	Error   *derivError `json:"error,omitempty"`

	Authorize *struct {
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
		LoginID  string          `json:"loginid"`
	} `json:"authorize,omitempty"`

	Balance *struct {
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	} `json:"balance,omitempty"`

	Contract *struct {
		ContractID int64           `json:"contract_id"`
		IsSold     int             `json:"is_sold"`
		Profit     decimal.Decimal `json:"profit"`
		Status     string          `json:"status"`
	} `json:"proposal_open_contract,omitempty"`
}

func (w *DerivWorker) handleMessage(conn *websocket.Conn, message []byte) error {
	var env derivEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		w.logger.WithError(err).Warn("Failed to parse message")
		return nil
	}

	if env.Error != nil {
		if env.MsgType == "authorize" {
			return fmt.Errorf("%w: %s: %s", errAuthRejected, env.Error.Code, env.Error.Message)
		}
		w.logger.Warn("API error", "msg_type", env.MsgType, "code", env.Error.Code, "message", env.Error.Message)
		return nil
	}

	switch env.MsgType {
	case "authorize":
		if env.Authorize == nil {
			return nil
		}
		w.mu.Lock()
		w.authorized = true
		w.counters.Balance = env.Authorize.Balance
		w.lastErr = nil
		w.mu.Unlock()
		w.logger.Info("Authorized", "login_id", env.Authorize.LoginID, "currency", env.Authorize.Currency)

		if err := w.send(conn, map[string]interface{}{"balance": 1, "subscribe": 1}); err != nil {
			return fmt.Errorf("subscribe balance: %w", err)
		}
		if err := w.send(conn, map[string]interface{}{"proposal_open_contract": 1, "subscribe": 1}); err != nil {
			return fmt.Errorf("subscribe contracts: %w", err)
		}

	case "balance":
		if env.Balance != nil {
			w.mu.Lock()
			w.counters.Balance = env.Balance.Balance
			w.mu.Unlock()
		}

	case "proposal_open_contract":
		if env.Contract != nil && env.Contract.IsSold == 1 && env.Contract.ContractID != 0 {
			w.recordSettlement(env.Contract.ContractID, env.Contract.Profit)
		}
	}
	return nil
}

// recordSettlement counts a sold contract once, while the worker is running
func (w *DerivWorker) recordSettlement(contractID int64, profit decimal.Decimal) {
	w.mu.Lock()
	if !w.counters.IsRunning {
		w.mu.Unlock()
		return
	}
	if _, seen := w.settled[contractID]; seen {
		w.mu.Unlock()
		return
	}
	if len(w.settled) >= maxTrackedContracts {
		w.settled = make(map[int64]struct{})
	}
	w.settled[contractID] = struct{}{}

	w.counters.SessionProfit = w.counters.SessionProfit.Add(profit)
	w.counters.LifetimeProfit = w.counters.LifetimeProfit.Add(profit)
	w.counters.TradesToday++
	limitHit := w.counters.LimitReached()
	if limitHit {
		w.counters.IsRunning = false
	}
	snapshot := w.counters
	onSettle := w.onSettle
	w.mu.Unlock()

	w.logger.Info("Contract settled",
		"contract_id", contractID,
		"profit", profit.String(),
		"trades_today", snapshot.TradesToday)
	if limitHit {
		w.logger.Info("Trade limit reached, worker paused", "trade_limit", snapshot.TradeLimit)
	}
	if onSettle != nil {
		onSettle(snapshot)
	}
}
