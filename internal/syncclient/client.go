package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tableside/internal/events"
	"tableside/internal/hub"
	"tableside/internal/logging"
	"tableside/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	pongWait   = 45 * time.Second
	pingPeriod = 15 * time.Second
	writeWait  = 5 * time.Second
)

type Config struct {
	BaseURL string
	Token   string
	Role    string
	UserID  string

	PollConnected    time.Duration
	PollDisconnected time.Duration
	PollMax          time.Duration
	PollTimeout      time.Duration
	DedupWindow      time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.PollConnected <= 0 {
		c.PollConnected = 30 * time.Second
	}
	if c.PollDisconnected <= 0 {
		c.PollDisconnected = 5 * time.Second
	}
	if c.PollMax < c.PollConnected {
		c.PollMax = 2 * c.PollConnected
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 4 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultRules().DedupWindow
	}
	if c.Role == "" {
		c.Role = "staff"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Effects runs the local side effects of a new notification. Implementations
// must tolerate being called more than once for the same order.
type Effects interface {
	Alert(n Notification)
	PrintTicket(n Notification)
}

type Client struct {
	cfg     Config
	rules   Rules
	effects Effects
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	state State

	// effectsMu keeps effects in the order the reducer produced them.
	effectsMu sync.Mutex

	connected atomic.Bool
	wake      chan struct{}
}

func New(cfg Config, effects Effects, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		rules:   Rules{DedupWindow: cfg.DedupWindow},
		effects: effects,
		logger:  logging.OrNop(logger),
		now:     time.Now,
		state:   State{}.clone(),
		wake:    make(chan struct{}, 1),
	}
}

// Run keeps the push and poll loops going until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pushLoop(ctx) })
	g.Go(func() error { return c.pollLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) Unread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Unread
}

// Snapshot returns a copy of the notification list, newest first.
func (c *Client) Snapshot() []Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Notification, len(c.state.Notifications))
	copy(out, c.state.Notifications)
	return out
}

// MarkAllRead is what opening the notification list does. It never talks
// to the server.
func (c *Client) MarkAllRead() {
	c.apply(Event{Source: SourceLocal, At: c.now(), MarkAllRead: true})
}

func (c *Client) apply(ev Event) {
	c.effectsMu.Lock()
	defer c.effectsMu.Unlock()

	c.mu.Lock()
	next, effects := Reduce(c.state, ev, c.rules)
	c.state = next
	c.mu.Unlock()

	if c.effects == nil {
		return
	}
	for _, effect := range effects {
		switch effect.Kind {
		case EffectAlert:
			c.effects.Alert(effect.Notification)
		case EffectPrint:
			c.effects.PrintTicket(effect.Notification)
		}
	}
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// PollDelay is the wait before the next poll: short while the push channel
// is down, long while it is up, doubling on consecutive failures up to max.
func PollDelay(cfg Config, connected bool, failures int) time.Duration {
	base := cfg.PollDisconnected
	if connected {
		base = cfg.PollConnected
	}
	delay := base
	for i := 0; i < failures && delay < cfg.PollMax; i++ {
		delay *= 2
	}
	if delay > cfg.PollMax {
		delay = cfg.PollMax
	}
	return delay
}

func (c *Client) pollLoop(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-c.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.logger.Warn("poll failed", zap.Int("failures", failures), zap.Error(err))
		} else {
			failures = 0
		}
		timer.Reset(PollDelay(c.cfg, c.Connected(), failures))
	}
}

// PollOnce fetches the active-order snapshot and merges it. A poll that
// times out is abandoned; the next scheduled one replaces it.
func (c *Client) PollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/orders?active=true", nil)
	if err != nil {
		return err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	var orders []models.Order
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		return fmt.Errorf("poll: decode: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	c.apply(Event{Source: SourcePoll, At: c.now(), Snapshot: orders})
	return nil
}

func (c *Client) pushLoop(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second

	for {
		started := time.Now()
		err := c.session(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > pongWait {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = policy.MaxInterval
		}
		c.logger.Info("push channel down, reconnecting", zap.Duration("in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one websocket connection until it fails or ctx ends.
func (c *Client) session(ctx context.Context) error {
	target, err := c.pushURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}
	defer ws.Close()

	join := hub.ControlMessage{Action: hub.ActionJoinRoom, Role: c.cfg.Role, UserID: c.cfg.UserID}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(join); err != nil {
		return err
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.setConnected(true)
	c.logger.Info("push channel connected", zap.String("role", c.cfg.Role))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = ws.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handlePush(raw)
	}
}

func (c *Client) handlePush(raw []byte) {
	env, err := events.Decode(raw)
	if err != nil {
		c.logger.Debug("ignore malformed push", zap.Error(err))
		return
	}
	switch env.Event {
	case events.EventNewOrder:
		var payload events.NewOrderPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("decode new-order", zap.Error(err))
			return
		}
		c.apply(Event{Source: SourcePush, At: c.now(), NewOrder: &payload})
	case events.EventOrderUpdated:
		var payload events.OrderUpdatedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.logger.Warn("decode order-updated", zap.Error(err))
			return
		}
		c.apply(Event{Source: SourcePush, At: c.now(), OrderUpdated: &payload})
	default:
		c.logger.Debug("push ignored", zap.String("event", env.Event))
	}
}

func (c *Client) pushURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/websocket"
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
