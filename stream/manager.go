package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dnldd/finboard/shared"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// FinnhubURL is the default finnhub streaming endpoint.
	FinnhubURL = "wss://ws.finnhub.io"
	// BinanceURL is the default binance streaming endpoint.
	BinanceURL = "wss://stream.binance.com:9443/ws"
	// DefaultReconnectDelay is the default base reconnect delay.
	DefaultReconnectDelay = time.Second * 3
	// DefaultMaxReconnectAttempts is the default number of consecutive failed
	// connections tolerated before a provider is disabled.
	DefaultMaxReconnectAttempts = 5
	// minFinnhubTokenLength is the minimum length of a well formed finnhub token.
	minFinnhubTokenLength = 20
	// dialTimeout is the maximum duration of a connection attempt.
	dialTimeout = time.Second * 15
)

// Provider represents a streaming data provider.
type Provider string

const (
	Finnhub Provider = "finnhub"
	Binance Provider = "binance"
)

// ProviderFor returns the streaming provider of the provided market.
func ProviderFor(market shared.MarketType) (Provider, bool) {
	switch market {
	case shared.US:
		return Finnhub, true
	case shared.Crypto:
		return Binance, true
	default:
		return "", false
	}
}

// State represents the state of a provider connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
)

// String stringifies the provided state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Callback receives pushed quote updates.
type Callback func(update shared.QuoteUpdate)

// ValidFinnhubToken reports whether the provided token can be used to stream.
func ValidFinnhubToken(token string) bool {
	return token != "" && token != "demo" && len(token) >= minFinnhubTokenLength
}

// ManagerConfig represents the configuration for the subscription manager.
type ManagerConfig struct {
	// FinnhubToken is the finnhub streaming credential.
	FinnhubToken string
	// FinnhubURL is the finnhub streaming endpoint.
	FinnhubURL string
	// BinanceURL is the binance streaming endpoint.
	BinanceURL string
	// Dialer opens streaming connections.
	Dialer Dialer
	// ReconnectDelay is the base reconnect delay, scaled by consecutive failures.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the number of consecutive failed connections
	// tolerated before a provider is permanently disabled.
	MaxReconnectAttempts int
	// Logger represents the manager logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error

	if cfg.FinnhubURL == "" {
		errs = errors.Join(errs, fmt.Errorf("finnhub url cannot be an empty string"))
	}
	if cfg.BinanceURL == "" {
		errs = errors.Join(errs, fmt.Errorf("binance url cannot be an empty string"))
	}
	if cfg.Dialer == nil {
		errs = errors.Join(errs, fmt.Errorf("dialer cannot be nil"))
	}
	if cfg.ReconnectDelay <= 0 {
		errs = errors.Join(errs, fmt.Errorf("reconnect delay must be positive, got %v", cfg.ReconnectDelay))
	}
	if cfg.MaxReconnectAttempts <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max reconnect attempts must be positive, got %d", cfg.MaxReconnectAttempts))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// subscriber represents a registered update callback.
type subscriber struct {
	id       uuid.UUID
	callback Callback
}

// connection tracks the lifecycle of a provider connection.
type connection struct {
	provider Provider
	state    State
	enabled  bool
	failures int
	conn     Conn
	writeMtx sync.Mutex
	timer    *time.Timer
}

// send writes the provided frame to the connection.
func (c *connection) send(conn Conn, frame any) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return conn.WriteJSON(frame)
}

// Manager maintains at most one streaming connection per provider and
// multiplexes per-symbol subscriptions over them.
type Manager struct {
	cfg         *ManagerConfig
	conns       map[Provider]*connection
	subscribers map[string][]subscriber
	requestID   int64
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	mtx         sync.Mutex
	wg          sync.WaitGroup
}

// NewManager initializes a new subscription manager. Equities streaming is
// disabled upfront when the finnhub token is missing or malformed.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating stream manager config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg: cfg,
		conns: map[Provider]*connection{
			Finnhub: {provider: Finnhub, enabled: true},
			Binance: {provider: Binance, enabled: true},
		},
		subscribers: make(map[string][]subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}

	if !ValidFinnhubToken(cfg.FinnhubToken) {
		cfg.Logger.Warn().Msg("finnhub token missing or malformed, equities streaming disabled")
		m.conns[Finnhub].enabled = false
	}

	return m, nil
}

// subscriptionKey returns the subscriber key of the provided symbol and market.
func subscriptionKey(symbol string, market shared.MarketType) string {
	return market.String() + ":" + symbol
}

// providerURL returns the streaming endpoint of the provided provider.
func (m *Manager) providerURL(p Provider) string {
	switch p {
	case Finnhub:
		params := url.Values{}
		params.Add("token", m.cfg.FinnhubToken)
		return m.cfg.FinnhubURL + "?" + params.Encode()
	default:
		return m.cfg.BinanceURL
	}
}

// Subscribe registers the provided callback for pushed updates of the provided
// symbol and returns a function that unregisters it. Markets without a
// streaming provider never receive pushes.
func (m *Manager) Subscribe(symbol string, market shared.MarketType, callback Callback) func() {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	provider, ok := ProviderFor(market)
	if !ok || symbol == "" || callback == nil {
		m.cfg.Logger.Debug().Msgf("no streaming for %s on %s", symbol, market)
		return func() {}
	}

	key := subscriptionKey(symbol, market)
	id := uuid.New()

	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return func() {}
	}

	first := len(m.subscribers[key]) == 0
	m.subscribers[key] = append(m.subscribers[key], subscriber{id: id, callback: callback})

	c := m.conns[provider]
	if c.enabled {
		switch c.state {
		case Disconnected:
			m.connect(c)
		case Open:
			if first {
				m.sendSubscribe(c, []string{symbol})
			}
		}
	}
	m.mtx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.unsubscribe(key, id, symbol, provider)
		})
	}
}

// unsubscribe removes the subscriber with the provided id. Equities receive an
// unsubscribe frame once the key has no subscribers left.
func (m *Manager) unsubscribe(key string, id uuid.UUID, symbol string, provider Provider) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	subs := slices.DeleteFunc(m.subscribers[key], func(s subscriber) bool {
		return s.id == id
	})
	if len(subs) > 0 {
		m.subscribers[key] = subs
		return
	}

	delete(m.subscribers, key)

	c := m.conns[provider]
	if provider == Finnhub && c.state == Open && c.conn != nil {
		err := c.send(c.conn, finnhubRequest{Type: "unsubscribe", Symbol: symbol})
		if err != nil {
			m.cfg.Logger.Error().Msgf("unsubscribing %s from %s: %v", symbol, provider, err)
		}
	}
}

// providerSymbols returns the subscribed symbols of the provided provider. This
// must be called with the mutex held.
func (m *Manager) providerSymbols(p Provider) []string {
	var symbols []string
	for key := range m.subscribers {
		market, symbol, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}

		provider, ok := ProviderFor(shared.MarketType(market))
		if ok && provider == p {
			symbols = append(symbols, symbol)
		}
	}

	slices.Sort(symbols)

	return symbols
}

// sendSubscribe sends the subscription frames for the provided symbols. This
// must be called with the mutex held.
func (m *Manager) sendSubscribe(c *connection, symbols []string) {
	if c.conn == nil || len(symbols) == 0 {
		return
	}

	switch c.provider {
	case Finnhub:
		for _, sym := range symbols {
			err := c.send(c.conn, finnhubRequest{Type: "subscribe", Symbol: sym})
			if err != nil {
				m.cfg.Logger.Error().Msgf("subscribing %s on %s: %v", sym, c.provider, err)
			}
		}
	case Binance:
		params := make([]string, 0, len(symbols))
		for _, sym := range symbols {
			params = append(params, binanceStream(sym))
		}

		m.requestID++
		err := c.send(c.conn, binanceRequest{Method: "SUBSCRIBE", Params: params, ID: m.requestID})
		if err != nil {
			m.cfg.Logger.Error().Msgf("subscribing %v on %s: %v", symbols, c.provider, err)
		}
	}
}

// connect starts a connection attempt for the provided provider. This must be
// called with the mutex held.
func (m *Manager) connect(c *connection) {
	c.state = Connecting
	m.wg.Add(1)
	go m.run(c)
}

// run dials the provider and reads frames until the connection closes.
func (m *Manager) run(c *connection) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
	conn, err := m.cfg.Dialer.Dial(ctx, m.providerURL(c.provider))
	cancel()
	if err != nil {
		m.cfg.Logger.Error().Msgf("connecting to %s: %v", c.provider, err)
		m.handleClose(c)
		return
	}

	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = Open
	c.failures = 0
	m.sendSubscribe(c, m.providerSymbols(c.provider))
	m.mtx.Unlock()

	m.cfg.Logger.Info().Msgf("connected to %s", c.provider)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mtx.Lock()
			closed := m.closed
			m.mtx.Unlock()
			if !closed {
				m.cfg.Logger.Error().Msgf("reading from %s: %v", c.provider, err)
			}
			m.handleClose(c)
			return
		}

		m.handleFrame(c.provider, data)
	}
}

// handleClose clears the connection and schedules a reconnect, disabling the
// provider once too many consecutive connections failed.
func (m *Manager) handleClose(c *connection) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if m.closed {
		c.state = Disconnected
		return
	}

	c.failures++
	if c.failures >= m.cfg.MaxReconnectAttempts {
		c.enabled = false
		c.state = Disconnected
		m.cfg.Logger.Error().Msgf("%s disabled after %d failed connections, relying on polling",
			c.provider, c.failures)
		return
	}

	delay := m.cfg.ReconnectDelay * time.Duration(c.failures)
	c.state = Reconnecting
	m.cfg.Logger.Info().Msgf("reconnecting to %s in %v (attempt %d/%d)", c.provider, delay,
		c.failures+1, m.cfg.MaxReconnectAttempts)

	c.timer = time.AfterFunc(delay, func() {
		m.mtx.Lock()
		defer m.mtx.Unlock()

		c.timer = nil
		if m.closed || !c.enabled || c.state != Reconnecting {
			return
		}

		m.connect(c)
	})
}

// handleFrame parses the provided frame and dispatches its updates.
func (m *Manager) handleFrame(p Provider, data []byte) {
	switch p {
	case Finnhub:
		for _, update := range parseFinnhubFrame(data) {
			m.dispatch(update)
		}
	case Binance:
		update, ok := parseBinanceFrame(data)
		if ok {
			m.dispatch(update)
		}
	}
}

// dispatch delivers the provided update to every subscriber of its key. A
// panicking callback does not prevent delivery to the others.
func (m *Manager) dispatch(update shared.QuoteUpdate) {
	key := subscriptionKey(update.Symbol, update.MarketType)

	m.mtx.Lock()
	subs := slices.Clone(m.subscribers[key])
	m.mtx.Unlock()

	for _, sub := range subs {
		m.invoke(sub, update)
	}
}

// invoke calls the provided subscriber, recovering from panics.
func (m *Manager) invoke(sub subscriber, update shared.QuoteUpdate) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error().Msgf("subscriber %s panicked on %s update: %v", sub.id, update.Symbol, r)
		}
	}()

	sub.callback(update)
}

// IsConnected reports whether the provider of the provided market has an open
// connection and is still enabled.
func (m *Manager) IsConnected(market shared.MarketType) bool {
	provider, ok := ProviderFor(market)
	if !ok {
		return false
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	c := m.conns[provider]
	return c.enabled && c.state == Open
}

// State returns the connection state and enabled flag of the provided provider.
func (m *Manager) State(p Provider) (State, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c, ok := m.conns[p]
	if !ok {
		return Disconnected, false
	}

	return c.state, c.enabled
}

// Close tears down every connection and pending reconnect and waits for
// connection goroutines to exit.
func (m *Manager) Close() {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return
	}
	m.closed = true
	m.cancel()

	for _, c := range m.conns {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		if c.conn != nil {
			c.conn.Close()
		}
	}
	clear(m.subscribers)
	m.mtx.Unlock()

	m.wg.Wait()
}
