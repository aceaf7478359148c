package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnldd/finboard/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

const validToken = "abcdefghijklmnopqrstuvwxyz"

// fakeConn is an in-memory streaming connection.
type fakeConn struct {
	incoming chan []byte
	done     chan struct{}
	once     sync.Once
	mtx      sync.Mutex
	writes   []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	c.writes = append(c.writes, string(data))
	c.mtx.Unlock()

	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Writes() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.writes...)
}

// fakeDialer hands out fake connections or fails every dial.
type fakeDialer struct {
	fail  atomic.Bool
	dials atomic.Int32
	urls  chan string
	conns chan *fakeConn
	mtx   sync.Mutex
	at    []time.Time
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		urls:  make(chan string, 32),
		conns: make(chan *fakeConn, 32),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mtx.Lock()
	d.at = append(d.at, time.Now())
	d.mtx.Unlock()
	d.urls <- url
	if d.fail.Load() {
		return nil, errors.New("dial refused")
	}

	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

// DialTimes returns the time of every dial in order.
func (d *fakeDialer) DialTimes() []time.Time {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]time.Time(nil), d.at...)
}

func newTestManager(t *testing.T, token string, dialer Dialer) *Manager {
	t.Helper()

	logger := zerolog.Nop()
	m, err := NewManager(&ManagerConfig{
		FinnhubToken:         token,
		FinnhubURL:           FinnhubURL,
		BinanceURL:           BinanceURL,
		Dialer:               dialer,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Logger:               &logger,
	})
	assert.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

// waitFor polls the provided condition until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second * 2)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerConfig(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewManager(&ManagerConfig{Logger: &logger})
	assert.Error(t, err)

	assert.False(t, ValidFinnhubToken(""))
	assert.False(t, ValidFinnhubToken("demo"))
	assert.False(t, ValidFinnhubToken("short-token"))
	assert.True(t, ValidFinnhubToken(validToken))
}

func TestManagerInvalidToken(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, "demo", dialer)

	// Ensure equities streaming never dials with a malformed token.
	unsub := m.Subscribe("AAPL", shared.US, func(shared.QuoteUpdate) {})
	defer unsub()

	state, enabled := m.State(Finnhub)
	assert.Equal(t, state, Disconnected)
	assert.False(t, enabled)
	assert.False(t, m.IsConnected(shared.US))
	assert.Equal(t, dialer.dials.Load(), int32(0))

	// Ensure non-streamable markets are ignored.
	m.Subscribe("RELIANCE", shared.India, func(shared.QuoteUpdate) {})()
	assert.Equal(t, dialer.dials.Load(), int32(0))
	assert.False(t, m.IsConnected(shared.India))
}

func TestManagerDisablesAfterFailures(t *testing.T) {
	dialer := newFakeDialer()
	dialer.fail.Store(true)
	m := newTestManager(t, validToken, dialer)

	m.Subscribe("BTC", shared.Crypto, func(shared.QuoteUpdate) {})

	// Ensure the provider is disabled after 5 consecutive failed connections.
	waitFor(t, func() bool {
		_, enabled := m.State(Binance)
		return !enabled
	})
	assert.Equal(t, dialer.dials.Load(), int32(DefaultMaxReconnectAttempts))
	assert.False(t, m.IsConnected(shared.Crypto))

	// Ensure a further subscription never dials again.
	dialer.fail.Store(false)
	m.Subscribe("ETH", shared.Crypto, func(shared.QuoteUpdate) {})
	time.Sleep(time.Millisecond * 20)
	assert.Equal(t, dialer.dials.Load(), int32(DefaultMaxReconnectAttempts))

	// Ensure the other provider is unaffected.
	m.Subscribe("AAPL", shared.US, func(shared.QuoteUpdate) {})
	waitFor(t, func() bool { return m.IsConnected(shared.US) })
}

func TestManagerReconnectBackoff(t *testing.T) {
	dialer := newFakeDialer()
	dialer.fail.Store(true)

	const base = time.Millisecond * 40
	logger := zerolog.Nop()
	m, err := NewManager(&ManagerConfig{
		FinnhubToken:         validToken,
		FinnhubURL:           FinnhubURL,
		BinanceURL:           BinanceURL,
		Dialer:               dialer,
		ReconnectDelay:       base,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Logger:               &logger,
	})
	assert.NoError(t, err)
	t.Cleanup(m.Close)

	m.Subscribe("BTC", shared.Crypto, func(shared.QuoteUpdate) {})
	waitFor(t, func() bool {
		_, enabled := m.State(Binance)
		return !enabled
	})

	at := dialer.DialTimes()
	assert.Equal(t, len(at), DefaultMaxReconnectAttempts)

	// Ensure the delay before each redial grows linearly with consecutive failures.
	for idx := 1; idx < len(at); idx++ {
		gap := at[idx].Sub(at[idx-1])
		want := base * time.Duration(idx)
		if gap < want {
			t.Errorf("redial %d: expected a delay of at least %v, got %v", idx, want, gap)
		}
		if gap >= want+base {
			t.Errorf("redial %d: expected a delay under %v, got %v", idx, want+base, gap)
		}
	}
}

func TestManagerDispatch(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, validToken, dialer)

	var mtx sync.Mutex
	var got []shared.QuoteUpdate
	record := func(u shared.QuoteUpdate) {
		mtx.Lock()
		got = append(got, u)
		mtx.Unlock()
	}
	received := func() int {
		mtx.Lock()
		defer mtx.Unlock()
		return len(got)
	}

	m.Subscribe("BTC", shared.Crypto, func(shared.QuoteUpdate) { panic("bad subscriber") })
	unsub := m.Subscribe("BTC", shared.Crypto, record)

	// Ensure the crypto connection only dials once for both subscriptions.
	url := <-dialer.urls
	assert.Equal(t, url, BinanceURL)
	conn := <-dialer.conns
	waitFor(t, func() bool { return m.IsConnected(shared.Crypto) })
	assert.Equal(t, dialer.dials.Load(), int32(1))

	// Ensure registered symbols are subscribed wholesale on open.
	writes := conn.Writes()
	assert.Equal(t, len(writes), 1)
	assert.Equal(t, writes[0], `{"method":"SUBSCRIBE","params":["btcusdt@ticker"],"id":1}`)

	// Ensure a panicking subscriber does not prevent delivery to others.
	conn.incoming <- []byte(`{"result":null,"id":1}`)
	conn.incoming <- []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"95847.32","p":"1245.67","P":"1.32","v":"28901.5","h":"96500.00","l":"94200.50","o":"94601.65","x":"94601.65"}`)
	conn.incoming <- []byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"3524.89","p":"-45.23","P":"-1.27","v":"100","h":"3580","l":"3510.2","o":"3570.12","x":"3570.12"}`)
	waitFor(t, func() bool { return received() == 1 })

	mtx.Lock()
	update := got[0]
	mtx.Unlock()
	assert.Equal(t, update.Symbol, "BTC")
	assert.Equal(t, update.Price, 95847.32)
	assert.Equal(t, update.Volume, int64(28901))
	assert.Equal(t, *update.Change, 1245.67)
	assert.Equal(t, *update.PreviousClose, 94601.65)

	// Ensure unsubscribed callbacks stop receiving updates.
	unsub()
	unsub()
	conn.incoming <- []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"96000","p":"1","P":"1","v":"1","h":"1","l":"1","o":"1","x":"1"}`)
	time.Sleep(time.Millisecond * 20)
	assert.Equal(t, received(), 1)

	// Ensure a subscription on an open connection is sent immediately.
	m.Subscribe("SOL", shared.Crypto, record)
	waitFor(t, func() bool { return len(conn.Writes()) == 2 })
	assert.Equal(t, conn.Writes()[1], `{"method":"SUBSCRIBE","params":["solusdt@ticker"],"id":2}`)
}

func TestManagerEquities(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, validToken, dialer)

	updates := make(chan shared.QuoteUpdate, 4)
	unsubAAPL := m.Subscribe("AAPL", shared.US, func(u shared.QuoteUpdate) { updates <- u })
	m.Subscribe("MSFT", shared.US, func(u shared.QuoteUpdate) { updates <- u })

	url := <-dialer.urls
	assert.Equal(t, url, FinnhubURL+"?token="+validToken)
	conn := <-dialer.conns
	waitFor(t, func() bool { return len(conn.Writes()) == 2 })

	writes := conn.Writes()
	assert.Equal(t, writes[0], `{"type":"subscribe","symbol":"AAPL"}`)
	assert.Equal(t, writes[1], `{"type":"subscribe","symbol":"MSFT"}`)

	// Ensure trade frames dispatch price and volume only.
	conn.incoming <- []byte(`{"type":"ping"}`)
	conn.incoming <- []byte(`{"type":"trade","data":[{"s":"AAPL","p":196.1,"v":120,"t":1738681200000}]}`)
	update := <-updates
	assert.Equal(t, update.Symbol, "AAPL")
	assert.Equal(t, update.MarketType, shared.US)
	assert.Equal(t, update.Price, 196.1)
	assert.Equal(t, update.Volume, int64(120))
	assert.Nil(t, update.Change)

	// Ensure the last unsubscribe sends an unsubscribe frame.
	unsubAAPL()
	writes = conn.Writes()
	assert.Equal(t, len(writes), 3)
	assert.Equal(t, writes[2], `{"type":"unsubscribe","symbol":"AAPL"}`)

	// Ensure a dropped connection reconnects and resubscribes.
	conn.Close()
	conn = <-dialer.conns
	waitFor(t, func() bool { return len(conn.Writes()) == 1 })
	assert.Equal(t, conn.Writes()[0], `{"type":"subscribe","symbol":"MSFT"}`)
	waitFor(t, func() bool { return m.IsConnected(shared.US) })
}

func TestManagerClose(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, validToken, dialer)

	m.Subscribe("BTC", shared.Crypto, func(shared.QuoteUpdate) {})
	<-dialer.conns
	waitFor(t, func() bool { return m.IsConnected(shared.Crypto) })

	// Ensure closing tears down connections without reconnecting.
	m.Close()
	assert.False(t, m.IsConnected(shared.Crypto))
	assert.Equal(t, dialer.dials.Load(), int32(1))

	// Ensure subscriptions after close are ignored.
	m.Subscribe("ETH", shared.Crypto, func(shared.QuoteUpdate) {})()
	assert.Equal(t, dialer.dials.Load(), int32(1))
}
