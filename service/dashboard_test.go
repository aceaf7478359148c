package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/finboard/shared"
	"github.com/dnldd/finboard/stream"
	"github.com/peterldowns/testy/assert"
)

// pushConn is a streaming connection fed by the test.
type pushConn struct {
	incoming chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *pushConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *pushConn) WriteJSON(v any) error { return nil }

func (c *pushConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// pushDialer hands out push connections.
type pushDialer struct {
	conns chan *pushConn
}

func (d *pushDialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	conn := &pushConn{incoming: make(chan []byte, 4), done: make(chan struct{})}
	d.conns <- conn
	return conn, nil
}

// memoryStore records persisted quotes.
type memoryStore struct {
	quotes []shared.Quote
	mtx    sync.Mutex
}

func (s *memoryStore) PersistQuote(ctx context.Context, quote *shared.Quote) error {
	s.mtx.Lock()
	s.quotes = append(s.quotes, *quote)
	s.mtx.Unlock()
	return nil
}

func (s *memoryStore) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.quotes)
}

// quoteRecorder collects watched quotes.
type quoteRecorder struct {
	quotes map[string]shared.Quote
	count  int
	mtx    sync.Mutex
}

func (r *quoteRecorder) record(q shared.Quote) {
	r.mtx.Lock()
	r.quotes[q.Symbol] = q
	r.count++
	r.mtx.Unlock()
}

func (r *quoteRecorder) get(symbol string) (shared.Quote, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	q, ok := r.quotes[symbol]
	return q, ok
}

func (r *quoteRecorder) total() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.count
}

// newTestDashboard returns a dashboard whose providers are unreachable so
// every quote resolves to demo data.
func newTestDashboard(t *testing.T, dialer stream.Dialer, store shared.QuoteStorer) *Dashboard {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	d, err := NewDashboard(&DashboardConfig{
		AlphaVantageURL: server.URL,
		BinanceURL:      server.URL,
		FinnhubToken:    "demo",
		Dialer:          dialer,
		ReconnectDelay:  time.Millisecond,
		QueueMinDelay:   time.Millisecond,
		PollInterval:    time.Millisecond * 50,
		Store:           store,
	})
	assert.NoError(t, err)

	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second * 5)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond * 5)
	}
}

func TestDashboardConfig(t *testing.T) {
	_, err := NewDashboard(&DashboardConfig{PollInterval: -time.Second})
	assert.Error(t, err)

	cfg := &DashboardConfig{}
	cfg.applyDefaults()
	assert.Equal(t, cfg.AlphaVantageKey, demoAPIKey)
	assert.Equal(t, cfg.PollInterval, DefaultPollInterval)
	assert.Equal(t, cfg.BinanceStreamURL, stream.BinanceURL)
}

func TestDashboardWatchPolling(t *testing.T) {
	store := &memoryStore{}
	dialer := &pushDialer{conns: make(chan *pushConn, 4)}
	d := newTestDashboard(t, dialer, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// Ensure the initial fetch serves demo quotes when providers are down.
	rec := &quoteRecorder{quotes: make(map[string]shared.Quote)}
	stop := d.Watch(ctx, []string{"AAPL", "MSFT"}, shared.US, rec.record)

	aapl, ok := rec.get("AAPL")
	assert.True(t, ok)
	assert.Equal(t, aapl.Price, 195.71)
	msft, ok := rec.get("MSFT")
	assert.True(t, ok)
	assert.Equal(t, msft.Price, 374.58)
	assert.False(t, d.IsConnected(shared.US))

	// Ensure polling refreshes and records watched quotes.
	waitFor(t, func() bool { return store.Len() >= 2 })
	assert.True(t, rec.total() >= 4)

	// Ensure a stopped watch is no longer polled.
	stop()
	stop()
	polled := store.Len()
	time.Sleep(time.Millisecond * 150)
	assert.True(t, store.Len() <= polled+2)

	cancel()
	<-done
}

func TestDashboardWatchStreaming(t *testing.T) {
	dialer := &pushDialer{conns: make(chan *pushConn, 4)}
	d := newTestDashboard(t, dialer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	rec := &quoteRecorder{quotes: make(map[string]shared.Quote)}
	stop := d.Watch(ctx, []string{"BTC"}, shared.Crypto, rec.record)
	defer stop()

	btc, ok := rec.get("BTC")
	assert.True(t, ok)
	assert.Equal(t, btc.Price, 95847.32)

	conn := <-dialer.conns
	waitFor(t, func() bool { return d.IsConnected(shared.Crypto) })

	// Ensure pushed updates merge into the last known quote.
	conn.incoming <- []byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"96000.5","p":"1398.85","P":"1.48","v":"30000","h":"96600","l":"94200.5","o":"94601.65","x":"94601.65"}`)
	waitFor(t, func() bool {
		q, _ := rec.get("BTC")
		return q.Price == 96000.5
	})

	btc, _ = rec.get("BTC")
	assert.Equal(t, btc.Name, "Bitcoin")
	assert.Equal(t, btc.Change, 1398.85)
	assert.Equal(t, btc.High, float64(96600))
	assert.Equal(t, btc.Volume, int64(30000))
	assert.Equal(t, btc.Currency, shared.USD)

	cancel()
	<-done
	assert.False(t, d.IsConnected(shared.Crypto))
}

func TestDashboardPassthrough(t *testing.T) {
	dialer := &pushDialer{conns: make(chan *pushConn, 4)}
	d := newTestDashboard(t, dialer, nil)
	ctx := context.Background()

	q, err := d.FetchQuote(ctx, "eth", shared.Crypto)
	assert.NoError(t, err)
	assert.Equal(t, q.Symbol, "ETH")

	_, err = d.FetchQuote(ctx, "ZZZZ", shared.Crypto)
	assert.True(t, errors.Is(err, shared.ErrQuoteUnavailable))

	assert.Equal(t, len(d.FetchChartData(ctx, "SOL", shared.Daily, shared.Crypto)), 365)
	assert.Equal(t, len(d.Search(ctx, "coin", shared.Crypto)), 3)

	// Ensure indian markets resolve to demo data without a proxy.
	reliance, err := d.FetchQuote(ctx, "RELIANCE", shared.India)
	assert.NoError(t, err)
	assert.Equal(t, reliance.Currency, shared.INR)
}
