package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	apperrors "cross_arb/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func newTestVenue(cfg *config.VenueConfig) *Venue {
	if cfg == nil {
		cfg = &config.VenueConfig{
			APIKey:     "test_key",
			APISecret:  "test_secret",
			Passphrase: "test_pass",
		}
	}
	return New(cfg, &mockLogger{})
}

func TestInstIDMapping(t *testing.T) {
	assert.Equal(t, "BTC-USDT-SWAP", toInstID("BTCUSDT"))
	assert.Equal(t, "ETH-USDC-SWAP", toInstID("ETHUSDC"))
	assert.Equal(t, "BTC-USDT-SWAP", toInstID("BTC-USDT-SWAP"))

	assert.Equal(t, "BTCUSDT", fromInstID("BTC-USDT-SWAP"))
	assert.Equal(t, "BTCUSDT", fromInstID(toInstID("BTCUSDT")))
}

func TestSignRequest(t *testing.T) {
	v := newTestVenue(nil)

	req, err := http.NewRequest(http.MethodGet, "https://www.okx.com/api/v5/trade/order?instId=BTC-USDT-SWAP&ordId=1", nil)
	require.NoError(t, err)
	require.NoError(t, v.SignRequest(req, nil))

	assert.Equal(t, "test_key", req.Header.Get("OK-ACCESS-KEY"))
	assert.Equal(t, "test_pass", req.Header.Get("OK-ACCESS-PASSPHRASE"))

	ts := req.Header.Get("OK-ACCESS-TIMESTAMP")
	require.NotEmpty(t, ts)
	_, err = time.Parse("2006-01-02T15:04:05.000Z", ts)
	assert.NoError(t, err, "timestamp must be ISO 8601")

	mac := hmac.New(sha256.New, []byte("test_secret"))
	mac.Write([]byte(ts + "GET" + "/api/v5/trade/order?instId=BTC-USDT-SWAP&ordId=1"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, req.Header.Get("OK-ACCESS-SIGN"))
}

func TestParseError(t *testing.T) {
	v := newTestVenue(nil)

	tests := []struct {
		body string
		want error
	}{
		{`{"code":"0","msg":""}`, nil},
		{`{"code":"50013","msg":"Invalid Sign"}`, apperrors.ErrAuthenticationFailed},
		{`{"code":"50011","msg":"Too many requests"}`, apperrors.ErrRateLimitExceeded},
		{`{"code":"51000","msg":"Insufficient balance"}`, apperrors.ErrInsufficientFunds},
		{`{"code":"51603","msg":"Order does not exist"}`, apperrors.ErrOrderNotFound},
		{`{"code":"51016","msg":"clOrdId already exists"}`, apperrors.ErrDuplicateOrder},
		{`{"code":"50026","msg":"System error"}`, apperrors.ErrSystemOverload},
	}
	for _, tt := range tests {
		got := v.parseError([]byte(tt.body))
		if tt.want == nil {
			assert.NoError(t, got, tt.body)
		} else {
			assert.ErrorIs(t, got, tt.want, tt.body)
		}
	}
}

func TestMapOrderStatus(t *testing.T) {
	v := newTestVenue(nil)

	assert.Equal(t, core.OrderStatusNew, v.mapOrderStatus("live"))
	assert.Equal(t, core.OrderStatusPartiallyFilled, v.mapOrderStatus("partially_filled"))
	assert.Equal(t, core.OrderStatusFilled, v.mapOrderStatus("filled"))
	assert.Equal(t, core.OrderStatusCanceled, v.mapOrderStatus("canceled"))
	assert.Equal(t, core.OrderStatusUnknown, v.mapOrderStatus(""))
}

func TestDisconnectedFailsFast(t *testing.T) {
	v := newTestVenue(nil)

	_, err := v.GetTicker(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	_, err = v.GetBalance(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestStreamTickersMapsInstID(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(msg), `"channel":"tickers"`) {
			t.Errorf("expected tickers subscription, got %s", string(msg))
		}
		if !strings.Contains(string(msg), `"instId":"BTC-USDT-SWAP"`) {
			t.Errorf("expected swap instId, got %s", string(msg))
		}

		update := fmt.Sprintf(`{
			"arg": {"channel": "tickers", "instId": "BTC-USDT-SWAP"},
			"data": [{"instId": "BTC-USDT-SWAP", "last": "45000.5", "bidPx": "45000", "askPx": "45001", "ts": "%d"}]
		}`, time.Now().UnixMilli())
		_ = c.WriteMessage(websocket.TextMessage, []byte(update))
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	cfg := &config.VenueConfig{
		APIKey:    "test_key",
		APISecret: "test_secret",
		WSURL:     "ws" + strings.TrimPrefix(server.URL, "http"),
	}
	v := newTestVenue(cfg)
	v.MarkConnected()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v.StreamTickers(ctx, []string{"BTCUSDT"})

	// The cache is keyed by the shared symbol, not the venue instId.
	require.Eventually(t, func() bool {
		_, ok := v.CachedTicker("BTCUSDT")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	ticker, _ := v.CachedTicker("BTCUSDT")
	assert.Equal(t, "45000", ticker.Bid.String())
	assert.Equal(t, "45001", ticker.Ask.String())
}
