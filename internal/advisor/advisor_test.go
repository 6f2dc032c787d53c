package advisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/pkg/telemetry"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func setupTelemetry() {
	meter := otel.GetMeterProvider().Meter("advisor_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

// advisorStub records every request body and serves canned replies.
type advisorStub struct {
	mu       sync.Mutex
	requests []map[string]interface{}
	status   int
	body     string
}

func (s *advisorStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := map[string]interface{}{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		req["_auth"] = r.Header.Get("Authorization")

		s.mu.Lock()
		s.requests = append(s.requests, req)
		status, body := s.status, s.body
		s.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (s *advisorStub) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *advisorStub) request(i int) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *advisorStub) serve(body string) {
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
}

func newTestClient(t *testing.T, mutate func(*config.AdvisorConfig)) (*Client, *advisorStub) {
	t.Helper()
	setupTelemetry()

	stub := &advisorStub{body: goodVerdict}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	cfg := config.AdvisorConfig{
		Enabled:     true,
		Endpoint:    srv.URL,
		Model:       "advisor-large",
		Timeout:     2,
		CacheTTL:    300,
		FailureMode: "pass",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, "BTCUSDT", &mockLogger{}), stub
}

func testSignal(rsi float64) core.Signal {
	return core.Signal{
		Ts:         time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC),
		TradeID:    "t1",
		Strategy:   "spread_momentum",
		Kind:       core.SignalLong,
		Strength:   0.8,
		Confidence: 0.7,
		Price:      decimal.NewFromInt(45000),
		Indicators: core.Indicators{
			RSI: rsi, MACD: 12.3456, ADX: 28.1,
			EMAFast: 45100, EMASlow: 44900,
			ATR: 120, Volume: 1500, VolumeMA: 1200,
		},
		SpreadPct:     0.05,
		VolumeRatio:   1.2,
		ATRSpikeRatio: 1.0,
	}
}

func TestAssessHappyPath(t *testing.T) {
	c, stub := newTestClient(t, func(cfg *config.AdvisorConfig) {
		cfg.APIKey = config.Secret("sk-test")
	})

	v := c.Assess(context.Background(), testSignal(55))

	assert.True(t, v.Execute)
	assert.InDelta(t, 0.82, v.Confidence, 1e-9)
	assert.Equal(t, "trend", v.Regime)
	assert.Equal(t, []string{"thin_book"}, v.RiskFlags)

	require.Equal(t, 1, stub.hits())
	req := stub.request(0)
	assert.Equal(t, "spread_momentum", req["strategy"])
	assert.Equal(t, "BTCUSDT", req["symbol"])
	assert.Equal(t, "long", req["signal"])
	assert.Equal(t, "advisor-large", req["model"])
	assert.Equal(t, "45000", req["price"])
	assert.Equal(t, "Bearer sk-test", req["_auth"])
	ind := req["indicators"].(map[string]interface{})
	assert.InDelta(t, 55.0, ind["rsi"].(float64), 1e-9)

	ctrs := c.Counters()
	assert.Equal(t, int64(1), ctrs.TotalCalls)
	assert.Equal(t, int64(0), ctrs.CacheHits)
}

func TestAssessCacheHit(t *testing.T) {
	c, stub := newTestClient(t, nil)

	first := c.Assess(context.Background(), testSignal(55))
	second := c.Assess(context.Background(), testSignal(55))

	assert.Equal(t, first, second)
	assert.Equal(t, 1, stub.hits(), "second assess must come from cache")

	ctrs := c.Counters()
	assert.Equal(t, int64(1), ctrs.TotalCalls)
	assert.Equal(t, int64(1), ctrs.CacheHits)
}

func TestAssessFingerprintSensitivity(t *testing.T) {
	c, stub := newTestClient(t, nil)

	c.Assess(context.Background(), testSignal(55.0))
	c.Assess(context.Background(), testSignal(55.04)) // rounds to the same 1dp bucket
	assert.Equal(t, 1, stub.hits())

	c.Assess(context.Background(), testSignal(61.2))
	assert.Equal(t, 2, stub.hits())

	flipped := testSignal(55.0)
	flipped.Indicators.EMAFast, flipped.Indicators.EMASlow = 44900, 45100
	c.Assess(context.Background(), flipped)
	assert.Equal(t, 3, stub.hits(), "ema trend sign is part of the key")
}

func TestAssessCallBudget(t *testing.T) {
	c, stub := newTestClient(t, func(cfg *config.AdvisorConfig) {
		cfg.MaxDailyCalls = 2
	})

	c.Assess(context.Background(), testSignal(50))
	c.Assess(context.Background(), testSignal(60))
	v := c.Assess(context.Background(), testSignal(70))

	assert.Equal(t, 2, stub.hits())
	assert.True(t, v.Execute)
	assert.Equal(t, "advisor_fallback_pass", v.Reason)

	ctrs := c.Counters()
	assert.Equal(t, int64(1), ctrs.BudgetStops)
	assert.Equal(t, int64(0), ctrs.RemainingDailyCalls)
}

func TestAssessCostBudget(t *testing.T) {
	c, stub := newTestClient(t, func(cfg *config.AdvisorConfig) {
		cfg.MaxDailyCost = 0.05
		cfg.CostPerCall = 0.03
	})

	c.Assess(context.Background(), testSignal(50))
	v := c.Assess(context.Background(), testSignal(60))

	assert.Equal(t, 1, stub.hits())
	assert.Equal(t, "advisor_fallback_pass", v.Reason)

	ctrs := c.Counters()
	assert.Equal(t, int64(1), ctrs.BudgetStops)
	assert.InDelta(t, 0.02, ctrs.RemainingDailyBudget, 1e-9)
}

func TestAssessNetworkFailure(t *testing.T) {
	c, _ := newTestClient(t, nil)
	// Point the client at a dead endpoint.
	c.http.SetBaseURL("http://127.0.0.1:1")

	v := c.Assess(context.Background(), testSignal(50))

	assert.True(t, v.Execute)
	assert.Equal(t, "advisor_fallback_pass", v.Reason)
	assert.Equal(t, int64(1), c.Counters().TimeoutFailures)
}

func TestAssessRejectFailureMode(t *testing.T) {
	c, _ := newTestClient(t, func(cfg *config.AdvisorConfig) {
		cfg.FailureMode = "reject"
	})
	c.http.SetBaseURL("http://127.0.0.1:1")

	v := c.Assess(context.Background(), testSignal(50))

	assert.False(t, v.Execute)
	assert.Zero(t, v.Confidence)
	assert.Equal(t, "advisor_fallback_reject", v.Reason)
}

func TestAssessServerError(t *testing.T) {
	c, stub := newTestClient(t, nil)
	stub.mu.Lock()
	stub.status = http.StatusInternalServerError
	stub.mu.Unlock()

	v := c.Assess(context.Background(), testSignal(50))

	assert.Equal(t, "advisor_fallback_pass", v.Reason)
	assert.Equal(t, int64(1), c.Counters().TimeoutFailures)
}

func TestAssessInvalidReply(t *testing.T) {
	c, stub := newTestClient(t, nil)
	stub.serve("I cannot assess this market right now.")

	v := c.Assess(context.Background(), testSignal(50))

	assert.Equal(t, "advisor_fallback_pass", v.Reason)
	assert.Equal(t, int64(1), c.Counters().ValidationFailures)

	// An invalid reply must not be cached.
	stub.serve(goodVerdict)
	v2 := c.Assess(context.Background(), testSignal(50))
	assert.Equal(t, "trend", v2.Regime)
	assert.Equal(t, 2, stub.hits())
}

func TestAssessRegimeHintCarriesForward(t *testing.T) {
	c, stub := newTestClient(t, nil)
	stub.serve(`{"execute":true,"confidence":0.6,"regime":"chop","signal_quality":0.5}`)

	c.Assess(context.Background(), testSignal(50))
	first := stub.request(0)
	_, hasHint := first["regime_hint"]
	assert.False(t, hasHint, "no hint before the first verdict")

	c.Assess(context.Background(), testSignal(60))
	second := stub.request(1)
	assert.Equal(t, "chop", second["regime_hint"])
}

func TestBudgetDayRollover(t *testing.T) {
	g := newGuardrails()
	day1 := time.Date(2026, 2, 14, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2026, 2, 15, 0, 5, 0, 0, time.UTC)

	assert.True(t, g.admit(day1, 1, 0, 0))
	assert.False(t, g.admit(day1, 1, 0, 0))
	assert.True(t, g.admit(day2, 1, 0, 0), "UTC date change resets the budget")

	ctrs := g.snapshot(day2, 1, 0)
	assert.Equal(t, int64(1), ctrs.BudgetStops)
	assert.Equal(t, int64(0), ctrs.RemainingDailyCalls)
	assert.Equal(t, int64(2), ctrs.TotalCalls)
}

func TestCacheExpiry(t *testing.T) {
	g := newGuardrails()
	now := time.Now()
	v := core.AdvisorVerdict{Execute: true, Confidence: 0.9, Regime: "trend", SignalQuality: 0.8}

	g.store("fp", v, now, 100*time.Millisecond)
	got, ok := g.lookup("fp", now.Add(50*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, v, got)

	_, ok = g.lookup("fp", now.Add(200*time.Millisecond))
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, int64(1), g.snapshot(now, 0, 0).CacheHits)
}
