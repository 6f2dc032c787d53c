package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Return a copy to avoid race on slice elements if they were mutable
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestAlertManager_Alert(t *testing.T) {
	am := NewAlertManager(&mockLogger{})

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}

	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Test Alert", "This is a test", Info, map[string]string{"key": "value"})

	// Wait for goroutines (Alert is async)
	time.Sleep(100 * time.Millisecond)

	sent1 := ch1.getSent()
	sent2 := ch2.getSent()

	if len(sent1) != 1 {
		t.Errorf("Expected ch1 to receive 1 alert, got %d", len(sent1))
	}
	if len(sent2) != 1 {
		t.Errorf("Expected ch2 to receive 1 alert, got %d", len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "Test Alert" {
		t.Errorf("Expected title 'Test Alert', got '%s'", payload.Title)
	}
	if payload.Level != Info {
		t.Errorf("Expected level INFO, got %s", payload.Level)
	}
	if payload.Fields["key"] != "value" {
		t.Errorf("Expected field key=value, got %s", payload.Fields["key"])
	}
}

func TestAlertManager_MinLevelFilters(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	am.minLevel = Error

	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	am.Alert(context.Background(), "Below threshold", "ignored", Warning, nil)
	am.Alert(context.Background(), "At threshold", "delivered", Error, nil)
	am.Alert(context.Background(), "Above threshold", "delivered", Critical, nil)

	time.Sleep(100 * time.Millisecond)

	sent := ch.getSent()
	if len(sent) != 2 {
		t.Fatalf("Expected 2 alerts after filtering, got %d", len(sent))
	}
	for _, p := range sent {
		if levelRank[p.Level] < levelRank[Error] {
			t.Errorf("Alert below min level delivered: %s", p.Level)
		}
	}
}

func TestNewAlertManagerFromConfig(t *testing.T) {
	cfg := &config.AlertsConfig{
		SlackWebhookURL: config.Secret("https://hooks.slack.com/services/T/B/x"),
		TelegramToken:   config.Secret("123:abc"),
		TelegramChatID:  "-100",
		MinLevel:        "warning",
	}

	am := NewAlertManagerFromConfig(cfg, &mockLogger{})

	if am.minLevel != Warning {
		t.Errorf("Expected min level WARNING, got %s", am.minLevel)
	}
	if len(am.channels) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(am.channels))
	}

	names := map[string]bool{}
	for _, ch := range am.channels {
		names[ch.Name()] = true
	}
	if !names["slack"] || !names["telegram"] {
		t.Errorf("Expected slack and telegram channels, got %v", names)
	}
}

func TestNewAlertManagerFromConfig_MissingCredentials(t *testing.T) {
	cfg := &config.AlertsConfig{
		TelegramToken: config.Secret("123:abc"),
		// Chat ID missing: channel must not be wired.
	}

	am := NewAlertManagerFromConfig(cfg, &mockLogger{})

	if len(am.channels) != 0 {
		t.Errorf("Expected no channels, got %d", len(am.channels))
	}
	if am.minLevel != Info {
		t.Errorf("Expected default min level INFO, got %s", am.minLevel)
	}
}
