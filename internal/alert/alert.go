package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

var levelRank = map[AlertLevel]int{
	Info:     0,
	Warning:  1,
	Error:    2,
	Critical: 3,
}

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	minLevel AlertLevel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		minLevel: Info,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// NewAlertManagerFromConfig wires the channels the config enables. Channels
// with missing credentials are left out.
func NewAlertManagerFromConfig(cfg *config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if cfg == nil {
		return am
	}

	if lvl := AlertLevel(strings.ToUpper(cfg.MinLevel)); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			am.minLevel = lvl
		}
	}
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(string(cfg.SlackWebhookURL)))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(string(cfg.TelegramToken), cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	if levelRank[level] < levelRank[am.minLevel] {
		return
	}

	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	// Delivery is async; alerting never blocks the trading path.
	for _, ch := range am.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
