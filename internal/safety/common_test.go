package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cross_arb/internal/core"
	"cross_arb/pkg/telemetry"

	"go.opentelemetry.io/otel"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

type memStateStore struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage
}

func newMemStateStore() *memStateStore {
	return &memStateStore{docs: make(map[string]json.RawMessage)}
}

func (s *memStateStore) SaveStateDoc(ctx context.Context, name string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = raw
	return nil
}

func (s *memStateStore) LoadStateDoc(ctx context.Context, name string, doc any) error {
	s.mu.Lock()
	raw, ok := s.docs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("state doc %s not found", name)
	}
	return json.Unmarshal(raw, doc)
}

var _ core.IStateStore = (*memStateStore)(nil)

func setupTelemetry() {
	meter := otel.GetMeterProvider().Meter("safety_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}
