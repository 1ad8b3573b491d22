package event

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/correlation"
	"smartalpaca/database"
)

// MockNotifier 模拟通知服务
type MockNotifier struct {
	mu            sync.Mutex
	notifications []*Event
}

func (m *MockNotifier) Send(event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, event)
}

func TestAuditCenterPersistsEvents(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := NewEventBus(16)
	notifier := &MockNotifier{}
	center := NewAuditCenter(db, bus, notifier)
	center.Start()

	cid := correlation.New()
	bus.Publish(&Event{Type: EventTypeCycleStarted, CorrelationID: cid, Stage: "market_scan"})
	bus.Publish(&Event{
		Type:          EventTypeCycleFailed,
		CorrelationID: cid,
		Stage:         "validation",
		Data:          map[string]interface{}{"reason": "backtest below threshold"},
	})
	bus.Publish(&Event{Type: EventTypeStopLoss, CorrelationID: cid, Stage: "execution",
		Data: map[string]interface{}{"symbol": "AAPL", "pnl_percent": "-2.5"}})
	center.Stop()

	logs, err := db.GetAuditLogs(context.Background(), &database.AuditLogFilter{CorrelationID: cid.String()})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "cycle_started", logs[0].EventType)
	assert.Equal(t, "validation", logs[1].Stage)
	assert.Equal(t, "critical", logs[1].Severity)
	assert.Contains(t, logs[1].Message, "failed at validation: backtest below threshold")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.notifications, 2)
	assert.Equal(t, EventTypeCycleFailed, notifier.notifications[0].Type)
	assert.Equal(t, EventTypeStopLoss, notifier.notifications[1].Type)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(1)
	bus.Publish(&Event{Type: EventTypeCycleStarted})
	bus.Publish(&Event{Type: EventTypeCycleStarted}) // 丢弃
	bus.Publish(nil)

	ev := <-bus.Subscribe()
	assert.False(t, ev.Timestamp.IsZero())
	assert.Len(t, bus.Subscribe(), 0)
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSeverity
	}{
		{EventTypeCycleFailed, SeverityCritical},
		{EventTypeTradingHalted, SeverityCritical},
		{EventTypeStopLoss, SeverityWarning},
		{EventTypeRiskRejected, SeverityWarning},
		{EventTypeOrderFilled, SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, GetEventSeverity(tt.eventType), tt.eventType)
	}
}

func TestBuildMessage(t *testing.T) {
	msg := BuildMessage(&Event{Type: EventTypeOrderFilled, Data: map[string]interface{}{
		"symbol": "AAPL", "side": "buy", "quantity": "10", "price": "150.00",
	}})
	assert.Equal(t, "AAPL buy 10 @ 150.00", msg)

	assert.Equal(t, "交易周期开始", GetEventTitle(EventTypeCycleStarted))
	assert.Equal(t, "custom", GetEventTitle("custom"))
}
