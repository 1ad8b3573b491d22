package event

import (
	"time"

	"smartalpaca/correlation"
	"smartalpaca/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeBotStarted     EventType = "bot_started"
	EventTypeBotStopped     EventType = "bot_stopped"
	EventTypeCycleStarted   EventType = "cycle_started"
	EventTypeCycleCompleted EventType = "cycle_completed"
	EventTypeCycleFailed    EventType = "cycle_failed"
	EventTypeStageCompleted EventType = "stage_completed"
	EventTypeStageRetrying  EventType = "stage_retrying"
	EventTypeOrderFilled    EventType = "order_filled"
	EventTypeOrderRejected  EventType = "order_rejected"
	EventTypeOrderFailed    EventType = "order_failed"
	EventTypeRiskRejected   EventType = "risk_rejected"
	EventTypeStopLoss       EventType = "stop_loss"
	EventTypeTakeProfit     EventType = "take_profit"
	EventTypePositionClosed EventType = "position_closed"
	EventTypeTradingHalted  EventType = "trading_halted"
	EventTypeTradingResumed EventType = "trading_resumed"
	EventTypeConfigReloaded EventType = "config_reloaded"
	EventTypeReconcileDrift EventType = "reconcile_drift"
)

// Event 事件结构
type Event struct {
	Type          EventType
	Timestamp     time.Time
	CorrelationID correlation.ID
	Stage         string
	Data          map[string]interface{}
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
	default:
		// 队列满时丢弃，不能阻塞交易流程
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s (cid=%s)", event.Type, event.CorrelationID)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
