package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"smartalpaca/database"
	"smartalpaca/logger"
)

// AuditStore 审计日志存储
type AuditStore interface {
	SaveAuditLog(ctx context.Context, log *database.AuditLog) error
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// AuditCenter 审计中心：把事件总线上的每个事件写成审计日志，重要事件转发通知
type AuditCenter struct {
	store    AuditStore
	eventBus *EventBus
	notifier NotificationService
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAuditCenter 创建审计中心，notifier 可为 nil
func NewAuditCenter(store AuditStore, eventBus *EventBus, notifier NotificationService) *AuditCenter {
	ctx, cancel := context.WithCancel(context.Background())
	return &AuditCenter{
		store:    store,
		eventBus: eventBus,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件处理协程
func (ac *AuditCenter) Start() {
	ac.wg.Add(1)
	go ac.processEvents()
	logger.Info("✅ 审计中心已启动")
}

// Stop 停止审计中心，退出前处理完已入队的事件
func (ac *AuditCenter) Stop() {
	ac.cancel()
	ac.wg.Wait()
	logger.Info("✅ 审计中心已停止")
}

func (ac *AuditCenter) processEvents() {
	defer ac.wg.Done()

	eventCh := ac.eventBus.Subscribe()
	for {
		select {
		case <-ac.ctx.Done():
			ac.drain(eventCh)
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ac.handleEvent(event)
		}
	}
}

func (ac *AuditCenter) drain(eventCh <-chan *Event) {
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ac.handleEvent(event)
		default:
			return
		}
	}
}

// handleEvent 处理单个事件
func (ac *AuditCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	severity := GetEventSeverity(event.Type)

	detailsJSON, err := json.Marshal(event.Data)
	if err != nil {
		logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &database.AuditLog{
		CorrelationID: event.CorrelationID.String(),
		Stage:         event.Stage,
		EventType:     string(event.Type),
		Severity:      string(severity),
		Title:         GetEventTitle(event.Type),
		Message:       BuildMessage(event),
		Details:       string(detailsJSON),
		CreatedAt:     event.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ac.store.SaveAuditLog(ctx, record); err != nil {
		logger.Error("❌ 保存审计日志失败: %v", err)
	}

	if ac.notifier != nil && shouldNotify(event.Type, severity) {
		ac.notifier.Send(event)
	}
}

func extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

// BuildMessage 构建事件消息
func BuildMessage(event *Event) string {
	symbol := extractString(event.Data, "symbol")
	reason := extractString(event.Data, "reason")

	switch event.Type {
	case EventTypeCycleFailed:
		return fmt.Sprintf("cycle %s failed at %s: %s", event.CorrelationID, event.Stage, reason)
	case EventTypeOrderFilled:
		return fmt.Sprintf("%s %s %s @ %s", symbol, extractString(event.Data, "side"),
			extractString(event.Data, "quantity"), extractString(event.Data, "price"))
	case EventTypeRiskRejected, EventTypeOrderRejected, EventTypeOrderFailed, EventTypeTradingHalted:
		if symbol != "" {
			return fmt.Sprintf("[%s] %s", symbol, reason)
		}
		return reason
	case EventTypeStopLoss, EventTypeTakeProfit:
		return fmt.Sprintf("[%s] %s 浮动盈亏 %s%%", symbol, GetEventTitle(event.Type), extractString(event.Data, "pnl_percent"))
	default:
		if msg := extractString(event.Data, "message"); msg != "" {
			return msg
		}
		if reason != "" {
			return reason
		}
		return fmt.Sprintf("事件类型: %s", event.Type)
	}
}

// shouldNotify 判断是否需要发送通知
func shouldNotify(eventType EventType, severity EventSeverity) bool {
	if severity == SeverityCritical {
		return true
	}
	return eventType == EventTypeStopLoss
}
