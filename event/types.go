package event

// EventSeverity 事件严重程度
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// GetEventSeverity 获取事件严重程度
func GetEventSeverity(t EventType) EventSeverity {
	switch t {
	case EventTypeCycleFailed, EventTypeTradingHalted, EventTypeOrderFailed, EventTypeReconcileDrift:
		return SeverityCritical
	case EventTypeStopLoss, EventTypeRiskRejected, EventTypeOrderRejected, EventTypeStageRetrying:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

var titles = map[EventType]string{
	EventTypeBotStarted:     "机器人已启动",
	EventTypeBotStopped:     "机器人已停止",
	EventTypeCycleStarted:   "交易周期开始",
	EventTypeCycleCompleted: "交易周期完成",
	EventTypeCycleFailed:    "交易周期失败",
	EventTypeStageCompleted: "阶段完成",
	EventTypeStageRetrying:  "阶段重试",
	EventTypeOrderFilled:    "订单成交",
	EventTypeOrderRejected:  "订单被拒绝",
	EventTypeOrderFailed:    "下单失败",
	EventTypeRiskRejected:   "风控拒绝",
	EventTypeStopLoss:       "触发止损",
	EventTypeTakeProfit:     "触发止盈",
	EventTypePositionClosed: "持仓已平仓",
	EventTypeTradingHalted:  "交易已暂停",
	EventTypeTradingResumed: "交易已恢复",
	EventTypeConfigReloaded: "配置已重载",
	EventTypeReconcileDrift: "持仓对账不一致",
}

// GetEventTitle 获取事件标题
func GetEventTitle(t EventType) string {
	if title, ok := titles[t]; ok {
		return title
	}
	return string(t)
}
