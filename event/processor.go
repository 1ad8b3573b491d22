package event

// Publisher 事件发布接口（避免循环依赖）
type Publisher interface {
	Publish(event *Event)
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Publish(*Event) {}
