package notify

import (
	"sync"

	"smartalpaca/config"
	"smartalpaca/event"
	"smartalpaca/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// NotificationService 通知服务，把事件并发发送到所有启用的渠道
type NotificationService struct {
	mu        sync.RWMutex
	notifiers []Notifier
	enabled   bool
	wg        sync.WaitGroup
}

// NewNotificationService 创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{}
	ns.configure(cfg)
	return ns
}

func (ns *NotificationService) configure(cfg *config.Config) {
	var notifiers []Notifier
	if cfg.Notifications.Enabled && cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
		webhookNotifier, err := NewWebhookNotifier(cfg)
		if err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			notifiers = append(notifiers, webhookNotifier)
			logger.Info("✅ Webhook 通知已启用")
		}
	}

	ns.mu.Lock()
	ns.enabled = cfg.Notifications.Enabled
	ns.notifiers = notifiers
	ns.mu.Unlock()
}

// AddNotifier 添加通知渠道
func (ns *NotificationService) AddNotifier(n Notifier) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.enabled = true
	ns.notifiers = append(ns.notifiers, n)
}

// OnConfigChange 热更新通知渠道
func (ns *NotificationService) OnConfigChange(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if diff != nil && !diff.Has("notifications") {
		return nil
	}
	ns.configure(newCfg)
	return nil
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil {
		return
	}

	ns.mu.RLock()
	enabled := ns.enabled
	notifiers := append([]Notifier(nil), ns.notifiers...)
	ns.mu.RUnlock()
	if !enabled || len(notifiers) == 0 {
		return
	}

	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()
		var wg sync.WaitGroup
		for _, notifier := range notifiers {
			wg.Add(1)
			go func(n Notifier) {
				defer wg.Done()
				if err := n.Send(evt); err != nil {
					logger.Warn("⚠️ %s 通知发送失败: %v", n.Name(), err)
				}
			}(notifier)
		}
		wg.Wait()
	}()
}

// Wait 等待已发出的通知完成（退出时调用）
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}
