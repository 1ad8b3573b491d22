package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smartalpaca/config"
	"smartalpaca/event"
)

// 错误响应最多读取的字节数
const webhookErrorBodyLimit = 512

// webhookPayload 推送给外部系统的事件，按 correlation_id 可串起一次周期的全部告警
type webhookPayload struct {
	Type          string                 `json:"type"`
	Title         string                 `json:"title"`
	Severity      string                 `json:"severity"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Stage         string                 `json:"stage,omitempty"`
	Timestamp     string                 `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

func newWebhookPayload(evt *event.Event) webhookPayload {
	return webhookPayload{
		Type:          string(evt.Type),
		Title:         event.GetEventTitle(evt.Type),
		Severity:      string(event.GetEventSeverity(evt.Type)),
		Message:       event.BuildMessage(evt),
		CorrelationID: evt.CorrelationID.String(),
		Stage:         evt.Stage,
		Timestamp:     evt.Timestamp.UTC().Format(time.RFC3339),
		Data:          evt.Data,
	}
}

// WebhookNotifier 以 JSON POST 推送交易事件
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 未配置 URL 时返回错误
func NewWebhookNotifier(cfg *config.Config) (*WebhookNotifier, error) {
	hook := cfg.Notifications.Webhook
	if hook.URL == "" {
		return nil, fmt.Errorf("Webhook URL 未配置")
	}

	timeout := time.Duration(hook.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookNotifier{
		url:    hook.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// Send 非 2xx 视为失败，错误里带上响应内容便于排查
func (wn *WebhookNotifier) Send(evt *event.Event) error {
	body, err := json.Marshal(newWebhookPayload(evt))
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wn.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !evt.CorrelationID.IsZero() {
		req.Header.Set("X-Correlation-ID", evt.CorrelationID.String())
	}

	resp, err := wn.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, webhookErrorBodyLimit))
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			return fmt.Errorf("Webhook 返回错误状态码 %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("Webhook 返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}
