package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/config"
	"smartalpaca/correlation"
	"smartalpaca/event"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func webhookConfig(url string) *config.Config {
	cfg := &config.Config{}
	cfg.Notifications.Enabled = true
	cfg.Notifications.Webhook.Enabled = true
	cfg.Notifications.Webhook.URL = url
	cfg.ApplyDefaults()
	return cfg
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "cid-9", r.Header.Get("X-Correlation-ID"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(webhookConfig(srv.URL))
	require.NoError(t, err)

	err = n.Send(&event.Event{
		Type:          event.EventTypeCycleFailed,
		Timestamp:     time.Now(),
		CorrelationID: correlation.ID("cid-9"),
		Stage:         "staging",
		Data:          map[string]interface{}{"reason": "trading halted"},
	})
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "cycle_failed", body["type"])
	assert.Equal(t, "cid-9", body["correlation_id"])
	assert.Equal(t, "staging", body["stage"])
	assert.Equal(t, "critical", body["severity"])
	assert.Contains(t, body["message"], "failed at staging")
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Correlation-ID"))
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable\n"))
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(webhookConfig(srv.URL))
	require.NoError(t, err)
	err = n.Send(&event.Event{Type: event.EventTypeTradingHalted, Timestamp: time.Now()})
	assert.ErrorContains(t, err, "502")
	assert.ErrorContains(t, err, "upstream unavailable")
}

func TestWebhookNotifierRequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier(&config.Config{})
	assert.Error(t, err)
}

func TestNotificationServiceFanOut(t *testing.T) {
	ns := NewNotificationService(&config.Config{})
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("boom")}
	ns.AddNotifier(ok)
	ns.AddNotifier(failing)

	ns.Send(&event.Event{Type: event.EventTypeStopLoss})
	ns.Send(nil)
	ns.Wait()

	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)
}

func TestNotificationServiceDisabled(t *testing.T) {
	ns := NewNotificationService(&config.Config{})
	ns.Send(&event.Event{Type: event.EventTypeStopLoss})
	ns.Wait()

	// 热更新后启用 webhook
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	require.NoError(t, ns.OnConfigChange(nil, webhookConfig(srv.URL), nil))
	ns.Send(&event.Event{Type: event.EventTypeTradingHalted, Timestamp: time.Now()})
	ns.Wait()

	select {
	case <-hits:
	default:
		t.Fatal("webhook 未收到通知")
	}
}
