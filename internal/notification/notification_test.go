package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
)

func testAlert() *models.Alert {
	return &models.Alert{
		ID:          "alert-123",
		EventType:   "download:path_traversal_attempt",
		Class:       models.ClassPathTraversal,
		ActorKey:    "10.0.0.7",
		Count:       3,
		Threshold:   3,
		Window:      10 * time.Minute,
		WindowMs:    600000,
		Severity:    models.SeverityHigh,
		TriggeredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Meta:        map[string]string{"path": "../../etc/passwd"},
	}
}

func TestWebhookChannel_PayloadStructure(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, http.MethodPost, r.Method)

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL, 5*time.Second).Send(context.Background(), testAlert())
	require.NoError(t, err)
	require.NotNil(t, received)

	assert.Equal(t, "alert-123", received["alert_id"])
	assert.Equal(t, "download:path_traversal_attempt", received["event_type"])
	assert.Equal(t, "path_traversal", received["class"])
	assert.Equal(t, "10.0.0.7", received["actor"])
	assert.Equal(t, "high", received["severity"])
	assert.Equal(t, float64(600000), received["window_ms"])
	assert.Equal(t, "2024-05-01T12:00:00Z", received["triggered_at"])
}

func TestWebhookChannel_ErrorHandling(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		expectError bool
	}{
		{"200 OK", http.StatusOK, false},
		{"204 No Content", http.StatusNoContent, false},
		{"400 Bad Request", http.StatusBadRequest, true},
		{"500 Internal Server Error", http.StatusInternalServerError, true},
		{"503 Service Unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewWebhookChannel(server.URL, 5*time.Second).Send(context.Background(), testAlert())
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "webhook returned status")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhookChannel_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL, 50*time.Millisecond).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send webhook")
}

func TestSlackChannel_PayloadStructure(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewSlackChannel(server.URL, 5*time.Second).Send(context.Background(), testAlert()))

	assert.Equal(t, "Security alert: download:path_traversal_attempt", received["text"])
	attachments := received["attachments"].([]any)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]any)
	assert.Equal(t, "#FF0000", att["color"])
	assert.Equal(t, "filegate", att["footer"])
	assert.Len(t, att["fields"], 4)
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, "#FF0000", severityColor(models.SeverityHigh))
	assert.Equal(t, "#FFA500", severityColor(models.SeverityMedium))
	assert.Equal(t, "#808080", severityColor("other"))
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(logging.NewWithWriter(&buf, 0, "json"))

	require.NoError(t, ch.Send(context.Background(), testAlert()))
	assert.Equal(t, "log", ch.Type())
	assert.Contains(t, buf.String(), `"alert_id":"alert-123"`)
	assert.Contains(t, buf.String(), `"category":"security"`)
}

type stubChannel struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubChannel) Type() string { return s.name }

func (s *stubChannel) Send(ctx context.Context, alert *models.Alert) error {
	s.calls.Add(1)
	return s.err
}

func TestMultiChannel(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, 0, "json")
	ok := &stubChannel{name: "ok"}
	bad := &stubChannel{name: "bad", err: errors.New("boom")}

	err := NewMultiChannel(logger, ok, bad).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad channel failed")
	assert.NotContains(t, err.Error(), "ok channel failed")
	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Contains(t, buf.String(), "notification channel failed")
	assert.Contains(t, buf.String(), `"channel":"bad"`)

	err = NewMultiChannel(logger, bad, &stubChannel{name: "bad2", err: errors.New("bang")}).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad channel failed")
	assert.Contains(t, err.Error(), "bad2 channel failed")

	assert.NoError(t, NewMultiChannel(logger, ok).Send(context.Background(), testAlert()))
	assert.NoError(t, NewMultiChannel(nil).Send(context.Background(), testAlert()))
}

type fakePublisher struct {
	mu      sync.Mutex
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject = subject
	f.data = data
	return f.err
}

func TestNATSChannel(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewNATSChannel(pub, "filegate.security.alerts")

	require.NoError(t, ch.Send(context.Background(), testAlert()))
	assert.Equal(t, "filegate.security.alerts", pub.subject)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(pub.data, &payload))
	assert.Equal(t, "alert-123", payload["alert_id"])

	pub.err = errors.New("no responders")
	err := ch.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish filegate.security.alerts")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.Send(ctx, testAlert()), context.Canceled)
}

func TestOpenSearchChannel(t *testing.T) {
	var gotPath, gotMethod string
	var doc map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &doc)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_index":"filegate-alerts","_id":"alert-123","result":"created"}`))
	}))
	defer server.Close()

	client, err := NewOpenSearchClient(config.OpenSearchConfig{URL: server.URL})
	require.NoError(t, err)

	ch := NewOpenSearchChannel(client, "filegate-alerts")
	require.NoError(t, ch.Send(context.Background(), testAlert()))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/filegate-alerts/_doc/alert-123", gotPath)
	assert.Equal(t, "alert-123", doc["alert_id"])
}

func TestOpenSearchChannel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewOpenSearchClient(config.OpenSearchConfig{URL: server.URL})
	require.NoError(t, err)

	err = NewOpenSearchChannel(client, "idx").Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "opensearch returned error") || strings.Contains(err.Error(), "index alert"))
}

func TestDispatcher_DeliversWithRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(NewWebhookChannel(server.URL, time.Second), DispatcherOptions{
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(testAlert())
	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_GivesUpAfterRetries(t *testing.T) {
	ch := &stubChannel{name: "stub", err: errors.New("down")}
	d := NewDispatcher(ch, DispatcherOptions{MaxRetries: 1, RetryBackoff: time.Millisecond}, logging.Discard())

	d.deliver(context.Background(), testAlert())
	assert.Equal(t, int32(2), ch.calls.Load())
}

func TestDispatcher_RetriesOnlyFailedChannels(t *testing.T) {
	ok := &stubChannel{name: "ok"}
	bad := &stubChannel{name: "bad", err: errors.New("down")}
	d := NewDispatcher(NewMultiChannel(logging.Discard(), ok, bad),
		DispatcherOptions{MaxRetries: 2, RetryBackoff: time.Millisecond}, logging.Discard())

	d.deliver(context.Background(), testAlert())
	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, int32(3), bad.calls.Load())
}

func TestDispatcher_FailingWebhookBehindLogChannel(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, 0, "json")
	cfg := config.AlertsConfig{
		WebhookURL:   server.URL,
		Timeout:      time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
	multi, closeFn, err := FromConfig(cfg, logger)
	require.NoError(t, err)
	defer closeFn()

	d := NewDispatcher(multi, OptionsFromConfig(cfg), logger)
	d.deliver(context.Background(), testAlert())

	assert.Equal(t, int32(3), hits.Load())
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"msg":"alert notification"`))
	assert.Contains(t, out, `"msg":"alert notification failed"`)
	assert.Contains(t, out, `"channel":"webhook"`)
	assert.Contains(t, out, "webhook returned status 500")
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	ch := &stubChannel{name: "stub"}
	d := NewDispatcher(ch, DispatcherOptions{QueueSize: 2}, logging.Discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(testAlert())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.Len(t, d.queue, 2)
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	d := NewDispatcher(&stubChannel{name: "stub"}, DispatcherOptions{}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestFromConfig(t *testing.T) {
	multi, closeFn, err := FromConfig(config.AlertsConfig{}, logging.Discard())
	require.NoError(t, err)
	defer closeFn()
	require.Len(t, multi.Channels(), 1)
	assert.Equal(t, "log", multi.Channels()[0].Type())

	multi, closeFn, err = FromConfig(config.AlertsConfig{
		WebhookURL:      "http://127.0.0.1:1/hook",
		SlackWebhookURL: "http://127.0.0.1:1/slack",
		Timeout:         time.Second,
		OpenSearch:      config.OpenSearchConfig{URL: "http://127.0.0.1:1", Index: "alerts"},
	}, logging.Discard())
	require.NoError(t, err)
	defer closeFn()

	var types []string
	for _, ch := range multi.Channels() {
		types = append(types, ch.Type())
	}
	assert.Equal(t, []string{"log", "webhook", "slack", "opensearch"}, types)

	_, _, err = FromConfig(config.AlertsConfig{NatsURL: "nats://127.0.0.1:1"}, logging.Discard())
	assert.Error(t, err)
}
