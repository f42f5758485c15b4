package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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
)

func TestNewWebhookNotifier_NilConfig(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier(nil, discardLogger()))
	assert.Nil(t, NewWebhookNotifier(&WebhookConfig{}, discardLogger()))
}

func TestWebhookNotifier_NilReceiver(t *testing.T) {
	// Should not panic
	var wn *WebhookNotifier
	wn.NotifyDeleted("abc")
	wn.Wait()
}

type hookRecorder struct {
	mu      sync.Mutex
	events  []WebhookEvent
	headers []http.Header
	bodies  [][]byte
}

func (h *hookRecorder) server(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.events = append(h.events, event)
		h.headers = append(h.headers, r.Header.Clone())
		h.bodies = append(h.bodies, body)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestWebhookNotifier_SignsPayload(t *testing.T) {
	var rec hookRecorder
	ts := rec.server(t)

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}, Secret: "k"}, discardLogger())
	require.NotNil(t, wn)
	wn.NotifyDeleted("file-1")
	wn.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventFileDeleted, rec.events[0].Event)
	assert.Equal(t, "file-1", rec.events[0].FileID)
	assert.NotEmpty(t, rec.events[0].Timestamp)

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write(rec.bodies[0])
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), rec.headers[0].Get(SignatureHeader))
}

func TestWebhookNotifier_Post_4xxNoRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, discardLogger())
	wn.backoff = time.Millisecond

	err := wn.post(ts.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load()) // no retry for 4xx
}

func TestWebhookNotifier_Post_5xxRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, discardLogger())
	wn.backoff = time.Millisecond

	require.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandler_WebhooksOnUploadAndDelete(t *testing.T) {
	var rec hookRecorder
	ts := rec.server(t)

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, discardLogger())
	env := newTestEnv(t, &Config{Webhooks: wn}, nil)

	view := env.mustUpload(t, "hook.txt", "payload")
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+view.ID, nil)
	require.Equal(t, http.StatusNoContent, env.do(t, req).Code)

	// A failed upload is not announced.
	env.uploadRaw(t, "empty.txt", "text/plain", "")
	wn.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)

	byEvent := map[string]WebhookEvent{}
	for _, e := range rec.events {
		byEvent[e.Event] = e
	}
	ingested := byEvent[EventFileIngested]
	assert.Equal(t, view.ID, ingested.FileID)
	assert.Equal(t, view.Fingerprint, ingested.Fingerprint)
	assert.Equal(t, "hook.txt", ingested.Filename)
	assert.Equal(t, int64(7), ingested.SizeBytes)
	assert.True(t, strings.HasPrefix(rec.headers[0].Get("User-Agent"), "filevault-server/"))
	assert.Equal(t, view.ID, byEvent[EventFileDeleted].FileID)
}
