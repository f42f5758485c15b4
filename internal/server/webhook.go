package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/filevault/internal/models"
)

// Webhook event names.
const (
	EventFileIngested = "file.ingested"
	EventFileDeleted  = "file.deleted"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Filevault-Signature"

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event       string `json:"event"`
	FileID      string `json:"file_id"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Filename    string `json:"filename,omitempty"`
	SizeBytes   int64  `json:"size,omitempty"`
	IsDuplicate bool   `json:"is_duplicate,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs   []string
	Secret string
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	config  *WebhookConfig
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		backoff: time.Second,
	}
}

// NotifyIngested reports a stored upload. Delivery is asynchronous.
func (wn *WebhookNotifier) NotifyIngested(rec *models.FileRecord) {
	if wn == nil {
		return
	}
	wn.dispatch(&WebhookEvent{
		Event:       EventFileIngested,
		FileID:      rec.ID,
		Fingerprint: rec.Fingerprint.String(),
		Filename:    rec.OriginalFilename,
		SizeBytes:   rec.SizeBytes,
		IsDuplicate: rec.IsDuplicate,
	})
}

// NotifyDeleted reports a removed record. Delivery is asynchronous.
func (wn *WebhookNotifier) NotifyDeleted(id string) {
	if wn == nil {
		return
	}
	wn.dispatch(&WebhookEvent{Event: EventFileDeleted, FileID: id})
}

// Wait blocks until every pending delivery has finished.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.wg.Wait()
}

func (wn *WebhookNotifier) dispatch(event *WebhookEvent) {
	event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(event)
	}()
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "event", event.Event, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

func (wn *WebhookNotifier) sign(data []byte) string {
	mac := hmac.New(sha256.New, []byte(wn.config.Secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// post sends a single webhook POST with retry (up to 2 retries).
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.backoff)
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "filevault-server/1.0")
		if wn.config.Secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+wn.sign(data))
		}

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
	}

	return lastErr
}
