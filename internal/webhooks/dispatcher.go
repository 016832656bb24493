// Package webhooks delivers store events to registered HTTP callbacks.
// Dispatch is fire-and-forget with a bounded timeout: a slow or failing
// endpoint never blocks or fails the write that triggered it.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
)

var log = logging.GetLogger("webhooks")

const dispatchTimeout = 10 * time.Second

// Dispatcher fans store events out to the registered webhooks.
type Dispatcher struct {
	db         *database.Database
	httpClient *http.Client
	userAgent  string
}

// NewDispatcher creates a dispatcher backed by the webhook registry in db.
func NewDispatcher(db *database.Database, version string) *Dispatcher {
	return &Dispatcher{
		db:         db,
		httpClient: &http.Client{Timeout: dispatchTimeout},
		userAgent:  "mycelicmemory/" + version,
	}
}

// Fire delivers an event to every subscribed webhook. Each delivery runs in
// its own goroutine and owns all its state; errors are logged, never surfaced.
func (d *Dispatcher) Fire(event string, payload interface{}) {
	hooks, err := d.db.WebhooksForEvent(event)
	if err != nil || len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":     event,
		"data":      payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	for _, hook := range hooks {
		url, secret := hook.URL, hook.Secret
		go d.deliver(url, secret, body)
	}
}

func (d *Dispatcher) deliver(url, secret string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	if secret != "" {
		req.Header.Set("X-Mycelic-Signature", "sha256="+sign(secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		log.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("webhook returned non-2xx", "url", url, "status", resp.StatusCode)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Signature computes the signature header value ("sha256=" plus the hex
// HMAC-SHA256) a receiver should expect for a body.
func Signature(secret string, body []byte) string {
	return fmt.Sprintf("sha256=%s", sign(secret, body))
}
