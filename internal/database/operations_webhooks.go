package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Webhook is a registered HTTP callback for store events.
type Webhook struct {
	ID        string
	URL       string
	Secret    string
	Events    []string
	Enabled   bool
	CreatedAt time.Time
}

// WebhookEvents enumerates the event names a webhook may subscribe to.
var WebhookEvents = []string{
	"memory.created",
	"memory.updated",
	"memory.deleted",
}

// IsValidWebhookEvent checks an event name.
func IsValidWebhookEvent(event string) bool {
	for _, e := range WebhookEvents {
		if e == event {
			return true
		}
	}
	return false
}

// CreateWebhook registers a callback URL for the given events.
func (d *Database) CreateWebhook(url, secret string, events []string) (*Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook URL cannot be empty")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("webhook URL must start with http:// or https://")
	}
	for _, event := range events {
		if !IsValidWebhookEvent(event) {
			return nil, fmt.Errorf("invalid event type: %q", event)
		}
	}

	w := &Webhook{
		ID:        uuid.New().String(),
		URL:       url,
		Secret:    secret,
		Events:    events,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	eventsJSON, _ := json.Marshal(events)

	_, err := d.db.Exec(`
		INSERT INTO webhooks (id, url, secret, events, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, w.ID, w.URL, nullString(w.Secret), string(eventsJSON), w.CreatedAt, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	return w, nil
}

// ListWebhooks returns all registered webhooks.
func (d *Database) ListWebhooks() ([]*Webhook, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, url, secret, events, enabled, created_at FROM webhooks ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// WebhooksForEvent returns the enabled webhooks subscribed to an event.
func (d *Database) WebhooksForEvent(event string) ([]*Webhook, error) {
	hooks, err := d.ListWebhooks()
	if err != nil {
		return nil, err
	}
	var out []*Webhook
	for _, h := range hooks {
		if !h.Enabled {
			continue
		}
		for _, e := range h.Events {
			if e == event {
				out = append(out, h)
				break
			}
		}
	}
	return out, nil
}

// DeleteWebhook removes a webhook by id.
func (d *Database) DeleteWebhook(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete webhook: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func scanWebhooks(rows *sql.Rows) ([]*Webhook, error) {
	var hooks []*Webhook
	for rows.Next() {
		var w Webhook
		var secret sql.NullString
		var eventsJSON string
		if err := rows.Scan(&w.ID, &w.URL, &secret, &eventsJSON, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		w.Secret = secret.String
		if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
			w.Events = nil
		}
		hooks = append(hooks, &w)
	}
	return hooks, nil
}
