package db

import (
	"time"
)

// WebhookSubscription is a registered event receiver. Secret signs the
// delivery payload; an empty Events list subscribes to everything.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OptionPreset is a named bundle of print options, optionally pinned to a
// printer, that submissions can reference instead of spelling options out.
type OptionPreset struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PrinterName string            `json:"printer_name"`
	Options     map[string]string `json:"options"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
