// Package notification implements CloudLab Manager's notification service.
// It is the single component responsible for persisting in-app notifications,
// publishing them to the WebSocket Hub, and delivering them via external
// channels (email, webhook). No other package should write to the
// notifications table or call hub.Publish on notification topics directly.
package notification

import (
	"context"
	"fmt"

	"github.com/cloudlab-io/manager/internal/store"
)

// AppMetadata keys the SMTP and webhook configs are stored under — each as
// one JSON blob, matching AppMetadata's whole-value-per-key model rather
// than a dedicated settings table (spec §4.6).
const (
	KeySMTPConfig    = "notification_smtp_config"
	KeyWebhookConfig = "notification_webhook_config"
)

// SMTPConfig holds the configuration needed to send emails via SMTP.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	TLS      bool   `json:"tls"` // true = implicit TLS; false = smtp.SendMail (STARTTLS when offered)
}

// WebhookConfig holds the configuration for the outbound HTTP webhook channel.
type WebhookConfig struct {
	URL     string `json:"url"`
	Secret  string `json:"secret"` // optional HMAC-SHA256 signing secret
	Enabled bool   `json:"enabled"`
}

// loadSMTPConfig reads the smtp config blob from AppMetadata. Returns
// ErrConfigNotFound if it has never been set, ErrInvalidConfig if required
// fields are missing.
func loadSMTPConfig(ctx context.Context, settings SettingsSource) (*SMTPConfig, error) {
	var cfg SMTPConfig
	if err := settings.Get(ctx, KeySMTPConfig, &cfg); err != nil {
		if isNotFound(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("notification: failed to load smtp config: %w", err)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host is required", ErrInvalidConfig)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: smtp port must be a valid port number", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: smtp from address is required", ErrInvalidConfig)
	}
	return &cfg, nil
}

// loadWebhookConfig reads the webhook config blob from AppMetadata. Returns
// ErrConfigNotFound if it has never been set.
func loadWebhookConfig(ctx context.Context, settings SettingsSource) (*WebhookConfig, error) {
	var cfg WebhookConfig
	if err := settings.Get(ctx, KeyWebhookConfig, &cfg); err != nil {
		if isNotFound(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("notification: failed to load webhook config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook url is required", ErrInvalidConfig)
	}
	return &cfg, nil
}

// isNotFound reports whether err is internal/store's ErrNotFound sentinel.
func isNotFound(err error) bool {
	return err != nil && err.Error() == store.ErrNotFound.Error()
}
