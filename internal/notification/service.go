package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/cloudlab-io/manager/internal/db"
	"github.com/cloudlab-io/manager/internal/websocket"
)

// receiveNotificationsPermission is the codename an active user needs (on
// top of being active) to receive system notifications — resolved through
// the authorization engine's permission cache rather than a hardcoded role
// string compare (spec §4.6).
const receiveNotificationsPermission = "notifications.receive"

// Service is the single entry point for creating and delivering notifications.
// It persists in-app notifications to the database, publishes them to the
// WebSocket Hub, and fans out to external channels (email, webhook).
//
// Callers (scheduler, job runner, blueprint orchestrator, drift poller, etc.)
// should use the typed methods rather than constructing events manually, so
// that notification content stays consistent across the codebase.
type Service interface {
	// NotifyJobSucceeded creates a success notification for a completed job.
	NotifyJobSucceeded(ctx context.Context, jobID uuid.UUID, service, script string) error

	// NotifyJobFailed creates a failure notification. errMsg is the job's
	// recorded error string.
	NotifyJobFailed(ctx context.Context, jobID uuid.UUID, service, script, errMsg string) error

	// NotifyBlueprintPartial creates a notification when a blueprint
	// deployment stops partway through because a step failed.
	NotifyBlueprintPartial(ctx context.Context, deploymentID uuid.UUID, blueprintName string, failedStep int) error

	// NotifyDriftDetected creates a notification for a newly recorded
	// DriftReport. Neither this method nor the drift poller that calls it
	// reads DriftNotificationSettings.
	NotifyDriftDetected(ctx context.Context, objectID uuid.UUID, summary string) error

	// NotifyScheduleSkipped creates a low-volume notification when a
	// ScheduledJob tick is skipped due to skip_if_running collision.
	NotifyScheduleSkipped(ctx context.Context, scheduleID uuid.UUID, name string) error
}

// UserStore is the subset of internal/store.UserStore the notification
// service needs to resolve recipients.
type UserStore interface {
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// ListOptions mirrors internal/store.ListOptions without importing the
// store package for a single struct.
type ListOptions struct {
	Limit  int
	Offset int
}

// NotificationStore is the subset of internal/store.NotificationStore the
// service needs.
type NotificationStore interface {
	Create(ctx context.Context, n *db.Notification) error
}

// PermissionChecker is the subset of internal/permcache.Cache the service
// needs to resolve recipients.
type PermissionChecker interface {
	Has(ctx context.Context, userID uuid.UUID, codename string) (bool, error)
}

// SettingsSource is the subset of internal/store.AppMetadataStore needed to
// load SMTP/webhook settings.
type SettingsSource interface {
	Get(ctx context.Context, key string, out any) error
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	notifs  NotificationStore
	users   UserStore
	perms   PermissionChecker
	hub     *websocket.Hub
	email   *emailSender
	webhook *webhookSender
	logger  *zap.Logger
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	Notifs   NotificationStore
	Users    UserStore
	Perms    PermissionChecker
	Settings SettingsSource
	Hub      *websocket.Hub
	Logger   *zap.Logger
}

// NewService creates a new notification Service. The email and webhook senders
// are wired internally — callers only need to provide the Config dependencies.
func NewService(cfg Config) Service {
	svc := &notificationService{
		notifs: cfg.Notifs,
		users:  cfg.Users,
		perms:  cfg.Perms,
		hub:    cfg.Hub,
		logger: cfg.Logger.Named("notification"),
	}

	// Wire senders with config loaders bound to this service's settings
	// source. Config is reloaded on every send — no restart needed after a
	// settings change.
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.Settings)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.Settings)
	})

	return svc
}

// -----------------------------------------------------------------------------
// Public typed methods
// -----------------------------------------------------------------------------

func (s *notificationService) NotifyJobSucceeded(ctx context.Context, jobID uuid.UUID, service, script string) error {
	payload := map[string]any{"job_id": jobID.String(), "service": service, "script": script}
	return s.notify(ctx, event{
		notifType: "job_succeeded",
		title:     fmt.Sprintf("Job succeeded: %s/%s", service, script),
		body:      fmt.Sprintf("%s/%s completed successfully at %s.", service, script, time.Now().UTC().Format(time.RFC3339)),
		payload:   payload,
	})
}

func (s *notificationService) NotifyJobFailed(ctx context.Context, jobID uuid.UUID, service, script, errMsg string) error {
	payload := map[string]any{"job_id": jobID.String(), "service": service, "script": script, "error": errMsg}
	return s.notify(ctx, event{
		notifType: "job_failed",
		title:     fmt.Sprintf("Job failed: %s/%s", service, script),
		body:      fmt.Sprintf("%s/%s failed at %s: %s", service, script, time.Now().UTC().Format(time.RFC3339), errMsg),
		payload:   payload,
	})
}

func (s *notificationService) NotifyBlueprintPartial(ctx context.Context, deploymentID uuid.UUID, blueprintName string, failedStep int) error {
	payload := map[string]any{"deployment_id": deploymentID.String(), "blueprint": blueprintName, "failed_step": failedStep}
	return s.notify(ctx, event{
		notifType: "blueprint_partial",
		title:     fmt.Sprintf("Blueprint stalled: %s", blueprintName),
		body:      fmt.Sprintf("Blueprint %q stopped at step %d.", blueprintName, failedStep),
		payload:   payload,
	})
}

func (s *notificationService) NotifyDriftDetected(ctx context.Context, objectID uuid.UUID, summary string) error {
	payload := map[string]any{"object_id": objectID.String(), "summary": summary}
	return s.notify(ctx, event{
		notifType: "drift_detected",
		title:     "Drift detected",
		body:      summary,
		payload:   payload,
	})
}

func (s *notificationService) NotifyScheduleSkipped(ctx context.Context, scheduleID uuid.UUID, name string) error {
	payload := map[string]any{"schedule_id": scheduleID.String(), "name": name}
	return s.notify(ctx, event{
		notifType: "schedule_skipped",
		title:     fmt.Sprintf("Schedule skipped: %s", name),
		body:      fmt.Sprintf("%q was due but its previous run was still in progress.", name),
		payload:   payload,
	})
}

// -----------------------------------------------------------------------------
// Internal event dispatch
// -----------------------------------------------------------------------------

// event carries the data for a single notification before it is fanned out
// to recipients and delivery channels.
type event struct {
	notifType string
	title     string
	body      string
	payload   map[string]any
}

// notify is the internal dispatch method. It:
//  1. Resolves active users holding notifications.receive as recipients.
//  2. Persists one db.Notification per recipient.
//  3. Publishes each notification to the WebSocket Hub.
//  4. Fans out to email and webhook (errors are logged, not returned, so that
//     an SMTP failure never prevents the in-app notification from being saved).
func (s *notificationService) notify(ctx context.Context, ev event) error {
	// A large page size is used because the number of recipient-eligible
	// users is expected to be small in a self-hosted deployment.
	users, _, err := s.users.List(ctx, ListOptions{Limit: 200, Offset: 0})
	if err != nil {
		return fmt.Errorf("notification: failed to list users: %w", err)
	}

	payloadJSON, err := json.Marshal(ev.payload)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal payload: %w", err)
	}

	var emailRecipients []string

	for i := range users {
		u := &users[i]
		if !u.IsActive {
			continue
		}
		allowed, err := s.perms.Has(ctx, u.ID, receiveNotificationsPermission)
		if err != nil {
			s.logger.Warn("resolving notification recipient permission failed",
				zap.String("user_id", u.ID.String()), zap.Error(err))
			continue
		}
		if !allowed {
			continue
		}

		n := &db.Notification{
			UserID:  u.ID,
			Type:    ev.notifType,
			Title:   ev.title,
			Body:    ev.body,
			Payload: string(payloadJSON),
		}
		if err := s.notifs.Create(ctx, n); err != nil {
			s.logger.Error("failed to persist notification",
				zap.String("user_id", u.ID.String()),
				zap.String("type", ev.notifType),
				zap.Error(err),
			)
			continue
		}

		// Publish to the WebSocket Hub so any connected GUI tab receives the
		// notification instantly without polling.
		topic := fmt.Sprintf("notifications:%s", u.ID.String())
		s.hub.Publish(topic, websocket.Message{
			Type:  websocket.MsgNotification,
			Topic: topic,
			Payload: map[string]any{
				"id":         n.ID.String(),
				"type":       n.Type,
				"title":      n.Title,
				"body":       n.Body,
				"payload":    ev.payload,
				"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
			},
		})

		emailRecipients = append(emailRecipients, u.Email)
	}

	// External channels: errors are logged but not propagated — the in-app
	// notification has already been saved, which is the authoritative channel.
	if err := s.email.Send(ctx, emailRecipients, ev.title, ev.body); err != nil {
		s.logger.Warn("email notification delivery failed",
			zap.String("type", ev.notifType),
			zap.Error(err),
		)
	}

	if err := s.webhook.Send(ctx, ev.notifType, ev.title, ev.body, ev.payload); err != nil {
		s.logger.Warn("webhook notification delivery failed",
			zap.String("type", ev.notifType),
			zap.Error(err),
		)
	}

	return nil
}
