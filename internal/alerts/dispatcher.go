// Package alerts creates, acknowledges, and expires fraud alerts.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/starbooked/merlin/internal/domain"
)

// Dispatcher persists alerts and notifies the notification subsystem over
// the event bus. Bus publishing is best-effort; persistence is not.
type Dispatcher struct {
	repo      domain.Repository
	bus       domain.EventBus
	retention time.Duration
	now       func() time.Time
}

// NewDispatcher creates an alert dispatcher. retention bounds how long
// alerts are kept before PurgeExpired removes them.
func NewDispatcher(repo domain.Repository, bus domain.EventBus, retention time.Duration) *Dispatcher {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Dispatcher{
		repo:      repo,
		bus:       bus,
		retention: retention,
		now:       time.Now,
	}
}

// DispatchForAssessment creates the alert record for an assessment whose
// disposition warrants one. The caller decides whether one is warranted.
func (d *Dispatcher) DispatchForAssessment(ctx context.Context, a *domain.Assessment) (*domain.Alert, error) {
	alertType := domain.AlertTypeHighRisk
	title := fmt.Sprintf("high-risk booking %s", a.BookingRef)
	if a.BlacklistHit {
		alertType = domain.AlertTypeBlacklist
		title = fmt.Sprintf("blocked booking %s: blacklisted submitter", a.BookingRef)
	}

	alert := &domain.Alert{
		ID:         uuid.New().String(),
		Type:       alertType,
		Severity:   domain.SeverityForAssessment(a),
		Title:      title,
		Message:    a.FlagReason(),
		BookingRef: a.BookingRef,
		UserRef:    a.UserRef,
	}

	if err := d.Dispatch(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// DispatchRuleAlert creates the alert requested by a rule's createAlert
// side effect.
func (d *Dispatcher) DispatchRuleAlert(ctx context.Context, a *domain.Assessment, ruleName string) (*domain.Alert, error) {
	alert := &domain.Alert{
		ID:         uuid.New().String(),
		Type:       domain.AlertTypeRuleMatch,
		Severity:   domain.SeverityForAssessment(a),
		Title:      fmt.Sprintf("rule %q matched booking %s", ruleName, a.BookingRef),
		Message:    a.FlagReason(),
		BookingRef: a.BookingRef,
		UserRef:    a.UserRef,
	}

	if err := d.Dispatch(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Dispatch persists an alert and publishes it to the alert topic. A bus
// failure is logged, not returned; the persisted record is the source of
// truth for the review console.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *domain.Alert) error {
	now := d.now().UTC()
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.CreatedAt = now
	alert.ExpiresAt = now.Add(d.retention)

	if err := d.repo.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}

	if d.bus != nil {
		payload, _ := json.Marshal(alert)
		if err := d.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Warn("failed to publish alert",
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}

	slog.Info("alert dispatched",
		"alert_id", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"booking_ref", alert.BookingRef,
	)

	return nil
}

// MarkRead acknowledges an alert on behalf of a reviewer.
func (d *Dispatcher) MarkRead(ctx context.Context, alertID, readBy string) error {
	return d.repo.MarkAlertRead(ctx, alertID, readBy)
}

// PurgeExpired removes alerts past their retention window and returns the
// number removed.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := d.repo.PurgeExpiredAlerts(ctx, d.now().UTC())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		slog.Info("purged expired alerts", "count", purged)
	}
	return purged, nil
}

// StartPurgeLoop runs PurgeExpired on a ticker until the context is done.
func (d *Dispatcher) StartPurgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.PurgeExpired(ctx); err != nil {
					slog.Error("alert purge failed", "error", err)
				}
			}
		}
	}()
}
