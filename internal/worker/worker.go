// Package worker provides async booking assessment from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/evaluator"
)

// Worker consumes submitted bookings from the EventBus and runs them
// through the evaluator. Lets the booking subsystem fire-and-forget
// instead of calling the HTTP surface.
type Worker struct {
	bus  domain.EventBus
	eval *evaluator.Evaluator

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async assessment worker.
func NewWorker(bus domain.EventBus, eval *evaluator.Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		eval:   eval,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the booking submission topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBookingSubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicBookingSubmitted, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("assessment worker started",
		"topic", domain.TopicBookingSubmitted,
	)
	return nil
}

// handleMessage decodes a submitted booking and assesses it. A malformed
// payload is dropped with a log line; redelivery would not fix it.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.EvaluateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to decode booking message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	if req.BookingRef == "" {
		slog.Error("booking message missing bookingRef",
			"message_id", msg.ID,
		)
		return nil
	}

	assessment, err := w.eval.Evaluate(ctx, req.ToContext())
	if err != nil {
		slog.Error("async assessment failed",
			"booking_ref", req.BookingRef,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Debug("async assessment complete",
		"booking_ref", req.BookingRef,
		"assessment_id", assessment.ID,
		"risk_level", assessment.RiskLevel,
	)
	return nil
}

// Stop cancels all subscriptions.
func (w *Worker) Stop() {
	w.cancel()
	for _, sub := range w.subscriptions {
		_ = sub.Unsubscribe()
	}
	slog.Info("assessment worker stopped")
}
