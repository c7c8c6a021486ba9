package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/invigil/invigil/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invigil",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invigil",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit proctoring lifecycle events.
// All methods are fire-and-forget: errors are logged but never returned,
// and a nil Emitter is safe to call.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(examID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("whe_"),
		Type:      eventType,
		ExamID:    examID,
		Timestamp: time.Now(),
		Data:      data,
	}
	// Bounds only the subscriber lookup; each delivery detaches and carries
	// its own timeout, so cancelling here never aborts an in-flight send.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.DispatchToExam(ctx, examID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "examId", examID, "error", err)
	}
}

// EmitSessionFlagged emits a session.flagged event after a flag-tier crossing.
func (e *Emitter) EmitSessionFlagged(examID, sessionID, userID string, score, violations int) {
	e.emit(examID, EventSessionFlagged, map[string]interface{}{
		"sessionId":  sessionID,
		"userId":     userID,
		"score":      score,
		"violations": violations,
	})
}

// EmitSessionTerminated emits a session.terminated event with the reason
// (risk_threshold, admin, or timeout).
func (e *Emitter) EmitSessionTerminated(examID, sessionID, userID, reason string, score int) {
	e.emit(examID, EventSessionTerminated, map[string]interface{}{
		"sessionId": sessionID,
		"userId":    userID,
		"reason":    reason,
		"score":     score,
	})
}
