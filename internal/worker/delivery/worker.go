// Package delivery implements the polling worker pool that drains the job
// store and transmits outbound messages through the chat gateway.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruanmelo/zapagenda/internal/chat/evolution"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/observability/metrics"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/render"
	"github.com/ruanmelo/zapagenda/internal/retry"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

type jobStore interface {
	ClaimBatch(ctx context.Context, now time.Time, max int) ([]jobs.Job, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, lastError string, delay time.Duration) error
	MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, lastError string) error
	Skip(ctx context.Context, id uuid.UUID, reason string) error
	Release(ctx context.Context, id uuid.UUID, grace time.Duration) error
}

type notificationLog interface {
	HasSent(ctx context.Context, tenantID, dedupeKey string) (bool, error)
	RecordSent(ctx context.Context, tenantID, dedupeKey string, kind notifications.Kind, phone string, payload map[string]any) (bool, error)
}

type suppressionList interface {
	IsSuppressed(ctx context.Context, tenantID, phone string, kind optout.Kind) (bool, error)
}

type handoffGate interface {
	Active(ctx context.Context, tenantID, phone string) (bool, error)
}

type sender interface {
	SendText(ctx context.Context, instance string, req evolution.SendTextRequest) (*evolution.SendTextResponse, error)
}

type tenantResolver interface {
	Get(ctx context.Context, tenantID string) (*tenancy.Settings, error)
}

type pendingReplyWriter interface {
	Set(ctx context.Context, tenantID, phone, appointmentID, date string) error
}

// Worker is the pool of consumers that drain the job store.
type Worker struct {
	store    jobStore
	log      notificationLog
	optouts  suppressionList
	gate     handoffGate
	gateway  sender
	tenants  tenantResolver
	pending  pendingReplyWriter
	policy   retry.Policy
	logger   *logging.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	interval time.Duration
	grace    time.Duration
	pace     time.Duration
	batch    int
	workers  int

	mu       sync.Mutex
	lastSend map[string]time.Time
}

// New creates a delivery worker with the default tuning.
func New(store jobStore, log notificationLog, optouts suppressionList, gate handoffGate, gateway sender, tenants tenantResolver, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		store:    store,
		log:      log,
		optouts:  optouts,
		gate:     gate,
		gateway:  gateway,
		tenants:  tenants,
		policy:   retry.Dispatch(),
		logger:   logger.Component("delivery"),
		clock:    func() time.Time { return time.Now().UTC() },
		interval: 30 * time.Second,
		grace:    5 * time.Minute,
		pace:     2 * time.Second,
		batch:    25,
		workers:  2,
		lastSend: make(map[string]time.Time),
	}
}

// WithPendingReplies wires the store that arms the no-show reply window
// after a question is delivered.
func (w *Worker) WithPendingReplies(p pendingReplyWriter) *Worker {
	w.pending = p
	return w
}

// WithMetrics attaches prometheus metrics.
func (w *Worker) WithMetrics(m *metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// WithPolicy overrides the retry policy.
func (w *Worker) WithPolicy(p retry.Policy) *Worker {
	w.policy = p
	return w
}

// WithInterval overrides the poll interval.
func (w *Worker) WithInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithGrace overrides the handoff grace delay.
func (w *Worker) WithGrace(d time.Duration) *Worker {
	if d > 0 {
		w.grace = d
	}
	return w
}

// WithPace overrides the inter-message delay per recipient.
func (w *Worker) WithPace(d time.Duration) *Worker {
	if d >= 0 {
		w.pace = d
	}
	return w
}

// WithBatchSize overrides the claim batch size.
func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batch = n
	}
	return w
}

// WithWorkerCount overrides the consumer pool size.
func (w *Worker) WithWorkerCount(n int) *Worker {
	if n > 0 {
		w.workers = n
	}
	return w
}

func (w *Worker) withClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Run starts the consumer pool and blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, n int) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery consumer stopping", "consumer", n)
			return
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle claims one batch and processes it sequentially. Exported for the
// on-demand path and tests.
func (w *Worker) Cycle(ctx context.Context) {
	claimed, err := w.store.ClaimBatch(ctx, w.clock(), w.batch)
	if err != nil {
		w.logger.Error("claim batch failed", "error", err)
		return
	}
	w.metrics.ObserveClaimBatch(len(claimed))
	for i := range claimed {
		if ctx.Err() != nil {
			return
		}
		if err := w.process(ctx, claimed[i]); err != nil {
			w.logger.Error("job processing failed", "error", err, "job_id", claimed[i].ID)
		}
	}
}

func (w *Worker) process(ctx context.Context, job jobs.Job) error {
	suppressed, err := w.optouts.IsSuppressed(ctx, job.TenantID, job.Phone, suppressionKind(job.Kind))
	if err != nil {
		return fmt.Errorf("delivery: opt-out check: %w", err)
	}
	if suppressed {
		w.metrics.ObserveTransition("skipped")
		return w.store.Skip(ctx, job.ID, "opted out")
	}

	paused, err := w.gate.Active(ctx, job.TenantID, job.Phone)
	if err != nil {
		return fmt.Errorf("delivery: handoff check: %w", err)
	}
	if paused {
		w.logger.Info("handoff active, returning job", "job_id", job.ID, "phone", job.Phone)
		return w.store.Release(ctx, job.ID, w.grace)
	}

	dedupeKey, kind := dedupeFor(job)

	already, err := w.log.HasSent(ctx, job.TenantID, dedupeKey)
	if err != nil {
		// Degraded dedup read: abandon the claim so a healthy cycle decides.
		return fmt.Errorf("delivery: dedup check: %w", err)
	}
	if already {
		// A previous attempt transmitted but crashed before commit.
		w.metrics.ObserveTransition("sent")
		return w.store.MarkSent(ctx, job.ID)
	}

	text, err := render.Message(job)
	if err != nil {
		w.metrics.ObserveTransition("permanently_failed")
		return w.store.MarkPermanentlyFailed(ctx, job.ID, err.Error())
	}

	settings, err := w.tenants.Get(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("delivery: resolve tenant: %w", err)
	}

	w.paceRecipient(ctx, job.TenantID, job.Phone)

	start := w.clock()
	_, sendErr := w.gateway.SendText(ctx, settings.Instance, evolution.SendTextRequest{
		Number: job.Phone,
		Text:   text,
	})
	w.metrics.ObserveSendLatency(w.clock().Sub(start).Seconds())

	if sendErr != nil {
		return w.handleSendFailure(ctx, job, sendErr)
	}

	w.metrics.ObserveOutbound(string(job.Kind), "sent")
	w.recordSent(ctx, job, dedupeKey, kind)

	if job.Kind == jobs.KindNoShowCheck && w.pending != nil {
		if err := w.pending.Set(ctx, job.TenantID, job.Phone, job.Payload.AppointmentID, job.Payload.Date); err != nil {
			w.logger.Warn("pending reply arm failed", "error", err, "job_id", job.ID)
		}
	}

	w.metrics.ObserveTransition("sent")
	return w.store.MarkSent(ctx, job.ID)
}

// recordSent writes the dedup evidence. A failure here is logged but never
// blocks the sent transition: re-sending is worse than a missing record,
// and the audit reconciler will surface the gap.
func (w *Worker) recordSent(ctx context.Context, job jobs.Job, dedupeKey string, kind notifications.Kind) {
	payload := map[string]any{
		"appointment_id": job.Payload.AppointmentID,
		"date":           job.Payload.Date,
		"time":           job.Payload.Time,
		"booking_id":     job.BookingID,
		"status":         "sent",
	}
	if _, err := w.log.RecordSent(ctx, job.TenantID, dedupeKey, kind, job.Phone, payload); err != nil {
		w.logger.Error("dedup record failed after send", "error", err, "job_id", job.ID, "dedupe_key", dedupeKey)
	}
}

func (w *Worker) handleSendFailure(ctx context.Context, job jobs.Job, sendErr error) error {
	w.metrics.ObserveOutbound(string(job.Kind), "error")
	if retry.Classify(sendErr) == retry.ClassPermanent {
		w.metrics.ObserveTransition("permanently_failed")
		return w.store.MarkPermanentlyFailed(ctx, job.ID, sendErr.Error())
	}
	if job.Attempts+1 >= job.MaxAttempts {
		w.metrics.ObserveTransition("permanently_failed")
		return w.store.MarkPermanentlyFailed(ctx, job.ID, sendErr.Error())
	}
	delay := retry.RetryAfter(sendErr, w.policy.Delay(job.Attempts+1))
	w.metrics.ObserveTransition("retry")
	return w.store.ScheduleRetry(ctx, job.ID, sendErr.Error(), delay)
}

// paceRecipient enforces the inter-message delay per (tenant, phone).
func (w *Worker) paceRecipient(ctx context.Context, tenantID, phone string) {
	if w.pace <= 0 {
		return
	}
	key := tenantID + "|" + phone
	now := w.clock()

	w.mu.Lock()
	last, ok := w.lastSend[key]
	w.lastSend[key] = now
	w.mu.Unlock()

	if !ok {
		return
	}
	if wait := w.pace - now.Sub(last); wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func suppressionKind(kind jobs.Kind) optout.Kind {
	switch kind {
	case jobs.KindNoShowCheck:
		return optout.KindNoShowCheck
	default:
		return optout.KindPreVisit
	}
}

func dedupeFor(job jobs.Job) (string, notifications.Kind) {
	switch job.Kind {
	case jobs.KindNoShowCheck:
		return notifications.NoShowQuestionKey(job.Payload.AppointmentID, job.Payload.Date), notifications.KindNoShowQuestion
	default:
		return notifications.PreVisitKey(job.Payload.AppointmentID, job.Payload.Date), notifications.KindPreVisit
	}
}
