package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruanmelo/zapagenda/internal/chat/evolution"
	"github.com/ruanmelo/zapagenda/internal/jobs"
	"github.com/ruanmelo/zapagenda/internal/notifications"
	"github.com/ruanmelo/zapagenda/internal/optout"
	"github.com/ruanmelo/zapagenda/internal/retry"
	"github.com/ruanmelo/zapagenda/internal/tenancy"
)

type fakeJobStore struct {
	claimed []jobs.Job

	sent      []uuid.UUID
	retried   []uuid.UUID
	failed    []uuid.UUID
	skipped   []uuid.UUID
	released  []uuid.UUID
	lastDelay time.Duration
	lastError string
}

func (f *fakeJobStore) ClaimBatch(_ context.Context, _ time.Time, _ int) ([]jobs.Job, error) {
	out := f.claimed
	f.claimed = nil
	return out, nil
}

func (f *fakeJobStore) MarkSent(_ context.Context, id uuid.UUID) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeJobStore) ScheduleRetry(_ context.Context, id uuid.UUID, lastError string, delay time.Duration) error {
	f.retried = append(f.retried, id)
	f.lastError = lastError
	f.lastDelay = delay
	return nil
}

func (f *fakeJobStore) MarkPermanentlyFailed(_ context.Context, id uuid.UUID, lastError string) error {
	f.failed = append(f.failed, id)
	f.lastError = lastError
	return nil
}

func (f *fakeJobStore) Skip(_ context.Context, id uuid.UUID, _ string) error {
	f.skipped = append(f.skipped, id)
	return nil
}

func (f *fakeJobStore) Release(_ context.Context, id uuid.UUID, _ time.Duration) error {
	f.released = append(f.released, id)
	return nil
}

type fakeLog struct {
	seen     map[string]bool
	recorded []string
}

func (f *fakeLog) HasSent(_ context.Context, _, dedupeKey string) (bool, error) {
	return f.seen[dedupeKey], nil
}

func (f *fakeLog) RecordSent(_ context.Context, _, dedupeKey string, _ notifications.Kind, _ string, _ map[string]any) (bool, error) {
	f.recorded = append(f.recorded, dedupeKey)
	return true, nil
}

type fakeOptOuts struct{ suppressed bool }

func (f *fakeOptOuts) IsSuppressed(_ context.Context, _, _ string, _ optout.Kind) (bool, error) {
	return f.suppressed, nil
}

type fakeGate struct{ active bool }

func (f *fakeGate) Active(_ context.Context, _, _ string) (bool, error) {
	return f.active, nil
}

type fakeSender struct {
	calls []evolution.SendTextRequest
	err   error
}

func (f *fakeSender) SendText(_ context.Context, _ string, req evolution.SendTextRequest) (*evolution.SendTextResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &evolution.SendTextResponse{MessageID: "m1", Status: "PENDING"}, nil
}

type fakeTenants struct{}

func (fakeTenants) Get(_ context.Context, tenantID string) (*tenancy.Settings, error) {
	return &tenancy.Settings{TenantID: tenantID, Instance: "salon-main", Timezone: "America/Sao_Paulo"}, nil
}

type fakePending struct{ armed []string }

func (f *fakePending) Set(_ context.Context, _, _, appointmentID, _ string) error {
	f.armed = append(f.armed, appointmentID)
	return nil
}

func testJob(kind jobs.Kind) jobs.Job {
	return jobs.Job{
		ID:          uuid.New(),
		TenantID:    "t1",
		Phone:       "5511999990000",
		Kind:        kind,
		State:       jobs.StatePending,
		Attempts:    0,
		MaxAttempts: 3,
		BookingID:   "bk1",
		Payload: jobs.Payload{
			AppointmentID: "ap1",
			Service:       "Corte",
			Date:          "2025-02-10",
			Time:          "14:00",
		},
	}
}

func newTestWorker(store *fakeJobStore, log *fakeLog, opt *fakeOptOuts, gate *fakeGate, gw *fakeSender) *Worker {
	return New(store, log, opt, gate, gw, fakeTenants{}, nil).
		WithPace(0).
		withClock(func() time.Time { return time.Date(2025, 2, 9, 12, 0, 0, 0, time.UTC) })
}

func TestCycleSendsAndCommits(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	log := &fakeLog{seen: map[string]bool{}}
	gw := &fakeSender{}
	w := newTestWorker(store, log, &fakeOptOuts{}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	require.Len(t, gw.calls, 1)
	assert.Equal(t, "5511999990000", gw.calls[0].Number)
	assert.Contains(t, gw.calls[0].Text, "Corte")
	assert.Equal(t, []uuid.UUID{job.ID}, store.sent)
	assert.Equal(t, []string{notifications.PreVisitKey("ap1", "2025-02-10")}, log.recorded)
}

func TestOptedOutSkipsWithoutSending(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{suppressed: true}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	assert.Empty(t, gw.calls)
	assert.Equal(t, []uuid.UUID{job.ID}, store.skipped)
	assert.Empty(t, store.sent)
}

func TestHandoffReleasesJob(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{active: true}, gw)

	w.Cycle(context.Background())

	assert.Empty(t, gw.calls)
	assert.Equal(t, []uuid.UUID{job.ID}, store.released)
}

func TestAlreadyRecordedShortCircuits(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	log := &fakeLog{seen: map[string]bool{
		notifications.PreVisitKey("ap1", "2025-02-10"): true,
	}}
	gw := &fakeSender{}
	w := newTestWorker(store, log, &fakeOptOuts{}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	assert.Empty(t, gw.calls, "crash-recovered job must not send again")
	assert.Equal(t, []uuid.UUID{job.ID}, store.sent)
	assert.Empty(t, log.recorded)
}

func TestRetryableFailureReschedules(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{err: &evolution.APIError{StatusCode: 503, Message: "unavailable"}}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	require.Equal(t, []uuid.UUID{job.ID}, store.retried)
	assert.Empty(t, store.failed)
	assert.Greater(t, store.lastDelay, time.Duration(0))
	assert.Contains(t, store.lastError, "unavailable")
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{err: &evolution.APIError{StatusCode: 400, Message: "bad number"}}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	assert.Empty(t, store.retried)
	assert.Equal(t, []uuid.UUID{job.ID}, store.failed)
}

func TestLastAttemptFailsPermanently(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	job.Attempts = 2 // third try is the last
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{err: errors.New("connection reset by peer")}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	assert.Empty(t, store.retried)
	assert.Equal(t, []uuid.UUID{job.ID}, store.failed)
}

func TestRetryAfterHeaderWins(t *testing.T) {
	job := testJob(jobs.KindPreVisit)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{err: &evolution.APIError{StatusCode: 429, Message: "throttled", After: time.Minute}}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{}, gw).
		WithPolicy(retry.Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Second, MaxAttempts: 3})

	w.Cycle(context.Background())

	require.Equal(t, []uuid.UUID{job.ID}, store.retried)
	assert.Equal(t, time.Minute, store.lastDelay)
}

func TestNoShowSendArmsPendingReply(t *testing.T) {
	job := testJob(jobs.KindNoShowCheck)
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	pending := &fakePending{}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{}, &fakeSender{}).
		WithPendingReplies(pending)

	w.Cycle(context.Background())

	assert.Equal(t, []string{"ap1"}, pending.armed)
	assert.Equal(t, []uuid.UUID{job.ID}, store.sent)
}

func TestUnknownKindFailsPermanently(t *testing.T) {
	job := testJob(jobs.Kind("mystery"))
	store := &fakeJobStore{claimed: []jobs.Job{job}}
	gw := &fakeSender{}
	w := newTestWorker(store, &fakeLog{seen: map[string]bool{}}, &fakeOptOuts{}, &fakeGate{}, gw)

	w.Cycle(context.Background())

	assert.Empty(t, gw.calls)
	assert.Equal(t, []uuid.UUID{job.ID}, store.failed)
}
