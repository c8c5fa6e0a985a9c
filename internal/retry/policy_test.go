package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Dispatch()
	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		8: 10 * time.Second, // capped
	} {
		got := p.Delay(attempt)
		min := time.Duration(float64(want) * 0.75)
		max := time.Duration(float64(want) * 1.25)
		assert.GreaterOrEqual(t, got, min, "attempt %d", attempt)
		assert.LessOrEqual(t, got, max, "attempt %d", attempt)
	}
}

func TestDelayNeverExceedsJitteredCap(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Second, MaxAttempts: 3}
	for i := 0; i < 100; i++ {
		d := p.Delay(20)
		assert.LessOrEqual(t, d, time.Duration(float64(10*time.Second)*1.25))
	}
}

type statusErr struct{ status int }

func (e statusErr) Error() string   { return fmt.Sprintf("http status %d", e.status) }
func (e statusErr) HTTPStatus() int { return e.status }

type throttleErr struct {
	statusErr
	after time.Duration
}

func (e throttleErr) RetryAfter() time.Duration { return e.after }

func TestClassifyStatuses(t *testing.T) {
	assert.Equal(t, ClassRetryable, Classify(statusErr{429}))
	assert.Equal(t, ClassRetryable, Classify(statusErr{502}))
	assert.Equal(t, ClassRetryable, Classify(statusErr{503}))
	assert.Equal(t, ClassRetryable, Classify(statusErr{504}))
	assert.Equal(t, ClassPermanent, Classify(statusErr{400}))
	assert.Equal(t, ClassPermanent, Classify(statusErr{401}))
	assert.Equal(t, ClassPermanent, Classify(statusErr{403}))
	assert.Equal(t, ClassPermanent, Classify(statusErr{404}))
	assert.Equal(t, ClassPermanent, Classify(statusErr{409}))
}

func TestClassifyNetwork(t *testing.T) {
	assert.Equal(t, ClassRetryable, Classify(errors.New("read tcp: connection reset by peer")))
	assert.Equal(t, ClassRetryable, Classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, ClassRetryable, Classify(errors.New("lookup api: no such host")))
	assert.Equal(t, ClassRetryable, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassPermanent, Classify(errors.New("invalid recipient")))
}

func TestRetryAfter(t *testing.T) {
	err := throttleErr{statusErr{429}, 7 * time.Second}
	assert.Equal(t, 7*time.Second, RetryAfter(err, 2*time.Second))
	assert.Equal(t, 2*time.Second, RetryAfter(statusErr{429}, 2*time.Second))
}
