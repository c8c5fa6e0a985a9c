// Package retry implements the backoff schedule and error classification
// shared by the delivery worker and the cron producers.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Policy is an exponential backoff profile.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// Dispatch is the default profile for outbound message dispatch.
func Dispatch() Policy {
	return Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Second, MaxAttempts: 3}
}

// Cron is the profile used by the daily producers.
func Cron() Policy {
	return Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Second, MaxAttempts: 3}
}

// Delay returns the backoff before the given attempt (1-based), jittered
// uniformly within ±25% of the capped value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Cap > 0 && d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	// ±25% uniform jitter
	jitter := (rand.Float64()*0.5 - 0.25) * d
	return time.Duration(d + jitter)
}

// Class partitions errors into retry outcomes.
type Class int

const (
	// ClassRetryable errors should be retried with backoff.
	ClassRetryable Class = iota
	// ClassPermanent errors must not be retried.
	ClassPermanent
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by errors that carry a server-requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Classify maps an error to a retry class. Network-level failures and
// throttling/unavailability statuses retry; client errors are permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429, status == 502, status == 503, status == 504:
			return ClassRetryable
		case status >= 400 && status < 500:
			return ClassPermanent
		case status >= 500:
			return ClassRetryable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset", "connection refused", "no such host",
		"timeout", "deadline exceeded", "broken pipe", "eof",
	} {
		if strings.Contains(msg, marker) {
			return ClassRetryable
		}
	}
	return ClassPermanent
}

// RetryAfter returns the server-requested delay when the error carries one,
// clamped below by fallback.
func RetryAfter(err error, fallback time.Duration) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > fallback {
			return d
		}
	}
	return fallback
}
