package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plxctl/plx/internal/config"
)

// RetryPolicy is the backoff applied to transient API errors.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	Jitter          float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy returns base 0.5s, factor 2, 20% jitter, 30s cap and
// 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.2,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
	}
}

// RetryPolicyFrom converts the config section.
func RetryPolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialInterval: cfg.InitialInterval.Duration,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
		MaxInterval:     cfg.MaxInterval.Duration,
		MaxAttempts:     cfg.MaxAttempts,
	}
}

// newBackOff builds the backoff for one call. MaxAttempts counts the first
// attempt.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retryableStatus lists the HTTP codes treated as transient.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// isRetryable reports whether a transport or API error is transient.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryableStatus[apiErr.StatusCode]
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
