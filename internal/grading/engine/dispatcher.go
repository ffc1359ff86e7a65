// Package engine talks to the external execution engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"leetlabs/internal/common/metrics"
	"leetlabs/internal/grading/model"
	appErr "leetlabs/pkg/errors"
	"leetlabs/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/breaker"
	"go.uber.org/zap"
)

const (
	defaultRetryBase = 500 * time.Millisecond
	defaultRetryMax  = 5 * time.Second
	maxAttempts      = 2

	outcomeOK          = "ok"
	outcomeTimeout     = "timeout"
	outcomeUnavailable = "unavailable"
	outcomeProtocol    = "protocol_error"
	outcomeCanceled    = "canceled"
)

// Config holds execution engine settings.
type Config struct {
	BaseURL    string
	AuthHeader string
	AuthToken  string
	RetryBase  time.Duration
	RetryMax   time.Duration
	// BreakerName scopes the circuit breaker; dispatchers sharing a name share its state.
	BreakerName string
	HTTPClient  *http.Client
}

// Dispatcher sends execution batches to the engine.
type Dispatcher struct {
	client    *client
	breaker   breaker.Breaker
	retryBase time.Duration
	retryMax  time.Duration
}

// errRetryable marks a failure worth one more attempt.
type errRetryable struct {
	err error
}

func (e *errRetryable) Error() string { return e.err.Error() }
func (e *errRetryable) Unwrap() error { return e.err }

// NewDispatcher creates a dispatcher for cfg.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "execution-engine"
	}
	return &Dispatcher{
		client:    newClient(cfg.BaseURL, cfg.AuthHeader, cfg.AuthToken, cfg.HTTPClient),
		breaker:   breaker.NewBreaker(breaker.WithName(cfg.BreakerName)),
		retryBase: cfg.RetryBase,
		retryMax:  cfg.RetryMax,
	}, nil
}

// Dispatch runs batch on the engine and returns one result per case, in batch order.
//
// overallTimeout bounds every attempt together. A transport failure or 5xx is retried once;
// a 4xx is not. Cancellation of ctx by the caller is returned as ctx.Err() unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, batch model.ExecutionBatch, timeoutPerCase, overallTimeout time.Duration) ([]model.RawResult, error) {
	start := time.Now()
	results, err := d.dispatch(ctx, batch, timeoutPerCase, overallTimeout)
	metrics.EngineDispatchTotal.WithLabelValues(outcomeOf(err)).Inc()
	metrics.EngineDispatchSeconds.Observe(time.Since(start).Seconds())
	return results, err
}

func (d *Dispatcher) dispatch(ctx context.Context, batch model.ExecutionBatch, timeoutPerCase, overallTimeout time.Duration) ([]model.RawResult, error) {
	if len(batch.Inputs) != len(batch.ExpectedOutputs) {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("batch inputs and expected outputs differ in length")
	}
	payload, err := encodeBatch(batch, timeoutPerCase)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "encode batch failed")
	}

	parent := ctx
	if overallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, overallTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, d.retryBase, d.retryMax)
			logger.Warn(ctx, "retrying execution engine dispatch",
				zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, d.deadlineError(parent, ctx)
			case <-timer.C:
			}
		}

		var results []model.RawResult
		err := d.breaker.DoWithAcceptable(func() error {
			var attemptErr error
			results, attemptErr = d.attempt(ctx, payload, batch.Len())
			return attemptErr
		}, acceptable)
		if err == nil {
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, d.deadlineError(parent, ctx)
		}
		if errors.Is(err, breaker.ErrServiceUnavailable) {
			return nil, appErr.Wrapf(err, appErr.EngineUnavailable, "execution engine circuit is open")
		}
		var retryable *errRetryable
		if !errors.As(err, &retryable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, appErr.Wrapf(lastErr, appErr.EngineUnavailable, "execution engine unavailable after %d attempts", maxAttempts)
}

// attempt performs one request. Retryable failures come back as *errRetryable.
func (d *Dispatcher) attempt(ctx context.Context, payload []byte, cases int) ([]model.RawResult, error) {
	resp, err := d.client.post(ctx, payload)
	if err != nil {
		return nil, &errRetryable{err: err}
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &errRetryable{err: fmt.Errorf("engine returned status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, appErr.Newf(appErr.EngineProtocolError, "engine rejected batch with status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return nil, appErr.Newf(appErr.EngineProtocolError, "unexpected engine status %d", resp.StatusCode)
	}

	results, err := decodeResults(resp.Body)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.EngineProtocolError, "decode engine response failed")
	}
	if len(results) != cases {
		return nil, appErr.Newf(appErr.EngineProtocolError, "engine returned %d results for %d cases", len(results), cases).
			WithDetail("expected", cases).
			WithDetail("actual", len(results))
	}
	return results, nil
}

// deadlineError tells a caller cancellation apart from the overall deadline.
func (d *Dispatcher) deadlineError(parent, ctx context.Context) error {
	if err := parent.Err(); err != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return appErr.Wrapf(ctx.Err(), appErr.EngineTimeout, "execution engine did not respond in time")
}

// acceptable keeps answers that are not the engine's fault from tripping the breaker.
func acceptable(err error) bool {
	if err == nil {
		return true
	}
	var retryable *errRetryable
	if errors.As(err, &retryable) {
		return false
	}
	return true
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	case appErr.Is(err, appErr.EngineTimeout):
		return outcomeTimeout
	case appErr.Is(err, appErr.EngineProtocolError):
		return outcomeProtocol
	default:
		return outcomeUnavailable
	}
}
