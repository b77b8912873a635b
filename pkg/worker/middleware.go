package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"codepipe/pkg/limiter"
	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// Middleware wraps an endpoint with additional behavior.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares around base. Earlier middlewares are outermost:
//
//	Chain(ep, mw1, mw2) calls mw1 -> mw2 -> ep
func Chain(base Endpoint, middlewares ...Middleware) Endpoint {
	ep := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		ep = middlewares[i](ep)
	}
	return ep
}

// Timeout bounds each call by the stage's timeout. An expired deadline becomes a TimeoutError;
// cancellation of the caller's context is returned unchanged. The call runs on its own goroutine
// so an endpoint that ignores its context cannot hold the stage past the deadline.
func Timeout(durationFor func(proto.Stage) time.Duration) Middleware {
	return func(next Endpoint) Endpoint {
		return EndpointFunc(func(ctx context.Context, req *Request) (*Response, error) {
			d := durationFor(req.Stage)
			if d <= 0 {
				return next.Call(ctx, req)
			}
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				resp *Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next.Call(callCtx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
					return nil, pipeerrors.Wrap(pipeerrors.KindTimeout, req.Stage, r.err, "worker call exceeded "+d.String())
				}
				return r.resp, r.err
			case <-callCtx.Done():
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, pipeerrors.Wrap(pipeerrors.KindTimeout, req.Stage, callCtx.Err(), "worker call exceeded "+d.String())
			}
		})
	}
}

// Logging logs each call's outcome under the "worker" component.
func Logging(logger *logx.Logger) Middleware {
	if logger == nil {
		logger = logx.NewLogger("worker")
	}
	return func(next Endpoint) Endpoint {
		return EndpointFunc(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			logger.Debug("task %s: calling %s worker (attempt %d)", req.TaskID, req.Stage, req.Attempt)
			resp, err := next.Call(ctx, req)
			took := time.Since(start).Round(time.Millisecond)
			switch {
			case err != nil:
				logger.Warn("task %s: %s worker failed after %s: %v", req.TaskID, req.Stage, took, err)
			case resp != nil && resp.Error != nil:
				logger.Warn("task %s: %s worker reported %v", req.TaskID, req.Stage, resp.Error)
			case resp != nil && resp.ToolCall != nil:
				logger.Info("task %s: %s worker requested tool %s", req.TaskID, req.Stage, resp.ToolCall.Name)
			default:
				logger.Debug("task %s: %s worker answered in %s", req.TaskID, req.Stage, took)
			}
			return resp, err
		})
	}
}

// Recorder receives worker call metrics.
type Recorder interface {
	ObserveWorkerCall(stage, status string, duration time.Duration)
	ObserveQueueWait(stage string, wait time.Duration)
}

// Call statuses reported to a Recorder.
const (
	StatusOK          = "ok"
	StatusTimeout     = "timeout"
	StatusError       = "error"
	StatusWorkerError = "worker_error"
	StatusToolCall    = "tool_call"
)

// Metrics reports every call to rec.
func Metrics(rec Recorder) Middleware {
	return func(next Endpoint) Endpoint {
		return EndpointFunc(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next.Call(ctx, req)
			rec.ObserveWorkerCall(string(req.Stage), callStatus(resp, err), time.Since(start))
			return resp, err
		})
	}
}

func callStatus(resp *Response, err error) string {
	switch {
	case pipeerrors.Is(err, pipeerrors.KindTimeout):
		return StatusTimeout
	case err != nil:
		return StatusError
	case resp != nil && resp.Error != nil:
		return StatusWorkerError
	case resp != nil && resp.ToolCall != nil:
		return StatusToolCall
	}
	return StatusOK
}

// Admission queues calls at gate. The slot is held only for the duration of the call. A nil
// rec skips wait reporting.
func Admission(gate *limiter.Gate, rec Recorder) Middleware {
	return func(next Endpoint) Endpoint {
		return EndpointFunc(func(ctx context.Context, req *Request) (*Response, error) {
			release, wait, err := gate.Acquire(ctx)
			if rec != nil {
				rec.ObserveQueueWait(string(req.Stage), wait)
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, err
			}
			defer release()
			return next.Call(ctx, req)
		})
	}
}

// ErrTransient marks transport failures that are safe to retry: the request never produced a
// result, so repeating it cannot duplicate work.
var ErrTransient = errors.New("transient worker transport failure")

// RetryConfig controls transport-level retries.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig retries transient failures twice with jittered exponential backoff.
//
//nolint:gochecknoglobals // sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  200 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2,
}

// Retry repeats calls that failed with ErrTransient. Timeouts, structured worker errors, and
// cancellation are returned immediately; those are the orchestrator's to count.
func Retry(cfg RetryConfig) Middleware {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return func(next Endpoint) Endpoint {
		return EndpointFunc(func(ctx context.Context, req *Request) (*Response, error) {
			delay := cfg.InitialDelay
			var lastErr error
			for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
				resp, err := next.Call(ctx, req)
				if err == nil || !errors.Is(err, ErrTransient) {
					return resp, err
				}
				lastErr = err
				if attempt == cfg.MaxAttempts {
					break
				}
				jittered := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(jittered):
				}
				delay = time.Duration(float64(delay) * cfg.BackoffFactor)
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
			return nil, lastErr
		})
	}
}
