package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/limiter"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

func okEndpoint() Endpoint {
	return EndpointFunc(func(context.Context, *Request) (*Response, error) {
		return &Response{Output: []byte(`{}`), Confidence: 1}, nil
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return EndpointFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next.Call(ctx, req)
			})
		}
	}
	_, err := Chain(okEndpoint(), tag("a"), tag("b"), tag("c")).Call(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTimeoutClassifiesDeadline(t *testing.T) {
	blocking := EndpointFunc(func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ep := Chain(blocking, Timeout(func(proto.Stage) time.Duration { return 10 * time.Millisecond }))

	_, err := ep.Call(context.Background(), &Request{Stage: proto.StageCoding})
	require.Error(t, err)
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutIgnoringEndpoint(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := EndpointFunc(func(context.Context, *Request) (*Response, error) {
		<-release
		return &Response{}, nil
	})
	ep := Chain(stuck, Timeout(func(proto.Stage) time.Duration { return 10 * time.Millisecond }))
	_, err := ep.Call(context.Background(), &Request{Stage: proto.StageReviewing})
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindTimeout))
}

func TestTimeoutPassesCancellation(t *testing.T) {
	blocking := EndpointFunc(func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ep := Chain(blocking, Timeout(func(proto.Stage) time.Duration { return time.Minute }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ep.Call(ctx, &Request{Stage: proto.StageCoding})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, pipeerrors.Is(err, pipeerrors.KindTimeout))
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []string
	waits    int
}

func (f *fakeRecorder) ObserveWorkerCall(_, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeRecorder) ObserveQueueWait(string, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
}

func TestMetricsStatuses(t *testing.T) {
	rec := &fakeRecorder{}
	responses := []struct {
		resp *Response
		err  error
	}{
		{&Response{}, nil},
		{&Response{Error: &StructuredError{Code: "x"}}, nil},
		{&Response{ToolCall: &proto.ToolCall{Name: "read_file"}}, nil},
		{nil, pipeerrors.New(pipeerrors.KindTimeout, proto.StageCoding, "slow")},
		{nil, errors.New("boom")},
	}
	i := 0
	ep := Chain(EndpointFunc(func(context.Context, *Request) (*Response, error) {
		r := responses[i]
		i++
		return r.resp, r.err
	}), Metrics(rec))
	for range responses {
		_, _ = ep.Call(context.Background(), &Request{Stage: proto.StageCoding})
	}
	assert.Equal(t, []string{StatusOK, StatusWorkerError, StatusToolCall, StatusTimeout, StatusError}, rec.statuses)
}

func TestAdmissionQueues(t *testing.T) {
	gate := limiter.New(1, 0)
	rec := &fakeRecorder{}
	var mu sync.Mutex
	active, peak := 0, 0
	ep := Chain(EndpointFunc(func(context.Context, *Request) (*Response, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &Response{}, nil
	}), Admission(gate, rec))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ep.Call(context.Background(), &Request{Stage: proto.StagePlanning})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 5, rec.waits)
}

func TestRetryOnlyTransient(t *testing.T) {
	calls := 0
	flaky := EndpointFunc(func(context.Context, *Request) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("status 503: %w", ErrTransient)
		}
		return &Response{Confidence: 0.5}, nil
	})
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}
	resp, err := Chain(flaky, Retry(cfg)).Call(context.Background(), &Request{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, resp.Confidence, 0)
	assert.Equal(t, 3, calls)

	calls = 0
	timeout := EndpointFunc(func(context.Context, *Request) (*Response, error) {
		calls++
		return nil, pipeerrors.New(pipeerrors.KindTimeout, proto.StageCoding, "slow")
	})
	_, err = Chain(timeout, Retry(cfg)).Call(context.Background(), &Request{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRegistryIsTotal(t *testing.T) {
	_, err := NewRegistry(map[proto.Stage]Endpoint{proto.StageCoding: okEndpoint()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preprocessing")

	all := make(map[proto.Stage]Endpoint)
	for _, s := range proto.Stages {
		all[s] = okEndpoint()
	}
	reg, err := NewRegistry(all)
	require.NoError(t, err)
	ep, err := reg.Wrap(Logging(nil)).Get(proto.StageVoting)
	require.NoError(t, err)
	_, err = ep.Call(context.Background(), &Request{Stage: proto.StageVoting})
	assert.NoError(t, err)

	all["deploy"] = okEndpoint()
	_, err = NewRegistry(all)
	assert.Error(t, err)
}
