package pipeerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"codepipe/pkg/proto"
)

func TestKindStrings(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindValidation, "ValidationError"},
		{KindTimeout, "TimeoutError"},
		{KindNotReady, "NotReady"},
		{KindNotFound, "NotFound"},
		{KindCycle, "CycleError"},
		{KindFatal, "FatalPipelineError"},
		{KindCancelled, "Cancelled"},
		{Kind(99), "invalid"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindTimeout, proto.StageCoding, context.DeadlineExceeded, "worker call")
	assert.Equal(t, "TimeoutError (coding): worker call: context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, Wrap(KindTimeout, proto.StageCoding, nil, "noop"))
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(KindCycle, proto.StagePlanning, "cycle a -> b -> a")
	wrapped := fmt.Errorf("planning attempt 2: %w", base)

	assert.True(t, Is(wrapped, KindCycle))
	assert.Equal(t, KindCycle, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
	assert.Equal(t, KindFatal, KindOf(errors.New("plain")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, New(KindValidation, "", "x").Retryable())
	assert.True(t, New(KindTimeout, "", "x").Retryable())
	assert.True(t, New(KindNotReady, "", "x").Retryable())
	assert.False(t, New(KindFatal, "", "x").Retryable())
	assert.False(t, New(KindCancelled, "", "x").Retryable())
	assert.False(t, New(KindNotFound, "", "x").Retryable())
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("load: %w", NotFound("checkpoint", "task-1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, New(KindNotReady, "", "building"), ErrNotReady)
}
