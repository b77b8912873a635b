package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticMatchRanking(t *testing.T) {
	p := NewStatic(
		Skill{Signature: "validate-input", Summary: "guard clauses", Keywords: []string{"validation", "input"}},
		Skill{Signature: "table-tests", Summary: "table driven tests", Keywords: []string{"tests", "table"}},
		Skill{Signature: "input-sanitize", Summary: "escape input", Keywords: []string{"input", "escape"}},
	)

	matches, err := p.Match(context.Background(), "add input validation to function parse", 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "validate-input", matches[0].Signature)
	assert.InDelta(t, 1.0, matches[0].Confidence, 1e-9)
	assert.Equal(t, "input-sanitize", matches[1].Signature)

	limited, err := p.Match(context.Background(), "add input validation", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStaticMatchNothing(t *testing.T) {
	p := NewStatic()
	p.Register(Skill{Signature: "retryLoop"})
	matches, err := p.Match(context.Background(), "render the page", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = p.Match(context.Background(), "wrap it in a retry loop", 5)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStaticMatchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic().Match(ctx, "anything", 1)
	assert.ErrorIs(t, err, context.Canceled)
}
