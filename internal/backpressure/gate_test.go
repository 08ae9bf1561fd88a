package backpressure

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type depthMap map[string]int

func (d depthMap) Depth(_ context.Context, q string) (int, error) { return d[q], nil }

type failingDepth struct{}

func (failingDepth) Depth(context.Context, string) (int, error) { return 0, errors.New("db down") }

func TestCheckAdmission_Boundary(t *testing.T) {
	ctx := context.Background()
	depths := depthMap{"content": 9}
	g := NewGate(depths, map[string]int{"content": 10}, 100)

	a, err := g.CheckAdmission(ctx, "content")
	require.NoError(t, err)
	require.Equal(t, Admission{Allowed: true, Depth: 9, Limit: 10}, a)

	depths["content"] = 10
	a, err = g.CheckAdmission(ctx, "content")
	require.NoError(t, err)
	require.False(t, a.Allowed)
	require.Equal(t, 10, a.Depth)
}

func TestCheckAdmission_DefaultAndUnlimited(t *testing.T) {
	ctx := context.Background()
	depths := depthMap{"other": 5, "bulk": 1_000_000}
	g := NewGate(depths, map[string]int{"bulk": 0}, 5)

	a, err := g.CheckAdmission(ctx, "other")
	require.NoError(t, err)
	require.False(t, a.Allowed)
	require.Equal(t, 5, a.Limit)

	a, err = g.CheckAdmission(ctx, "bulk")
	require.NoError(t, err)
	require.True(t, a.Allowed)
}

func TestAdmit_ReturnsAdmissionError(t *testing.T) {
	g := NewGate(depthMap{"content": 3}, map[string]int{"content": 3}, 0)

	_, err := g.Admit(context.Background(), "content")
	require.ErrorIs(t, err, ErrAdmissionRejected)

	var ae *AdmissionError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "content", ae.Queue)
	require.Equal(t, 3, ae.Depth)
	require.Equal(t, 3, ae.Limit)
}

func TestCheckAdmission_PropagatesStoreError(t *testing.T) {
	g := NewGate(failingDepth{}, nil, 10)
	_, err := g.CheckAdmission(context.Background(), "content")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAdmissionRejected)
}
