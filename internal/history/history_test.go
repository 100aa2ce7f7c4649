package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socratiq/aigate/internal/monitor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file:"+t.TempDir()+"/history.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []monitor.UsageRecord{
		{Timestamp: now.Add(-2 * time.Hour), ProviderID: "openai", Model: "gpt-4o", LatencyMs: 420, InputTokens: 100, OutputTokens: 50, CostUSD: 0.002, Success: true},
		{Timestamp: now.Add(-time.Minute), ProviderID: "anthropic", Model: "claude-sonnet", Success: false, ErrorClass: "timeout", Fallback: true},
		{Timestamp: now, ProviderID: "stub", Success: true, Fallback: true, Stub: true},
	}
	for _, r := range recs {
		require.NoError(t, s.Append(ctx, r))
	}

	got, err := s.Since(ctx, now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "anthropic", got[0].ProviderID)
	assert.False(t, got[0].Success)
	assert.Equal(t, "timeout", got[0].ErrorClass)
	assert.True(t, got[0].Fallback)
	assert.False(t, got[0].Stub)

	assert.Equal(t, "stub", got[1].ProviderID)
	assert.True(t, got[1].Stub)
}

func TestRoundTripPreservesFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := monitor.UsageRecord{
		Timestamp:    time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC),
		SessionID:    "sess-1",
		ProviderID:   "openai",
		Model:        "gpt-4o",
		LatencyMs:    512.5,
		InputTokens:  123,
		OutputTokens: 456,
		CostUSD:      0.0123,
		Success:      true,
	}
	require.NoError(t, s.Append(ctx, in))

	got, err := s.Since(ctx, time.Unix(0, 0), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, in, got[0])
}

func TestSinceOrdersSubSecondTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// Inserted out of order, with fractional seconds chosen so that
	// string-formatted timestamps would sort the wrong way around
	// (".1" after ".12").
	late := base.Add(120 * time.Millisecond)
	early := base.Add(100 * time.Millisecond)
	require.NoError(t, s.Append(ctx, monitor.UsageRecord{Timestamp: late, ProviderID: "late", Success: true}))
	require.NoError(t, s.Append(ctx, monitor.UsageRecord{Timestamp: early, ProviderID: "early", Success: true}))

	got, err := s.Since(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ProviderID)
	assert.Equal(t, "late", got[1].ProviderID)

	// Cutoff comparisons are chronological at sub-second precision too.
	got, err = s.Since(ctx, base.Add(110*time.Millisecond), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].ProviderID)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Append(ctx, monitor.UsageRecord{Timestamp: now.Add(-8 * 24 * time.Hour), ProviderID: "p", Success: true}))
	require.NoError(t, s.Append(ctx, monitor.UsageRecord{Timestamp: now, ProviderID: "p", Success: true}))

	deleted, err := s.Prune(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
