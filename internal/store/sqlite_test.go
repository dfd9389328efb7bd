// ABOUTME: Tests for decision persistence in SQLite
// ABOUTME: Covers batch inserts, filtering, ordering and pruning

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndListDecisions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	ds := []*Decision{
		{Timestamp: base, Agent: "waf", CorrelationID: "c1", RequestID: "r1", Event: "request_headers", Kind: "block", Status: 403, RuleIDs: []string{"942100", "942110"}},
		{Timestamp: base.Add(time.Second), Agent: "auth", CorrelationID: "c2", Event: "request_headers", Kind: "block", Status: 503, Fallback: true, ErrorKind: "transport_error"},
		{Timestamp: base.Add(2 * time.Second), Agent: "waf", CorrelationID: "c3", Event: "request_body_chunk", Kind: "redirect", Status: 302, LatencyMicros: 1500},
	}
	require.NoError(t, s.InsertDecisions(ctx, ds))
	for _, d := range ds {
		assert.NotEmpty(t, d.ID)
	}

	all, err := s.ListDecisions(ctx, DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].CorrelationID, "newest first")
	assert.Equal(t, int64(1500), all[0].LatencyMicros)
	assert.Equal(t, []string{"942100", "942110"}, all[2].RuleIDs)
	assert.Equal(t, "r1", all[2].RequestID)
	assert.True(t, all[2].Timestamp.Equal(base))

	waf := "waf"
	byAgent, err := s.ListDecisions(ctx, DecisionFilter{Agent: &waf})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	fallbacks, err := s.ListDecisions(ctx, DecisionFilter{FallbackOnly: true})
	require.NoError(t, err)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "transport_error", fallbacks[0].ErrorKind)
	assert.True(t, fallbacks[0].Fallback)

	since := base.Add(500 * time.Millisecond)
	recent, err := s.ListDecisions(ctx, DecisionFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c3", recent[0].CorrelationID)
}

func TestDeleteDecisionsBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertDecisions(ctx, []*Decision{
		{Timestamp: now.Add(-48 * time.Hour), Agent: "waf", CorrelationID: "old", Event: "request_headers", Kind: "block"},
		{Timestamp: now, Agent: "waf", CorrelationID: "new", Event: "request_headers", Kind: "block"},
	}))

	n, err := s.DeleteDecisionsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.ListDecisions(ctx, DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].CorrelationID)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, 1000, normalizeLimit(5000))
}
