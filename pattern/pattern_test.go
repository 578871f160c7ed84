package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repr0bated/agentmesh/fingerprint"
	"github.com/repr0bated/agentmesh/meshcore"
)

func newTestTracker(t *testing.T, promotionThreshold uint32) *Tracker {
	t.Helper()
	dir := t.TempDir()
	tr, err := Open(dir, 2, 10, promotionThreshold, 86400*time.Second, meshcore.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSuggestedName(t *testing.T) {
	require.Equal(t, "unnamed", suggestedName(nil))
	require.Equal(t, "A-to-B", suggestedName([]string{"A", "B"}))
	require.Equal(t, "A-to-C-3step", suggestedName([]string{"A", "B", "C"}))
}

func TestRecordSequenceRejectsShortSequences(t *testing.T) {
	tr := newTestTracker(t, 2)
	s, err := tr.RecordSequence(context.Background(), []string{"A"}, 10, false)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestRecordSequenceMonotonicity(t *testing.T) {
	tr := newTestTracker(t, 5)
	ctx := context.Background()

	fixed := time.Unix(1_700_000_000, 0)
	tr.SetClock(func() time.Time { return fixed })

	_, err := tr.RecordSequence(ctx, []string{"A", "B"}, 100, false)
	require.NoError(t, err)
	_, err = tr.RecordSequence(ctx, []string{"A", "B"}, 50, false)
	require.NoError(t, err)

	var p TrackedPattern
	patternID := hashOf(t, []string{"A", "B"})
	require.NoError(t, tr.db.Get(&p, `SELECT pattern_id, agent_sequence, call_count, total_latency_ms, first_seen, last_called, promoted, workflow_id FROM workflow_patterns WHERE pattern_id=?`, patternID))
	require.Equal(t, uint32(2), p.CallCount)
	require.Equal(t, uint64(150), p.TotalLatencyMs)
}

func TestPromotionSuggestionS4(t *testing.T) {
	// S4: promotion_threshold=2, sequence [A,B] called twice, latency
	// such that avg works out cleanly, recency_days=0 (last_called==now).
	tr := newTestTracker(t, 2)
	ctx := context.Background()

	fixed := time.Unix(1_700_000_000, 0)
	tr.SetClock(func() time.Time { return fixed })

	s1, err := tr.RecordSequence(ctx, []string{"A", "B"}, 100, false)
	require.NoError(t, err)
	require.Nil(t, s1, "first observation must not suggest promotion")

	s2, err := tr.RecordSequence(ctx, []string{"A", "B"}, 100, false)
	require.NoError(t, err)
	require.NotNil(t, s2)
	require.Equal(t, uint32(2), s2.CallCount)
	require.Equal(t, "A-to-B", s2.SuggestedName)
	require.InDelta(t, 0.80, s2.Confidence, 0.001)
}

func TestConfidenceFormula(t *testing.T) {
	// recency_days=0, call_count==promotion_threshold, length 2:
	// frequency=min(1,2)/2=0.5, recency_score=1, length_score=1
	// conf = 0.4*0.5 + 0.3*1 + 0.3*1 = 0.8
	c := confidence(2, 2, 1000, 2, 1000)
	require.InDelta(t, 0.80, c, 0.0001)
}

func TestPromotePatternIdempotent(t *testing.T) {
	tr := newTestTracker(t, 2)
	ctx := context.Background()

	_, err := tr.RecordSequence(ctx, []string{"A", "B"}, 10, false)
	require.NoError(t, err)
	_, err = tr.RecordSequence(ctx, []string{"A", "B"}, 10, false)
	require.NoError(t, err)

	patternID := hashOf(t, []string{"A", "B"})
	wf1, err := tr.PromotePattern(ctx, patternID)
	require.NoError(t, err)
	wf2, err := tr.PromotePattern(ctx, patternID)
	require.NoError(t, err)
	require.Equal(t, wf1, wf2)
}

func TestGetPromotionCandidatesExcludesPromoted(t *testing.T) {
	tr := newTestTracker(t, 2)
	ctx := context.Background()

	_, err := tr.RecordSequence(ctx, []string{"A", "B"}, 10, false)
	require.NoError(t, err)
	_, err = tr.RecordSequence(ctx, []string{"A", "B"}, 10, false)
	require.NoError(t, err)

	candidates, err := tr.GetPromotionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	_, err = tr.PromotePattern(ctx, candidates[0].PatternID)
	require.NoError(t, err)

	candidates, err = tr.GetPromotionCandidates(ctx)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func hashOf(t *testing.T, agents []string) string {
	t.Helper()
	return fingerprint.HashSequence(agents)
}

func TestSequenceIsBufferTail(t *testing.T) {
	require.True(t, sequenceIsBufferTail([]string{"A", "B", "C"}, []string{"B", "C"}))
	require.True(t, sequenceIsBufferTail([]string{"A", "B"}, []string{"A", "B"}))
	require.False(t, sequenceIsBufferTail([]string{"A", "B", "C"}, []string{"A", "C"}))
	require.False(t, sequenceIsBufferTail([]string{"A"}, []string{"A", "B"}))
	require.False(t, sequenceIsBufferTail(nil, []string{"A"}))
}

func countDetectedSequences(t *testing.T, tr *Tracker, patternID string) int {
	t.Helper()
	var n int
	require.NoError(t, tr.db.Get(&n, `SELECT COUNT(*) FROM detected_sequences WHERE pattern_id=?`, patternID))
	return n
}

func TestRecordSequenceWritesDetectedSequenceWhenBufferConfirmsTail(t *testing.T) {
	tr := newTestTracker(t, 5)
	ctx := context.Background()

	_, err := tr.RecordSequence(ctx, []string{"A", "B"}, 10, false)
	require.NoError(t, err)

	patternID := hashOf(t, []string{"A", "B"})
	require.Equal(t, 1, countDetectedSequences(t, tr, patternID))
	require.Equal(t, 2, tr.buf.Len())
	require.Equal(t, []string{"A", "B"}, tr.buf.Snapshot())
}

func TestRecordSequenceSkipsDetectedSequenceWhenCandidateExceedsBufferCapacity(t *testing.T) {
	// maxSeqLen=1 gives the session buffer a capacity of 2*maxSeqLen=2.
	// A 3-agent candidate can never be fully confirmed against a
	// 2-entry window: Observe trims the buffer down to the candidate's
	// own last 2 entries, so the snapshot is shorter than the candidate
	// and sequenceIsBufferTail correctly reports no match. The durable
	// workflow_patterns row is still written either way — only the
	// buffer-corroborated audit row is skipped.
	dir := t.TempDir()
	tr, err := Open(dir, 1, 1, 5, 86400*time.Second, meshcore.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	ctx := context.Background()

	s, err := tr.RecordSequence(ctx, []string{"A", "B", "C"}, 10, false)
	require.NoError(t, err)
	require.Nil(t, s)

	patternID := hashOf(t, []string{"A", "B", "C"})
	require.Equal(t, 0, countDetectedSequences(t, tr, patternID))

	var p TrackedPattern
	require.NoError(t, tr.db.Get(&p, `SELECT pattern_id, agent_sequence, call_count, total_latency_ms, first_seen, last_called, promoted, workflow_id FROM workflow_patterns WHERE pattern_id=?`, patternID))
	require.Equal(t, uint32(1), p.CallCount, "the durable pattern row is written regardless of buffer corroboration")
}
