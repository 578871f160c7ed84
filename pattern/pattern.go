// Package pattern implements the durable Pattern Tracker: it records
// observed agent sequences, scores them for recency and frequency, and
// emits promotion suggestions once a sequence has been seen often
// enough.
package pattern

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/repr0bated/agentmesh/fingerprint"
	"github.com/repr0bated/agentmesh/meshcore"
)

// TimeSavedFactor is the reference heuristic multiplier used by
// estimated_time_saved_ms. It is unexplained in the source this was
// ported from; kept as a tunable, not derived from measurement.
const TimeSavedFactor = 0.4

// TrackedPattern mirrors the persisted workflow_patterns row.
type TrackedPattern struct {
	PatternID      string `db:"pattern_id"`
	AgentSequence  string `db:"agent_sequence"` // sequenceSeparator-joined, see fingerprint package
	CallCount      uint32 `db:"call_count"`
	TotalLatencyMs uint64 `db:"total_latency_ms"`
	FirstSeen      int64  `db:"first_seen"`
	LastCalled     int64  `db:"last_called"`
	Promoted       bool   `db:"promoted"`
	WorkflowID     sql.NullString `db:"workflow_id"`
}

// PromotionSuggestion is the derived, mostly non-persisted recommendation
// record_sequence returns once a pattern crosses the promotion threshold.
type PromotionSuggestion struct {
	PatternID            string
	AgentSequence        []string
	CallCount            uint32
	AvgLatencyMs         uint64
	SuggestedName        string
	Confidence           float64
	EstimatedTimeSavedMs uint64
	WorkflowID           string // set only when auto-promoted
}

// PromotedWorkflow mirrors the persisted promoted_workflows row.
type PromotedWorkflow struct {
	WorkflowID     string `db:"workflow_id"`
	PatternID      string `db:"pattern_id"`
	AgentSequence  string `db:"agent_sequence"`
	ExecutionCount uint64 `db:"execution_count"`
	PromotedAt     int64  `db:"promoted_at"`
}

// Stats is the aggregate view returned by Tracker.Stats.
type Stats struct {
	TrackedPatterns  uint64
	PromotedPatterns uint64
}

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Tracker is the Pattern Tracker. Safe for concurrent use.
type Tracker struct {
	db     *sqlx.DB
	logger meshcore.Logger
	now    Clock

	minSeqLen, maxSeqLen int
	promotionThreshold   uint32
	detectionWindow      time.Duration

	buf *SessionBuffer

	mu sync.Mutex
}

// Open creates (if needed) the tracker database under cacheDir/workflows.
func Open(cacheDir string, minSeqLen, maxSeqLen int, promotionThreshold uint32, detectionWindow time.Duration, logger meshcore.Logger) (*Tracker, error) {
	if logger == nil {
		logger = meshcore.NoOpLogger{}
	}
	dbPath := filepath.Join(cacheDir, "workflows", "tracker.db")
	db, err := sqlx.Connect("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, meshcore.NewMeshError("pattern.Open", "tracker", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, meshcore.NewMeshError("pattern.Open", "tracker", err)
	}

	return &Tracker{
		db:                 db,
		logger:             logger,
		now:                time.Now,
		minSeqLen:          minSeqLen,
		maxSeqLen:          maxSeqLen,
		promotionThreshold: promotionThreshold,
		detectionWindow:    detectionWindow,
		buf:                NewSessionBuffer(2 * maxSeqLen),
	}, nil
}

func (t *Tracker) Close() error { return t.db.Close() }

// SetClock overrides the tracker's time source. Test-only hook.
func (t *Tracker) SetClock(now Clock) { t.now = now }

func migrate(db *sqlx.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS workflow_patterns (
	pattern_id       TEXT PRIMARY KEY,
	agent_sequence   TEXT NOT NULL,
	call_count       INTEGER NOT NULL,
	total_latency_ms INTEGER NOT NULL,
	first_seen       INTEGER NOT NULL,
	last_called      INTEGER NOT NULL,
	promoted         INTEGER NOT NULL DEFAULT 0,
	workflow_id      TEXT
);
CREATE INDEX IF NOT EXISTS idx_wp_last_called ON workflow_patterns(last_called);
CREATE INDEX IF NOT EXISTS idx_wp_promoted ON workflow_patterns(promoted);

CREATE TABLE IF NOT EXISTS promoted_workflows (
	workflow_id     TEXT PRIMARY KEY,
	pattern_id      TEXT NOT NULL UNIQUE,
	agent_sequence  TEXT NOT NULL,
	execution_count INTEGER NOT NULL DEFAULT 0,
	promoted_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pattern_observations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id    TEXT NOT NULL,
	observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_po_observed_at ON pattern_observations(observed_at);

CREATE TABLE IF NOT EXISTS detected_sequences (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_id  TEXT NOT NULL,
	detected_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ds_detected_at ON detected_sequences(detected_at);
`)
	return err
}

func joinSeq(agents []string) string {
	// fingerprint.HashSequence's separator is not legal in agent ids, so
	// it doubles as a safe join/split delimiter for storage.
	out := ""
	for i, a := range agents {
		if i > 0 {
			out += string(rune(0x1F))
		}
		out += a
	}
	return out
}

// sequenceIsBufferTail reports whether agents is exactly the last
// len(agents) entries of snapshot, in order. snapshot is oldest-first, so
// the comparison walks both slices from their ends.
func sequenceIsBufferTail(snapshot []string, agents []string) bool {
	if len(agents) > len(snapshot) {
		return false
	}
	offset := len(snapshot) - len(agents)
	for i, a := range agents {
		if snapshot[offset+i] != a {
			return false
		}
	}
	return true
}

func splitSeq(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1F {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// RecordSequence upserts the pattern for agents and, once it crosses the
// promotion threshold, returns a suggestion (nil otherwise). Sequences
// shorter than the configured minimum are rejected with (nil, nil).
func (t *Tracker) RecordSequence(ctx context.Context, agents []string, totalLatencyMs uint64, autoPromote bool) (*PromotionSuggestion, error) {
	if len(agents) < t.minSeqLen {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	patternID := fingerprint.HashSequence(agents)

	for _, a := range agents {
		t.buf.Observe(a)
	}
	// The session buffer is the live window of what actually ran in this
	// process, most-recent last. Only persist a detected_sequences row
	// when agents is genuinely the tail of that window — i.e. this call
	// reports what was just observed, not a sequence reconstructed or
	// replayed out of band — mirroring the original tracker's
	// analyze_session_patterns, which only emits a detection once the
	// live buffer confirms the candidate sequence actually completed.
	if t.buf.Len() >= len(agents) && sequenceIsBufferTail(t.buf.Snapshot(), agents) {
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO detected_sequences (pattern_id, detected_at) VALUES (?, ?)`, patternID, now); err != nil {
			t.logger.Warn("pattern tracker failed to record detected sequence", map[string]interface{}{"error": err.Error()})
		}
	}
	for _, a := range agents {
		if _, err := t.db.ExecContext(ctx,
			`INSERT INTO pattern_observations (agent_id, observed_at) VALUES (?, ?)`, a, now); err != nil {
			t.logger.Warn("pattern tracker failed to record observation", map[string]interface{}{"error": err.Error()})
		}
	}

	var existing TrackedPattern
	err := t.db.GetContext(ctx, &existing, `SELECT pattern_id, agent_sequence, call_count, total_latency_ms, first_seen, last_called, promoted, workflow_id FROM workflow_patterns WHERE pattern_id=?`, patternID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := t.db.ExecContext(ctx, `
INSERT INTO workflow_patterns (pattern_id, agent_sequence, call_count, total_latency_ms, first_seen, last_called, promoted)
VALUES (?, ?, 1, ?, ?, ?, 0)`, patternID, joinSeq(agents), totalLatencyMs, now, now); err != nil {
			return nil, meshcore.NewMeshError("pattern.RecordSequence", "tracker", err)
		}
		existing = TrackedPattern{PatternID: patternID, AgentSequence: joinSeq(agents), CallCount: 1, TotalLatencyMs: totalLatencyMs, FirstSeen: now, LastCalled: now}
	case err != nil:
		return nil, meshcore.NewMeshError("pattern.RecordSequence", "tracker", err)
	default:
		existing.CallCount++
		existing.TotalLatencyMs += totalLatencyMs
		existing.LastCalled = now
		if _, err := t.db.ExecContext(ctx, `
UPDATE workflow_patterns SET call_count=?, total_latency_ms=?, last_called=? WHERE pattern_id=?`,
			existing.CallCount, existing.TotalLatencyMs, existing.LastCalled, patternID); err != nil {
			return nil, meshcore.NewMeshError("pattern.RecordSequence", "tracker", err)
		}
	}

	if existing.CallCount < t.promotionThreshold || existing.Promoted {
		return nil, nil
	}

	suggestion := t.buildSuggestion(existing, agents, now)
	if autoPromote {
		workflowID, err := t.promotePatternLocked(ctx, patternID, agents, now)
		if err != nil {
			return nil, err
		}
		suggestion.WorkflowID = workflowID
	}
	return suggestion, nil
}

func (t *Tracker) buildSuggestion(p TrackedPattern, agents []string, now int64) *PromotionSuggestion {
	avgLatency := p.TotalLatencyMs / uint64(p.CallCount)
	conf := confidence(p.CallCount, t.promotionThreshold, p.LastCalled, len(agents), now)
	return &PromotionSuggestion{
		PatternID:            p.PatternID,
		AgentSequence:        agents,
		CallCount:            p.CallCount,
		AvgLatencyMs:         avgLatency,
		SuggestedName:        suggestedName(agents),
		Confidence:           conf,
		EstimatedTimeSavedMs: uint64(float64(avgLatency) * TimeSavedFactor * float64(p.CallCount)),
	}
}

// suggestedName derives a human-readable name from a sequence.
func suggestedName(seq []string) string {
	switch {
	case len(seq) == 0:
		return "unnamed"
	case len(seq) == 2:
		return seq[0] + "-to-" + seq[len(seq)-1]
	default:
		return seq[0] + "-to-" + seq[len(seq)-1] + "-" + itoa(len(seq)) + "step"
	}
}

// confidence implements the normative scoring formula: 0.4*frequency +
// 0.3*recency_score + 0.3*length_score, clamped to [0, 1].
func confidence(callCount uint32, promotionThreshold uint32, lastCalled int64, seqLen int, now int64) float64 {
	recencyDays := float64(now-lastCalled) / 86400.0
	frequency := minF(float64(callCount)/float64(promotionThreshold), 2) / 2
	recencyScore := maxF(1-recencyDays/7, 0)
	lengthScore := 0.7
	if seqLen >= 2 && seqLen <= 5 {
		lengthScore = 1.0
	}
	conf := 0.4*frequency + 0.3*recencyScore + 0.3*lengthScore
	return minF(conf, 1.0)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PromotePattern promotes patternID, assigning (or returning the
// existing) workflow_id. Idempotent.
func (t *Tracker) PromotePattern(ctx context.Context, patternID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var existing TrackedPattern
	err := t.db.GetContext(ctx, &existing, `SELECT pattern_id, agent_sequence, call_count, total_latency_ms, first_seen, last_called, promoted, workflow_id FROM workflow_patterns WHERE pattern_id=?`, patternID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", meshcore.NewMeshError("pattern.PromotePattern", "tracker", meshcore.ErrPatternNotFound)
	}
	if err != nil {
		return "", meshcore.NewMeshError("pattern.PromotePattern", "tracker", err)
	}
	if existing.Promoted && existing.WorkflowID.Valid {
		return existing.WorkflowID.String, nil
	}
	return t.promotePatternLocked(ctx, patternID, splitSeq(existing.AgentSequence), t.now().Unix())
}

// promotePatternLocked assumes t.mu is already held.
func (t *Tracker) promotePatternLocked(ctx context.Context, patternID string, agents []string, now int64) (string, error) {
	workflowID := "WF-" + patternID[:8]
	if _, err := t.db.ExecContext(ctx, `UPDATE workflow_patterns SET promoted=1, workflow_id=? WHERE pattern_id=?`, workflowID, patternID); err != nil {
		return "", meshcore.NewMeshError("pattern.PromotePattern", "tracker", err)
	}
	if _, err := t.db.ExecContext(ctx, `
INSERT INTO promoted_workflows (workflow_id, pattern_id, agent_sequence, execution_count, promoted_at)
VALUES (?, ?, ?, 0, ?)
ON CONFLICT(workflow_id) DO NOTHING`, workflowID, patternID, joinSeq(agents), now); err != nil {
		return "", meshcore.NewMeshError("pattern.PromotePattern", "tracker", err)
	}
	return workflowID, nil
}

// GetPromotionCandidates returns every un-promoted pattern that has
// crossed the promotion threshold within the detection window, sorted
// by call_count descending.
func (t *Tracker) GetPromotionCandidates(ctx context.Context) ([]PromotionSuggestion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	cutoff := now - int64(t.detectionWindow/time.Second)

	var rows []TrackedPattern
	if err := t.db.SelectContext(ctx, &rows, `
SELECT pattern_id, agent_sequence, call_count, total_latency_ms, first_seen, last_called, promoted, workflow_id
FROM workflow_patterns
WHERE promoted=0 AND call_count >= ? AND last_called > ?
ORDER BY call_count DESC`, t.promotionThreshold, cutoff); err != nil {
		return nil, meshcore.NewMeshError("pattern.GetPromotionCandidates", "tracker", err)
	}

	out := make([]PromotionSuggestion, 0, len(rows))
	for _, r := range rows {
		agents := splitSeq(r.AgentSequence)
		s := t.buildSuggestion(r, agents, now)
		out = append(out, *s)
	}
	return out, nil
}

// GetPromotedWorkflows returns every promoted workflow.
func (t *Tracker) GetPromotedWorkflows(ctx context.Context) ([]PromotedWorkflow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rows []PromotedWorkflow
	if err := t.db.SelectContext(ctx, &rows, `SELECT workflow_id, pattern_id, agent_sequence, execution_count, promoted_at FROM promoted_workflows ORDER BY promoted_at ASC`); err != nil {
		return nil, meshcore.NewMeshError("pattern.GetPromotedWorkflows", "tracker", err)
	}
	return rows, nil
}

// RecordExecution increments the execution_count for workflowID.
func (t *Tracker) RecordExecution(ctx context.Context, workflowID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.db.ExecContext(ctx, `UPDATE promoted_workflows SET execution_count=execution_count+1 WHERE workflow_id=?`, workflowID)
	if err != nil {
		return meshcore.NewMeshError("pattern.RecordExecution", "tracker", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return meshcore.NewMeshError("pattern.RecordExecution", "tracker", meshcore.ErrWorkflowNotFound)
	}
	return nil
}

// Stats returns the tracked/promoted pattern counts.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	row := t.db.QueryRowxContext(ctx, `SELECT COUNT(*), COALESCE(SUM(promoted),0) FROM workflow_patterns`)
	if err := row.Scan(&s.TrackedPatterns, &s.PromotedPatterns); err != nil {
		return Stats{}, meshcore.NewMeshError("pattern.Stats", "tracker", err)
	}
	return s, nil
}

// Cleanup removes observations/detected-sequences older than the cutoff
// day count, and un-promoted patterns older than the cutoff whose
// call_count is still below the promotion threshold.
func (t *Tracker) Cleanup(ctx context.Context, days int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()

	if _, err := t.db.ExecContext(ctx, `DELETE FROM pattern_observations WHERE observed_at < ?`, cutoff); err != nil {
		return meshcore.NewMeshError("pattern.Cleanup", "tracker", err)
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM detected_sequences WHERE detected_at < ?`, cutoff); err != nil {
		return meshcore.NewMeshError("pattern.Cleanup", "tracker", err)
	}
	if _, err := t.db.ExecContext(ctx, `
DELETE FROM workflow_patterns WHERE last_called < ? AND promoted=0 AND call_count < ?`, cutoff, t.promotionThreshold); err != nil {
		return meshcore.NewMeshError("pattern.Cleanup", "tracker", err)
	}
	return nil
}
