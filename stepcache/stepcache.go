// Package stepcache implements the persistent, TTL-bounded, size-bounded,
// compressed content store keyed by (workstack_id, step_index, input
// hash). Metadata lives in a SQLite database; blob payloads live in
// per-entry files so the metadata database never has to hold large
// content.
package stepcache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/repr0bated/agentmesh/fingerprint"
	"github.com/repr0bated/agentmesh/meshcore"
)

const compressMinSize = 1024

// CacheEntry mirrors the persisted workstack_step_cache row.
type CacheEntry struct {
	CacheKey     string `db:"cache_key"`
	WorkstackID  string `db:"workstack_id"`
	StepIndex    uint32 `db:"step_index"`
	InputHash    string `db:"input_hash"`
	BlobPath     string `db:"blob_path"`
	CreatedAt    int64  `db:"created_at"`
	ExpiresAt    int64  `db:"expires_at"`
	LastAccessed int64  `db:"last_accessed"`
	AccessCount  uint32 `db:"access_count"`
	SizeBytes    uint64 `db:"size_bytes"`
	Compressed   bool   `db:"compressed"`
}

// WorkstackMeta mirrors the persisted workstack_cache_meta row.
type WorkstackMeta struct {
	WorkstackID    string        `db:"workstack_id"`
	TotalEntries   uint64        `db:"total_entries"`
	TotalSizeBytes uint64        `db:"total_size_bytes"`
	HitCount       uint64        `db:"hit_count"`
	MissCount      uint64        `db:"miss_count"`
	LastHit        sql.NullInt64 `db:"last_hit"`
	LastMiss       sql.NullInt64 `db:"last_miss"`
}

// Stats is the aggregate view returned by Cache.Stats.
type Stats struct {
	TotalEntries     uint64
	TotalSizeBytes   uint64
	HotEntries       uint64
	ExpiredEntries   uint64
	TotalHits        uint64
	TotalMisses      uint64
	WorkstacksCached uint64
	HitRate          float64
}

// EvictionResult reports what CleanupExpired / EvictToSize did.
type EvictionResult struct {
	EntriesRemoved uint64
	BytesFreed     uint64
}

// Clock is overridable for deterministic tests (S5, S6 in the testable
// properties need fixed timestamps).
type Clock func() time.Time

// Cache is the Step Cache. All exported methods are safe for concurrent
// use; the underlying SQLite handle serializes writers, matching the
// single-writer-transaction policy the rest of the stack follows.
type Cache struct {
	db       *sqlx.DB
	dataDir  string
	compress bool
	hotAge   time.Duration
	logger   meshcore.Logger
	now      Clock

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu sync.Mutex // serializes blob+metadata write sequences
}

// Open creates (if needed) the cache database and blob directory under
// cacheDir/workflows and returns a ready Cache.
func Open(cacheDir string, compress bool, hotAge time.Duration, logger meshcore.Logger) (*Cache, error) {
	if logger == nil {
		logger = meshcore.NoOpLogger{}
	}
	workflowsDir := filepath.Join(cacheDir, "workflows")
	dataDir := filepath.Join(workflowsDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, meshcore.NewMeshError("stepcache.Open", "cache", err)
	}

	dbPath := filepath.Join(workflowsDir, "cache.db")
	db, err := sqlx.Connect("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, meshcore.NewMeshError("stepcache.Open", "cache", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded store

	if err := migrate(db); err != nil {
		db.Close()
		return nil, meshcore.NewMeshError("stepcache.Open", "cache", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, meshcore.NewMeshError("stepcache.Open", "cache", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, meshcore.NewMeshError("stepcache.Open", "cache", err)
	}

	return &Cache{
		db:       db,
		dataDir:  dataDir,
		compress: compress,
		hotAge:   hotAge,
		logger:   logger,
		now:      time.Now,
		encoder:  enc,
		decoder:  dec,
	}, nil
}

// Close releases the underlying database handle and compressors.
func (c *Cache) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.db.Close()
}

func migrate(db *sqlx.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS workstack_step_cache (
	cache_key     TEXT PRIMARY KEY,
	workstack_id  TEXT NOT NULL,
	step_index    INTEGER NOT NULL,
	input_hash    TEXT NOT NULL,
	blob_path     TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	access_count  INTEGER NOT NULL,
	size_bytes    INTEGER NOT NULL,
	compressed    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ssc_workstack ON workstack_step_cache(workstack_id);
CREATE INDEX IF NOT EXISTS idx_ssc_expires ON workstack_step_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_ssc_last_accessed ON workstack_step_cache(last_accessed DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ssc_lookup ON workstack_step_cache(workstack_id, step_index, input_hash);

CREATE TABLE IF NOT EXISTS workstack_cache_meta (
	workstack_id     TEXT PRIMARY KEY,
	total_entries    INTEGER NOT NULL DEFAULT 0,
	total_size_bytes INTEGER NOT NULL DEFAULT 0,
	hit_count        INTEGER NOT NULL DEFAULT 0,
	miss_count       INTEGER NOT NULL DEFAULT 0,
	last_hit         INTEGER,
	last_miss        INTEGER
);
`)
	return err
}

func (c *Cache) blobPath(cacheKey string) string {
	return filepath.Join(c.dataDir, cacheKey+".cache")
}

func (c *Cache) nowUnix() int64 { return c.now().Unix() }

// lookupRow finds a row by the natural (workstack, step, input hash) key.
func (c *Cache) lookupRow(ctx context.Context, workstackID string, stepIndex uint32, inputHash string) (*CacheEntry, error) {
	var e CacheEntry
	err := c.db.GetContext(ctx, &e,
		`SELECT cache_key, workstack_id, step_index, input_hash, blob_path, created_at, expires_at, last_accessed, access_count, size_bytes, compressed
		 FROM workstack_step_cache WHERE workstack_id=? AND step_index=? AND input_hash=?`,
		workstackID, stepIndex, inputHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the cached bytes for (workstackID, stepIndex, inputHash),
// or (nil, false) on miss or expiry. It updates access stats and the
// owning WorkstackMeta as a side effect.
func (c *Cache) Get(ctx context.Context, workstackID string, stepIndex uint32, inputHash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.lookupRow(ctx, workstackID, stepIndex, inputHash)
	if err != nil {
		c.logger.Warn("stepcache get failed, degrading to miss", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	if entry == nil {
		c.recordMiss(ctx, workstackID)
		return nil, false
	}
	if entry.ExpiresAt < c.nowUnix() {
		c.removeEntry(ctx, entry)
		c.recordMiss(ctx, workstackID)
		return nil, false
	}

	raw, err := os.ReadFile(entry.BlobPath)
	if err != nil {
		c.logger.Warn("stepcache blob missing, invalidating row", map[string]interface{}{"cache_key": entry.CacheKey})
		c.removeEntry(ctx, entry)
		c.recordMiss(ctx, workstackID)
		return nil, false
	}

	data := raw
	if entry.Compressed {
		decoded, derr := c.decoder.DecodeAll(raw, nil)
		if derr != nil {
			c.logger.Warn("stepcache blob corrupt, invalidating row", map[string]interface{}{"cache_key": entry.CacheKey})
			c.removeEntry(ctx, entry)
			c.recordMiss(ctx, workstackID)
			return nil, false
		}
		data = decoded
	}

	now := c.nowUnix()
	if _, err := c.db.ExecContext(ctx,
		`UPDATE workstack_step_cache SET last_accessed=?, access_count=access_count+1 WHERE cache_key=?`,
		now, entry.CacheKey); err != nil {
		c.logger.Warn("stepcache failed to update access stats", map[string]interface{}{"error": err.Error()})
	}
	c.recordHit(ctx, workstackID)
	return data, true
}

func (c *Cache) recordHit(ctx context.Context, workstackID string) {
	now := c.nowUnix()
	c.ensureMeta(ctx, workstackID)
	if _, err := c.db.ExecContext(ctx,
		`UPDATE workstack_cache_meta SET hit_count=hit_count+1, last_hit=? WHERE workstack_id=?`,
		now, workstackID); err != nil {
		c.logger.Warn("stepcache failed to record hit", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Cache) recordMiss(ctx context.Context, workstackID string) {
	now := c.nowUnix()
	c.ensureMeta(ctx, workstackID)
	if _, err := c.db.ExecContext(ctx,
		`UPDATE workstack_cache_meta SET miss_count=miss_count+1, last_miss=? WHERE workstack_id=?`,
		now, workstackID); err != nil {
		c.logger.Warn("stepcache failed to record miss", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Cache) ensureMeta(ctx context.Context, workstackID string) {
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO workstack_cache_meta (workstack_id) VALUES (?) ON CONFLICT(workstack_id) DO NOTHING`,
		workstackID); err != nil {
		c.logger.Warn("stepcache failed to create workstack meta", map[string]interface{}{"error": err.Error()})
	}
}

// Put stores bytes under (workstackID, stepIndex, inputHash). ttl of 0
// uses defaultTTL; a negative ttl produces an already-expired entry
// (used by callers that want to force expiry, per the TTL expiry
// scenario).
func (c *Cache) Put(ctx context.Context, workstackID string, stepIndex uint32, inputHash string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cacheKey := fingerprint.CacheKey(workstackID, stepIndex, inputHash)
	blobPath := c.blobPath(cacheKey)

	payload := data
	compressed := false
	if c.compress && len(data) > compressMinSize {
		enc := c.encoder.EncodeAll(data, nil)
		if len(enc) < len(data) {
			payload = enc
			compressed = true
		}
	}

	if err := os.WriteFile(blobPath, payload, 0o644); err != nil {
		return meshcore.NewMeshError("stepcache.Put", "cache", err)
	}

	now := c.nowUnix()
	expiresAt := now + int64(ttl/time.Second)

	c.ensureMeta(ctx, workstackID)
	_, err := c.db.ExecContext(ctx, `
INSERT INTO workstack_step_cache
	(cache_key, workstack_id, step_index, input_hash, blob_path, created_at, expires_at, last_accessed, access_count, size_bytes, compressed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
	blob_path=excluded.blob_path,
	expires_at=excluded.expires_at,
	last_accessed=excluded.last_accessed,
	size_bytes=excluded.size_bytes,
	compressed=excluded.compressed,
	access_count=workstack_step_cache.access_count+1
`, cacheKey, workstackID, stepIndex, inputHash, blobPath, now, expiresAt, now, uint64(len(payload)), compressed)
	if err != nil {
		_ = os.Remove(blobPath) // best-effort: don't orphan the blob we just wrote
		return meshcore.NewMeshError("stepcache.Put", "cache", err)
	}
	return nil
}

// removeEntry deletes the row and its blob file. Caller must hold c.mu.
func (c *Cache) removeEntry(ctx context.Context, e *CacheEntry) {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM workstack_step_cache WHERE cache_key=?`, e.CacheKey); err != nil {
		c.logger.Warn("stepcache failed to delete row", map[string]interface{}{"error": err.Error()})
	}
	_ = os.Remove(e.BlobPath)
}

// Invalidate removes one entry, if present.
func (c *Cache) Invalidate(ctx context.Context, workstackID string, stepIndex uint32, inputHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.lookupRow(ctx, workstackID, stepIndex, inputHash)
	if err != nil {
		return meshcore.NewMeshError("stepcache.Invalidate", "cache", err)
	}
	if entry == nil {
		return nil
	}
	c.removeEntry(ctx, entry)
	return nil
}

// InvalidateWorkstack removes every entry for workstackID and returns
// the count removed.
func (c *Cache) InvalidateWorkstack(ctx context.Context, workstackID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateWhere(ctx, `workstack_id=?`, workstackID)
}

// InvalidateStep removes every entry for (workstackID, stepIndex) and
// returns the count removed.
func (c *Cache) InvalidateStep(ctx context.Context, workstackID string, stepIndex uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateWhere(ctx, `workstack_id=? AND step_index=?`, workstackID, stepIndex)
}

func (c *Cache) invalidateWhere(ctx context.Context, where string, args ...interface{}) (int, error) {
	var entries []CacheEntry
	query := `SELECT cache_key, workstack_id, step_index, input_hash, blob_path, created_at, expires_at, last_accessed, access_count, size_bytes, compressed FROM workstack_step_cache WHERE ` + where
	if err := c.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return 0, meshcore.NewMeshError("stepcache.invalidateWhere", "cache", err)
	}
	for i := range entries {
		c.removeEntry(ctx, &entries[i])
	}
	return len(entries), nil
}

// CleanupExpired deletes every entry whose TTL has passed.
func (c *Cache) CleanupExpired(ctx context.Context) (EvictionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []CacheEntry
	if err := c.db.SelectContext(ctx, &entries,
		`SELECT cache_key, workstack_id, step_index, input_hash, blob_path, created_at, expires_at, last_accessed, access_count, size_bytes, compressed
		 FROM workstack_step_cache WHERE expires_at < ?`, c.nowUnix()); err != nil {
		return EvictionResult{}, meshcore.NewMeshError("stepcache.CleanupExpired", "cache", err)
	}

	var result EvictionResult
	for i := range entries {
		c.removeEntry(ctx, &entries[i])
		result.EntriesRemoved++
		result.BytesFreed += entries[i].SizeBytes
	}
	return result, nil
}

// EvictToSize deletes entries in ascending last_accessed order (ties
// broken by ascending created_at) until the cache's total size is at
// most maxBytes. It acquires the write lock once for the whole pass,
// not once per row.
func (c *Cache) EvictToSize(ctx context.Context, maxBytes uint64) (EvictionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint64
	if err := c.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(size_bytes),0) FROM workstack_step_cache`); err != nil {
		return EvictionResult{}, meshcore.NewMeshError("stepcache.EvictToSize", "cache", err)
	}
	if total <= maxBytes {
		return EvictionResult{}, nil
	}

	var entries []CacheEntry
	if err := c.db.SelectContext(ctx, &entries,
		`SELECT cache_key, workstack_id, step_index, input_hash, blob_path, created_at, expires_at, last_accessed, access_count, size_bytes, compressed
		 FROM workstack_step_cache ORDER BY last_accessed ASC, created_at ASC`); err != nil {
		return EvictionResult{}, meshcore.NewMeshError("stepcache.EvictToSize", "cache", err)
	}

	var result EvictionResult
	for i := range entries {
		if total <= maxBytes {
			break
		}
		c.removeEntry(ctx, &entries[i])
		total -= entries[i].SizeBytes
		result.EntriesRemoved++
		result.BytesFreed += entries[i].SizeBytes
	}
	return result, nil
}

// Stats returns the aggregate cache view.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	now := c.nowUnix()
	hotCutoff := now - int64(c.hotAge/time.Second)

	row := c.db.QueryRowxContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(size_bytes),0),
	COALESCE(SUM(CASE WHEN last_accessed > ? THEN 1 ELSE 0 END),0),
	COALESCE(SUM(CASE WHEN expires_at < ? THEN 1 ELSE 0 END),0)
FROM workstack_step_cache`, hotCutoff, now)
	if err := row.Scan(&s.TotalEntries, &s.TotalSizeBytes, &s.HotEntries, &s.ExpiredEntries); err != nil {
		return Stats{}, meshcore.NewMeshError("stepcache.Stats", "cache", err)
	}

	metaRow := c.db.QueryRowxContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(hit_count),0), COALESCE(SUM(miss_count),0) FROM workstack_cache_meta`)
	if err := metaRow.Scan(&s.WorkstacksCached, &s.TotalHits, &s.TotalMisses); err != nil {
		return Stats{}, meshcore.NewMeshError("stepcache.Stats", "cache", err)
	}

	if s.TotalHits+s.TotalMisses > 0 {
		s.HitRate = float64(s.TotalHits) / float64(s.TotalHits+s.TotalMisses)
	}
	return s, nil
}

// WorkstackStats returns per-workstack counters, or nil if the
// workstack has never been read (Get) or written (Put).
func (c *Cache) WorkstackStats(ctx context.Context, workstackID string) (*WorkstackMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var m WorkstackMeta
	err := c.db.GetContext(ctx, &m, `SELECT workstack_id, total_entries, total_size_bytes, hit_count, miss_count, last_hit, last_miss
		FROM workstack_cache_meta WHERE workstack_id=?`, workstackID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, meshcore.NewMeshError("stepcache.WorkstackStats", "cache", err)
	}

	var entryCount, size uint64
	row := c.db.QueryRowxContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM workstack_step_cache WHERE workstack_id=?`, workstackID)
	if err := row.Scan(&entryCount, &size); err != nil {
		return nil, meshcore.NewMeshError("stepcache.WorkstackStats", "cache", err)
	}
	m.TotalEntries = entryCount
	m.TotalSizeBytes = size
	return &m, nil
}

// SetClock overrides the cache's time source. Test-only hook.
func (c *Cache) SetClock(now Clock) { c.now = now }

// TopWorkstacks returns up to limit workstacks ranked by total entry
// size, largest first.
func (c *Cache) TopWorkstacks(ctx context.Context, limit int) ([]WorkstackMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []WorkstackMeta
	err := c.db.SelectContext(ctx, &rows, `
SELECT m.workstack_id, m.total_entries, m.total_size_bytes, m.hit_count, m.miss_count, m.last_hit, m.last_miss
FROM workstack_cache_meta m
LEFT JOIN (
	SELECT workstack_id, COUNT(*) AS cnt, COALESCE(SUM(size_bytes),0) AS bytes
	FROM workstack_step_cache GROUP BY workstack_id
) e ON e.workstack_id = m.workstack_id
ORDER BY COALESCE(e.bytes, 0) DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, meshcore.NewMeshError("stepcache.TopWorkstacks", "cache", err)
	}
	for i := range rows {
		var size uint64
		if err := c.db.GetContext(ctx, &size, `SELECT COALESCE(SUM(size_bytes),0) FROM workstack_step_cache WHERE workstack_id=?`, rows[i].WorkstackID); err == nil {
			rows[i].TotalSizeBytes = size
		}
	}
	return rows, nil
}
