package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

func testManager(t *testing.T, mutate func(*config.SessionConfig)) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.SessionConfig{
		DefaultTTLSeconds:      3600,
		MaxTTLSeconds:          86400,
		CleanupIntervalSeconds: 300,
		MaxSessionsPerAgent:    100,
		StoreDir:               dir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	m := NewManager(cfg, store, nil)
	m.Start()
	t.Cleanup(m.Stop)
	return m, dir
}

func TestCreateAndGet(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	info, err := m.Create(ctx, "writer", "c1", 0, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.SessionID)
	require.NotNil(t, info.ExpiresAt)

	got, err := m.Get(ctx, info.SessionID, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "writer", got.AgentID)
	assert.Equal(t, "c1", got.CorrelationID)
	assert.Equal(t, "v", got.Metadata["k"])

	missing, err := m.Get(ctx, "nope", false)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTTLClamped(t *testing.T) {
	m, _ := testManager(t, func(c *config.SessionConfig) {
		c.MaxTTLSeconds = 60
		c.DefaultTTLSeconds = 30
	})
	ctx := context.Background()

	info, err := m.Create(ctx, "writer", "", 10_000, nil)
	require.NoError(t, err)
	require.NotNil(t, info.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), *info.ExpiresAt, 5*time.Second)
}

func TestPerAgentCap(t *testing.T) {
	m, _ := testManager(t, func(c *config.SessionConfig) {
		c.MaxSessionsPerAgent = 2
	})
	ctx := context.Background()

	_, err := m.Create(ctx, "writer", "", 0, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "writer", "", 0, nil)
	require.NoError(t, err)

	_, err = m.Create(ctx, "writer", "", 0, nil)
	require.Error(t, err)
	var pe *a2a.ProxyError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, a2a.CodeInvalidParams, pe.Code)

	// Other agents are unaffected.
	_, err = m.Create(ctx, "critic", "", 0, nil)
	assert.NoError(t, err)
}

func TestPerAgentCapUnderConcurrentCreates(t *testing.T) {
	m, _ := testManager(t, func(c *config.SessionConfig) {
		c.MaxSessionsPerAgent = 2
	})
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	var created atomic.Int32
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, "writer", "", 0, nil); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), created.Load())
	sessions, err := m.List(ctx, "writer", false)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestExpiredInvisibleAndLazilyDeleted(t *testing.T) {
	m, dir := testManager(t, nil)
	ctx := context.Background()

	info, err := m.Create(ctx, "writer", "", 0, nil)
	require.NoError(t, err)

	// Force the record into the past.
	past := time.Now().UTC().Add(-time.Minute)
	info.ExpiresAt = &past
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Update(ctx, info)
	require.NoError(t, err)

	got, err := m.Get(ctx, info.SessionID, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Lazy delete removed the file.
	_, err = os.Stat(filepath.Join(dir, info.SessionID+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtend(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	info, err := m.Create(ctx, "writer", "", 60, nil)
	require.NoError(t, err)

	ok, err := m.Extend(ctx, info.SessionID, 7200)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Get(ctx, info.SessionID, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, time.Now().Add(7200*time.Second), *got.ExpiresAt, 5*time.Second)

	ok, err = m.Extend(ctx, "missing", 60)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetByCorrelationID(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	created, err := m.Create(ctx, "writer", "c42", 0, nil)
	require.NoError(t, err)

	got, err := m.GetByCorrelationID(ctx, "c42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.SessionID, got.SessionID)

	got, err = m.GetByCorrelationID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStatsAndList(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "writer", "", 0, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "writer", "", 0, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "critic", "", 0, nil)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 3, stats.ActiveSessions)
	assert.Equal(t, 2, stats.SessionsByAgent["writer"])

	writers, err := m.List(ctx, "writer", false)
	require.NoError(t, err)
	assert.Len(t, writers, 2)
}

func TestCleanupExpired(t *testing.T) {
	m, dir := testManager(t, nil)
	ctx := context.Background()

	info, err := m.Create(ctx, "writer", "", 0, nil)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	info.ExpiresAt = &past
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Update(ctx, info)
	require.NoError(t, err)

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMalformedFileReadsAsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644))

	got, err := store.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Malformed files are skipped by List too.
	sessions, err := store.List(context.Background(), "", true)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFileStoreAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	now := time.Now().UTC()
	info := &Info{SessionID: "s1", AgentID: "writer", CreatedAt: now, LastActivity: now}
	require.NoError(t, store.Create(context.Background(), info))

	// No temp files survive a completed write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

// Session ids arrive from the URL; ones that would escape the store
// directory are refused outright.
func TestFileStoreRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	ctx := context.Background()

	outside := filepath.Join(dir, "escape.json")
	require.NoError(t, os.WriteFile(outside, []byte(`{"sessionId":"escape"}`), 0644))

	for _, id := range []string{"../escape", "a/b", `a\b`, "..", ""} {
		now := time.Now().UTC()
		err := store.Create(ctx, &Info{SessionID: id, AgentID: "writer", CreatedAt: now, LastActivity: now})
		assert.Error(t, err, "id %q", id)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, "id %q", id)

		deleted, err := store.Delete(ctx, id)
		require.NoError(t, err)
		assert.False(t, deleted, "id %q", id)
	}

	// The file outside the store directory is untouched.
	_, err = os.Stat(outside)
	assert.NoError(t, err)
}

func TestCreateAfterStop(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	m := NewManager(config.SessionConfig{
		DefaultTTLSeconds: 60, MaxTTLSeconds: 120,
		CleanupIntervalSeconds: 300, MaxSessionsPerAgent: 10,
	}, store, nil)
	m.Start()
	m.Stop()

	_, err = m.Create(context.Background(), "writer", "", 0, nil)
	assert.Error(t, err)
}
