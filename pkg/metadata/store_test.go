package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/snapfolder/pkg/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func dirRecord(addr, name string, members ...string) *models.MetadataRecord {
	rec := &models.MetadataRecord{
		Address:     models.Address(addr),
		OwnerID:     "alice",
		Kind:        models.KindDirectory,
		DisplayName: name,
		Members:     models.Members{},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	for _, m := range members {
		rec.Members = append(rec.Members, models.DirectoryMember{RelativePath: m, DisplayName: m, Size: 1})
	}
	return rec
}

func newStore(t *testing.T, relay Relay, clk *clock) (*Store, *LocalCache) {
	t.Helper()
	cache, err := OpenLocalCache("")
	require.NoError(t, err)
	s := NewStore(Config{
		Cache:   cache,
		Relay:   relay,
		OwnerID: "alice",
		Now:     clk.Now,
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(s.Close)
	return s, cache
}

func seed(t *testing.T, cache *LocalCache, at time.Time, recs ...*models.MetadataRecord) {
	t.Helper()
	require.NoError(t, cache.Update(at, func(records map[models.Address]*models.MetadataRecord) {
		for _, r := range recs {
			records[r.Address] = r.Clone()
		}
	}))
}

func TestGet_WithinWindowNeverTouchesRelay(t *testing.T) {
	relay := NewMemoryRelay()
	clk := &clock{now: t0.Add(time.Minute)}
	s, cache := newStore(t, relay, clk)
	seed(t, cache, t0, dirRecord("bafyD", "docs", "a.txt"))

	got := s.Get(context.Background(), "bafyD")
	require.NotNil(t, got)
	assert.Equal(t, "docs", got.DisplayName)

	s.Wait()
	assert.Zero(t, relay.Calls("list"))
	assert.Zero(t, relay.Calls("get"))
}

func TestGet_StaleReturnsImmediatelyAndRefreshesOnce(t *testing.T) {
	relay := NewMemoryRelay()
	remote := dirRecord("bafyD", "docs (renamed)")
	require.NoError(t, relay.PutRecord(context.Background(), remote))

	release := make(chan struct{})
	relay.SetHook(func(op string) {
		if op == "list" {
			<-release
		}
	})

	clk := &clock{now: t0.Add(6 * time.Minute)}
	s, cache := newStore(t, relay, clk)
	seed(t, cache, t0, dirRecord("bafyD", "docs", "a.txt", "b.txt"))

	// The refresh is blocked, so these must be served from the cache.
	for i := 0; i < 3; i++ {
		got := s.Get(context.Background(), "bafyD")
		require.NotNil(t, got)
		assert.Equal(t, "docs", got.DisplayName)
	}

	close(release)
	s.Wait()
	assert.Equal(t, 1, relay.Calls("list"))

	// Remote wins the name, local wins the members.
	got := s.Get(context.Background(), "bafyD")
	require.NotNil(t, got)
	assert.Equal(t, "docs (renamed)", got.DisplayName)
	assert.Len(t, got.Members, 2)

	s.Wait()
	assert.Equal(t, 1, relay.Calls("list"), "fresh cache must not refresh again")
}

func TestGet_MissFallsBackToRelay(t *testing.T) {
	relay := NewMemoryRelay()
	require.NoError(t, relay.PutRecord(context.Background(), dirRecord("bafyR", "remote", "x")))

	clk := &clock{now: t0}
	s, cache := newStore(t, relay, clk)
	seed(t, cache, t0)

	got := s.Get(context.Background(), "bafyR")
	require.NotNil(t, got)
	assert.Equal(t, "remote", got.DisplayName)
	assert.NotNil(t, cache.Get("bafyR"), "relay answer should be cached")

	assert.Nil(t, s.Get(context.Background(), "bafyNope"))
}

func TestGet_NeverFails(t *testing.T) {
	relay := NewMemoryRelay()
	relay.SetFailure(errors.New("relay down"))

	s, _ := newStore(t, relay, &clock{now: t0})
	assert.Nil(t, s.Get(context.Background(), "bafyX"))

	local, _ := newStore(t, nil, &clock{now: t0})
	assert.Nil(t, local.Get(context.Background(), "bafyX"))
}

func TestPut_LocalSucceedsWhenRelayFails(t *testing.T) {
	relay := NewMemoryRelay()
	relay.SetFailure(errors.New("relay down"))
	s, cache := newStore(t, relay, &clock{now: t0})

	rec := &models.MetadataRecord{Address: "bafyF", Kind: models.KindFile, DisplayName: "f.txt", Size: 3}
	require.NoError(t, s.Put(context.Background(), rec))

	got := cache.Get("bafyF")
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, 1, relay.Calls("put"))
}

func TestPut_DirectoryMembersNeverNil(t *testing.T) {
	s, cache := newStore(t, nil, &clock{now: t0})
	require.NoError(t, s.Put(context.Background(), &models.MetadataRecord{Address: "bafyD", Kind: models.KindDirectory}))
	got := cache.Get("bafyD")
	require.NotNil(t, got)
	assert.NotNil(t, got.Members)
}

func TestRemove_Tolerant(t *testing.T) {
	relay := NewMemoryRelay()
	s, cache := newStore(t, relay, &clock{now: t0})
	require.NoError(t, s.Put(context.Background(), dirRecord("bafyD", "d")))

	relay.SetFailure(errors.New("relay down"))
	s.Remove(context.Background(), "bafyD")
	assert.Nil(t, cache.Get("bafyD"))

	s.Remove(context.Background(), "bafyNeverExisted")
}

func TestList_FiltersOwnerAndSortsNewestFirst(t *testing.T) {
	s, cache := newStore(t, nil, &clock{now: t0})
	older := dirRecord("bafyOld", "old")
	newer := dirRecord("bafyNew", "new")
	newer.CreatedAt = t0.Add(time.Hour)
	other := dirRecord("bafyBob", "bob's")
	other.OwnerID = "bob"
	seed(t, cache, t0, older, newer, other)

	got := s.List(context.Background())
	require.Len(t, got, 2)
	assert.Equal(t, models.Address("bafyNew"), got[0].Address)
	assert.Equal(t, models.Address("bafyOld"), got[1].Address)
}

func TestList_EmptyCachePullsFromRelay(t *testing.T) {
	relay := NewMemoryRelay()
	require.NoError(t, relay.PutRecord(context.Background(), dirRecord("bafyD", "docs")))

	s, _ := newStore(t, relay, &clock{now: t0})
	got := s.List(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, 1, relay.Calls("list"))
}

func TestMerge(t *testing.T) {
	local := dirRecord("bafyD", "local name", "a", "b")
	remote := dirRecord("bafyD", "remote name")
	remote.Members = nil

	merged := Merge(local, remote)
	assert.Equal(t, "remote name", merged.DisplayName)
	assert.Len(t, merged.Members, 2)

	merged = Merge(nil, remote)
	assert.NotNil(t, merged.Members)
	assert.Empty(t, merged.Members)

	assert.Equal(t, "local name", Merge(local, nil).DisplayName)
}

func TestLocalCache_PersistsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "metadata.json")

	c, err := OpenLocalCache(path)
	require.NoError(t, err)
	require.NoError(t, c.Put(dirRecord("bafyD", "docs", "a.txt")))
	require.NoError(t, c.Update(t0, func(map[models.Address]*models.MetadataRecord) {}))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	reopened, err := OpenLocalCache(path)
	require.NoError(t, err)
	assert.Equal(t, t0, reopened.UpdatedAt().UTC())
	got := reopened.Get("bafyD")
	require.NotNil(t, got)
	assert.Len(t, got.Members, 1)
}

func TestLocalCache_LegacyAndCorruptDocuments(t *testing.T) {
	dir := t.TempDir()

	legacy := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{
		"updated_at": "2025-03-01T12:00:00Z",
		"records": {
			"bafyD": {"address": "bafyD", "kind": "directory", "display_name": "docs",
			          "members": "[{\"relative_path\":\"a.txt\",\"display_name\":\"a.txt\",\"size\":10}]"},
			"bafyE": {"address": "bafyE", "kind": "directory", "display_name": "broken", "members": "not json"}
		}
	}`), 0600))

	c, err := OpenLocalCache(legacy)
	require.NoError(t, err)
	d := c.Get("bafyD")
	require.NotNil(t, d)
	require.Len(t, d.Members, 1)
	assert.Equal(t, uint64(10), d.Members[0].Size)

	e := c.Get("bafyE")
	require.NotNil(t, e)
	assert.NotNil(t, e.Members)
	assert.Empty(t, e.Members)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{{{"), 0600))
	c, err = OpenLocalCache(corrupt)
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}

func TestLocalCache_ReturnsCopies(t *testing.T) {
	c, err := OpenLocalCache("")
	require.NoError(t, err)
	require.NoError(t, c.Put(dirRecord("bafyD", "docs", "a")))

	got := c.Get("bafyD")
	got.Members[0].RelativePath = "mutated"
	got.DisplayName = "mutated"

	again := c.Get("bafyD")
	assert.Equal(t, "docs", again.DisplayName)
	assert.Equal(t, "a", again.Members[0].RelativePath)
}

func TestRefresh_DoesNotResurrectRemovedRecords(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()
	s, cache := newStore(t, relay, &clock{now: t0})
	require.NoError(t, s.Put(ctx, dirRecord("bafyOld", "docs")))

	relay.SetFailure(errors.New("relay down"))
	s.Remove(ctx, "bafyOld")
	relay.SetFailure(nil)

	require.NoError(t, s.Refresh(ctx))
	assert.Nil(t, cache.Get("bafyOld"), "relay still lists it, but it was removed locally")
	assert.Nil(t, s.Get(ctx, "bafyOld"))

	// Once the relay forgets it, a later put of the same address is honored.
	require.NoError(t, relay.DeleteRecord(ctx, "bafyOld"))
	require.NoError(t, s.Refresh(ctx))
	require.NoError(t, s.Put(ctx, dirRecord("bafyOld", "docs again")))
	assert.NotNil(t, cache.Get("bafyOld"))
}
