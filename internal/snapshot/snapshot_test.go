package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/isam/memengine"
	"github.com/isamap/isamap/internal/mapping"
	"github.com/isamap/isamap/internal/repository"
	"github.com/isamap/isamap/internal/snapshot"
	"github.com/isamap/isamap/internal/storage"
)

type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
}

func quoteMapping(t *testing.T) *mapping.EntityMapping[Quote] {
	t.Helper()
	b := mapping.New[Quote](nil, nil)
	b.Identity(func(q *Quote) any { return &q.Symbol })
	b.Field(func(q *Quote) any { return &q.Bid })
	b.Field(func(q *Quote) any { return &q.Ask })
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func openQuotes(t *testing.T, e *memengine.Engine) *repository.Table[Quote] {
	t.Helper()
	repo := repository.New(e)
	quotes, err := repository.Register(repo, quoteMapping(t))
	require.NoError(t, err)
	require.NoError(t, repo.Init(context.Background()))
	return quotes
}

// tick returns a clock advancing one second per call.
func tick() func() time.Time {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func newStore(t *testing.T, opts ...snapshot.Option) (*snapshot.Store, *storage.LocalStorage) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return snapshot.NewStore(st, "market", append([]snapshot.Option{snapshot.WithClock(tick())}, opts...)...), st
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	src := memengine.New()
	quotes := openQuotes(t, src)
	require.NoError(t, quotes.Add(ctx, &Quote{Symbol: "MSFT", Bid: 410.1, Ask: 410.3}))
	require.NoError(t, quotes.Add(ctx, &Quote{Symbol: "AAPL", Bid: 171.5, Ask: 171.6}))

	info, err := store.Save(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "market/20240301T093001.000000000Z.snap", info.Key)
	assert.NotEmpty(t, info.ETag)
	assert.Positive(t, info.Bytes)

	dst := memengine.New()
	key, err := store.Load(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, info.Key, key)

	restored := openQuotes(t, dst)
	got, err := restored.Get(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, Quote{Symbol: "MSFT", Bid: 410.1, Ask: 410.3}, *got)
	n, err := restored.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSavePrunesBeyondRetention(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, snapshot.WithRetain(2))
	src := memengine.New()
	quotes := openQuotes(t, src)

	for i := 0; i < 4; i++ {
		require.NoError(t, quotes.Add(ctx, &Quote{Symbol: string(rune('A' + i))}))
		_, err := store.Save(ctx, src)
		require.NoError(t, err)
	}

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"market/20240301T093003.000000000Z.snap",
		"market/20240301T093004.000000000Z.snap",
	}, keys)

	dst := memengine.New()
	_, err = store.Load(ctx, dst)
	require.NoError(t, err)
	n, err := openQuotes(t, dst).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLoadKeyRestoresOlderSnapshot(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, snapshot.WithRetain(0))
	src := memengine.New()
	quotes := openQuotes(t, src)

	require.NoError(t, quotes.Add(ctx, &Quote{Symbol: "IBM"}))
	first, err := store.Save(ctx, src)
	require.NoError(t, err)
	require.NoError(t, quotes.Add(ctx, &Quote{Symbol: "ORCL"}))
	_, err = store.Save(ctx, src)
	require.NoError(t, err)

	dst := memengine.New()
	require.NoError(t, store.LoadKey(ctx, first.Key, dst))
	n, err := openQuotes(t, dst).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoadWithoutSnapshot(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.Load(context.Background(), memengine.New())
	assert.True(t, storage.IsNotFound(err), "got %v", err)

	err = store.LoadKey(context.Background(), "market/absent.snap", memengine.New())
	assert.True(t, storage.IsNotFound(err), "got %v", err)
}

func TestListIgnoresForeignObjects(t *testing.T) {
	ctx := context.Background()
	store, st := newStore(t)

	_, err := store.Save(ctx, memengine.New())
	require.NoError(t, err)
	other := snapshot.NewStore(st, "market/archive", snapshot.WithClock(tick()))
	_, err = other.Save(ctx, memengine.New())
	require.NoError(t, err)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"market/20240301T093001.000000000Z.snap"}, keys)
}

func TestSaveRefusedDuringWrite(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	store, _ := newStore(t, snapshot.WithLogger(zap.New(core).Sugar()))

	e := memengine.New()
	sess, err := e.BeginSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.Begin())
	cur, err := sess.CreateTable("Pending", 0)
	require.NoError(t, err)
	defer cur.Close()

	_, err = store.Save(ctx, e)
	assert.ErrorIs(t, err, isam.ErrWriteConflict)
	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, logs.FilterMessage("snapshot saved").Len())

	require.NoError(t, sess.Rollback())
	_, err = store.Save(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("snapshot saved").Len())
}
