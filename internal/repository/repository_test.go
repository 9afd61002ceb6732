package repository

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/isam/memengine"
	"github.com/isamap/isamap/internal/isam/sqlengine"
	"github.com/isamap/isamap/internal/mapping"
	"github.com/isamap/isamap/internal/seek"
)

type Stock struct {
	Symbol  string
	Name    string
	Price   float64
	Shares  int32
	Version int32
}

type Event struct {
	Id          uuid.UUID
	InstanceNum int32
	StartTime   time.Time
}

func stockMapping(t *testing.T) *mapping.EntityMapping[Stock] {
	t.Helper()
	b := mapping.New[Stock](nil, nil)
	b.Identity(func(s *Stock) any { return &s.Symbol })
	b.Field(func(s *Stock) any { return &s.Name }).NotNull()
	b.Field(func(s *Stock) any { return &s.Price })
	b.Field(func(s *Stock) any { return &s.Shares })
	b.Version(func(s *Stock) any { return &s.Version })
	b.IndexOn(func(s *Stock) any { return &s.Name }, "Name").AllowNull(false)
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func eventMapping(t *testing.T) *mapping.EntityMapping[Event] {
	t.Helper()
	b := mapping.New[Event](nil, nil)
	b.Identity(func(e *Event) any { return &e.Id })
	b.Field(func(e *Event) any { return &e.InstanceNum })
	b.Field(func(e *Event) any { return &e.StartTime })
	b.IndexOn(func(e *Event) any { return &e.StartTime }, "StartTime")
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

type fixture struct {
	repo   *Repository
	stocks *Table[Stock]
	events *Table[Event]
}

func open(t *testing.T, e isam.Engine, opts ...Option) *fixture {
	t.Helper()
	repo := New(e, opts...)
	t.Cleanup(func() { _ = repo.Close() })
	stocks, err := Register(repo, stockMapping(t))
	require.NoError(t, err)
	events, err := Register(repo, eventMapping(t))
	require.NoError(t, err)
	require.NoError(t, repo.Init(context.Background()))
	return &fixture{repo: repo, stocks: stocks, events: events}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, f *fixture)) {
	engines := map[string]func(t *testing.T) isam.Engine{
		"memengine": func(t *testing.T) isam.Engine { return memengine.New() },
		"sqlengine": func(t *testing.T) isam.Engine {
			e, err := sqlengine.Open(filepath.Join(t.TempDir(), "repo.db"))
			require.NoError(t, err)
			return e
		},
	}
	for name, engine := range engines {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t, engine(t)))
		})
	}
}

func collect[T any](t *testing.T, seq iter.Seq2[*T, error]) []*T {
	t.Helper()
	var out []*T
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func symbols(stocks []*Stock) []string {
	out := make([]string, len(stocks))
	for i, s := range stocks {
		out[i] = s.Symbol
	}
	return out
}

func TestCRUD(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		msft := &Stock{Symbol: "MSFT", Name: "Microsoft", Price: 415.5, Shares: 100}
		require.NoError(t, f.stocks.Add(ctx, msft))

		got, err := f.stocks.Get(ctx, "MSFT")
		require.NoError(t, err)
		assert.Equal(t, "Microsoft", got.Name)
		assert.Equal(t, int32(1), got.Version)

		got.Price = 420
		require.NoError(t, f.stocks.Update(ctx, got))
		got, err = f.stocks.Get(ctx, "MSFT")
		require.NoError(t, err)
		assert.Equal(t, 420.0, got.Price)
		assert.Equal(t, int32(2), got.Version)

		require.NoError(t, f.stocks.Delete(ctx, got))
		_, err = f.stocks.Get(ctx, "MSFT")
		assert.True(t, apperrors.IsRecordNotFound(err))
		assert.True(t, apperrors.IsRecordNotFound(f.stocks.Delete(ctx, got)))
		assert.True(t, apperrors.IsRecordNotFound(f.stocks.Update(ctx, got)))
	})
}

func TestAddRejectsDuplicates(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: "IBM", Name: "IBM"}))
		err := f.stocks.Add(ctx, &Stock{Symbol: "IBM", Name: "Other"})
		assert.ErrorIs(t, err, isam.ErrKeyDuplicate)

		n, err := f.stocks.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestIterationAndReads(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		first, err := f.stocks.ReadFirst(ctx)
		require.NoError(t, err)
		assert.Nil(t, first)

		for _, sym := range []string{"ORCL", "AAPL", "MSFT", "IBM"} {
			require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: sym, Name: sym + " Corp"}))
		}

		assert.Equal(t, []string{"AAPL", "IBM", "MSFT", "ORCL"}, symbols(collect(t, f.stocks.Iterate(ctx))))

		first, err = f.stocks.ReadFirst(ctx)
		require.NoError(t, err)
		assert.Equal(t, "AAPL", first.Symbol)

		var visited []string
		require.NoError(t, f.stocks.ReadAll(ctx, func(s *Stock) bool {
			visited = append(visited, s.Symbol)
			return len(visited) < 2
		}))
		assert.Equal(t, []string{"AAPL", "IBM"}, visited)

		byName := collect(t, f.stocks.IterateOver(ctx, seek.BoundedOn("Name",
			func(s *Stock) any { return &s.Name }, "B", "N")))
		assert.Equal(t, []string{"IBM", "MSFT"}, symbols(byName))

		n, err := f.stocks.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestBreakReleasesResources(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		for _, sym := range []string{"A", "B", "C"} {
			require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: sym, Name: sym}))
		}
		for s, err := range f.stocks.Iterate(ctx) {
			require.NoError(t, err)
			assert.Equal(t, "A", s.Symbol)
			break
		}
		require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: "D", Name: "D"}))
		n, err := f.stocks.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestDeleteWhileIteratingRange(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		today := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
		yesterday := today.AddDate(0, 0, -1)
		tomorrow := today.AddDate(0, 0, 1)
		var n int32
		for _, day := range []time.Time{yesterday, today, tomorrow} {
			for i := 0; i < 5; i++ {
				n++
				require.NoError(t, f.events.Add(ctx, &Event{
					Id:          uuid.New(),
					InstanceNum: n,
					StartTime:   day.Add(time.Duration(i) * time.Hour),
				}))
			}
		}

		startTime := func(e *Event) any { return &e.StartTime }
		yesterdays := seek.BoundedOn("StartTime", startTime, yesterday, today.Add(-time.Nanosecond))

		deleted := 0
		for e, err := range f.events.IterateOver(ctx, yesterdays) {
			require.NoError(t, err)
			require.NoError(t, f.events.Delete(ctx, e))
			deleted++
		}
		assert.Equal(t, 5, deleted)
		assert.Empty(t, collect(t, f.events.IterateOver(ctx, yesterdays)))

		todays := collect(t, f.events.IterateOver(ctx,
			seek.BoundedOn("StartTime", startTime, today, tomorrow.Add(-time.Nanosecond))))
		require.Len(t, todays, 5)
		for i, e := range todays {
			assert.Equal(t, int32(6+i), e.InstanceNum)
		}

		total, err := f.events.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, total)
	})
}

func TestLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	repo := New(memengine.New())
	stocks, err := Register(repo, stockMapping(t))
	require.NoError(t, err)

	assert.ErrorIs(t, stocks.Add(ctx, &Stock{Symbol: "X", Name: "X"}), ErrNotInitialized)
	_, err = Register(repo, stockMapping(t))
	assert.True(t, apperrors.IsMappingDefinition(err))

	require.NoError(t, repo.Init(ctx))
	assert.ErrorIs(t, repo.Init(ctx), ErrAlreadyInitialized)
	_, err = Register(repo, eventMapping(t))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
	_, err = stocks.Get(ctx, "X")
	assert.ErrorIs(t, err, ErrClosed)
	for _, err := range stocks.Iterate(ctx) {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestInitIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	e, err := sqlengine.Open(path)
	require.NoError(t, err)
	f := open(t, e)
	require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: "MSFT", Name: "Microsoft"}))
	require.NoError(t, f.repo.Close())

	e, err = sqlengine.Open(path)
	require.NoError(t, err)
	f = open(t, e)
	got, err := f.stocks.Get(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "Microsoft", got.Name)
}

func TestExecuteInTransaction_RetriesWriteConflicts(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := open(t, memengine.New(), WithRetry(3, time.Millisecond), WithLogger(zap.New(core).Sugar()))

	calls := 0
	err := f.repo.ExecuteInTransaction(context.Background(), func(sess isam.Session) error {
		calls++
		if calls < 3 {
			return isam.ErrWriteConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, logs.FilterMessage("retrying after write conflict").Len())
}

func TestExecuteInTransaction_GivesUp(t *testing.T) {
	f := open(t, memengine.New(), WithRetry(1, time.Millisecond))

	calls := 0
	err := f.repo.ExecuteInTransaction(context.Background(), func(sess isam.Session) error {
		calls++
		return isam.ErrWriteConflict
	})
	assert.Equal(t, 2, calls)
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, isam.ErrWriteConflict)
}

func TestExecuteInTransaction_NoRetryForOtherErrors(t *testing.T) {
	f := open(t, memengine.New(), WithRetry(3, time.Millisecond))

	boom := errors.New("boom")
	calls := 0
	err := f.repo.ExecuteInTransaction(context.Background(), func(sess isam.Session) error {
		calls++
		return boom
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
}

func TestExecuteInTransaction_RollsBackOnError(t *testing.T) {
	f := open(t, memengine.New())
	ctx := context.Background()

	err := f.repo.ExecuteInTransaction(ctx, func(sess isam.Session) error {
		cur, err := sess.OpenTable("Stock")
		if err != nil {
			return err
		}
		defer cur.Close()
		if err := f.stocks.x.Insert(cur, &Stock{Symbol: "TMP", Name: "Temp"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	_, err = f.stocks.Get(ctx, "TMP")
	assert.True(t, apperrors.IsRecordNotFound(err))
}

func TestWriteConflictWithAnotherSession(t *testing.T) {
	e := memengine.New()
	f := open(t, e, WithRetry(6, 10*time.Millisecond))
	ctx := context.Background()

	other, err := e.BeginSession(ctx)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Begin())
	cur, err := other.OpenTable("Stock")
	require.NoError(t, err)
	require.NoError(t, f.stocks.x.Insert(cur, &Stock{Symbol: "HELD", Name: "Held"}))
	require.NoError(t, cur.Close())

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = other.Commit()
		close(released)
	}()

	require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: "NEXT", Name: "Next"}))
	<-released
	n, err := f.stocks.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	f := open(t, memengine.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.repo.ExecuteInTransaction(ctx, func(sess isam.Session) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterLogsMappingDump(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	open(t, memengine.New(), WithLogger(zap.New(core).Sugar()))

	entries := logs.FilterMessage("mapping registered").FilterField(zap.String("table", "Stock")).All()
	require.Len(t, entries, 1)
	dump, ok := entries[0].ContextMap()["mapping"].(string)
	require.True(t, ok)
	assert.Contains(t, dump, "Symbol")
	assert.Contains(t, dump, "Name")
	assert.Contains(t, dump, stockMapping(t).Fingerprint())
}

func TestRegisterSkipsDumpAboveDebug(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	open(t, memengine.New(), WithLogger(zap.New(core).Sugar()))
	assert.Zero(t, logs.FilterMessage("mapping registered").Len())
}

func TestReadAllVisitsEachRecordOnceWhileAnotherSessionWrites(t *testing.T) {
	e := memengine.New()
	f := open(t, e, WithRetry(3, time.Millisecond))
	ctx := context.Background()
	for _, sym := range []string{"A", "B", "C"} {
		require.NoError(t, f.stocks.Add(ctx, &Stock{Symbol: sym, Name: sym}))
	}

	other, err := e.BeginSession(ctx)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Begin())
	cur, err := other.OpenTable("Stock")
	require.NoError(t, err)
	require.NoError(t, f.stocks.x.Insert(cur, &Stock{Symbol: "HELD", Name: "Held"}))
	require.NoError(t, cur.Close())

	var visited []string
	require.NoError(t, f.stocks.ReadAll(ctx, func(s *Stock) bool {
		visited = append(visited, s.Symbol)
		return true
	}))
	// memengine reads see other sessions' uncommitted rows.
	assert.Equal(t, []string{"A", "B", "C", "HELD"}, visited)
	require.NoError(t, other.Rollback())
}
