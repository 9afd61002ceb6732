package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/isamap/isamap/internal/repository"
	"github.com/isamap/isamap/internal/seek"
)

const day = 24 * time.Hour

// batch sizes for the event walkthrough
type batch struct {
	Today     int
	Yesterday int
	Tomorrow  int
}

type sample struct {
	out    io.Writer
	stocks *repository.Table[Stock]
	events *repository.Table[Event]
	now    func() time.Time
	batch  batch
}

func (s *sample) run(ctx context.Context) error {
	steps := []func(context.Context) error{
		s.emptyStocks,
		s.addStocks,
		s.dumpByNoIndex,
		s.dumpByNameIndex,
		s.findByNames,
		s.addEvents,
		s.scanEvents,
		s.scanYesterday,
		s.deleteYesterday,
		s.scanToday,
		s.deleteToday,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *sample) emptyStocks(ctx context.Context) error {
	for st, err := range s.stocks.Iterate(ctx) {
		if err != nil {
			return err
		}
		if err := s.stocks.Delete(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *sample) addStocks(ctx context.Context) error {
	stocks := []*Stock{
		{Symbol: "SBUX", Name: "Starbucks", Price: 9.88, Shares: 0},
		{Symbol: "MSFT", Name: "Microsoft", Price: 19.65, Shares: 200},
		{Symbol: "AAPL", Name: "Apple", Price: 23.42, Shares: 200},
		{Symbol: "GOOG", Name: "Google", Price: 33.56, Shares: 20},
		{Symbol: "MMM", Name: "3M", Price: 98.23, Shares: 450},
		{Symbol: "IBM", Name: "IBM", Price: 65.00, Shares: 240},
	}
	for _, st := range stocks {
		if err := s.stocks.Add(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *sample) dump(st *Stock) {
	fmt.Fprintf(s.out, "Symbol = %s, Name = %s, Price = %.2f, Shares = %d\n", st.Symbol, st.Name, st.Price, st.Shares)
}

func (s *sample) dumpByNoIndex(ctx context.Context) error {
	fmt.Fprintln(s.out, "Dumping by no index")
	return s.stocks.ReadAll(ctx, func(st *Stock) bool {
		s.dump(st)
		return true
	})
}

func (s *sample) dumpByNameIndex(ctx context.Context) error {
	fmt.Fprintln(s.out, "Dumping by Name index")
	for st, err := range s.stocks.IterateOver(ctx, seek.IndexScan[Stock]("Name")) {
		if err != nil {
			return err
		}
		s.dump(st)
	}
	return nil
}

func (s *sample) findByNames(ctx context.Context) error {
	for _, name := range []string{"Google", "IBB"} {
		found := false
		rng := seek.ExactOn("Name", func(st *Stock) any { return &st.Name }, name)
		for _, err := range s.stocks.IterateOver(ctx, rng) {
			if err != nil {
				return err
			}
			found = true
			break
		}
		status := "Not Found"
		if found {
			status = "Found"
		}
		fmt.Fprintf(s.out, "Locating %s...%s\n", name, status)
	}
	return nil
}

func (s *sample) highestInstanceNum(ctx context.Context) (int32, error) {
	var highest int32
	for e, err := range s.events.Iterate(ctx) {
		if err != nil {
			return 0, err
		}
		highest = max(highest, e.InstanceNum)
	}
	return highest, nil
}

func (s *sample) addEvents(ctx context.Context) error {
	num, err := s.highestInstanceNum(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, b := range []struct {
		label string
		n     int
		at    time.Time
	}{
		{"", s.batch.Today, now},
		{" for yesterday", s.batch.Yesterday, now.Add(-day)},
		{" for tomorrow", s.batch.Tomorrow, now.Add(day)},
	} {
		fmt.Fprintf(s.out, "Adding %d events%s...", b.n, b.label)
		for i := 0; i < b.n; i++ {
			num++
			e := &Event{
				Id:          uuid.New(),
				InstanceNum: num,
				Description: fmt.Sprintf("Event #%d", num),
				Price:       float64(num),
				StartTime:   b.at,
			}
			if err := s.events.Add(ctx, e); err != nil {
				return err
			}
		}
		fmt.Fprintln(s.out, "Done")
	}
	return nil
}

func (s *sample) today() time.Time {
	return s.now().UTC().Truncate(day)
}

func startTime(e *Event) any { return &e.StartTime }

// within covers [from, from+1 day) on the StartTime index.
func (s *sample) within(from time.Time) seek.Range[Event] {
	return seek.BoundedOn("StartTime", startTime, from, from.Add(day-time.Nanosecond))
}

func count[T any](seq iter.Seq2[*T, error]) (int, error) {
	n := 0
	for _, err := range seq {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func (s *sample) scanEvents(ctx context.Context) error {
	n, err := s.events.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "There are %d events\n", n)
	return nil
}

func (s *sample) scanDay(ctx context.Context, from time.Time, label string) error {
	n, err := count(s.events.IterateOver(ctx, s.within(from)))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "There are %d events from %s\n", n, label)
	return nil
}

func (s *sample) scanYesterday(ctx context.Context) error {
	return s.scanDay(ctx, s.today().Add(-day), "yesterday")
}

func (s *sample) scanToday(ctx context.Context) error {
	return s.scanDay(ctx, s.today(), "today")
}

func (s *sample) deleteDay(ctx context.Context, from time.Time) error {
	for e, err := range s.events.IterateOver(ctx, s.within(from)) {
		if err != nil {
			return err
		}
		if err := s.events.Delete(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *sample) deleteYesterday(ctx context.Context) error {
	fmt.Fprintln(s.out, "Deleting yesterday's events")
	if err := s.deleteDay(ctx, s.today().Add(-day)); err != nil {
		return err
	}
	if err := s.scanYesterday(ctx); err != nil {
		return err
	}
	return s.scanEvents(ctx)
}

func (s *sample) deleteToday(ctx context.Context) error {
	fmt.Fprintln(s.out, "Deleting today's events")
	if err := s.deleteDay(ctx, s.today()); err != nil {
		return err
	}
	if err := s.scanToday(ctx); err != nil {
		return err
	}
	return s.scanEvents(ctx)
}
