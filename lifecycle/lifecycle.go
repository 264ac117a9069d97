package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danthegoodman1/tierdb/catalog"
	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/ingest"
	"github.com/danthegoodman1/tierdb/merge"
	"github.com/danthegoodman1/tierdb/migrator"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var logger = gologger.NewLogger()

type (
	// Scheduler drives migration and compaction on a repeating cadence.
	// Tables are evaluated independently and concurrently, but a table never
	// overlaps with itself: migration and compaction of the same partition
	// are serialized behind the table's lock. Ingestion into not-yet-flushed
	// batches is unaffected.
	Scheduler struct {
		catalog  *catalog.Catalog
		migrator *migrator.Migrator
		merger   *merge.Coordinator
		buffer   *ingest.Buffer
		clock    clockwork.Clock

		mu         sync.Mutex
		tableLocks map[string]*sync.Mutex

		cancel context.CancelFunc
		done   chan struct{}
	}
)

func New(cat *catalog.Catalog, mig *migrator.Migrator, merger *merge.Coordinator, buf *ingest.Buffer, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		catalog:    cat,
		migrator:   mig,
		merger:     merger,
		buffer:     buf,
		clock:      clock,
		tableLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) tableLock(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, exists := s.tableLocks[table]
	if !exists {
		lock = &sync.Mutex{}
		s.tableLocks[table] = lock
	}
	return lock
}

// RunOnce evaluates and applies TTL directives, then compacts, for every
// table. Returns the first error per table joined, individual failures do not
// stop other tables.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, table := range s.catalog.Tables() {
		table := table
		g.Go(func() error {
			return s.runTable(ctx, table, now)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runTable(ctx context.Context, table string, now time.Time) error {
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	var firstErr error

	directives, err := s.migrator.Evaluate(table, now)
	if err != nil {
		return fmt.Errorf("error in Evaluate for %s: %w", table, err)
	}
	for _, d := range directives {
		if err := s.migrator.Apply(ctx, d); err != nil {
			// fail closed: partition stays on its tier, retried next pass
			logger.Error().Err(err).Str("table", table).Str("partition", d.Ref.Key).Str("action", string(d.Action)).Msg("error applying migration directive")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	partitions, err := s.catalog.Partitions(table)
	if err != nil {
		return fmt.Errorf("error in Partitions for %s: %w", table, err)
	}
	for _, p := range partitions {
		ref := catalog.PartitionRef{Table: table, Key: p.Key}
		if _, err := s.merger.Compact(ctx, ref); err != nil {
			// correctness unaffected, the partition keeps its pre-merge parts
			logger.Error().Err(err).Str("table", table).Str("partition", p.Key).Msg("error compacting partition")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ApplyNow synchronously runs one full pass, used at bootstrap so a freshly
// declared table's policies are enforced before serving. No-op on empty
// tables.
func (s *Scheduler) ApplyNow(ctx context.Context) error {
	return s.RunOnce(ctx, s.clock.Now())
}

// Start launches the repeating cadence and the buffer's flush checker.
func (s *Scheduler) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.buffer.Run(ctx)
	go func() {
		defer close(s.done)
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
			if err := s.RunOnce(ctx, s.clock.Now()); err != nil {
				logger.Error().Err(err).Msg("error in scheduler pass")
			}
		}
	}()
}

// Shutdown stops the cadence, letting an in-flight pass finish, then
// force-flushes every table so buffered rows are not lost.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.buffer.FlushAll(ctx); err != nil {
		return fmt.Errorf("error in FlushAll: %w", err)
	}
	return nil
}
