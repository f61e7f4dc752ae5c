// Package monitor orchestrates the telemetry engine: a worker pool of
// classifier lanes draining the frame channel, the periodic collection cycle
// (collect, persist, analyze, publish), and retention cleanup. No failure in
// the cycle ever back-pressures the packet path; a failing cycle is logged
// and leaves a gap in the time series.
package monitor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"flowscope/internal/analytics"
	"flowscope/internal/api"
	"flowscope/internal/engine/aggregate"
	"flowscope/internal/engine/classify"
	"flowscope/internal/model"
	"flowscope/internal/storage"
	"flowscope/internal/watchlist"
)

// SnapshotArchiver is an optional secondary sink for collected snapshots.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, snap *model.Snapshot) error
}

// Options configures a Monitor.
type Options struct {
	SnapshotInterval  time.Duration
	RetentionInterval time.Duration
	RetentionMaxAge   time.Duration
	NumWorkers        int
	FrameChannelSize  int
	Archiver          SnapshotArchiver // may be nil
}

// Monitor ties the classifier, tables, storage, analytics and API state
// together.
type Monitor struct {
	opts       Options
	tables     *aggregate.Tables
	classifier *classify.Classifier
	store      *storage.Store
	analyzer   *analytics.Analyzer
	state      *api.State

	frames  chan []byte
	aborted atomic.Uint64

	done        chan struct{}
	workerWg    sync.WaitGroup
	cycleWg     sync.WaitGroup
	retentionWg sync.WaitGroup
}

// New wires a monitor from its collaborators.
func New(opts Options, tables *aggregate.Tables, watch *watchlist.List, store *storage.Store, state *api.State) *Monitor {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.FrameChannelSize <= 0 {
		opts.FrameChannelSize = 4096
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 5 * time.Second
	}
	return &Monitor{
		opts:       opts,
		tables:     tables,
		classifier: classify.New(tables, watch),
		store:      store,
		analyzer:   analytics.NewAnalyzer(),
		state:      state,
		frames:     make(chan []byte, opts.FrameChannelSize),
		done:       make(chan struct{}),
	}
}

// Input returns the channel raw frames are fed into. Senders must stop
// sending before Stop is called.
func (m *Monitor) Input() chan<- []byte {
	return m.frames
}

// Start launches the worker pool, the collection cycle and the retention
// loop.
func (m *Monitor) Start() {
	m.workerWg.Add(m.opts.NumWorkers)
	for i := 0; i < m.opts.NumWorkers; i++ {
		go m.worker()
	}
	log.Printf("Monitor started with %d classifier workers.", m.opts.NumWorkers)

	m.cycleWg.Add(1)
	go m.runCycleLoop()
	log.Printf("Started collection cycle with interval %s.", m.opts.SnapshotInterval)

	if m.opts.RetentionInterval > 0 && m.opts.RetentionMaxAge > 0 {
		m.retentionWg.Add(1)
		go m.runRetention()
		log.Printf("Started retention loop: every %s, max age %s.", m.opts.RetentionInterval, m.opts.RetentionMaxAge)
	}
}

// Stop drains the workers, runs one final collect-and-persist pass and
// waits for all loops to exit. The process must not exit before the final
// pass completes.
func (m *Monitor) Stop() {
	log.Println("Monitor stopping...")
	close(m.frames)
	m.workerWg.Wait()

	close(m.done)
	m.cycleWg.Wait()
	m.retentionWg.Wait()

	if n := m.aborted.Load(); n > 0 {
		log.Printf("Monitor stopped. %d packets aborted on malformed headers.", n)
	} else {
		log.Println("Monitor stopped.")
	}
}

// worker is one classifier lane. Per-packet errors never halt the lane.
func (m *Monitor) worker() {
	defer m.workerWg.Done()
	for frame := range m.frames {
		if verdict, _ := m.classifier.Classify(frame); verdict == classify.Aborted {
			m.aborted.Add(1)
		}
	}
}

func (m *Monitor) runCycleLoop() {
	defer m.cycleWg.Done()
	ticker := time.NewTicker(m.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCycle()
		case <-m.done:
			// Final flush before exit, racing the next scheduled tick;
			// whichever fired first has already run, this one still runs.
			m.runCycle()
			return
		}
	}
}

// runCycle performs one collect/persist/analyze pass. Storage failures skip
// persistence for this interval but the dashboard still refreshes.
func (m *Monitor) runCycle() {
	snap := m.tables.Collect(time.Now())

	// The two sinks are independent: a failed primary write must not cost
	// the archive its copy, and vice versa.
	if err := m.store.StoreSnapshot(snap); err != nil {
		log.Printf("Failed to persist snapshot: %v", err)
	}
	if m.opts.Archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SnapshotInterval)
		if err := m.opts.Archiver.ArchiveSnapshot(ctx, snap); err != nil {
			log.Printf("Failed to archive snapshot: %v", err)
		}
		cancel()
	}

	m.state.SetDashboard(m.analyzer.Build(snap))
}

func (m *Monitor) runRetention() {
	defer m.retentionWg.Done()
	ticker := time.NewTicker(m.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-m.opts.RetentionMaxAge)
			deleted, err := m.store.Cleanup(cutoff)
			if err != nil {
				log.Printf("Retention cleanup failed: %v", err)
				continue
			}
			log.Printf("Retention cleanup removed %d records older than %s.", deleted, cutoff.Format(time.RFC3339))
		case <-m.done:
			return
		}
	}
}
