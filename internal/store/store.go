package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"agora/internal/api"
	"agora/pkg/logging"
)

// reducerFn runs inside the writer transaction. It returns the reducer
// result and the events to publish atomically with the commit. The
// assigned commit sequence and the transaction timestamp are passed
// in so every row written by one reducer shares them.
type reducerFn func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error)

type reducerJob struct {
	name  string
	fn    reducerFn
	reply chan reducerReply
}

type reducerReply struct {
	result    interface{}
	commitSeq uint64
	events    []api.Event
	err       error
}

// Store is the coordination store. A single writer goroutine executes
// reducers serially; readers query the database directly.
type Store struct {
	db        *sql.DB
	writeCh   chan reducerJob
	urgentCh  chan reducerJob
	commitSeq atomic.Uint64
	done      chan struct{}

	commitCounter prometheus.Counter
	queueGauge    prometheus.Gauge
}

// Options configures Open.
type Options struct {
	// URI is the sqlite database path, or ":memory:" for tests.
	URI string

	// ReducerQueueDepth bounds the writer queue. Enqueues beyond it
	// fail with Overloaded.
	ReducerQueueDepth int

	// Registerer receives the store metrics; nil skips registration.
	Registerer prometheus.Registerer
}

// Open opens (creating if necessary) the coordination store and starts
// the writer.
func Open(opts Options) (*Store, error) {
	if opts.ReducerQueueDepth <= 0 {
		opts.ReducerQueueDepth = 256
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", opts.URI)
	if opts.URI == ":memory:" {
		// A shared cache keeps the writer and readers on one in-memory
		// database.
		dsn = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store at %s: %w", opts.URI, err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan reducerJob, opts.ReducerQueueDepth),
		urgentCh: make(chan reducerJob, 8),
		done:     make(chan struct{}),
		commitCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_store_commits_total",
			Help: "Committed reducers since process start.",
		}),
		queueGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agora_store_reducer_queue_depth",
			Help: "Reducer jobs waiting for the single writer.",
		}),
	}

	if err := s.loadCommitSequence(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.Registerer != nil {
		opts.Registerer.MustRegister(s.commitCounter, s.queueGauge)
	}

	go s.writerLoop()
	logging.Info("Store", "coordination store open at %s (commit sequence %d)", opts.URI, s.commitSeq.Load())
	return s, nil
}

// loadCommitSequence resumes the store-wide commit sequence across
// restarts.
func (s *Store) loadCommitSequence() error {
	var value sql.NullString
	err := s.db.QueryRow(`SELECT meta_value FROM meta WHERE meta_key = 'commit_seq'`).Scan(&value)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load commit sequence: %w", err)
	}
	var seq uint64
	if _, err := fmt.Sscanf(value.String, "%d", &seq); err != nil {
		return fmt.Errorf("corrupt commit sequence %q: %w", value.String, err)
	}
	s.commitSeq.Store(seq)
	return nil
}

// Close stops the writer and closes the database. Pending jobs fail.
func (s *Store) Close() error {
	close(s.done)
	return s.db.Close()
}

// CommitSequence returns the last committed store-wide sequence.
func (s *Store) CommitSequence() uint64 {
	return s.commitSeq.Load()
}

// DB exposes the underlying handle for components that share the
// database file, such as the audit log. Callers must not write to
// reducer-owned tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// writerLoop executes reducers one at a time. Urgent jobs (user
// overrides) take precedence over the normal queue.
func (s *Store) writerLoop() {
	for {
		// Drain urgent jobs first.
		select {
		case job := <-s.urgentCh:
			s.execute(job)
			continue
		default:
		}

		select {
		case <-s.done:
			return
		case job := <-s.urgentCh:
			s.execute(job)
		case job := <-s.writeCh:
			s.execute(job)
		}
	}
}

// execute runs one reducer inside a transaction, assigns the commit
// sequence, and publishes the emitted events after commit. Transient
// I/O failures are retried up to a fixed budget.
func (s *Store) execute(job reducerJob) {
	s.queueGauge.Set(float64(len(s.writeCh)))

	const ioRetryBudget = 3
	var reply reducerReply

	for attempt := 0; ; attempt++ {
		reply = s.runOnce(job)
		if reply.err == nil || api.KindOf(reply.err) != api.KindInternal || attempt >= ioRetryBudget {
			break
		}
		logging.Warn("Store", "reducer %s transient failure (attempt %d): %v", job.name, attempt+1, reply.err)
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	if reply.err == nil {
		s.commitCounter.Inc()
		if fabric := api.GetFabric(); fabric != nil && len(reply.events) > 0 {
			fabric.Publish(reply.events)
		}
	}
	job.reply <- reply
}

// runOnce performs a single transactional attempt of a reducer.
func (s *Store) runOnce(job reducerJob) reducerReply {
	tx, err := s.db.Begin()
	if err != nil {
		return reducerReply{err: wrapInternal(err)}
	}

	commitSeq := s.commitSeq.Load() + 1
	now := time.Now().UTC()

	result, events, err := job.fn(tx, commitSeq, now)
	if err != nil {
		tx.Rollback()
		return reducerReply{err: err}
	}

	if _, err := tx.Exec(
		`INSERT INTO meta (meta_key, meta_value) VALUES ('commit_seq', ?)
		 ON CONFLICT(meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		fmt.Sprintf("%d", commitSeq)); err != nil {
		tx.Rollback()
		return reducerReply{err: wrapInternal(err)}
	}

	if err := tx.Commit(); err != nil {
		return reducerReply{err: wrapInternal(err)}
	}

	s.commitSeq.Store(commitSeq)
	return reducerReply{result: result, commitSeq: commitSeq, events: events}
}

// submit enqueues a reducer on the normal queue. A full queue fails
// fast with Overloaded; waiting past the caller's deadline fails with
// DeadlineExceeded but does not cancel the reducer, which may still
// commit.
func (s *Store) submit(ctx context.Context, name string, fn reducerFn) (interface{}, uint64, error) {
	return s.enqueue(ctx, name, fn, s.writeCh)
}

// submitUrgent enqueues a reducer on the urgent queue, ahead of any
// queued normal writes. Used by user overrides.
func (s *Store) submitUrgent(ctx context.Context, name string, fn reducerFn) (interface{}, uint64, error) {
	return s.enqueue(ctx, name, fn, s.urgentCh)
}

func (s *Store) enqueue(ctx context.Context, name string, fn reducerFn, ch chan reducerJob) (interface{}, uint64, error) {
	job := reducerJob{name: name, fn: fn, reply: make(chan reducerReply, 1)}

	select {
	case ch <- job:
	default:
		return nil, 0, api.NewOverloadedError("reducer queue full (%d pending)", len(ch))
	}

	select {
	case reply := <-job.reply:
		return reply.result, reply.commitSeq, reply.err
	case <-ctx.Done():
		return nil, 0, api.NewError(api.KindDeadlineExceeded,
			"deadline elapsed before reducer %s committed (the reducer may still commit)", name)
	}
}

func wrapInternal(err error) error {
	e := api.NewInternalError(err)
	logging.Error("Store", err, "internal store failure (correlation %s)", e.CorrelationID)
	return e
}

// millis converts a time to the stored millisecond representation.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts a stored millisecond timestamp back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
