// Package store is the coordinator facade. It owns the backend adapters,
// the streaming pipeline, the read cache and the saga coordinator, and
// exposes the document-level operations: coordinated writes, cached reads,
// coordinated deletes and health fan-out.
package store

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"polystore.evalgo.org/backend"
	"polystore.evalgo.org/backend/couchdb"
	"polystore.evalgo.org/backend/neo4j"
	"polystore.evalgo.org/backend/postgres"
	"polystore.evalgo.org/backend/redisvec"
	"polystore.evalgo.org/backend/s3blob"
	"polystore.evalgo.org/cache"
	"polystore.evalgo.org/common"
	"polystore.evalgo.org/config"
	"polystore.evalgo.org/saga"
	"polystore.evalgo.org/streaming"
)

// Backends groups the adapters by role. Relational and Blob are mandatory;
// the others are optional and the write plan skips steps whose adapter or
// input is absent.
type Backends struct {
	Relational backend.Adapter
	Document   backend.Adapter
	Graph      backend.Adapter
	Vector     backend.Adapter
	Blob       backend.Adapter
}

// Options configures a Store built over existing adapters. Tests construct
// stores this way with in-memory adapters.
type Options struct {
	Backends  Backends
	Cache     cache.Config
	Streaming streaming.Config
	Saga      saga.Config

	Logger *logrus.Entry
}

// Store coordinates document operations across the configured backends.
type Store struct {
	backends    Backends
	pipeline    *streaming.Pipeline
	cache       *cache.Cache
	coordinator *saga.Coordinator
	reads       singleflight.Group
	log         *logrus.Entry

	state *saga.StateStore
	logs  []*saga.Log

	closeOnce sync.Once
	closeErr  error
}

// NewStore builds a store over pre-constructed adapters.
func NewStore(opts Options) (*Store, error) {
	if opts.Backends.Relational == nil {
		return nil, fmt.Errorf("store: relational backend is required")
	}
	if opts.Backends.Blob == nil {
		return nil, fmt.Errorf("store: blob backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "store")
	}
	if opts.Saga.Logger == nil {
		opts.Saga.Logger = opts.Logger.WithField("component", "saga")
	}
	if opts.Streaming.Logger == nil {
		opts.Streaming.Logger = opts.Logger.WithField("component", "streaming")
	}

	s := &Store{
		backends:    opts.Backends,
		pipeline:    streaming.New(opts.Backends.Blob, opts.Streaming),
		cache:       cache.New(opts.Cache),
		coordinator: saga.NewCoordinator(opts.Saga),
		log:         opts.Logger,
		state:       opts.Saga.State,
	}
	for _, l := range []*saga.Log{opts.Saga.EventLog, opts.Saga.FailedCleanups, opts.Saga.CriticalFailures} {
		if l != nil {
			s.logs = append(s.logs, l)
		}
	}
	return s, nil
}

// Open builds a store from configuration, connecting every configured
// backend.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	logger := common.NewComponentEntry(common.NewLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	}), "polystore", "store")

	relational, err := postgres.New(ctx, postgres.Config{
		URL:            cfg.Relational.URL,
		MaxConnections: cfg.Relational.MaxConnections,
		Migrate:        cfg.Relational.Migrate,
		Logger:         logger.WithField("backend", "postgres"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening relational backend: %w", err)
	}

	document, err := couchdb.New(ctx, couchdb.Config{
		URL:             cfg.Document.URL,
		Database:        cfg.Document.Database,
		Username:        cfg.Document.Username,
		Password:        cfg.Document.Password,
		CreateIfMissing: cfg.Document.CreateIfMissing,
		Logger:          logger.WithField("backend", "couchdb"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening document backend: %w", err)
	}

	graph, err := neo4j.New(ctx, neo4j.Config{
		URI:      cfg.Graph.URI,
		Username: cfg.Graph.Username,
		Password: cfg.Graph.Password,
		Logger:   logger.WithField("backend", "neo4j"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening graph backend: %w", err)
	}

	vector, err := redisvec.New(redisvec.Config{
		Address:  cfg.Vector.Address,
		Password: cfg.Vector.Password,
		DB:       cfg.Vector.DB,
		Logger:   logger.WithField("backend", "redis"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening vector backend: %w", err)
	}

	blob, err := s3blob.New(ctx, s3blob.Config{
		Endpoint:  cfg.Blob.Endpoint,
		Region:    cfg.Blob.Region,
		Bucket:    cfg.Blob.Bucket,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		PathStyle: cfg.Blob.PathStyle,
		Logger:    logger.WithField("backend", "s3"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob backend: %w", err)
	}

	state, err := saga.OpenState(cfg.Saga.StatePath)
	if err != nil {
		return nil, err
	}

	openLog := func(name string) (*saga.Log, error) {
		if cfg.Saga.LogDir == "" {
			return saga.OpenLog("")
		}
		return saga.OpenLog(filepath.Join(cfg.Saga.LogDir, name))
	}
	eventLog, err := openLog("saga-events.ndjson")
	if err != nil {
		return nil, err
	}
	failedCleanups, err := openLog("failed-cleanups.ndjson")
	if err != nil {
		return nil, err
	}
	criticalFailures, err := openLog("critical-failures.ndjson")
	if err != nil {
		return nil, err
	}

	return NewStore(Options{
		Backends: Backends{
			Relational: relational,
			Document:   document,
			Graph:      graph,
			Vector:     vector,
			Blob:       blob,
		},
		Cache: cache.Config{
			MaxSize:       cfg.Cache.MaxSize,
			MaxBytes:      cfg.Cache.MaxBytes,
			DefaultTTL:    cfg.Cache.DefaultTTL,
			SweepInterval: cfg.Cache.SweepInterval,
		},
		Streaming: streaming.Config{
			ChunkSize:   cfg.Streaming.ChunkSize,
			Buffer:      cfg.Streaming.BufferChunks,
			MaxAttempts: cfg.Streaming.MaxAttempts,
			Logger:      logger.WithField("component", "streaming"),
		},
		Saga: saga.Config{
			Retry:            saga.RetryPolicy{MaxAttempts: cfg.Saga.MaxAttempts, InitialDelay: saga.DefaultRetryPolicy().InitialDelay, Multiplier: saga.DefaultRetryPolicy().Multiplier, Jitter: saga.DefaultRetryPolicy().Jitter},
			Deadline:         cfg.Saga.Deadline,
			MaxConcurrent:    cfg.Saga.MaxConcurrent,
			State:            state,
			EventLog:         eventLog,
			FailedCleanups:   failedCleanups,
			CriticalFailures: criticalFailures,
			Logger:           logger.WithField("component", "saga"),
		},
		Logger: logger,
	})
}

// HealthReport maps backend names to their probe results.
type HealthReport map[string]backend.HealthStatus

// Healthy reports whether every configured backend is reachable.
func (r HealthReport) Healthy() bool {
	for _, status := range r {
		if status.State != backend.HealthReachable {
			return false
		}
	}
	return true
}

// Health probes every configured backend concurrently.
func (s *Store) Health(ctx context.Context) HealthReport {
	adapters := s.adapters()
	report := make(HealthReport, len(adapters))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a backend.Adapter) {
			defer wg.Done()
			status := a.Health(ctx)
			mu.Lock()
			report[a.Name()] = status
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return report
}

// CacheStats returns a snapshot of the read cache counters.
func (s *Store) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// adapters returns the configured adapters in plan order.
func (s *Store) adapters() []backend.Adapter {
	all := []backend.Adapter{
		s.backends.Relational,
		s.backends.Document,
		s.backends.Blob,
		s.backends.Vector,
		s.backends.Graph,
	}
	out := all[:0]
	for _, a := range all {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Close stops the cache sweeper and closes every adapter, the saga state
// store and the saga logs. Close is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cache.Close()

		var errs []error
		for _, a := range s.adapters() {
			if closer, ok := a.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, fmt.Errorf("closing %s: %w", a.Name(), err))
				}
			}
		}
		if s.state != nil {
			if err := s.state.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing saga state: %w", err))
			}
		}
		for _, l := range s.logs {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing saga log: %w", err))
			}
		}
		if len(errs) > 0 {
			s.closeErr = errs[0]
			for _, err := range errs[1:] {
				s.log.WithError(err).Error("closing store")
			}
		}
	})
	return s.closeErr
}
